package storage

import (
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// badgerTx implements Tx over one read-write badger transaction
type badgerTx struct {
	txn *badger.Txn
	now time.Time
}

func (t *badgerTx) Enqueue(crawlID, normalizedURL string, depth int) (bool, error) {
	urlKey := utils.URLKey(normalizedURL)
	key := queueKey(crawlID, urlKey)
	if found, err := exists(t.txn, key); err != nil || found {
		return false, err
	}
	seq, err := nextSeq(t.txn, queueSeqKeyPrefix+crawlID)
	if err != nil {
		return false, err
	}
	item := &models.QueueItem{
		CrawlID:   crawlID,
		URLKey:    urlKey,
		URL:       normalizedURL,
		Depth:     depth,
		Status:    models.QueueStatusPending,
		Seq:       seq,
		UpdatedAt: t.now,
	}
	if err := setJSON(t.txn, key, item); err != nil {
		return false, err
	}
	return true, t.txn.Set([]byte(queueIdxKey(item)), []byte(urlKey))
}

func (t *badgerTx) ClaimBatch(crawlID string, limit int, allow func(string) bool) (claimed, skipped []models.QueueItem, err error) {
	prefix := []byte(queueIdxPrefix + crawlID + ":" + string(models.QueueStatusPending) + ":")
	for len(claimed) < limit {
		// Read-write transactions allow one open iterator, so collect first and mutate after
		urlKeys, err := t.indexedKeys(prefix, limit-len(claimed))
		if err != nil {
			return nil, nil, err
		}
		if len(urlKeys) == 0 {
			break
		}
		for _, urlKey := range urlKeys {
			item, err := t.loadItem(crawlID, urlKey)
			if err != nil {
				return nil, nil, err
			}
			next, message := models.QueueStatusProcessing, ""
			if allow != nil && !allow(item.URL) {
				next, message = models.QueueStatusSkippedRobots, utils.CategorizeError(utils.ErrRobotsDisallowed)
			}
			if err := t.transition(item, next, message); err != nil {
				return nil, nil, err
			}
			if next == models.QueueStatusProcessing {
				claimed = append(claimed, *item)
			} else {
				skipped = append(skipped, *item)
			}
		}
	}
	return claimed, skipped, nil
}

func (t *badgerTx) SetQueueStatus(crawlID, urlKey string, next models.QueueStatus, message string) error {
	item, err := t.loadItem(crawlID, urlKey)
	if err != nil {
		return err
	}
	return t.transition(item, next, message)
}

func (t *badgerTx) RecoverStuck(crawlID string) (int, error) {
	prefix := []byte(queueIdxPrefix + crawlID + ":" + string(models.QueueStatusProcessing) + ":")
	urlKeys, err := t.indexedKeys(prefix, 0)
	if err != nil {
		return 0, err
	}
	for _, urlKey := range urlKeys {
		item, err := t.loadItem(crawlID, urlKey)
		if err != nil {
			return 0, err
		}
		if err := t.transition(item, models.QueueStatusPending, ""); err != nil {
			return 0, err
		}
	}
	return len(urlKeys), nil
}

func (t *badgerTx) InsertPage(page *models.Page) (bool, error) {
	page.URLKey = utils.URLKey(page.URL)
	return t.insertOnce(pageKey(page.CrawlID, page.URLKey), page)
}

func (t *badgerTx) InsertLink(link *models.Link) (bool, error) {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = t.now
	}
	return t.insertOnce(linkKeyPrefix+link.CrawlID+":"+LinkKey(link), link)
}

func (t *badgerTx) InsertIssue(issue *models.Issue) (bool, error) {
	key := IssueKey(issue)
	if issue.ID == "" {
		issue.ID = key
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = t.now
	}
	return t.insertOnce(issueKeyPrefix+issue.CrawlID+":"+key, issue)
}

func (t *badgerTx) InsertLinkAudit(audit *models.LinkAudit) (bool, error) {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = t.now
	}
	return t.insertOnce(auditKeyPrefix+audit.CrawlID+":"+LinkAuditKey(audit), audit)
}

func (t *badgerTx) IncrementCrawled(crawlID string, n int) error {
	var c models.Crawl
	found, err := getJSON(t.txn, crawlKey(crawlID), &c)
	if err != nil {
		return err
	}
	if !found {
		return utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
	}
	c.URLsCrawled += int64(n)
	c.UpdatedAt = t.now
	return setJSON(t.txn, crawlKey(crawlID), &c)
}

func (t *badgerTx) AppendLog(entry *models.LogEntry) error {
	seq, err := nextSeq(t.txn, logSeqKeyPrefix+entry.CrawlID)
	if err != nil {
		return err
	}
	entry.Seq = seq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	return setJSON(t.txn, logKey(entry.CrawlID, seq), entry)
}

// insertOnce writes v under key unless the key already exists
func (t *badgerTx) insertOnce(key string, v any) (bool, error) {
	if found, err := exists(t.txn, key); err != nil || found {
		return false, err
	}
	return true, setJSON(t.txn, key, v)
}

func (t *badgerTx) loadItem(crawlID, urlKey string) (*models.QueueItem, error) {
	var item models.QueueItem
	found, err := getJSON(t.txn, queueKey(crawlID, urlKey), &item)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, utils.WrapErrorf(utils.ErrQueueItemNotFound, "key %s", urlKey)
	}
	return &item, nil
}

// transition moves item to next, keeping its status index entry in step
func (t *badgerTx) transition(item *models.QueueItem, next models.QueueStatus, message string) error {
	if !item.Status.CanTransition(next) {
		return utils.WrapErrorf(utils.ErrInvalidTransition, "%s -> %s for %s", item.Status, next, item.URL)
	}
	if err := t.txn.Delete([]byte(queueIdxKey(item))); err != nil {
		return err
	}
	item.Status = next
	item.ErrorMessage = message
	item.UpdatedAt = t.now
	if err := setJSON(t.txn, queueKey(item.CrawlID, item.URLKey), item); err != nil {
		return err
	}
	return t.txn.Set([]byte(queueIdxKey(item)), []byte(item.URLKey))
}

// indexedKeys returns the url keys stored under a queue index prefix, in index order
func (t *badgerTx) indexedKeys(prefix []byte, limit int) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		keys = append(keys, string(val))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}
