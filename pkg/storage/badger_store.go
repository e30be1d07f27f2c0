package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/log"
	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// Key layout. Every per-crawl key is "<prefix><crawlID>:<suffix>".
const (
	crawlKeyPrefix    = "crawl:"
	queueKeyPrefix    = "q:"  // q:<crawl>:<urlKey> -> QueueItem
	queueIdxPrefix    = "qi:" // qi:<crawl>:<status>:<depth>:<seq>:<urlKey> -> urlKey
	queueSeqKeyPrefix = "qseq:"
	pageKeyPrefix     = "page:"
	linkKeyPrefix     = "link:"
	issueKeyPrefix    = "issue:"
	auditKeyPrefix    = "audit:"
	logKeyPrefix      = "log:"
	logSeqKeyPrefix   = "logseq:"
	leaseKeyPrefix    = "lease:"

	auditDBDir = "audit_db" // Subdirectory name within stateDir for Badger DB files
)

// childPrefixes are deleted chunk by chunk when a crawl is removed
var childPrefixes = []string{
	queueKeyPrefix, queueIdxPrefix, pageKeyPrefix, linkKeyPrefix,
	issueKeyPrefix, auditKeyPrefix, logKeyPrefix,
}

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerStore opens (or creates) the audit database under stateDir
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, auditDBDir)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}
	logger = logger.WithField("component", "store")
	logger.Infof("Opening audit database at: %s", dbPath)

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %v", utils.ErrDatabase, dbPath, err)
	}
	return &BadgerStore{db: db, log: logger}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Update implements Store
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.dbUpdate(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, now: time.Now().UTC()})
	})
}

// --- Crawls ---

// CreateCrawl implements CrawlStore
func (s *BadgerStore) CreateCrawl(ctx context.Context, crawl *models.Crawl) error {
	return s.wrapDB("creating crawl", s.dbUpdate(func(txn *badger.Txn) error {
		return setJSON(txn, crawlKey(crawl.ID), crawl)
	}))
}

// GetCrawl implements CrawlStore
func (s *BadgerStore) GetCrawl(ctx context.Context, crawlID string) (*models.Crawl, error) {
	var crawl models.Crawl
	var found bool
	err := s.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, crawlKey(crawlID), &crawl)
		return err
	})
	if err != nil {
		return nil, s.wrapDB("reading crawl", err)
	}
	if !found {
		return nil, utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
	}
	return &crawl, nil
}

// ListCrawls implements CrawlStore. Newest first.
func (s *BadgerStore) ListCrawls(ctx context.Context) ([]models.Crawl, error) {
	var crawls []models.Crawl
	err := s.scanJSON(ctx, []byte(crawlKeyPrefix), func(val []byte) error {
		var c models.Crawl
		if err := json.Unmarshal(val, &c); err != nil {
			s.log.Warnf("Skipping undecodable crawl record: %v", err)
			return nil
		}
		crawls = append(crawls, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(crawls, func(i, j int) bool { return crawls[i].CreatedAt.After(crawls[j].CreatedAt) })
	return crawls, nil
}

// SetCrawlStatus implements CrawlStore
func (s *BadgerStore) SetCrawlStatus(ctx context.Context, crawlID string, status models.CrawlStatus) error {
	if !status.IsValid() {
		return utils.WrapErrorf(utils.ErrInvalidTransition, "unknown crawl status %q", string(status))
	}
	return s.updateCrawl(crawlID, func(c *models.Crawl, now time.Time) {
		c.Status = status
		if status == models.CrawlStatusCompleted {
			c.CompletedAt = &now
		}
	})
}

// SetAnalyzed implements CrawlStore
func (s *BadgerStore) SetAnalyzed(ctx context.Context, crawlID string, at time.Time) error {
	return s.updateCrawl(crawlID, func(c *models.Crawl, _ time.Time) {
		at := at.UTC()
		c.AnalyzedAt = &at
	})
}

func (s *BadgerStore) updateCrawl(crawlID string, mutate func(c *models.Crawl, now time.Time)) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		var c models.Crawl
		found, err := getJSON(txn, crawlKey(crawlID), &c)
		if err != nil {
			return err
		}
		if !found {
			return utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
		}
		now := time.Now().UTC()
		mutate(&c, now)
		c.UpdatedAt = now
		return setJSON(txn, crawlKey(crawlID), &c)
	})
	if errors.Is(err, utils.ErrCrawlNotFound) {
		return err
	}
	return s.wrapDB("updating crawl", err)
}

// DeleteCrawl implements CrawlStore. Each child prefix is drained chunkSize keys per transaction.
func (s *BadgerStore) DeleteCrawl(ctx context.Context, crawlID string, chunkSize int) (int, error) {
	if _, err := s.GetCrawl(ctx, crawlID); err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	deleteLog := s.log.WithField("crawl_id", crawlID)

	removed := 0
	for _, prefix := range childPrefixes {
		p := []byte(prefix + crawlID + ":")
		for {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			keys, err := s.collectKeys(p, chunkSize)
			if err != nil {
				return removed, s.wrapDB("collecting keys for delete", err)
			}
			if len(keys) == 0 {
				break
			}
			if err := s.dbUpdate(func(txn *badger.Txn) error {
				for _, k := range keys {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return removed, s.wrapDB("deleting chunk", err)
			}
			if prefix != queueIdxPrefix {
				removed += len(keys)
			}
			deleteLog.Debugf("Deleted %d keys with prefix %s", len(keys), prefix)
		}
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		for _, k := range []string{crawlKey(crawlID), queueSeqKeyPrefix + crawlID, logSeqKeyPrefix + crawlID, leaseKeyPrefix + crawlID} {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return removed, s.wrapDB("deleting crawl record", err)
	}
	deleteLog.Infof("Crawl deleted (%d child records)", removed)
	return removed, nil
}

// --- Lease ---

// AcquireLease implements LeaseStore. Badger expires the key itself once ttl elapses.
func (s *BadgerStore) AcquireLease(ctx context.Context, crawlID, owner string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second // Badger TTLs have second granularity
	}
	key := []byte(leaseKeyPrefix + crawlID)
	acquired := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		acquired = false
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			holder, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(holder) != owner {
				return nil
			}
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(key, []byte(owner)).WithTTL(ttl))
	})
	if err != nil {
		return false, s.wrapDB("acquiring lease", err)
	}
	return acquired, nil
}

// ReleaseLease implements LeaseStore. Releasing a lease held by someone else is a no-op.
func (s *BadgerStore) ReleaseLease(ctx context.Context, crawlID, owner string) error {
	key := []byte(leaseKeyPrefix + crawlID)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		holder, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(holder) != owner {
			return nil
		}
		return txn.Delete(key)
	})
	return s.wrapDB("releasing lease", err)
}

// --- Queries ---

// GetQueueItem implements QueryStore
func (s *BadgerStore) GetQueueItem(ctx context.Context, crawlID, normalizedURL string) (*models.QueueItem, error) {
	var item models.QueueItem
	var found bool
	err := s.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, queueKey(crawlID, utils.URLKey(normalizedURL)), &item)
		return err
	})
	if err != nil {
		return nil, s.wrapDB("reading queue item", err)
	}
	if !found {
		return nil, utils.WrapErrorf(utils.ErrQueueItemNotFound, "%s", normalizedURL)
	}
	return &item, nil
}

// QueueCounts implements QueryStore. Only index keys are read.
func (s *BadgerStore) QueueCounts(ctx context.Context, crawlID string) (map[models.QueueStatus]int, error) {
	counts := map[models.QueueStatus]int{}
	prefix := []byte(queueIdxPrefix + crawlID + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			status, _, _ := bytes.Cut(rest, []byte(":"))
			counts[models.QueueStatus(status)]++
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapDB("counting queue", err)
	}
	return counts, nil
}

// GetPage implements QueryStore
func (s *BadgerStore) GetPage(ctx context.Context, crawlID, normalizedURL string) (*models.Page, error) {
	var page models.Page
	var found bool
	err := s.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, pageKey(crawlID, utils.URLKey(normalizedURL)), &page)
		return err
	})
	if err != nil {
		return nil, s.wrapDB("reading page", err)
	}
	if !found {
		return nil, utils.WrapErrorf(utils.ErrPageNotFound, "%s", normalizedURL)
	}
	return &page, nil
}

// ListPages implements QueryStore. Sorted by URL.
func (s *BadgerStore) ListPages(ctx context.Context, crawlID string, q models.PageQuery) ([]models.Page, int, error) {
	var pages []models.Page
	err := s.ForEachPage(ctx, crawlID, func(p *models.Page) error {
		if PageMatches(p, q.Search) {
			pages = append(pages, *p)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].URL < pages[j].URL })
	return paginate(pages, q.Offset, q.Limit), len(pages), nil
}

// ForEachPage implements QueryStore
func (s *BadgerStore) ForEachPage(ctx context.Context, crawlID string, fn func(*models.Page) error) error {
	return s.scanJSON(ctx, []byte(pageKeyPrefix+crawlID+":"), func(val []byte) error {
		var p models.Page
		if err := json.Unmarshal(val, &p); err != nil {
			s.log.Warnf("Skipping undecodable page record: %v", err)
			return nil
		}
		return fn(&p)
	})
}

// ForEachLink implements QueryStore
func (s *BadgerStore) ForEachLink(ctx context.Context, crawlID string, fn func(*models.Link) error) error {
	return s.scanJSON(ctx, []byte(linkKeyPrefix+crawlID+":"), func(val []byte) error {
		var l models.Link
		if err := json.Unmarshal(val, &l); err != nil {
			s.log.Warnf("Skipping undecodable link record: %v", err)
			return nil
		}
		return fn(&l)
	})
}

// ListIssues implements QueryStore
func (s *BadgerStore) ListIssues(ctx context.Context, crawlID string, f models.IssueFilter) ([]models.Issue, int, error) {
	var issues []models.Issue
	err := s.scanJSON(ctx, []byte(issueKeyPrefix+crawlID+":"), func(val []byte) error {
		var issue models.Issue
		if err := json.Unmarshal(val, &issue); err != nil {
			return nil
		}
		if IssueMatches(&issue, f) {
			issues = append(issues, issue)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	SortIssues(issues)
	return paginate(issues, f.Offset, f.Limit), len(issues), nil
}

// ListLinkAudits implements QueryStore. Sorted by source page then href.
func (s *BadgerStore) ListLinkAudits(ctx context.Context, crawlID string, offset, limit int) ([]models.LinkAudit, int, error) {
	var audits []models.LinkAudit
	err := s.scanJSON(ctx, []byte(auditKeyPrefix+crawlID+":"), func(val []byte) error {
		var a models.LinkAudit
		if err := json.Unmarshal(val, &a); err != nil {
			return nil
		}
		audits = append(audits, a)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(audits, func(i, j int) bool {
		if audits[i].SourceURL != audits[j].SourceURL {
			return audits[i].SourceURL < audits[j].SourceURL
		}
		return audits[i].Href < audits[j].Href
	})
	return paginate(audits, offset, limit), len(audits), nil
}

// ListLogs implements QueryStore
func (s *BadgerStore) ListLogs(ctx context.Context, crawlID string, limit int) ([]models.LogEntry, error) {
	_, limit = Window(0, limit)
	prefix := []byte(logKeyPrefix + crawlID + ":")
	var entries []models.LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid() && len(entries) < limit; it.Next() {
			var e models.LogEntry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapDB("listing logs", err)
	}
	return entries, nil
}

// PruneLogs implements QueryStore
func (s *BadgerStore) PruneLogs(ctx context.Context, crawlID string, keep int) (int, error) {
	prefix := []byte(logKeyPrefix + crawlID + ":")
	keys, err := s.collectKeys(prefix, 0)
	if err != nil {
		return 0, s.wrapDB("collecting logs", err)
	}
	excess := len(keys) - keep
	if excess <= 0 {
		return 0, nil
	}
	// Keys are zero-padded sequence numbers, so the oldest come first
	stale := keys[:excess]
	const chunk = 1000
	for start := 0; start < len(stale); start += chunk {
		end := min(start+chunk, len(stale))
		if err := s.dbUpdate(func(txn *badger.Txn) error {
			for _, k := range stale[start:end] {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return start, s.wrapDB("pruning logs", err)
		}
	}
	return excess, nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5) // Rewrite while at least half a log file is reclaimable
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB GC: %v", ctx.Err())
			return
		}
	}
}

// Close implements Store
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	s.log.Info("Closing audit DB...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing audit DB: %v", err)
		return err
	}
	return nil
}

// --- helpers ---

func (s *BadgerStore) wrapDB(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, utils.ErrDatabase) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Errorf("DB error %s: %v", action, err)
	return fmt.Errorf("%w: %s: %w", utils.ErrDatabase, action, err)
}

// scanJSON calls fn with each value under prefix, in key order
func (s *BadgerStore) scanJSON(ctx context.Context, prefix []byte, fn func(val []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrapDB("scanning "+string(prefix), err)
}

// collectKeys copies up to limit keys under prefix; limit 0 means all
func (s *BadgerStore) collectKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

func getJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", utils.ErrParsing, key, err)
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func crawlKey(crawlID string) string { return crawlKeyPrefix + crawlID }

func queueKey(crawlID, urlKey string) string { return queueKeyPrefix + crawlID + ":" + urlKey }

func queueIdxKey(item *models.QueueItem) string {
	return fmt.Sprintf("%s%s:%s:%06d:%020d:%s", queueIdxPrefix, item.CrawlID, item.Status, item.Depth, item.Seq, item.URLKey)
}

func pageKey(crawlID, urlKey string) string { return pageKeyPrefix + crawlID + ":" + urlKey }

func logKey(crawlID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", logKeyPrefix, crawlID, seq)
}

// nextSeq increments a per-crawl counter inside txn
func nextSeq(txn *badger.Txn, key string) (uint64, error) {
	var seq uint64
	if _, err := getJSON(txn, key, &seq); err != nil {
		return 0, err
	}
	seq++
	return seq, setJSON(txn, key, seq)
}
