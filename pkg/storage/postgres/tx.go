package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// pgTx implements storage.Tx over one sqlx transaction
type pgTx struct {
	tx  *sqlx.Tx
	ctx context.Context
}

func (t *pgTx) Enqueue(crawlID, normalizedURL string, depth int) (bool, error) {
	return t.execInsert(enqueueItem, crawlID, utils.URLKey(normalizedURL), normalizedURL, depth)
}

func (t *pgTx) ClaimBatch(crawlID string, limit int, allow func(string) bool) (claimed, skipped []models.QueueItem, err error) {
	for len(claimed) < limit {
		var rows []models.QueueItem
		if err := t.tx.SelectContext(t.ctx, &rows, claimPending, crawlID, limit-len(claimed)); err != nil {
			return nil, nil, fmt.Errorf("%w: claiming batch: %w", utils.ErrDatabase, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, item := range rows {
			next, message := models.QueueStatusProcessing, ""
			if allow != nil && !allow(item.URL) {
				next, message = models.QueueStatusSkippedRobots, utils.CategorizeError(utils.ErrRobotsDisallowed)
			}
			if err := t.apply(&item, next, message); err != nil {
				return nil, nil, err
			}
			if next == models.QueueStatusProcessing {
				claimed = append(claimed, item)
			} else {
				skipped = append(skipped, item)
			}
		}
	}
	return claimed, skipped, nil
}

func (t *pgTx) SetQueueStatus(crawlID, urlKey string, next models.QueueStatus, message string) error {
	var item models.QueueItem
	err := t.tx.GetContext(t.ctx, &item, lockQueueItem, crawlID, urlKey)
	if errors.Is(err, sql.ErrNoRows) {
		return utils.WrapErrorf(utils.ErrQueueItemNotFound, "key %s", urlKey)
	}
	if err != nil {
		return fmt.Errorf("%w: locking queue item: %w", utils.ErrDatabase, err)
	}
	return t.apply(&item, next, message)
}

// apply validates and writes one transition of a locked row
func (t *pgTx) apply(item *models.QueueItem, next models.QueueStatus, message string) error {
	if !item.Status.CanTransition(next) {
		return utils.WrapErrorf(utils.ErrInvalidTransition, "%s -> %s for %s", item.Status, next, item.URL)
	}
	if _, err := t.tx.ExecContext(t.ctx, setQueueStatus, item.CrawlID, item.URLKey, string(next), message); err != nil {
		return fmt.Errorf("%w: updating queue item: %w", utils.ErrDatabase, err)
	}
	item.Status = next
	item.ErrorMessage = message
	return nil
}

func (t *pgTx) RecoverStuck(crawlID string) (int, error) {
	res, err := t.tx.ExecContext(t.ctx, recoverStuck, crawlID)
	if err != nil {
		return 0, fmt.Errorf("%w: recovering stuck items: %w", utils.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *pgTx) InsertPage(page *models.Page) (bool, error) {
	page.URLKey = utils.URLKey(page.URL)
	row, err := toPageRow(page)
	if err != nil {
		return false, fmt.Errorf("%w: encoding page %s: %v", utils.ErrParsing, page.URL, err)
	}
	res, err := t.tx.NamedExecContext(t.ctx, insertPage, row)
	if err != nil {
		return false, fmt.Errorf("%w: inserting page: %w", utils.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (t *pgTx) InsertLink(l *models.Link) (bool, error) {
	return t.execInsert(insertLink, l.CrawlID, storage.LinkKey(l), l.SourceURL, l.TargetURL,
		l.Href, l.Anchor, l.Snippet, l.Internal, l.Nofollow, createdAt(l.CreatedAt))
}

func (t *pgTx) InsertIssue(is *models.Issue) (bool, error) {
	key := storage.IssueKey(is)
	if is.ID == "" {
		is.ID = key
	}
	return t.execInsert(insertIssue, is.CrawlID, key, is.ID, is.PageID, is.URL, is.Type, string(is.Severity),
		is.Message, is.Description, is.Recommendation, createdAt(is.CreatedAt))
}

func (t *pgTx) InsertLinkAudit(a *models.LinkAudit) (bool, error) {
	chain, err := json.Marshal(a.RedirectChain)
	if err != nil {
		return false, fmt.Errorf("%w: encoding redirect chain: %v", utils.ErrParsing, err)
	}
	return t.execInsert(insertAudit, a.CrawlID, storage.LinkAuditKey(a), a.SourceURL, a.SourcePageID, a.Href,
		a.TargetURL, a.ResolvedURL, a.Canonical, a.MismatchKind, string(a.Severity), a.RedirectHops, chain,
		a.OriginalSnippet, a.FixSnippet, createdAt(a.CreatedAt))
}

func (t *pgTx) IncrementCrawled(crawlID string, n int) error {
	res, err := t.tx.ExecContext(t.ctx, incrementCrawled, crawlID, n)
	if err != nil {
		return fmt.Errorf("%w: incrementing crawled counter: %w", utils.ErrDatabase, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
	}
	return nil
}

func (t *pgTx) AppendLog(e *models.LogEntry) error {
	e.CreatedAt = createdAt(e.CreatedAt)
	var seq int64
	if err := t.tx.QueryRowxContext(t.ctx, appendLog, e.CrawlID, e.Level, e.Message, e.URL, e.CreatedAt).Scan(&seq); err != nil {
		return fmt.Errorf("%w: appending log: %w", utils.ErrDatabase, err)
	}
	e.Seq = uint64(seq)
	return nil
}

// execInsert runs an ON CONFLICT DO NOTHING insert and reports whether a row was created
func (t *pgTx) execInsert(query string, args ...any) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: insert: %w", utils.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
