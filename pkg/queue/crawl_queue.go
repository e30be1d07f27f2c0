// Package queue owns a crawl's frontier on top of the shared store: URL normalization,
// the depth ceiling and the legal status transitions.
package queue

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// CrawlQueue is the frontier of crawls sharing one depth ceiling.
// Methods taking a storage.Tx join the caller's transaction; the others run their own.
type CrawlQueue struct {
	store    storage.Store
	maxDepth int
	log      *logrus.Entry
}

// New creates a CrawlQueue; maxDepth of 0 means only seeds are crawled
func New(store storage.Store, maxDepth int, log *logrus.Entry) *CrawlQueue {
	return &CrawlQueue{
		store:    store,
		maxDepth: maxDepth,
		log:      log.WithField("component", "queue"),
	}
}

// Seed inserts the crawl's start URL at depth 0 and returns its normalized form
func (q *CrawlQueue) Seed(ctx context.Context, crawlID, rawURL string) (string, error) {
	normalized, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return "", err
	}
	err = q.store.Update(ctx, func(tx storage.Tx) error {
		_, err := tx.Enqueue(crawlID, normalized, 0)
		return err
	})
	return normalized, err
}

// Enqueue normalizes rawURL and inserts it PENDING at depth.
// Returns false without error for duplicates and for depths beyond the ceiling.
func (q *CrawlQueue) Enqueue(tx storage.Tx, crawlID, rawURL string, depth int) (bool, error) {
	if depth > q.maxDepth {
		return false, nil
	}
	normalized, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return false, err
	}
	return tx.Enqueue(crawlID, normalized, depth)
}

// EnqueueChild inserts a link discovered on parent one level deeper
func (q *CrawlQueue) EnqueueChild(tx storage.Tx, parent models.QueueItem, rawURL string) (bool, error) {
	return q.Enqueue(tx, parent.CrawlID, rawURL, parent.Depth+1)
}

// ClaimBatch atomically moves up to limit PENDING items to PROCESSING, breadth first.
// Items allow rejects are marked SKIPPED_ROBOTS in the same transaction and never returned as claimed.
func (q *CrawlQueue) ClaimBatch(ctx context.Context, crawlID string, limit int, allow func(url string) bool) (claimed, skipped []models.QueueItem, err error) {
	err = q.store.Update(ctx, func(tx storage.Tx) (err error) {
		claimed, skipped, err = tx.ClaimBatch(crawlID, limit, allow)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if len(skipped) > 0 {
		q.log.WithField("crawl_id", crawlID).Debugf("Skipped %d URLs disallowed by robots.txt", len(skipped))
	}
	return claimed, skipped, nil
}

// RecoverStuck resets all PROCESSING items of a crawl to PENDING.
// Only safe while the caller holds the crawl's lease.
func (q *CrawlQueue) RecoverStuck(ctx context.Context, crawlID string) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx storage.Tx) (err error) {
		n, err = tx.RecoverStuck(crawlID)
		return err
	})
	if n > 0 {
		q.log.WithField("crawl_id", crawlID).Warnf("Recovered %d stuck PROCESSING items", n)
	}
	return n, err
}

// MarkDone marks a claimed item CRAWLED
func (q *CrawlQueue) MarkDone(tx storage.Tx, item models.QueueItem) error {
	return tx.SetQueueStatus(item.CrawlID, item.URLKey, models.QueueStatusCrawled, "")
}

// MarkError marks a claimed item ERROR with a reason
func (q *CrawlQueue) MarkError(tx storage.Tx, item models.QueueItem, message string) error {
	return tx.SetQueueStatus(item.CrawlID, item.URLKey, models.QueueStatusError, message)
}

// MarkSkippedRobots marks a PENDING item SKIPPED_ROBOTS
func (q *CrawlQueue) MarkSkippedRobots(tx storage.Tx, item models.QueueItem) error {
	return tx.SetQueueStatus(item.CrawlID, item.URLKey, models.QueueStatusSkippedRobots,
		utils.CategorizeError(utils.ErrRobotsDisallowed))
}

// Defer returns a claimed item to PENDING for the next batch
func (q *CrawlQueue) Defer(tx storage.Tx, item models.QueueItem, reason string) error {
	return tx.SetQueueStatus(item.CrawlID, item.URLKey, models.QueueStatusPending, reason)
}

// Remaining counts the crawl frontier: items not yet in a terminal state
func (q *CrawlQueue) Remaining(ctx context.Context, crawlID string) (pending, processing int, err error) {
	counts, err := q.store.QueueCounts(ctx, crawlID)
	if err != nil {
		return 0, 0, err
	}
	return counts[models.QueueStatusPending], counts[models.QueueStatusProcessing], nil
}
