package queue

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestQueue(t *testing.T, maxDepth int) (*CrawlQueue, storage.Store) {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	now := time.Now().UTC()
	require.NoError(t, store.CreateCrawl(context.Background(), &models.Crawl{
		ID: "c1", Domain: "example.com", Status: models.CrawlStatusRunning, CreatedAt: now, UpdatedAt: now,
	}))
	return New(store, maxDepth, testLogger()), store
}

func TestSeed_Normalizes(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()

	normalized, err := q.Seed(ctx, "c1", "HTTPS://Example.COM:443?b=2&a=1#top")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/?a=1&b=2", normalized)

	item, err := store.GetQueueItem(ctx, "c1", normalized)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Depth)
	assert.Equal(t, models.QueueStatusPending, item.Status)

	_, err = q.Seed(ctx, "c1", "ftp://example.com/")
	assert.ErrorIs(t, err, utils.ErrParsing)
}

func TestEnqueue_DedupByNormalizedURL(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()

	var results []bool
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for _, u := range []string{
			"https://example.com/a?x=1&y=2",
			"https://EXAMPLE.com/a?y=2&x=1",
			"https://example.com/a?x=1&y=2#frag",
			"https://example.com/A?x=1&y=2", // Path case is significant
		} {
			added, err := q.Enqueue(tx, "c1", u, 1)
			if err != nil {
				return err
			}
			results = append(results, added)
		}
		return nil
	}))
	assert.Equal(t, []bool{true, false, false, true}, results)

	pending, processing, err := q.Remaining(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Zero(t, processing)
}

func TestEnqueueChild_DepthCeiling(t *testing.T) {
	q, store := newTestQueue(t, 2)
	ctx := context.Background()

	parent := models.QueueItem{CrawlID: "c1", Depth: 1}
	deepParent := models.QueueItem{CrawlID: "c1", Depth: 2}

	var addedChild, addedTooDeep bool
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) (err error) {
		if addedChild, err = q.EnqueueChild(tx, parent, "https://example.com/child"); err != nil {
			return err
		}
		addedTooDeep, err = q.EnqueueChild(tx, deepParent, "https://example.com/grandchild")
		return err
	}))
	assert.True(t, addedChild)
	assert.False(t, addedTooDeep)

	child, err := store.GetQueueItem(ctx, "c1", "https://example.com/child")
	require.NoError(t, err)
	assert.Equal(t, 2, child.Depth, "child depth is parent depth + 1")

	_, err = store.GetQueueItem(ctx, "c1", "https://example.com/grandchild")
	assert.ErrorIs(t, err, utils.ErrQueueItemNotFound, "items beyond the ceiling are never created")
}

func TestClaimMarkAndRecover(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for _, u := range []string{"https://example.com/", "https://example.com/private/x", "https://example.com/a", "https://example.com/b"} {
			if _, err := q.Enqueue(tx, "c1", u, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	allow := func(u string) bool { return u != "https://example.com/private/x" }
	claimed, skipped, err := q.ClaimBatch(ctx, "c1", 10, allow)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Len(t, skipped, 1)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := q.MarkDone(tx, claimed[0]); err != nil {
			return err
		}
		return q.MarkError(tx, claimed[1], "HTTP_403")
	}))
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return q.Defer(tx, claimed[2], "HTTP_RateLimited")
	}))

	counts, err := store.QueueCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[models.QueueStatus]int{
		models.QueueStatusCrawled:       1,
		models.QueueStatusError:         1,
		models.QueueStatusPending:       1,
		models.QueueStatusSkippedRobots: 1,
	}, counts)

	err = store.Update(ctx, func(tx storage.Tx) error { return q.Defer(tx, claimed[0], "") })
	assert.ErrorIs(t, err, utils.ErrInvalidTransition, "CRAWLED never reverts")

	// Claim the deferred item and abandon it, as a crashed worker would
	again, _, err := q.ClaimBatch(ctx, "c1", 10, allow)
	require.NoError(t, err)
	require.Len(t, again, 1)

	n, err := q.RecoverStuck(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, processing, err := q.Remaining(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Zero(t, processing)
}

func TestMarkSkippedRobots_OnlyFromPending(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	_, err := q.Seed(ctx, "c1", "https://example.com/private/")
	require.NoError(t, err)
	item, err := store.GetQueueItem(ctx, "c1", "https://example.com/private/")
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return q.MarkSkippedRobots(tx, *item) }))
	skipped, err := store.GetQueueItem(ctx, "c1", "https://example.com/private/")
	require.NoError(t, err)
	assert.Equal(t, "Policy_Robots", skipped.ErrorMessage)
	err = store.Update(ctx, func(tx storage.Tx) error { return q.MarkSkippedRobots(tx, *item) })
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)
}
