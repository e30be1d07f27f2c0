package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/site-audit/pkg/models"
)

// Tx is one atomic unit of work. Every insert is idempotent and reports whether a row was created;
// a duplicate key is never an error.
type Tx interface {
	// Enqueue inserts a PENDING item keyed by the hash of normalizedURL unless one already exists
	Enqueue(crawlID, normalizedURL string, depth int) (bool, error)

	// ClaimBatch moves up to limit PENDING items to PROCESSING, ordered by (depth, insertion order).
	// Items rejected by allow are moved to SKIPPED_ROBOTS instead and do not count toward limit.
	// A nil allow accepts everything.
	ClaimBatch(crawlID string, limit int, allow func(url string) bool) (claimed, skipped []models.QueueItem, err error)

	// SetQueueStatus transitions one item; disallowed transitions fail with utils.ErrInvalidTransition
	SetQueueStatus(crawlID, urlKey string, next models.QueueStatus, message string) error

	// RecoverStuck resets every PROCESSING item of a crawl to PENDING
	RecoverStuck(crawlID string) (int, error)

	InsertPage(page *models.Page) (bool, error)
	InsertLink(link *models.Link) (bool, error)
	InsertIssue(issue *models.Issue) (bool, error)
	InsertLinkAudit(audit *models.LinkAudit) (bool, error)

	// IncrementCrawled adds n to the crawl's urls_crawled counter
	IncrementCrawled(crawlID string, n int) error

	// AppendLog assigns the next sequence number of the crawl's log and stores the entry
	AppendLog(entry *models.LogEntry) error
}

// CrawlStore owns crawl records and their lifecycle
type CrawlStore interface {
	CreateCrawl(ctx context.Context, crawl *models.Crawl) error
	GetCrawl(ctx context.Context, crawlID string) (*models.Crawl, error) // utils.ErrCrawlNotFound when missing
	ListCrawls(ctx context.Context) ([]models.Crawl, error)

	// SetCrawlStatus changes status; COMPLETED also stamps CompletedAt
	SetCrawlStatus(ctx context.Context, crawlID string, status models.CrawlStatus) error
	SetAnalyzed(ctx context.Context, crawlID string, at time.Time) error

	// DeleteCrawl removes the crawl and everything it owns, at most chunkSize rows per transaction.
	// Returns the number of child rows removed.
	DeleteCrawl(ctx context.Context, crawlID string, chunkSize int) (int, error)
}

// LeaseStore provides the crawl-scoped exclusive lease
type LeaseStore interface {
	// AcquireLease returns false when another owner holds an unexpired lease.
	// Re-acquiring one's own lease extends it.
	AcquireLease(ctx context.Context, crawlID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, crawlID, owner string) error
}

// QueryStore holds the read-only surfaces used by analysis and reporting
type QueryStore interface {
	GetQueueItem(ctx context.Context, crawlID, normalizedURL string) (*models.QueueItem, error)
	QueueCounts(ctx context.Context, crawlID string) (map[models.QueueStatus]int, error)

	GetPage(ctx context.Context, crawlID, normalizedURL string) (*models.Page, error) // utils.ErrPageNotFound when missing
	ListPages(ctx context.Context, crawlID string, q models.PageQuery) ([]models.Page, int, error)
	ForEachPage(ctx context.Context, crawlID string, fn func(*models.Page) error) error
	ForEachLink(ctx context.Context, crawlID string, fn func(*models.Link) error) error

	ListIssues(ctx context.Context, crawlID string, f models.IssueFilter) ([]models.Issue, int, error)
	ListLinkAudits(ctx context.Context, crawlID string, offset, limit int) ([]models.LinkAudit, int, error)
	ListLogs(ctx context.Context, crawlID string, limit int) ([]models.LogEntry, error) // Newest first

	// PruneLogs keeps the newest keep entries of a crawl's log
	PruneLogs(ctx context.Context, crawlID string, keep int) (int, error)
}

// Store combines all store interfaces for components that need full access
type Store interface {
	CrawlStore
	LeaseStore
	QueryStore

	// Update runs fn in one transaction; any error from fn rolls everything back.
	// fn may be re-run after a write conflict and must not have side effects outside tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
