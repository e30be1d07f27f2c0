// Package postgres implements storage.Store on PostgreSQL, for deployments where
// workers for different crawls run in separate processes or machines.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Registers the "postgres" driver
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// Store implements storage.Store over a sqlx connection pool
type Store struct {
	db  *sqlx.DB
	log *logrus.Entry
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and applies the schema
func Open(ctx context.Context, dsn string, logger *logrus.Entry) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: db connection error: %v", utils.ErrDatabase, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: applying schema: %v", utils.ErrDatabase, err)
	}
	s := &Store{db: db, log: logger.WithField("component", "store")}
	s.log.Info("PostgreSQL store ready")
	return s, nil
}

// pageRow is the flat form of models.Page
type pageRow struct {
	CrawlID          string    `db:"crawl_id"`
	URLKey           string    `db:"url_key"`
	ID               string    `db:"id"`
	URL              string    `db:"url"`
	FinalURL         string    `db:"final_url"`
	StatusCode       int       `db:"status_code"`
	ElapsedMS        int64     `db:"elapsed_ms"`
	Size             int64     `db:"size"`
	ContentType      string    `db:"content_type"`
	Depth            int       `db:"depth"`
	Indexable        bool      `db:"indexable"`
	TooManyRedirects bool      `db:"too_many_redirects"`
	RedirectChain    []byte    `db:"redirect_chain"`
	Signals          []byte    `db:"signals"`
	CrawledAt        time.Time `db:"crawled_at"`
}

func toPageRow(p *models.Page) (*pageRow, error) {
	chain, err := json.Marshal(p.RedirectChain)
	if err != nil {
		return nil, err
	}
	signals, err := json.Marshal(p.Signals)
	if err != nil {
		return nil, err
	}
	return &pageRow{
		CrawlID: p.CrawlID, URLKey: p.URLKey, ID: p.ID, URL: p.URL, FinalURL: p.FinalURL,
		StatusCode: p.StatusCode, ElapsedMS: p.ElapsedMS, Size: p.Size, ContentType: p.ContentType,
		Depth: p.Depth, Indexable: p.Indexable, TooManyRedirects: p.TooManyRedirects,
		RedirectChain: chain, Signals: signals, CrawledAt: p.CrawledAt,
	}, nil
}

func (r *pageRow) toPage() (*models.Page, error) {
	p := &models.Page{
		ID: r.ID, CrawlID: r.CrawlID, URLKey: r.URLKey, URL: r.URL, FinalURL: r.FinalURL,
		StatusCode: r.StatusCode, ElapsedMS: r.ElapsedMS, Size: r.Size, ContentType: r.ContentType,
		Depth: r.Depth, Indexable: r.Indexable, TooManyRedirects: r.TooManyRedirects, CrawledAt: r.CrawledAt,
	}
	if err := json.Unmarshal(r.RedirectChain, &p.RedirectChain); err != nil {
		return nil, fmt.Errorf("%w: decoding redirect chain of %s: %v", utils.ErrParsing, r.URL, err)
	}
	if err := json.Unmarshal(r.Signals, &p.Signals); err != nil {
		return nil, fmt.Errorf("%w: decoding signals of %s: %v", utils.ErrParsing, r.URL, err)
	}
	return p, nil
}

// auditRow is the flat form of models.LinkAudit
type auditRow struct {
	CrawlID         string    `db:"crawl_id"`
	SourceURL       string    `db:"source_url"`
	SourcePageID    string    `db:"source_page_id"`
	Href            string    `db:"href"`
	TargetURL       string    `db:"target_url"`
	ResolvedURL     string    `db:"resolved_url"`
	Canonical       string    `db:"canonical"`
	MismatchKind    string    `db:"mismatch_kind"`
	Severity        string    `db:"severity"`
	RedirectHops    int       `db:"redirect_hops"`
	RedirectChain   []byte    `db:"redirect_chain"`
	OriginalSnippet string    `db:"original_snippet"`
	FixSnippet      string    `db:"fix_snippet"`
	CreatedAt       time.Time `db:"created_at"`
}

// Update implements storage.Store
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.wrapDB("begin transaction", err)
	}
	defer tx.Rollback() // No-op after Commit

	if err := fn(&pgTx{tx: tx, ctx: ctx}); err != nil {
		return err
	}
	return s.wrapDB("commit", tx.Commit())
}

// CreateCrawl implements storage.CrawlStore
func (s *Store) CreateCrawl(ctx context.Context, crawl *models.Crawl) error {
	_, err := s.db.NamedExecContext(ctx, insertCrawl, crawl)
	return s.wrapDB("creating crawl", err)
}

// GetCrawl implements storage.CrawlStore
func (s *Store) GetCrawl(ctx context.Context, crawlID string) (*models.Crawl, error) {
	var c models.Crawl
	err := s.db.GetContext(ctx, &c, getCrawl, crawlID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
	}
	if err != nil {
		return nil, s.wrapDB("reading crawl", err)
	}
	return &c, nil
}

// ListCrawls implements storage.CrawlStore
func (s *Store) ListCrawls(ctx context.Context) ([]models.Crawl, error) {
	var crawls []models.Crawl
	if err := s.db.SelectContext(ctx, &crawls, listCrawls); err != nil {
		return nil, s.wrapDB("listing crawls", err)
	}
	return crawls, nil
}

// SetCrawlStatus implements storage.CrawlStore
func (s *Store) SetCrawlStatus(ctx context.Context, crawlID string, status models.CrawlStatus) error {
	if !status.IsValid() {
		return utils.WrapErrorf(utils.ErrInvalidTransition, "unknown crawl status %q", string(status))
	}
	query := setCrawlStatus
	if status == models.CrawlStatusCompleted {
		query = completeCrawl
	}
	return s.execOne(ctx, "setting crawl status", crawlID, query, crawlID, string(status))
}

// SetAnalyzed implements storage.CrawlStore
func (s *Store) SetAnalyzed(ctx context.Context, crawlID string, at time.Time) error {
	return s.execOne(ctx, "marking crawl analyzed", crawlID, setCrawlAnalyzed, crawlID, at.UTC())
}

// execOne runs an UPDATE that must hit exactly the crawl row
func (s *Store) execOne(ctx context.Context, action, crawlID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.wrapDB(action, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.WrapErrorf(utils.ErrCrawlNotFound, "%s", crawlID)
	}
	return nil
}

// DeleteCrawl implements storage.CrawlStore
func (s *Store) DeleteCrawl(ctx context.Context, crawlID string, chunkSize int) (int, error) {
	if _, err := s.GetCrawl(ctx, crawlID); err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	removed := 0
	for _, table := range childTables {
		query := fmt.Sprintf(deleteChunk, table, table)
		for {
			res, err := s.db.ExecContext(ctx, query, crawlID, chunkSize)
			if err != nil {
				return removed, s.wrapDB("deleting from "+table, err)
			}
			n, _ := res.RowsAffected()
			if table != "crawl_leases" {
				removed += int(n)
			}
			if n < int64(chunkSize) {
				break
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, deleteCrawl, crawlID); err != nil {
		return removed, s.wrapDB("deleting crawl", err)
	}
	s.log.WithField("crawl_id", crawlID).Infof("Crawl deleted (%d child records)", removed)
	return removed, nil
}

// AcquireLease implements storage.LeaseStore. Expiry is judged by the database clock.
func (s *Store) AcquireLease(ctx context.Context, crawlID, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, acquireLease, crawlID, owner, ttl.Milliseconds())
	if err != nil {
		return false, s.wrapDB("acquiring lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrapDB("acquiring lease", err)
	}
	return n == 1, nil
}

// ReleaseLease implements storage.LeaseStore
func (s *Store) ReleaseLease(ctx context.Context, crawlID, owner string) error {
	_, err := s.db.ExecContext(ctx, releaseLease, crawlID, owner)
	return s.wrapDB("releasing lease", err)
}

// GetQueueItem implements storage.QueryStore
func (s *Store) GetQueueItem(ctx context.Context, crawlID, normalizedURL string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.GetContext(ctx, &item, getQueueItem, crawlID, utils.URLKey(normalizedURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.WrapErrorf(utils.ErrQueueItemNotFound, "%s", normalizedURL)
	}
	if err != nil {
		return nil, s.wrapDB("reading queue item", err)
	}
	return &item, nil
}

// QueueCounts implements storage.QueryStore
func (s *Store) QueueCounts(ctx context.Context, crawlID string) (map[models.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, countQueue, crawlID)
	if err != nil {
		return nil, s.wrapDB("counting queue", err)
	}
	defer rows.Close()
	counts := map[models.QueueStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, s.wrapDB("counting queue", err)
		}
		counts[models.QueueStatus(status)] = n
	}
	return counts, s.wrapDB("counting queue", rows.Err())
}

// GetPage implements storage.QueryStore
func (s *Store) GetPage(ctx context.Context, crawlID, normalizedURL string) (*models.Page, error) {
	var row pageRow
	err := s.db.GetContext(ctx, &row, getPage, crawlID, utils.URLKey(normalizedURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.WrapErrorf(utils.ErrPageNotFound, "%s", normalizedURL)
	}
	if err != nil {
		return nil, s.wrapDB("reading page", err)
	}
	return row.toPage()
}

// ListPages implements storage.QueryStore
func (s *Store) ListPages(ctx context.Context, crawlID string, q models.PageQuery) ([]models.Page, int, error) {
	offset, limit := storage.Window(q.Offset, q.Limit)
	var total int
	if err := s.db.GetContext(ctx, &total, countPages, crawlID, q.Search); err != nil {
		return nil, 0, s.wrapDB("counting pages", err)
	}
	var rows []pageRow
	if err := s.db.SelectContext(ctx, &rows, listPages, crawlID, q.Search, limit, offset); err != nil {
		return nil, 0, s.wrapDB("listing pages", err)
	}
	pages := make([]models.Page, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPage()
		if err != nil {
			return nil, 0, err
		}
		pages = append(pages, *p)
	}
	return pages, total, nil
}

// ForEachPage implements storage.QueryStore
func (s *Store) ForEachPage(ctx context.Context, crawlID string, fn func(*models.Page) error) error {
	rows, err := s.db.QueryxContext(ctx, scanPages, crawlID)
	if err != nil {
		return s.wrapDB("scanning pages", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row pageRow
		if err := rows.StructScan(&row); err != nil {
			return s.wrapDB("scanning pages", err)
		}
		p, err := row.toPage()
		if err != nil {
			s.log.Warnf("Skipping undecodable page record: %v", err)
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return s.wrapDB("scanning pages", rows.Err())
}

// ForEachLink implements storage.QueryStore
func (s *Store) ForEachLink(ctx context.Context, crawlID string, fn func(*models.Link) error) error {
	rows, err := s.db.QueryxContext(ctx, scanLinks, crawlID)
	if err != nil {
		return s.wrapDB("scanning links", err)
	}
	defer rows.Close()
	for rows.Next() {
		var link models.Link
		if err := rows.StructScan(&link); err != nil {
			return s.wrapDB("scanning links", err)
		}
		if err := fn(&link); err != nil {
			return err
		}
	}
	return s.wrapDB("scanning links", rows.Err())
}

// ListIssues implements storage.QueryStore
func (s *Store) ListIssues(ctx context.Context, crawlID string, f models.IssueFilter) ([]models.Issue, int, error) {
	offset, limit := storage.Window(f.Offset, f.Limit)
	var total int
	if err := s.db.GetContext(ctx, &total, countIssues, crawlID, string(f.Severity), f.Type); err != nil {
		return nil, 0, s.wrapDB("counting issues", err)
	}
	issues := []models.Issue{}
	if err := s.db.SelectContext(ctx, &issues, listIssues, crawlID, string(f.Severity), f.Type, limit, offset); err != nil {
		return nil, 0, s.wrapDB("listing issues", err)
	}
	return issues, total, nil
}

// ListLinkAudits implements storage.QueryStore
func (s *Store) ListLinkAudits(ctx context.Context, crawlID string, offset, limit int) ([]models.LinkAudit, int, error) {
	offset, limit = storage.Window(offset, limit)
	var total int
	if err := s.db.GetContext(ctx, &total, countAudits, crawlID); err != nil {
		return nil, 0, s.wrapDB("counting link audits", err)
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, listAudits, crawlID, limit, offset); err != nil {
		return nil, 0, s.wrapDB("listing link audits", err)
	}
	audits := make([]models.LinkAudit, 0, len(rows))
	for _, r := range rows {
		a := models.LinkAudit{
			CrawlID: r.CrawlID, SourceURL: r.SourceURL, SourcePageID: r.SourcePageID, Href: r.Href,
			TargetURL: r.TargetURL, ResolvedURL: r.ResolvedURL, Canonical: r.Canonical,
			MismatchKind: r.MismatchKind, Severity: models.Severity(r.Severity), RedirectHops: r.RedirectHops,
			OriginalSnippet: r.OriginalSnippet, FixSnippet: r.FixSnippet, CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal(r.RedirectChain, &a.RedirectChain); err != nil {
			s.log.Warnf("Undecodable redirect chain on link audit %s -> %s: %v", r.SourceURL, r.Href, err)
		}
		audits = append(audits, a)
	}
	return audits, total, nil
}

// ListLogs implements storage.QueryStore
func (s *Store) ListLogs(ctx context.Context, crawlID string, limit int) ([]models.LogEntry, error) {
	_, limit = storage.Window(0, limit)
	entries := []models.LogEntry{}
	if err := s.db.SelectContext(ctx, &entries, listLogs, crawlID, limit); err != nil {
		return nil, s.wrapDB("listing logs", err)
	}
	return entries, nil
}

// PruneLogs implements storage.QueryStore
func (s *Store) PruneLogs(ctx context.Context, crawlID string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, pruneLogs, crawlID, keep)
	if err != nil {
		return 0, s.wrapDB("pruning logs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements storage.Store
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapDB(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Errorf("DB error %s: %v", action, err)
	return fmt.Errorf("%w: %s: %w", utils.ErrDatabase, action, err)
}
