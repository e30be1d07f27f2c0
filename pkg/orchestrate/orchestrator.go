// Package orchestrate is the command/control surface over the crawl core: starting crawls,
// running batches, lifecycle changes, deletion, analysis and the read-only queries.
package orchestrate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/crawler"
	"github.com/Sriram-PR/site-audit/pkg/detect"
	"github.com/Sriram-PR/site-audit/pkg/fetch"
	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/queue"
	"github.com/Sriram-PR/site-audit/pkg/sitemap"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// BatchResult is the outcome of one crawl's batch during RunAll
type BatchResult struct {
	CrawlID string
	Domain  string
	Report  models.BatchReport
	Error   error
}

// CrawlSummary is the status view of one crawl
type CrawlSummary struct {
	Crawl      models.Crawl               `json:"crawl"`
	Queue      map[models.QueueStatus]int `json:"queue"`
	Remaining  int                        `json:"remaining"`
	IssueCount int                        `json:"issue_count"`
	BySeverity map[models.Severity]int    `json:"by_severity"`
	RecentLogs []models.LogEntry          `json:"recent_logs,omitempty"`
}

// Orchestrator wires the store, worker and analyzer together
type Orchestrator struct {
	appCfg   *config.AppConfig
	store    storage.Store
	client   *http.Client
	worker   *crawler.Worker
	analyzer *detect.Analyzer
	log      *logrus.Entry
}

// New creates an Orchestrator over an open store. appCfg must already be validated.
func New(appCfg *config.AppConfig, store storage.Store, log *logrus.Entry) *Orchestrator {
	log = log.WithField("component", "orchestrator")
	client := fetch.NewClient(appCfg.HTTPClientSettings, log)
	analyzer := detect.NewAnalyzer(store, &siteSitemaps{appCfg: appCfg, client: client, log: log}, log)
	return &Orchestrator{
		appCfg:   appCfg,
		store:    store,
		client:   client,
		worker:   crawler.NewWorker(store, appCfg, client, fetch.NewFingerprintPool(nil), analyzer, log),
		analyzer: analyzer,
		log:      log,
	}
}

// StartCrawl creates a RUNNING crawl for target (a URL or bare domain) and seeds its start URL at depth 0
func (o *Orchestrator) StartCrawl(ctx context.Context, target string) (*models.Crawl, error) {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	startURL, parsed, err := parse.ParseAndNormalize(target)
	if err != nil {
		return nil, err
	}
	domain := strings.ToLower(parsed.Host)

	now := time.Now().UTC()
	crawl := &models.Crawl{
		ID:        uuid.NewString(),
		Domain:    domain,
		StartURL:  startURL,
		Status:    models.CrawlStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateCrawl(ctx, crawl); err != nil {
		return nil, err
	}
	q := queue.New(o.store, o.appCfg.ForDomain(domain).MaxDepth, o.log)
	if _, err := q.Seed(ctx, crawl.ID, startURL); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"crawl_id": crawl.ID, "url": startURL}).Info("Crawl started")
	return crawl, nil
}

// RunBatch performs one worker invocation; concurrent calls for one crawl are no-ops
func (o *Orchestrator) RunBatch(ctx context.Context, crawlID string) (models.BatchReport, error) {
	return o.worker.RunBatch(ctx, crawlID)
}

// Pause stops a RUNNING crawl from claiming work; the queue is untouched
func (o *Orchestrator) Pause(ctx context.Context, crawlID string) error {
	return o.transition(ctx, crawlID, models.CrawlStatusPaused, models.CrawlStatusRunning)
}

// Resume lets a PAUSED crawl claim work again
func (o *Orchestrator) Resume(ctx context.Context, crawlID string) error {
	return o.transition(ctx, crawlID, models.CrawlStatusRunning, models.CrawlStatusPaused)
}

// Stop freezes a crawl as COMPLETED in its current partial state
func (o *Orchestrator) Stop(ctx context.Context, crawlID string) error {
	return o.transition(ctx, crawlID, models.CrawlStatusCompleted, models.CrawlStatusRunning, models.CrawlStatusPaused)
}

// SetStatus dispatches to Pause, Resume or Stop
func (o *Orchestrator) SetStatus(ctx context.Context, crawlID string, status models.CrawlStatus) error {
	switch status {
	case models.CrawlStatusPaused:
		return o.Pause(ctx, crawlID)
	case models.CrawlStatusRunning:
		return o.Resume(ctx, crawlID)
	case models.CrawlStatusCompleted:
		return o.Stop(ctx, crawlID)
	}
	return utils.WrapErrorf(utils.ErrInvalidTransition, "unknown crawl status %q", status)
}

func (o *Orchestrator) transition(ctx context.Context, crawlID string, next models.CrawlStatus, from ...models.CrawlStatus) error {
	crawl, err := o.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	for _, allowed := range from {
		if crawl.Status == allowed {
			if err := o.store.SetCrawlStatus(ctx, crawlID, next); err != nil {
				return err
			}
			o.log.WithField("crawl_id", crawlID).Infof("Crawl %s -> %s", crawl.Status, next)
			return nil
		}
	}
	return utils.WrapErrorf(utils.ErrInvalidTransition, "crawl %s is %s, cannot become %s", crawlID, crawl.Status, next)
}

// Delete removes a crawl and everything it owns in bounded chunks.
// It takes the crawl's lease first so a running batch is never deleted under its feet.
func (o *Orchestrator) Delete(ctx context.Context, crawlID string) (int, error) {
	crawl, err := o.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return 0, err
	}
	crawlCfg := o.appCfg.ForDomain(crawl.Domain)
	owner := "delete-" + uuid.NewString()
	ok, err := o.store.AcquireLease(ctx, crawlID, owner, crawlCfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, utils.WrapErrorf(utils.ErrLeaseHeld, "crawl %s has an active batch", crawlID)
	}
	removed, err := o.store.DeleteCrawl(ctx, crawlID, crawlCfg.DeleteChunkSize)
	if err != nil {
		_ = o.store.ReleaseLease(context.Background(), crawlID, owner)
		return removed, err
	}
	o.log.WithField("crawl_id", crawlID).Infof("Crawl deleted (%d records)", removed)
	return removed, nil
}

// Analyze runs the post-crawl pass on demand; the crawl must be COMPLETED
func (o *Orchestrator) Analyze(ctx context.Context, crawlID string) (*detect.AnalysisReport, error) {
	crawl, err := o.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	return o.analyzer.Analyze(ctx, crawl)
}

// Status summarises a crawl: record, queue breakdown, issue counts and the newest log entries
func (o *Orchestrator) Status(ctx context.Context, crawlID string, logTail int) (*CrawlSummary, error) {
	crawl, err := o.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.QueueCounts(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	summary := &CrawlSummary{
		Crawl:      *crawl,
		Queue:      counts,
		Remaining:  counts[models.QueueStatusPending] + counts[models.QueueStatusProcessing],
		BySeverity: make(map[models.Severity]int),
	}
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		_, n, err := o.store.ListIssues(ctx, crawlID, models.IssueFilter{Severity: sev, Limit: 1})
		if err != nil {
			return nil, err
		}
		summary.BySeverity[sev] = n
		summary.IssueCount += n
	}
	if logTail > 0 {
		if summary.RecentLogs, err = o.store.ListLogs(ctx, crawlID, logTail); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// ListCrawls returns every crawl, newest first
func (o *Orchestrator) ListCrawls(ctx context.Context) ([]models.Crawl, error) {
	return o.store.ListCrawls(ctx)
}

// ListPages returns a page window and the total match count
func (o *Orchestrator) ListPages(ctx context.Context, crawlID string, q models.PageQuery) ([]models.Page, int, error) {
	if _, err := o.store.GetCrawl(ctx, crawlID); err != nil {
		return nil, 0, err
	}
	return o.store.ListPages(ctx, crawlID, q)
}

// ListIssues returns an issue window ordered by severity, and the total match count
func (o *Orchestrator) ListIssues(ctx context.Context, crawlID string, f models.IssueFilter) ([]models.Issue, int, error) {
	if _, err := o.store.GetCrawl(ctx, crawlID); err != nil {
		return nil, 0, err
	}
	return o.store.ListIssues(ctx, crawlID, f)
}

// ListLinkAudits returns the exact-fix records of a crawl
func (o *Orchestrator) ListLinkAudits(ctx context.Context, crawlID string, offset, limit int) ([]models.LinkAudit, int, error) {
	return o.store.ListLinkAudits(ctx, crawlID, offset, limit)
}

// ListLogs returns the newest log entries of a crawl
func (o *Orchestrator) ListLogs(ctx context.Context, crawlID string, limit int) ([]models.LogEntry, error) {
	return o.store.ListLogs(ctx, crawlID, limit)
}

// Grade scores one crawled page with the configured rubric
func (o *Orchestrator) Grade(ctx context.Context, crawlID, rawURL string) (*detect.Grade, error) {
	normalized, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return nil, err
	}
	page, err := o.store.GetPage(ctx, crawlID, normalized)
	if err != nil {
		return nil, err
	}
	g := detect.GradePage(page, o.appCfg.Grade)
	return &g, nil
}

// RunAll runs one batch for every RUNNING crawl in parallel. Each crawl is still
// serialised by its own lease, so overlapping RunAll calls are safe.
func (o *Orchestrator) RunAll(ctx context.Context) ([]BatchResult, error) {
	crawls, err := o.store.ListCrawls(ctx)
	if err != nil {
		return nil, err
	}

	var (
		wg        sync.WaitGroup
		results   []BatchResult
		resultsMu sync.Mutex
	)
	for _, c := range crawls {
		if c.Status != models.CrawlStatusRunning {
			continue
		}
		wg.Add(1)
		go func(c models.Crawl) {
			defer wg.Done()
			report, err := o.worker.RunBatch(ctx, c.ID)
			resultsMu.Lock()
			results = append(results, BatchResult{CrawlID: c.ID, Domain: c.Domain, Report: report, Error: err})
			resultsMu.Unlock()
		}(c)
	}
	wg.Wait()

	o.logSummary(results)
	return results, nil
}

func (o *Orchestrator) logSummary(results []BatchResult) {
	if len(results) == 0 {
		o.log.Debug("No RUNNING crawls")
		return
	}
	processed, failed := 0, 0
	for _, r := range results {
		processed += r.Report.Processed
		if r.Error != nil {
			failed++
			o.log.WithField("crawl_id", r.CrawlID).Warnf("Batch for %s failed: %v", r.Domain, r.Error)
		}
	}
	o.log.Infof("Heartbeat: %d crawls, %d pages processed, %d failed", len(results), processed, failed)
}

// siteSitemaps loads sitemaps with the exclusion patterns of the sitemap's own domain
type siteSitemaps struct {
	appCfg *config.AppConfig
	client *http.Client
	log    *logrus.Entry
}

func (s *siteSitemaps) Load(ctx context.Context, origin string) ([]string, error) {
	domain, err := parse.DomainOf(origin)
	if err != nil {
		return nil, err
	}
	exclude, err := utils.CompileRegexPatterns(s.appCfg.ForDomain(domain).ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	loader := sitemap.NewLoader(s.client, s.appCfg.GetEffectiveUserAgentToken(domain), exclude, s.log)
	return loader.Load(ctx, origin)
}
