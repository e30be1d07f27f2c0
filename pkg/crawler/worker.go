// Package crawler runs one batch of a crawl: lease, claim, fetch, extract and persist.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/detect"
	"github.com/Sriram-PR/site-audit/pkg/fetch"
	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/process"
	"github.com/Sriram-PR/site-audit/pkg/queue"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// PostCrawl runs once a crawl reaches COMPLETED
type PostCrawl interface {
	Analyze(ctx context.Context, crawl *models.Crawl) (*detect.AnalysisReport, error)
}

// Worker executes batch invocations. One Worker may serve many crawls and many
// concurrent invocations; each invocation holds its own lease on its crawl.
type Worker struct {
	store    storage.Store
	cfg      *config.AppConfig
	client   *http.Client
	pool     *fetch.FingerprintPool
	analyzer PostCrawl // nil disables analysis on completion
	log      *logrus.Entry

	// beforeCommit runs inside the batch transaction; tests use it to simulate a crash
	beforeCommit func(tx storage.Tx) error
}

// NewWorker creates a Worker. cfg must already be validated.
func NewWorker(store storage.Store, cfg *config.AppConfig, client *http.Client, pool *fetch.FingerprintPool, analyzer PostCrawl, log *logrus.Entry) *Worker {
	return &Worker{
		store:    store,
		cfg:      cfg,
		client:   client,
		pool:     pool,
		analyzer: analyzer,
		log:      log.WithField("component", "worker"),
	}
}

// outcome is what one fetched item turns into before the batch transaction runs
type outcome struct {
	item    models.QueueItem
	next    models.QueueStatus
	message string
	page    *models.Page
	links   []models.ExtractedLink
	issues  []models.Issue
	logs    []models.LogEntry
}

// batch carries the per-invocation state shared by the steps of RunBatch
type batch struct {
	crawl   *models.Crawl
	cfg     config.CrawlConfig
	queue   *queue.CrawlQueue
	start   *url.URL
	exclude []*regexp.Regexp
	log     *logrus.Entry
}

// RunBatch performs one invocation for a crawl:
//
//	ACQUIRE_LOCK -> CHECK_CRAWL_STATUS -> RECOVER_STUCK -> CLAIM_BATCH/APPLY_ROBOTS -> FETCH -> PARSE_AND_PERSIST -> REPORT
//
// Every failure inside the batch is converted into a queue transition, a log entry or a
// recovery. The only errors returned are lease/store failures before any work was claimed,
// and utils.ErrWorkerCrashed after a rolled-back batch.
func (w *Worker) RunBatch(ctx context.Context, crawlID string) (report models.BatchReport, err error) {
	started := time.Now()
	report = models.BatchReport{CrawlID: crawlID}
	crawlLog := w.log.WithField("crawl_id", crawlID)
	defer func() { report.Elapsed = time.Since(started) }()

	// ACQUIRE_LOCK
	crawl, err := w.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return report, err
	}
	crawlCfg := w.cfg.ForDomain(crawl.Domain)
	owner := uuid.NewString()
	acquired, err := w.store.AcquireLease(ctx, crawlID, owner, crawlCfg.LeaseTTL)
	if err != nil {
		return report, err
	}
	if !acquired {
		crawlLog.Debug("Another worker holds the lease, skipping")
		report.Outcome = models.OutcomeAlreadyActive
		report.Message = "already active, skipped"
		return report, nil
	}
	defer func() {
		// Released even when ctx is done; the TTL covers a dead process
		if relErr := w.store.ReleaseLease(context.Background(), crawlID, owner); relErr != nil {
			crawlLog.Warnf("Failed to release lease: %v", relErr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			crawlLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
				"stage":       "PanicRecovery",
			}).Error("PANIC recovered in batch")
			report, err = w.crashed(crawlID, report, fmt.Errorf("panic: %v", r), crawlLog)
		}
	}()

	// CHECK_CRAWL_STATUS, re-read under the lease
	if crawl, err = w.store.GetCrawl(ctx, crawlID); err != nil {
		return report, err
	}
	if crawl.Status != models.CrawlStatusRunning {
		report.Outcome = models.OutcomeNotRunning
		report.Message = "crawl is " + crawl.Status.String()
		return report, nil
	}

	b, err := w.newBatch(crawl, crawlCfg, crawlLog)
	if err != nil {
		return report, err
	}

	// RECOVER_STUCK
	if report.Recovered, err = b.queue.RecoverStuck(ctx, crawlID); err != nil {
		return report, err
	}

	// CLAIM_BATCH + APPLY_ROBOTS
	claimed, skipped, err := b.queue.ClaimBatch(ctx, crawlID, crawlCfg.BatchSize, w.robotsFilter(ctx, b))
	if err != nil {
		return report, err
	}
	report.SkippedRobots = len(skipped)

	if len(claimed) == 0 {
		pending, processing, err := b.queue.Remaining(ctx, crawlID)
		if err != nil {
			return report, err
		}
		if pending == 0 && processing == 0 {
			return w.complete(ctx, b, report)
		}
		report.Outcome = models.OutcomeProcessed
		report.Remaining = pending + processing
		return report, nil
	}

	// FETCH
	fetcher := fetch.NewFetcher(w.client, w.pool, fetch.Options{
		Concurrency:       crawlCfg.FetchConcurrency,
		RequestsPerSecond: crawlCfg.RequestsPerSecond,
		MaxRedirects:      crawlCfg.MaxRedirects,
		MaxBodyBytes:      crawlCfg.MaxBodyBytes,
	}, crawlLog)
	defer fetcher.Close()

	urls := make([]string, len(claimed))
	for i, item := range claimed {
		urls[i] = item.URL
	}
	crawlLog.Infof("Fetching batch of %d URLs", len(urls))
	results := fetcher.FetchAll(ctx, urls, b.origin()+"/")

	// PARSE_AND_PERSIST
	deadline := started.Add(crawlCfg.TimeBudget)
	extractor := process.NewPageExtractor(crawlCfg.SnippetMaxLength, crawlLog)
	var outcomes []outcome
	for i, res := range results {
		if i > 0 && time.Now().After(deadline) {
			crawlLog.Warnf("Time budget exhausted, leaving %d items PROCESSING for the next run", len(results)-i)
			break
		}
		outcomes = append(outcomes, w.decide(b, claimed[i], &res, extractor))
	}

	if err := w.persist(ctx, b, outcomes); err != nil {
		return w.crashed(crawlID, report, err, crawlLog)
	}

	for _, o := range outcomes {
		switch o.next {
		case models.QueueStatusCrawled:
			report.Processed++
		case models.QueueStatusError:
			report.Processed++
			report.Errors++
		case models.QueueStatusPending:
			report.Deferred++
		}
	}
	pending, processing, err := b.queue.Remaining(ctx, crawlID)
	if err != nil {
		crawlLog.Warnf("Could not count remaining items: %v", err)
	}
	report.Remaining = pending + processing
	report.Outcome = models.OutcomeProcessed

	// REPORT
	crawlLog.WithFields(logrus.Fields{
		"processed": report.Processed,
		"errors":    report.Errors,
		"deferred":  report.Deferred,
		"skipped":   report.SkippedRobots,
		"remaining": report.Remaining,
		"duration":  time.Since(started).String(),
	}).Info("Batch finished")
	return report, nil
}

func (w *Worker) newBatch(crawl *models.Crawl, crawlCfg config.CrawlConfig, crawlLog *logrus.Entry) (*batch, error) {
	start, err := url.Parse(crawl.StartURL)
	if err != nil {
		return nil, fmt.Errorf("%w: start URL %q: %v", utils.ErrParsing, crawl.StartURL, err)
	}
	exclude, err := utils.CompileRegexPatterns(crawlCfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	return &batch{
		crawl:   crawl,
		cfg:     crawlCfg,
		queue:   queue.New(w.store, crawlCfg.MaxDepth, crawlLog),
		start:   start,
		exclude: exclude,
		log:     crawlLog,
	}, nil
}

// origin is the crawl's scheme and host, e.g. "http://example.com"
func (b *batch) origin() string {
	return b.start.Scheme + "://" + b.start.Host
}

// robotsFilter loads the site's robots.txt and returns the claim-time allow check
func (w *Worker) robotsFilter(ctx context.Context, b *batch) func(string) bool {
	if !b.cfg.ShouldRespectRobots() {
		return nil
	}
	policy := fetch.NewRobotsPolicy(w.client, w.cfg.GetEffectiveUserAgentToken(b.crawl.Domain), b.cfg.RobotsPrecedence, b.log)
	policy.Load(ctx, b.origin())
	return func(raw string) bool {
		u, err := url.Parse(raw)
		if err != nil {
			return true
		}
		return policy.IsAllowed(u.RequestURI())
	}
}

// decide applies the status-code decision table to one fetch result
func (w *Worker) decide(b *batch, item models.QueueItem, res *fetch.Result, extractor *process.PageExtractor) outcome {
	o := outcome{item: item}
	logEntry := func(level, msg string) {
		o.logs = append(o.logs, models.LogEntry{CrawlID: item.CrawlID, Level: level, Message: msg, URL: item.URL})
	}

	switch {
	case res.TransportFailure():
		o.next = models.QueueStatusError
		o.message = res.ErrCategory + ": " + utils.SanitizeLogText(res.Err, 300)
		logEntry("error", "Fetch failed: "+o.message)
		return o
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusServiceUnavailable:
		o.next = models.QueueStatusPending
		o.message = utils.CategorizeError(utils.ErrRateLimited)
		logEntry("warn", fmt.Sprintf("HTTP %d, retrying next batch", res.StatusCode))
		return o
	case res.StatusCode == http.StatusForbidden:
		o.next = models.QueueStatusError
		o.message = utils.CategorizeError(utils.ErrAccessDenied) + ": access denied"
		logEntry("error", "HTTP 403, not retried")
		return o
	}

	page := &models.Page{
		ID:               uuid.NewString(),
		CrawlID:          item.CrawlID,
		URL:              item.URL,
		FinalURL:         res.FinalURL,
		StatusCode:       res.StatusCode,
		ElapsedMS:        res.Elapsed.Milliseconds(),
		Size:             res.Size,
		ContentType:      res.ContentType,
		Depth:            item.Depth,
		RedirectChain:    res.Redirects,
		TooManyRedirects: res.TooManyRedirects,
		CrawledAt:        time.Now().UTC(),
	}
	if final, _, err := parse.ParseAndNormalize(res.FinalURL); err == nil {
		page.FinalURL = final
	}
	if process.IsHTML(res.ContentType) && len(res.Body) > 0 {
		page.Signals = extractor.Extract(res.Body, page.FinalURL, res.Header)
		if page.Signals.ParseError != "" {
			logEntry("warn", "Parse failure, stored with partial signals: "+page.Signals.ParseError)
		}
	} else if res.Header != nil {
		page.Signals = process.HeaderSignals(res.Header)
	}
	page.Indexable = indexable(page)
	if res.TooManyRedirects {
		logEntry("warn", fmt.Sprintf("Stopped after %d redirects", len(res.Redirects)-1))
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		o.links = page.Signals.Links
	}
	page.Signals.Links = nil // Persisted as Link rows
	o.page = page
	o.issues = detect.PageIssues(page)
	o.next = models.QueueStatusCrawled
	return o
}

// indexable: 200, no noindex, and a canonical (if any) naming the page itself
func indexable(p *models.Page) bool {
	if p.StatusCode != http.StatusOK || p.Signals.Noindex() {
		return false
	}
	if p.Signals.Canonical == "" {
		return true
	}
	canonical, _, err := parse.ParseAndNormalize(p.Signals.Canonical)
	return err == nil && canonical == p.FinalURL
}

// persist writes the whole batch in one transaction
func (w *Worker) persist(ctx context.Context, b *batch, outcomes []outcome) error {
	return w.store.Update(ctx, func(tx storage.Tx) error {
		crawled := 0
		for i := range outcomes {
			o := &outcomes[i]
			switch o.next {
			case models.QueueStatusPending:
				if err := b.queue.Defer(tx, o.item, o.message); err != nil {
					return err
				}
			case models.QueueStatusError:
				if err := b.queue.MarkError(tx, o.item, o.message); err != nil {
					return err
				}
			case models.QueueStatusCrawled:
				if err := w.persistPage(tx, b, o); err != nil {
					return err
				}
				if err := b.queue.MarkDone(tx, o.item); err != nil {
					return err
				}
				crawled++
			}
			for j := range o.logs {
				if err := tx.AppendLog(&o.logs[j]); err != nil {
					return err
				}
			}
		}
		if crawled > 0 {
			if err := tx.IncrementCrawled(b.crawl.ID, crawled); err != nil {
				return err
			}
		}
		if w.beforeCommit != nil {
			if err := w.beforeCommit(tx); err != nil {
				return err
			}
		}
		return tx.AppendLog(&models.LogEntry{
			CrawlID: b.crawl.ID,
			Level:   "info",
			Message: fmt.Sprintf("Batch persisted: %d crawled of %d", crawled, len(outcomes)),
		})
	})
}

func (w *Worker) persistPage(tx storage.Tx, b *batch, o *outcome) error {
	if _, err := tx.InsertPage(o.page); err != nil {
		return err
	}
	for i := range o.issues {
		if _, err := tx.InsertIssue(&o.issues[i]); err != nil {
			return err
		}
	}
	for _, l := range o.links {
		if _, err := tx.InsertLink(&models.Link{
			CrawlID:   b.crawl.ID,
			SourceURL: o.page.URL,
			TargetURL: l.URL,
			Href:      l.Href,
			Anchor:    l.Anchor,
			Snippet:   l.Snippet,
			Internal:  l.Internal,
			Nofollow:  l.Nofollow,
		}); err != nil {
			return err
		}
		if !w.shouldFollow(b, l) {
			continue
		}
		if _, err := b.queue.EnqueueChild(tx, o.item, l.URL); err != nil {
			if errors.Is(err, utils.ErrParsing) {
				continue
			}
			return err
		}
	}
	return nil
}

// shouldFollow: internal to the crawled site and not excluded
func (w *Worker) shouldFollow(b *batch, l models.ExtractedLink) bool {
	if !l.Internal {
		return false
	}
	target, err := url.Parse(l.URL)
	if err != nil || !parse.SameHost(target, b.start) {
		return false
	}
	return !utils.MatchesAny(b.exclude, l.URL)
}

// complete marks a drained crawl COMPLETED, trims its log tail and runs the post-crawl pass
func (w *Worker) complete(ctx context.Context, b *batch, report models.BatchReport) (models.BatchReport, error) {
	if err := w.store.SetCrawlStatus(ctx, b.crawl.ID, models.CrawlStatusCompleted); err != nil {
		return report, err
	}
	err := w.store.Update(ctx, func(tx storage.Tx) error {
		return tx.AppendLog(&models.LogEntry{CrawlID: b.crawl.ID, Level: "info", Message: "Crawl completed: frontier drained"})
	})
	if err != nil {
		b.log.Warnf("Failed to append completion log: %v", err)
	}
	if pruned, err := w.store.PruneLogs(ctx, b.crawl.ID, b.cfg.LogRetention); err != nil {
		b.log.Warnf("Failed to prune logs: %v", err)
	} else if pruned > 0 {
		b.log.Debugf("Pruned %d old log entries", pruned)
	}
	b.log.Info("Crawl completed")
	report.Outcome = models.OutcomeCompleted
	report.Message = "crawl completed"

	if w.analyzer != nil && b.cfg.ShouldAnalyzeOnComplete() {
		crawl, err := w.store.GetCrawl(ctx, b.crawl.ID)
		if err == nil {
			_, err = w.analyzer.Analyze(ctx, crawl)
		}
		if err != nil {
			// The crawl stays COMPLETED; analysis can be rerun on demand
			b.log.Errorf("Post-crawl analysis failed: %v", err)
		}
	}
	return report, nil
}

// crashed rolls the frontier back after a failed batch and converts the failure into the generic response
func (w *Worker) crashed(crawlID string, report models.BatchReport, cause error, crawlLog *logrus.Entry) (models.BatchReport, error) {
	ctx := context.Background()
	crawlLog.WithField("category", utils.CategorizeError(cause)).Errorf("Batch crashed, rolling back: %v", cause)

	q := queue.New(w.store, 0, crawlLog)
	if n, err := q.RecoverStuck(ctx, crawlID); err != nil {
		crawlLog.Errorf("Failed to reset PROCESSING items after crash: %v", err)
	} else {
		report.Recovered += n
	}
	err := w.store.Update(ctx, func(tx storage.Tx) error {
		return tx.AppendLog(&models.LogEntry{CrawlID: crawlID, Level: "error", Message: "Worker crashed; batch rolled back"})
	})
	if err != nil {
		crawlLog.Warnf("Failed to append crash log: %v", err)
	}
	report.Outcome = models.OutcomeRecovered
	report.Processed, report.Errors, report.Deferred = 0, 0, 0
	report.Message = utils.ErrWorkerCrashed.Error()
	return report, utils.ErrWorkerCrashed
}
