package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/detect"
	"github.com/Sriram-PR/site-audit/pkg/fetch"
	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/queue"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func htmlPage(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html lang="en"><head><title>%s</title></head><body>%s<p>%s</p></body></html>`,
		title, body, strings.Repeat("Plenty of words make this page substantial enough. ", 20))
}

// testSite serves a small site and counts hits per path
type testSite struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (s *testSite) hit(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestSite(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, hit int)) *testSite {
	t.Helper()
	site := &testSite{hits: make(map[string]int)}
	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		n := site.hits[r.URL.Path]
		site.mu.Unlock()
		handler(w, r, n)
	}))
	t.Cleanup(site.srv.Close)
	return site
}

// auditSite:
//
//	/              links to /a, /private/x, /Country/India, /limited, /forbidden, /deep/1 and an external URL
//	/a             301 -> /b
//	/Country/India canonical /country/india
//	/limited       429 on the first request only
//	/deep/1        links to /deep/2, which lies beyond max depth 1
func auditSite(w http.ResponseWriter, r *http.Request, hit int) {
	html := func(s string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, s)
	}
	switch r.URL.Path {
	case "/robots.txt":
		io.WriteString(w, "User-agent: *\nDisallow: /private/\n")
	case "/":
		html(htmlPage("Home", `<h1>Home</h1>
			<a href="/a">Go to A</a>
			<a href="/private/x">Secret</a>
			<a href="/Country/India">India</a>
			<a href="/limited">Limited</a>
			<a href="/forbidden">Forbidden</a>
			<a href="/deep/1">Deep</a>
			<a href="https://other.example.org/">Elsewhere</a>`))
	case "/a":
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	case "/b":
		html(htmlPage("B", `<h1>B</h1>`))
	case "/Country/India":
		html(strings.Replace(htmlPage("India", `<h1>India</h1>`), "</head>", `<link rel="canonical" href="/country/india"></head>`, 1))
	case "/limited":
		if hit == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		html(htmlPage("Limited", `<h1>Limited</h1>`))
	case "/forbidden":
		w.WriteHeader(http.StatusForbidden)
	case "/deep/1":
		html(htmlPage("Deep", `<h1>Deep</h1><a href="/deep/2">Deeper</a>`))
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	store  storage.Store
	cfg    *config.AppConfig
	worker *Worker
	crawl  *models.Crawl
}

func newHarness(t *testing.T, site *testSite, seeds ...string) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := &config.AppConfig{StateDir: dir}
	_, err := cfg.Validate()
	require.NoError(t, err)
	cfg.Crawl.MaxDepth = 1
	cfg.Crawl.TimeBudget = 30 * time.Second
	cfg.Crawl.LeaseTTL = time.Minute

	store, err := storage.NewBadgerStore(dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	domain := strings.TrimPrefix(site.srv.URL, "http://")
	now := time.Now().UTC()
	crawl := &models.Crawl{ID: "c1", Domain: domain, StartURL: site.srv.URL + "/", Status: models.CrawlStatusRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateCrawl(ctx, crawl))

	q := queue.New(store, cfg.Crawl.MaxDepth, testLogger())
	if len(seeds) == 0 {
		seeds = []string{"/"}
	}
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		for _, path := range seeds {
			if _, err := q.Enqueue(tx, "c1", site.srv.URL+path, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	client := fetch.NewClient(cfg.HTTPClientSettings, testLogger())
	analyzer := detect.NewAnalyzer(store, nil, testLogger())
	worker := NewWorker(store, cfg, client, fetch.NewFingerprintPool(nil), analyzer, testLogger())
	return &harness{store: store, cfg: cfg, worker: worker, crawl: crawl}
}

func (h *harness) item(t *testing.T, url string) *models.QueueItem {
	t.Helper()
	item, err := h.store.GetQueueItem(context.Background(), "c1", url)
	require.NoError(t, err, url)
	return item
}

func TestRunBatch_CrawlsSiteToCompletion(t *testing.T) {
	site := newTestSite(t, auditSite)
	h := newHarness(t, site)
	ctx := context.Background()
	base := site.srv.URL

	var reports []models.BatchReport
	for range 6 {
		report, err := h.worker.RunBatch(ctx, "c1")
		require.NoError(t, err)
		reports = append(reports, report)
		if report.Outcome == models.OutcomeCompleted {
			break
		}
	}
	require.Equal(t, models.OutcomeCompleted, reports[len(reports)-1].Outcome)

	// Second batch: the home page's children
	second := reports[1]
	assert.Equal(t, 1, second.SkippedRobots)
	assert.Equal(t, 1, second.Deferred, "429 is deferred")
	assert.Equal(t, 1, second.Errors, "403 is an error")

	// Robots compliance
	assert.Zero(t, site.hit("/private/x"))
	assert.Equal(t, models.QueueStatusSkippedRobots, h.item(t, base+"/private/x").Status)

	// 403 is terminal and never persisted as a page
	forbidden := h.item(t, base+"/forbidden")
	assert.Equal(t, models.QueueStatusError, forbidden.Status)
	assert.Contains(t, forbidden.ErrorMessage, "HTTP_403")
	assert.Equal(t, 1, site.hit("/forbidden"))
	_, err := h.store.GetPage(ctx, "c1", base+"/forbidden")
	assert.ErrorIs(t, err, utils.ErrPageNotFound)

	// Rate-limited page was retried in a later batch
	assert.Equal(t, models.QueueStatusCrawled, h.item(t, base+"/limited").Status)
	assert.Equal(t, 2, site.hit("/limited"))

	// Depth ceiling and external links
	assert.Equal(t, 1, h.item(t, base+"/deep/1").Depth)
	_, err = h.store.GetQueueItem(ctx, "c1", base+"/deep/2")
	assert.ErrorIs(t, err, utils.ErrQueueItemNotFound)
	_, err = h.store.GetQueueItem(ctx, "c1", "https://other.example.org/")
	assert.ErrorIs(t, err, utils.ErrQueueItemNotFound)

	// Redirect chain recorded on the requested URL
	a, err := h.store.GetPage(ctx, "c1", base+"/a")
	require.NoError(t, err)
	assert.Equal(t, base+"/b", a.FinalURL)
	require.Len(t, a.RedirectChain, 2)
	assert.Equal(t, 301, a.RedirectChain[0].StatusCode)

	home, err := h.store.GetPage(ctx, "c1", base+"/")
	require.NoError(t, err)
	assert.True(t, home.Indexable)
	assert.Equal(t, 0, home.Depth)
	assert.Empty(t, home.Signals.Links, "links are stored as rows")

	india, err := h.store.GetPage(ctx, "c1", base+"/Country/India")
	require.NoError(t, err)
	assert.False(t, india.Indexable, "canonical points elsewhere")

	crawl, err := h.store.GetCrawl(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusCompleted, crawl.Status)
	assert.NotNil(t, crawl.CompletedAt)
	assert.NotNil(t, crawl.AnalyzedAt, "analysis runs on completion")
	assert.EqualValues(t, 5, crawl.URLsCrawled) // /, /a, /Country/India, /limited, /deep/1

	// Link audit produced exact fixes
	audits, _, err := h.store.ListLinkAudits(ctx, "c1", 0, 50)
	require.NoError(t, err)
	byHref := make(map[string]models.LinkAudit)
	for _, a := range audits {
		byHref[a.Href] = a
	}
	require.Contains(t, byHref, "/a")
	assert.Equal(t, base+"/b", byHref["/a"].ResolvedURL)
	assert.Equal(t, `<a href="/b">Go to A</a>`, byHref["/a"].FixSnippet)
	require.Contains(t, byHref, "/Country/India")
	assert.Equal(t, detect.MismatchCasing, byHref["/Country/India"].MismatchKind)
	assert.Equal(t, models.SeverityHigh, byHref["/Country/India"].Severity)
	assert.Equal(t, `<a href="/country/india">India</a>`, byHref["/Country/India"].FixSnippet)
}

func TestRunBatch_RedirectSourceIsNotADuplicate(t *testing.T) {
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			io.WriteString(w, htmlPage("Home page of the redirect test site", `<h1>Home</h1><a href="/a">A</a><a href="/b">B</a>`))
		case "/a":
			http.Redirect(w, r, "/b", http.StatusMovedPermanently)
		case "/b":
			io.WriteString(w, htmlPage("Destination page of the redirect test", `<h1>B</h1>`))
		default:
			http.NotFound(w, r)
		}
	})
	h := newHarness(t, site)
	ctx := context.Background()
	base := site.srv.URL

	for range 4 {
		report, err := h.worker.RunBatch(ctx, "c1")
		require.NoError(t, err)
		if report.Outcome == models.OutcomeCompleted {
			break
		}
	}

	issues, _, err := h.store.ListIssues(ctx, "c1", models.IssueFilter{Limit: 500})
	require.NoError(t, err)
	types := make(map[string]int)
	for _, is := range issues {
		assert.NotEqual(t, base+"/a", is.URL, "%s: %s", is.Type, is.Message)
		types[is.Type]++
	}
	assert.Zero(t, types["Duplicate Content"])
	assert.Zero(t, types["Duplicate Title"])
	assert.Zero(t, types["Duplicate Meta Description"])
	assert.Equal(t, 1, types[detect.MismatchRedirect])
}

func TestRunBatch_RefererUsesCrawlOrigin(t *testing.T) {
	var mu sync.Mutex
	var referers []string
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		referers = append(referers, r.Header.Get("Referer"))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, htmlPage("Home", `<h1>Home</h1>`))
	})
	h := newHarness(t, site)

	_, err := h.worker.RunBatch(context.Background(), "c1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, referers)
	for _, ref := range referers {
		assert.Equal(t, site.srv.URL+"/", ref, "plain http crawl keeps its scheme")
	}
}

func TestRunBatch_RateLimitDefers(t *testing.T) {
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	})
	h := newHarness(t, site)
	ctx := context.Background()

	report, err := h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, report.Outcome)
	assert.Equal(t, 1, report.Deferred)
	assert.Zero(t, report.Errors)
	assert.Equal(t, 1, report.Remaining)

	item := h.item(t, site.srv.URL+"/")
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, "HTTP_RateLimited", item.ErrorMessage)

	logs, err := h.store.ListLogs(ctx, "c1", 10)
	require.NoError(t, err)
	var retryLogged bool
	for _, l := range logs {
		if strings.Contains(l.Message, "HTTP 429, retrying next batch") {
			retryLogged = true
		}
	}
	assert.True(t, retryLogged)
}

func TestRunBatch_TransportFailure(t *testing.T) {
	site := newTestSite(t, auditSite)
	h := newHarness(t, site)
	ctx := context.Background()

	// Point the crawl at a closed port
	closed := httptest.NewServer(http.NotFoundHandler())
	deadURL := closed.URL + "/gone"
	closed.Close()
	require.NoError(t, h.store.Update(ctx, func(tx storage.Tx) error {
		_, err := tx.Enqueue("c1", deadURL, 0)
		return err
	}))

	report, err := h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	item := h.item(t, deadURL)
	assert.Equal(t, models.QueueStatusError, item.Status)
	assert.True(t, strings.HasPrefix(item.ErrorMessage, "Transport_"), item.ErrorMessage)
}

func TestRunBatch_AlreadyActive(t *testing.T) {
	site := newTestSite(t, auditSite)
	h := newHarness(t, site)
	ctx := context.Background()

	ok, err := h.store.AcquireLease(ctx, "c1", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyActive, report.Outcome)
	assert.Zero(t, site.hit("/"))

	counts, err := h.store.QueueCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[models.QueueStatus]int{models.QueueStatusPending: 1}, counts, "nothing mutated")
}

func TestRunBatch_AtMostOneConcurrentWorker(t *testing.T) {
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, htmlPage("Slow", "<h1>Slow</h1>"))
	})
	h := newHarness(t, site, "/s1", "/s2", "/s3")

	const callers = 5
	var processed, skipped atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := h.worker.RunBatch(context.Background(), "c1")
			assert.NoError(t, err)
			switch report.Outcome {
			case models.OutcomeProcessed:
				processed.Add(1)
			case models.OutcomeAlreadyActive:
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int32(callers-1), skipped.Load())
	for _, p := range []string{"/s1", "/s2", "/s3"} {
		assert.Equal(t, 1, site.hit(p), "each URL fetched exactly once")
	}
}

func TestRunBatch_CrashRecovery(t *testing.T) {
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, htmlPage("P", "<h1>P</h1>"))
	})
	var seeds []string
	for i := range 10 {
		seeds = append(seeds, fmt.Sprintf("/p%d", i))
	}
	h := newHarness(t, site, seeds...)
	ctx := context.Background()

	// A previous worker claimed everything and died
	q := queue.New(h.store, 1, testLogger())
	claimed, _, err := q.ClaimBatch(ctx, "c1", 10, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 10)

	// This one crashes before commit
	h.worker.beforeCommit = func(storage.Tx) error { return errors.New("disk on fire") }
	report, err := h.worker.RunBatch(ctx, "c1")
	require.ErrorIs(t, err, utils.ErrWorkerCrashed)
	assert.Equal(t, models.OutcomeRecovered, report.Outcome)
	assert.Equal(t, 20, report.Recovered, "10 stale items before claiming, 10 reset after the crash")
	assert.Equal(t, utils.ErrWorkerCrashed.Error(), report.Message)

	counts, err := h.store.QueueCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, counts[models.QueueStatusPending])
	_, total, err := h.store.ListPages(ctx, "c1", models.PageQuery{})
	require.NoError(t, err)
	assert.Zero(t, total, "batch writes rolled back")

	// The next invocation re-claims and finishes all 10
	h.worker.beforeCommit = nil
	report, err = h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	counts, err = h.store.QueueCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, counts[models.QueueStatusCrawled])
}

func TestRunBatch_PanicReleasesLease(t *testing.T) {
	site := newTestSite(t, auditSite)
	h := newHarness(t, site)
	ctx := context.Background()

	h.worker.beforeCommit = func(storage.Tx) error { panic("boom") }
	report, err := h.worker.RunBatch(ctx, "c1")
	require.ErrorIs(t, err, utils.ErrWorkerCrashed)
	assert.Equal(t, models.OutcomeRecovered, report.Outcome)
	assert.Equal(t, models.QueueStatusPending, h.item(t, site.srv.URL+"/").Status)

	ok, err := h.store.AcquireLease(ctx, "c1", "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease released after a crash")
}

func TestRunBatch_NotRunning(t *testing.T) {
	site := newTestSite(t, auditSite)
	h := newHarness(t, site)
	ctx := context.Background()
	require.NoError(t, h.store.SetCrawlStatus(ctx, "c1", models.CrawlStatusPaused))

	report, err := h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotRunning, report.Outcome)
	assert.Zero(t, site.hit("/"))
	assert.Equal(t, models.QueueStatusPending, h.item(t, site.srv.URL+"/").Status)
}

func TestRunBatch_TimeBudgetLeavesItemsProcessing(t *testing.T) {
	site := newTestSite(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, htmlPage("P", "<h1>P</h1>"))
	})
	h := newHarness(t, site, "/t1", "/t2", "/t3")
	h.cfg.Crawl.TimeBudget = time.Nanosecond
	ctx := context.Background()

	report, err := h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed, "at least one result is persisted")
	assert.Equal(t, 2, report.Remaining)
	counts, err := h.store.QueueCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.QueueStatusProcessing])

	h.cfg.Crawl.TimeBudget = 30 * time.Second
	report, err = h.worker.RunBatch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, 2, report.Processed)
}
