package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// Options bounds one Fetcher's batch
type Options struct {
	Concurrency       int     // Parallel requests ceiling
	RequestsPerSecond float64 // 0 = unlimited
	MaxRedirects      int     // Hop ceiling; exceeding it returns the last 3xx
	MaxBodyBytes      int64   // Bodies are cut at this size
}

// Result is the outcome of fetching one URL.
// StatusCode 0 marks a transport failure, with the cause in Err.
type Result struct {
	URL              string
	FinalURL         string
	StatusCode       int
	Elapsed          time.Duration
	Size             int64
	ContentType      string
	Header           http.Header
	Body             []byte
	Truncated        bool
	Redirects        []models.RedirectHop // Every response in order, final one included
	TooManyRedirects bool
	Err              string
	ErrCategory      string
}

// TransportFailure reports whether no HTTP response was obtained
func (r *Result) TransportFailure() bool {
	return r.StatusCode == 0
}

// Fetcher issues bounded-concurrency GET batches with rotated browser fingerprints
// and one cookie jar shared across the batch. Close discards the jar.
type Fetcher struct {
	client  *http.Client
	jar     http.CookieJar
	pool    *FingerprintPool
	limiter *rate.Limiter
	opts    Options
	log     *logrus.Entry
}

// NewFetcher creates a Fetcher on top of a shared client
func NewFetcher(client *http.Client, pool *FingerprintPool, opts Options, log *logrus.Entry) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if pool == nil {
		pool = NewFingerprintPool(nil)
	}
	return &Fetcher{
		client:  client,
		jar:     NewJar(),
		pool:    pool,
		limiter: newLimiter(opts.RequestsPerSecond),
		opts:    opts,
		log:     log.WithField("component", "fetcher"),
	}
}

// Close drops the batch's cookies
func (f *Fetcher) Close() {
	f.jar = nil
}

// FetchAll fetches every URL and returns results in input order, sending referer (when set)
// as the Referer header. Every URL yields exactly one Result; failures are reported in the
// Result, never dropped.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, referer string) []Result {
	results := make([]Result, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					f.log.WithFields(logrus.Fields{
						"url":         u,
						"panic_info":  r,
						"stack_trace": string(debug.Stack()),
					}).Error("PANIC Recovered in fetch goroutine")
					results[i] = Result{URL: u, Err: fmt.Sprintf("internal error: %v", r), ErrCategory: "Internal_Panic"}
				}
			}()
			results[i] = f.Fetch(gctx, u, referer)
			return nil // A failed URL must never cancel its siblings
		})
	}
	_ = g.Wait()
	return results
}

// Fetch performs one GET, following redirects up to the hop ceiling
func (f *Fetcher) Fetch(ctx context.Context, rawURL, referer string) (res Result) {
	res.URL = rawURL
	reqLog := f.log.WithField("url", rawURL)
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	if err := waitTurn(ctx, f.limiter); err != nil {
		return transportFailure(res, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Err = fmt.Sprintf("%v: %v", utils.ErrRequestCreation, err)
		res.ErrCategory = utils.CategorizeError(utils.ErrRequestCreation)
		return res
	}
	f.pool.Next().Apply(req.Header)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	var hops []models.RedirectHop
	tooMany := false
	client := *f.client // Per-request copy: redirect telemetry is request-scoped
	client.Jar = f.jar
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) > f.opts.MaxRedirects {
			tooMany = true
			return http.ErrUseLastResponse
		}
		if next.Response != nil {
			hops = append(hops, models.RedirectHop{
				URL:        via[len(via)-1].URL.String(),
				StatusCode: next.Response.StatusCode,
			})
		}
		reqLog.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, next.URL, len(via))
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		reqLog.Debugf("Transport failure: %v", err)
		return transportFailure(res, err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.FinalURL = resp.Request.URL.String()
	res.Header = resp.Header
	res.ContentType = resp.Header.Get("Content-Type")
	res.TooManyRedirects = tooMany
	res.Redirects = append(hops, models.RedirectHop{URL: res.FinalURL, StatusCode: resp.StatusCode})

	body, truncated, err := readLimited(resp.Body, f.opts.MaxBodyBytes)
	if err != nil {
		reqLog.Debugf("Body read failure: %v", err)
		return transportFailure(res, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err))
	}
	res.Body = body
	res.Size = int64(len(body))
	res.Truncated = truncated
	return res
}

// transportFailure resets a result to the status-0 outcome
func transportFailure(res Result, err error) Result {
	res.StatusCode = 0
	res.Body = nil
	res.Err = err.Error()
	if errors.Is(err, utils.ErrResponseBodyRead) {
		res.ErrCategory = utils.CategorizeError(err)
	} else {
		res.ErrCategory = utils.CategorizeError(fmt.Errorf("%w: %w", utils.ErrTransport, err))
	}
	return res
}

func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return b, false, err
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}
