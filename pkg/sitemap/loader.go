package sitemap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const maxSitemapBytes = 50 << 20 // Protocol ceiling for one sitemap file

// Loader fetches a site's flat sitemap for orphan detection
type Loader struct {
	client    *http.Client
	userAgent string
	exclude   []*regexp.Regexp // URLs the crawl would never enqueue are not orphans
	log       *logrus.Entry
}

// NewLoader creates a Loader
func NewLoader(client *http.Client, userAgent string, exclude []*regexp.Regexp, log *logrus.Entry) *Loader {
	return &Loader{
		client:    client,
		userAgent: userAgent,
		exclude:   exclude,
		log:       log.WithField("component", "sitemap_loader"),
	}
}

// Load fetches {origin}/sitemap.xml and returns its normalized in-scope URLs.
// A missing sitemap yields no URLs and no error. A sitemap index is not expanded.
func (l *Loader) Load(ctx context.Context, origin string) (urls []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logrus.Fields{
				"origin":      origin,
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC Recovered in sitemap loading")
			urls, err = nil, fmt.Errorf("%w: XML sitemap: internal error: %v", utils.ErrParsing, r)
		}
	}()

	base, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: URL origin %q: %v", utils.ErrParsing, origin, err)
	}
	sitemapURL := strings.TrimRight(origin, "/") + "/sitemap.xml"
	sitemapLog := l.log.WithField("sitemap_url", sitemapURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sitemapLog.Infof("No sitemap (status %d), skipping orphan detection", resp.StatusCode)
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}

	all, isIndex, err := parse.SitemapURLs(body)
	if err != nil {
		return nil, err
	}
	if isIndex {
		sitemapLog.Warn("sitemap.xml is a sitemap index; nested sitemaps are not expanded")
		return nil, nil
	}

	// --- Scope Check Logic ---
	for _, u := range all {
		parsed, perr := url.Parse(u)
		if perr != nil || !parse.SameHost(parsed, base) {
			continue
		}
		if utils.MatchesAny(l.exclude, u) {
			continue
		}
		urls = append(urls, u)
	}
	sitemapLog.Infof("Parsed sitemap: %d URLs, %d in scope", len(all), len(urls))
	return urls, nil
}
