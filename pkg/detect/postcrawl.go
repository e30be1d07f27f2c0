package detect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/storage"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const (
	insertChunk      = 500
	maxNamedSiblings = 5
)

// SitemapSource lists the normalized URLs a site declares in its sitemap
type SitemapSource interface {
	Load(ctx context.Context, origin string) ([]string, error)
}

// AnalysisReport summarises one post-crawl pass
type AnalysisReport struct {
	CrawlID       string         `json:"crawl_id"`
	Pages         int            `json:"pages"`
	Links         int            `json:"links"`
	IssuesCreated int            `json:"issues_created"`
	AuditsCreated int            `json:"audits_created"`
	ByType        map[string]int `json:"by_type"`
	SitemapURLs   int            `json:"sitemap_urls"`
	SitemapError  string         `json:"sitemap_error,omitempty"`
	Elapsed       time.Duration  `json:"elapsed"`
}

// Analyzer runs the post-crawl pass over a completed crawl's whole page and link set.
// Every write is idempotent, so running it twice creates nothing new.
type Analyzer struct {
	store    storage.Store
	sitemaps SitemapSource // nil disables orphan detection
	log      *logrus.Entry
}

// NewAnalyzer creates an Analyzer
func NewAnalyzer(store storage.Store, sitemaps SitemapSource, log *logrus.Entry) *Analyzer {
	return &Analyzer{
		store:    store,
		sitemaps: sitemaps,
		log:      log.WithField("component", "analyzer"),
	}
}

// pageIndex looks pages up by requested and final normalized URL
type pageIndex struct {
	pages   []*models.Page
	byURL   map[string]*models.Page
	byFinal map[string]*models.Page
}

func (ix *pageIndex) lookup(normalized string) *models.Page {
	if p, ok := ix.byURL[normalized]; ok {
		return p
	}
	return ix.byFinal[normalized]
}

// Analyze runs every post-crawl check for a COMPLETED crawl
func (a *Analyzer) Analyze(ctx context.Context, crawl *models.Crawl) (*AnalysisReport, error) {
	if crawl.Status != models.CrawlStatusCompleted {
		return nil, utils.WrapErrorf(utils.ErrInvalidTransition, "crawl %s is %s; analysis needs a COMPLETED crawl", crawl.ID, crawl.Status)
	}
	start := time.Now()
	crawlLog := a.log.WithField("crawl_id", crawl.ID)
	report := &AnalysisReport{CrawlID: crawl.ID, ByType: make(map[string]int)}

	ix, err := a.loadPages(ctx, crawl.ID)
	if err != nil {
		return nil, err
	}
	report.Pages = len(ix.pages)

	var issues []models.Issue
	issues = append(issues, duplicateField(ix, "Duplicate Title", models.SeverityMedium,
		"Several pages share the same title.", "Give every page a unique title.",
		func(p *models.Page) string { return p.Signals.Title })...)
	issues = append(issues, duplicateField(ix, "Duplicate Meta Description", models.SeverityLow,
		"Several pages share the same meta description.", "Write a unique description for every page.",
		func(p *models.Page) string { return p.Signals.MetaDescription })...)
	issues = append(issues, duplicateContent(ix)...)
	issues = append(issues, canonicalTargets(ix)...)

	var audits []models.LinkAudit
	err = a.store.ForEachLink(ctx, crawl.ID, func(l *models.Link) error {
		report.Links++
		if !l.Internal {
			return nil
		}
		source, target := ix.byURL[l.SourceURL], ix.byURL[l.TargetURL]
		if target == nil {
			return nil // Not crawled (depth ceiling, robots, errors): nothing to compare with
		}
		if broken := BrokenLinkIssue(l, source, target); broken != nil {
			issues = append(issues, *broken)
			return nil
		}
		if audit := AuditLink(l, source, target); audit != nil {
			audits = append(audits, *audit)
			issues = append(issues, AuditIssue(audit))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if a.sitemaps != nil {
		orphans, n, serr := a.orphans(ctx, crawl, ix)
		report.SitemapURLs = n
		if serr != nil {
			// A broken sitemap must not block the rest of the pass
			crawlLog.Warnf("Orphan detection skipped: %v", serr)
			report.SitemapError = serr.Error()
		}
		issues = append(issues, orphans...)
	}

	if err := a.persist(ctx, report, issues, audits); err != nil {
		return nil, err
	}
	if err := a.store.SetAnalyzed(ctx, crawl.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	crawlLog.WithFields(logrus.Fields{
		"pages":  report.Pages,
		"issues": report.IssuesCreated,
		"audits": report.AuditsCreated,
	}).Info("Post-crawl analysis finished")
	return report, nil
}

func (a *Analyzer) loadPages(ctx context.Context, crawlID string) (*pageIndex, error) {
	ix := &pageIndex{byURL: make(map[string]*models.Page), byFinal: make(map[string]*models.Page)}
	err := a.store.ForEachPage(ctx, crawlID, func(p *models.Page) error {
		page := *p
		ix.pages = append(ix.pages, &page)
		ix.byURL[page.URL] = &page
		if final, _, err := parse.ParseAndNormalize(page.FinalURL); err == nil {
			if _, taken := ix.byFinal[final]; !taken {
				ix.byFinal[final] = &page
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ix.pages, func(i, j int) bool { return ix.pages[i].URL < ix.pages[j].URL })
	return ix, nil
}

// persist writes issues and audits in bounded transactions
func (a *Analyzer) persist(ctx context.Context, report *AnalysisReport, issues []models.Issue, audits []models.LinkAudit) error {
	for start := 0; start < len(issues); start += insertChunk {
		chunk := issues[start:min(start+insertChunk, len(issues))]
		created := 0
		byType := make(map[string]int)
		err := a.store.Update(ctx, func(tx storage.Tx) error {
			created = 0
			clear(byType)
			for i := range chunk {
				ok, err := tx.InsertIssue(&chunk[i])
				if err != nil {
					return err
				}
				if ok {
					created++
					byType[chunk[i].Type]++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persisting analysis issues: %w", err)
		}
		report.IssuesCreated += created
		for t, n := range byType {
			report.ByType[t] += n
		}
	}
	for start := 0; start < len(audits); start += insertChunk {
		chunk := audits[start:min(start+insertChunk, len(audits))]
		created := 0
		err := a.store.Update(ctx, func(tx storage.Tx) error {
			created = 0
			for i := range chunk {
				ok, err := tx.InsertLinkAudit(&chunk[i])
				if err != nil {
					return err
				}
				if ok {
					created++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persisting link audits: %w", err)
		}
		report.AuditsCreated += created
	}
	return nil
}

// eligible pages take part in duplicate clustering. A redirected row carries its
// destination's content and is only audited through the links pointing at it.
func eligible(p *models.Page) bool {
	return p.StatusCode == 200 && p.Signals.ParseError == "" && !p.Redirected()
}

func duplicateField(ix *pageIndex, typ string, sev models.Severity, desc, rec string, field func(*models.Page) string) []models.Issue {
	groups := make(map[string][]*models.Page)
	var order []string
	for _, p := range ix.pages {
		v := strings.TrimSpace(field(p))
		if !eligible(p) || v == "" {
			continue
		}
		if _, seen := groups[v]; !seen {
			order = append(order, v)
		}
		groups[v] = append(groups[v], p)
	}

	var issues []models.Issue
	for _, v := range order {
		members := groups[v]
		if len(members) < 2 {
			continue
		}
		for _, p := range members {
			issues = append(issues, models.Issue{
				CrawlID:        p.CrawlID,
				PageID:         p.ID,
				URL:            p.URL,
				Type:           typ,
				Severity:       sev,
				Message:        fmt.Sprintf("%q is shared with %d other page(s)", utils.Truncate(v, 120), len(members)-1),
				Description:    desc,
				Recommendation: rec,
				CreatedAt:      time.Now().UTC(),
			})
		}
	}
	return issues
}

// consolidated reports whether a page's canonical points somewhere other than itself
func consolidated(p *models.Page) bool {
	if p.Signals.Canonical == "" {
		return false
	}
	canonical, _, err := parse.ParseAndNormalize(p.Signals.Canonical)
	if err != nil {
		return false
	}
	if canonical == p.URL {
		return false
	}
	final, _, err := parse.ParseAndNormalize(p.FinalURL)
	return err != nil || canonical != final
}

func duplicateContent(ix *pageIndex) []models.Issue {
	groups := make(map[string][]*models.Page)
	var order []string
	for _, p := range ix.pages {
		fp := p.Signals.Fingerprint
		if !eligible(p) || fp == "" || consolidated(p) {
			continue
		}
		if _, seen := groups[fp]; !seen {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], p)
	}

	var issues []models.Issue
	for _, fp := range order {
		members := groups[fp]
		if len(members) < 2 {
			continue
		}
		for _, p := range members {
			var siblings []string
			for _, other := range members {
				if other != p {
					siblings = append(siblings, other.URL)
				}
			}
			named := siblings
			suffix := ""
			if len(named) > maxNamedSiblings {
				suffix = fmt.Sprintf(" and %d more", len(named)-maxNamedSiblings)
				named = named[:maxNamedSiblings]
			}
			issues = append(issues, models.Issue{
				CrawlID:        p.CrawlID,
				PageID:         p.ID,
				URL:            p.URL,
				Type:           "Duplicate Content",
				Severity:       models.SeverityHigh,
				Message:        fmt.Sprintf("Same visible text as %d other page(s): %s%s", len(siblings), strings.Join(named, ", "), suffix),
				Description:    "The page's visible text is identical to other crawled pages.",
				Recommendation: "Consolidate the pages or point their canonical tags at the preferred version.",
				CreatedAt:      time.Now().UTC(),
			})
		}
	}
	return issues
}

func canonicalTargets(ix *pageIndex) []models.Issue {
	var issues []models.Issue
	add := func(p *models.Page, typ string, sev models.Severity, msg string) {
		issues = append(issues, models.Issue{
			CrawlID:        p.CrawlID,
			PageID:         p.ID,
			URL:            p.URL,
			Type:           typ,
			Severity:       sev,
			Message:        msg,
			Description:    "The canonical URL does not lead to a crawlable 200 page.",
			Recommendation: "Point the canonical tag at the live, final URL of the preferred page.",
			CreatedAt:      time.Now().UTC(),
		})
	}

	for _, p := range ix.pages {
		if p.StatusCode != 200 || !consolidated(p) {
			continue
		}
		canonical, _, _ := parse.ParseAndNormalize(p.Signals.Canonical)
		target := ix.lookup(canonical)
		switch {
		case target == nil:
			add(p, "Canonical Target Not Crawled", models.SeverityHigh,
				fmt.Sprintf("Canonical %s was not reached by the crawl", canonical))
		case target.StatusCode == 404 || target.StatusCode == 410:
			add(p, "Canonical Target Error", models.SeverityCritical,
				fmt.Sprintf("Canonical %s returned HTTP %d", canonical, target.StatusCode))
		case target.StatusCode != 200:
			add(p, "Canonical Target Error", models.SeverityHigh,
				fmt.Sprintf("Canonical %s returned HTTP %d", canonical, target.StatusCode))
		case target.URL == canonical && target.Redirected():
			add(p, "Canonical Points to Redirect", models.SeverityHigh,
				fmt.Sprintf("Canonical %s redirects to %s", canonical, target.FinalURL))
		}
	}
	return issues
}

// reached reports whether the crawl saw u under either its www or bare host.
// A queue item alone counts: robots skips and fetch errors are not orphans.
func (a *Analyzer) reached(ctx context.Context, crawlID string, ix *pageIndex, u string) (bool, error) {
	for _, candidate := range hostVariants(u) {
		if ix.lookup(candidate) != nil {
			return true, nil
		}
		if _, err := a.store.GetQueueItem(ctx, crawlID, candidate); err == nil {
			return true, nil
		} else if !errors.Is(err, utils.ErrQueueItemNotFound) {
			return false, err
		}
	}
	return false, nil
}

// hostVariants returns u and u with its "www." prefix toggled
func hostVariants(u string) []string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return []string{u}
	}
	alt := *parsed
	if strings.HasPrefix(alt.Host, "www.") {
		alt.Host = strings.TrimPrefix(alt.Host, "www.")
	} else {
		alt.Host = "www." + alt.Host
	}
	return []string{u, alt.String()}
}

func (a *Analyzer) orphans(ctx context.Context, crawl *models.Crawl, ix *pageIndex) ([]models.Issue, int, error) {
	start, err := url.Parse(crawl.StartURL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: start URL %q: %v", utils.ErrParsing, crawl.StartURL, err)
	}
	origin := start.Scheme + "://" + start.Host
	sitemapURLs, err := a.sitemaps.Load(ctx, origin)
	if err != nil {
		return nil, 0, err
	}

	var issues []models.Issue
	for _, u := range sitemapURLs {
		reached, err := a.reached(ctx, crawl.ID, ix, u)
		if err != nil {
			return issues, len(sitemapURLs), err
		}
		if reached {
			continue
		}
		issues = append(issues, models.Issue{
			CrawlID:        crawl.ID,
			URL:            u,
			Type:           "Orphan Page",
			Severity:       models.SeverityMedium,
			Message:        "Listed in sitemap.xml but not linked from any crawled page",
			Description:    "The URL is in the sitemap but internal link traversal never reached it.",
			Recommendation: "Link to the page from relevant content, or drop it from the sitemap.",
			CreatedAt:      time.Now().UTC(),
		})
	}
	return issues, len(sitemapURLs), nil
}
