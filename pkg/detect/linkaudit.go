package detect

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
)

// Link mismatch kinds
const (
	MismatchCasing        = "Link Casing Mismatch"
	MismatchTrailingSlash = "Trailing Slash Mismatch"
	MismatchParameter     = "Link Parameter Mismatch"
	MismatchRedirect      = "Redirecting Internal Link"
	MismatchSlug          = "Link Slug Mismatch"
	BrokenInternalLink    = "Broken Internal Link"
)

// AuditLink compares one internal link with the crawled page it points at.
// Returns nil when the link already points at the target's final canonical URL.
func AuditLink(link *models.Link, source, target *models.Page) *models.LinkAudit {
	if target == nil || target.StatusCode != 200 {
		return nil
	}
	dest := destination(target)
	literal := link.TargetURL
	if literal == dest {
		return nil
	}

	kind, sev := classifyMismatch(literal, dest, target)
	audit := &models.LinkAudit{
		CrawlID:         link.CrawlID,
		SourceURL:       link.SourceURL,
		Href:            link.Href,
		TargetURL:       literal,
		ResolvedURL:     dest,
		Canonical:       target.Signals.Canonical,
		MismatchKind:    kind,
		Severity:        sev,
		RedirectHops:    max(len(target.RedirectChain)-1, 0),
		RedirectChain:   target.RedirectChain,
		OriginalSnippet: link.Snippet,
		CreatedAt:       time.Now().UTC(),
	}
	if source != nil {
		audit.SourcePageID = source.ID
	}
	audit.FixSnippet = FixSnippet(link.Snippet, link.Href, link.Anchor, link.SourceURL, dest)
	return audit
}

// AuditIssue is the generic issue row accompanying a link audit
func AuditIssue(a *models.LinkAudit) models.Issue {
	desc := fmt.Sprintf("The link resolves to %s", a.ResolvedURL)
	if a.RedirectHops > 0 {
		desc = fmt.Sprintf("The link goes through %d redirect(s) before reaching %s", a.RedirectHops, a.ResolvedURL)
	}
	return models.Issue{
		CrawlID:        a.CrawlID,
		PageID:         a.SourcePageID,
		URL:            a.SourceURL,
		Type:           a.MismatchKind,
		Severity:       a.Severity,
		Message:        fmt.Sprintf("Link to %s should point to %s", a.Href, a.ResolvedURL),
		Description:    desc,
		Recommendation: "Replace the link with: " + a.FixSnippet,
		CreatedAt:      a.CreatedAt,
	}
}

// BrokenLinkIssue reports an internal link whose target answered with an error status
func BrokenLinkIssue(link *models.Link, source, target *models.Page) *models.Issue {
	if target == nil || target.StatusCode < 400 {
		return nil
	}
	sev := models.SeverityHigh
	if target.StatusCode == 404 || target.StatusCode == 410 {
		sev = models.SeverityCritical
	}
	issue := &models.Issue{
		CrawlID:        link.CrawlID,
		URL:            link.SourceURL,
		Type:           BrokenInternalLink,
		Severity:       sev,
		Message:        fmt.Sprintf("Link to %s returns HTTP %d", link.Href, target.StatusCode),
		Description:    "An internal link points to a page that does not load.",
		Recommendation: "Update or remove the link.",
		CreatedAt:      time.Now().UTC(),
	}
	if source != nil {
		issue.PageID = source.ID
	}
	return issue
}

// destination is where a link to target should point: its declared canonical, else its final URL
func destination(target *models.Page) string {
	if target.Signals.Canonical != "" {
		if canonical, _, err := parse.ParseAndNormalize(target.Signals.Canonical); err == nil {
			return canonical
		}
	}
	if target.FinalURL != "" {
		if final, _, err := parse.ParseAndNormalize(target.FinalURL); err == nil {
			return final
		}
	}
	return target.URL
}

func classifyMismatch(literal, dest string, target *models.Page) (string, models.Severity) {
	lu, lerr := url.Parse(literal)
	du, derr := url.Parse(dest)
	if lerr == nil && derr == nil && lu.Scheme == du.Scheme && lu.Host == du.Host {
		switch {
		case lu.RawQuery == du.RawQuery && strings.EqualFold(lu.EscapedPath(), du.EscapedPath()):
			return MismatchCasing, models.SeverityHigh
		case lu.RawQuery == du.RawQuery && trimSlash(lu.EscapedPath()) == trimSlash(du.EscapedPath()):
			return MismatchTrailingSlash, models.SeverityMedium
		case lu.EscapedPath() == du.EscapedPath():
			return MismatchParameter, models.SeverityLow
		}
	}
	if target.Redirected() {
		chain := target.RedirectChain
		if len(chain) == 2 && (chain[0].StatusCode == 301 || chain[0].StatusCode == 308) {
			return MismatchRedirect, models.SeverityMedium
		}
		return MismatchRedirect, models.SeverityHigh
	}
	return MismatchSlug, models.SeverityHigh
}

func trimSlash(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimSuffix(p, "/")
}

// FixSnippet re-serializes an anchor snippet with its href replaced by dest.
// The new href keeps the original's form: root-relative stays root-relative (unless dest
// left the source host), absolute and protocol-relative stay so, and any fragment is kept.
func FixSnippet(snippet, href, anchor, sourceURL, dest string) string {
	newHref := rewriteHref(href, sourceURL, dest)
	if strings.TrimSpace(snippet) == "" {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(newHref), html.EscapeString(anchor))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snippet))
	if err != nil {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(newHref), html.EscapeString(anchor))
	}
	a := doc.Find("a").First()
	if a.Length() == 0 {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(newHref), html.EscapeString(anchor))
	}
	a.SetAttr("href", newHref)
	out, err := goquery.OuterHtml(a)
	if err != nil {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(newHref), html.EscapeString(anchor))
	}
	return out
}

func rewriteHref(href, sourceURL, dest string) string {
	du, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	href = strings.TrimSpace(href)
	if orig, err := url.Parse(href); err == nil && orig.Fragment != "" {
		du.Fragment = orig.Fragment
	}

	switch {
	case strings.HasPrefix(href, "//"):
		return "//" + du.Host + du.RequestURI() + fragment(du)
	case strings.HasPrefix(href, "/"), !strings.Contains(href, "://"):
		// Root-relative, and relative forms, come out root-relative when the host is unchanged
		if src, err := url.Parse(sourceURL); err == nil && parse.SameHost(src, du) && strings.EqualFold(src.Host, du.Host) {
			return du.RequestURI() + fragment(du)
		}
		return du.String()
	}
	return du.String()
}

func fragment(u *url.URL) string {
	if u.Fragment == "" {
		return ""
	}
	return "#" + u.EscapedFragment()
}
