// Package detect finds SEO defects: pure per-page rules, the post-crawl pass over a
// whole crawl (duplicates, canonicals, orphans, link audit) and the on-page grade.
package detect

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/process"
)

// Per-page thresholds
const (
	TitleMinChars       = 30
	TitleMaxChars       = 60
	DescriptionMinChars = 70
	DescriptionMaxChars = 160
	ThinContentWords    = 100
	VeryThinWords       = 50
	LowTextRatioPercent = 10.0
	Soft404MaxWords     = 150
)

var soft404Phrases = []string{
	"not found",
	"page not found",
	"404",
	"page does not exist",
	"page doesn't exist",
	"no longer available",
	"nothing was found",
	"cannot be found",
}

// pageRule is one per-page check. Check returns the issue message, or "" when the page passes.
type pageRule struct {
	Type           string
	Severity       models.Severity
	Description    string
	Recommendation string
	Check          func(p *models.Page) string
}

var contentRules = []pageRule{
	{
		Type: "Missing Title", Severity: models.SeverityHigh,
		Description:    "The page has no <title> element or it is empty.",
		Recommendation: "Add a unique, descriptive title of 30-60 characters.",
		Check: func(p *models.Page) string {
			if strings.TrimSpace(p.Signals.Title) == "" {
				return "Page has no title"
			}
			return ""
		},
	},
	{
		Type: "Title Too Short", Severity: models.SeverityLow,
		Description:    "Short titles waste space in search results and rarely describe the page well.",
		Recommendation: fmt.Sprintf("Expand the title to at least %d characters.", TitleMinChars),
		Check: func(p *models.Page) string {
			if n := charCount(p.Signals.Title); n > 0 && n < TitleMinChars {
				return fmt.Sprintf("Title is %d characters (minimum %d)", n, TitleMinChars)
			}
			return ""
		},
	},
	{
		Type: "Title Too Long", Severity: models.SeverityMedium,
		Description:    "Search engines truncate long titles.",
		Recommendation: fmt.Sprintf("Shorten the title to at most %d characters.", TitleMaxChars),
		Check: func(p *models.Page) string {
			if n := charCount(p.Signals.Title); n > TitleMaxChars {
				return fmt.Sprintf("Title is %d characters (maximum %d)", n, TitleMaxChars)
			}
			return ""
		},
	},
	{
		Type: "Missing Meta Description", Severity: models.SeverityMedium,
		Description:    "Without a meta description search engines pick an arbitrary snippet.",
		Recommendation: "Add a meta description summarising the page in 70-160 characters.",
		Check: func(p *models.Page) string {
			if strings.TrimSpace(p.Signals.MetaDescription) == "" {
				return "Page has no meta description"
			}
			return ""
		},
	},
	{
		Type: "Meta Description Too Short", Severity: models.SeverityLow,
		Description:    "Very short descriptions give searchers little reason to click.",
		Recommendation: fmt.Sprintf("Expand the description to at least %d characters.", DescriptionMinChars),
		Check: func(p *models.Page) string {
			if n := charCount(p.Signals.MetaDescription); n > 0 && n < DescriptionMinChars {
				return fmt.Sprintf("Meta description is %d characters (minimum %d)", n, DescriptionMinChars)
			}
			return ""
		},
	},
	{
		Type: "Meta Description Too Long", Severity: models.SeverityLow,
		Description:    "Long descriptions are truncated in search results.",
		Recommendation: fmt.Sprintf("Shorten the description to at most %d characters.", DescriptionMaxChars),
		Check: func(p *models.Page) string {
			if n := charCount(p.Signals.MetaDescription); n > DescriptionMaxChars {
				return fmt.Sprintf("Meta description is %d characters (maximum %d)", n, DescriptionMaxChars)
			}
			return ""
		},
	},
	{
		Type: "Missing H1", Severity: models.SeverityHigh,
		Description:    "The page has no <h1> heading.",
		Recommendation: "Add exactly one <h1> stating the page topic.",
		Check: func(p *models.Page) string {
			if len(p.Signals.H1) == 0 {
				return "Page has no H1 heading"
			}
			return ""
		},
	},
	{
		Type: "Multiple H1", Severity: models.SeverityMedium,
		Description:    "Several <h1> headings blur the page topic.",
		Recommendation: "Keep one <h1> and demote the others to <h2>.",
		Check: func(p *models.Page) string {
			if n := len(p.Signals.H1); n > 1 {
				return fmt.Sprintf("Page has %d H1 headings", n)
			}
			return ""
		},
	},
	{
		Type: "Heading Level Skip", Severity: models.SeverityLow,
		Description:    "Heading levels jump over a level, breaking the document outline.",
		Recommendation: "Nest headings one level at a time.",
		Check: func(p *models.Page) string {
			if skips := process.HeadingSkips(p.Signals.Headings); len(skips) > 0 {
				return "Heading levels skip: " + strings.Join(skips, ", ")
			}
			return ""
		},
	},
	{
		Type: "Missing Canonical", Severity: models.SeverityLow,
		Description:    "The page does not declare a canonical URL.",
		Recommendation: `Add <link rel="canonical"> pointing at the preferred URL.`,
		Check: func(p *models.Page) string {
			if len(p.Signals.Canonicals) == 0 {
				return "Page has no canonical tag"
			}
			return ""
		},
	},
	{
		Type: "Multiple Canonicals", Severity: models.SeverityHigh,
		Description:    "Conflicting canonical tags are ignored by search engines.",
		Recommendation: "Keep a single canonical tag.",
		Check: func(p *models.Page) string {
			if n := len(p.Signals.Canonicals); n > 1 {
				return fmt.Sprintf("Page has %d canonical tags", n)
			}
			return ""
		},
	},
	{
		Type: "Images Missing Alt", Severity: models.SeverityLow,
		Description:    "Images without alt text are invisible to screen readers and image search.",
		Recommendation: "Add descriptive alt attributes; use alt=\"\" for decorative images.",
		Check: func(p *models.Page) string {
			if n := p.Signals.ImagesMissingAlt(); n > 0 {
				return fmt.Sprintf("%d of %d images have no alt attribute", n, len(p.Signals.Images))
			}
			return ""
		},
	},
	{
		Type: "Very Thin Content", Severity: models.SeverityHigh,
		Description:    "The page has almost no visible text.",
		Recommendation: "Add substantial content or remove the page from the index.",
		Check: func(p *models.Page) string {
			if n := p.Signals.WordCount; n < VeryThinWords {
				return fmt.Sprintf("Page has %d words (minimum %d)", n, VeryThinWords)
			}
			return ""
		},
	},
	{
		Type: "Thin Content", Severity: models.SeverityMedium,
		Description:    "The page has little visible text.",
		Recommendation: fmt.Sprintf("Expand the content to at least %d words.", ThinContentWords),
		Check: func(p *models.Page) string {
			if n := p.Signals.WordCount; n >= VeryThinWords && n < ThinContentWords {
				return fmt.Sprintf("Page has %d words (minimum %d)", n, ThinContentWords)
			}
			return ""
		},
	},
	{
		Type: "Low Text Ratio", Severity: models.SeverityLow,
		Description:    "Markup dominates the document compared to visible text.",
		Recommendation: "Reduce inline scripts and styles or add content.",
		Check: func(p *models.Page) string {
			if r := p.Signals.TextRatio; r < LowTextRatioPercent {
				return fmt.Sprintf("Text to HTML ratio is %.1f%% (minimum %.0f%%)", r, LowTextRatioPercent)
			}
			return ""
		},
	},
	{
		Type: "Soft 404", Severity: models.SeverityHigh,
		Description:    "The page returns 200 but looks like an error page.",
		Recommendation: "Return a real 404 or 410 status for missing content.",
		Check: func(p *models.Page) string {
			if p.Signals.WordCount >= Soft404MaxWords {
				return ""
			}
			if phrase := soft404Phrase(p); phrase != "" {
				return fmt.Sprintf("200 response with %d words mentions %q", p.Signals.WordCount, phrase)
			}
			return ""
		},
	},
	{
		Type: "Noindex", Severity: models.SeverityHigh,
		Description:    "The page asks search engines not to index it.",
		Recommendation: "Remove the noindex directive if the page should rank.",
		Check: func(p *models.Page) string {
			switch {
			case p.Signals.NoindexHeader:
				return "Noindex via header"
			case p.Signals.NoindexMeta:
				return "Noindex via meta robots"
			}
			return ""
		},
	},
}

// PageIssues evaluates every per-page rule against one persisted page. It performs no I/O.
// Content rules only run for 200 HTML responses that were not redirected; other statuses
// get a status issue instead.
func PageIssues(page *models.Page) []models.Issue {
	var issues []models.Issue
	add := func(typ string, sev models.Severity, msg, desc, rec string) {
		issues = append(issues, models.Issue{
			CrawlID:        page.CrawlID,
			PageID:         page.ID,
			URL:            page.URL,
			Type:           typ,
			Severity:       sev,
			Message:        msg,
			Description:    desc,
			Recommendation: rec,
			CreatedAt:      time.Now().UTC(),
		})
	}

	if page.TooManyRedirects {
		add("Redirect Loop", models.SeverityHigh,
			fmt.Sprintf("Gave up after %d redirects", len(page.RedirectChain)-1),
			"The URL redirects in a loop or through too many hops.",
			"Point the URL straight at its final destination.")
		return issues
	}

	if typ, sev, ok := statusIssue(page.StatusCode); ok {
		add(typ, sev, fmt.Sprintf("URL returned HTTP %d", page.StatusCode),
			"The page does not return a successful response.",
			"Fix the page or remove links pointing to it.")
		return issues
	}

	if page.StatusCode != 200 || !process.IsHTML(page.ContentType) || page.Redirected() {
		return issues
	}
	for _, rule := range contentRules {
		if msg := rule.Check(page); msg != "" {
			add(rule.Type, rule.Severity, msg, rule.Description, rule.Recommendation)
		}
	}
	return issues
}

func statusIssue(code int) (string, models.Severity, bool) {
	switch {
	case code == 404:
		return "Broken Page (404)", models.SeverityCritical, true
	case code == 410:
		return "Gone (410)", models.SeverityHigh, true
	case code >= 400 && code < 500:
		return "Client Error (4xx)", models.SeverityHigh, true
	case code >= 500:
		return "Server Error (5xx)", models.SeverityCritical, true
	}
	return "", "", false
}

func soft404Phrase(p *models.Page) string {
	fields := []string{strings.ToLower(p.Signals.Title), strings.ToLower(p.Signals.VisibleTextSample)}
	for _, h := range p.Signals.H1 {
		fields = append(fields, strings.ToLower(h))
	}
	for _, phrase := range soft404Phrases {
		for _, f := range fields {
			if strings.Contains(f, phrase) {
				return phrase
			}
		}
	}
	return ""
}

func charCount(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
