package process

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// PageExtractor turns one HTML document into a PageSignals record
type PageExtractor struct {
	snippetMax int
	log        *logrus.Entry
}

// NewPageExtractor creates a PageExtractor; snippetMax bounds each link's HTML snippet
func NewPageExtractor(snippetMax int, log *logrus.Entry) *PageExtractor {
	return &PageExtractor{
		snippetMax: snippetMax,
		log:        log.WithField("component", "extractor"),
	}
}

// IsHTML reports whether a Content-Type should be parsed. A missing type is sniffed as HTML.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// HeaderSignals reads the response-level directives of a document that is not parsed
func HeaderSignals(header http.Header) (sig models.PageSignals) {
	sig.XRobotsTag = strings.Join(header.Values("X-Robots-Tag"), ", ")
	sig.NoindexHeader = hasNoindex(sig.XRobotsTag)
	return sig
}

// Extract never fails: a parse error or panic is logged and the defaults gathered so far are
// returned with ParseError set. header may be nil.
func (pe *PageExtractor) Extract(body []byte, pageURL string, header http.Header) (sig models.PageSignals) {
	taskLog := pe.log.WithField("url", pageURL)

	// X-Robots-Tag applies even when the document cannot be parsed
	if header != nil {
		sig = HeaderSignals(header)
	}

	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC Recovered in page extraction")
			sig.ParseError = fmt.Sprintf("%v: HTML extraction panicked: %v", utils.ErrParsing, r)
		}
	}()

	base, err := url.Parse(pageURL)
	if err != nil {
		sig.ParseError = fmt.Sprintf("%v: URL %q: %v", utils.ErrParsing, pageURL, err)
		taskLog.Warn(sig.ParseError)
		return sig
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		sig.ParseError = fmt.Sprintf("%v: HTML: %v", utils.ErrParsing, err)
		taskLog.Warn(sig.ParseError)
		return sig
	}

	extractHead(doc, base, &sig)
	sig.Headings = extractHeadings(doc)
	for _, h := range sig.Headings {
		if h.Level == 1 {
			sig.H1 = append(sig.H1, h.Text)
		}
	}
	extractContent(doc, len(body), &sig)
	sig.Links = extractLinks(doc, base, pe.snippetMax)
	sig.Images = extractImages(doc, base)
	sig.StructuredDataTypes = extractStructuredData(doc)

	taskLog.Debugf("Extracted %d words, %d links, %d images", sig.WordCount, len(sig.Links), len(sig.Images))
	return sig
}

// extractHead reads title, meta tags, canonicals and lang
func extractHead(doc *goquery.Document, base *url.URL, sig *models.PageSignals) {
	titles := doc.Find("head title")
	if titles.Length() == 0 {
		titles = doc.Find("title").Not("svg title") // Malformed pages put <title> in <body>
	}
	sig.TitleCount = titles.Length()
	if sig.TitleCount > 0 {
		sig.Title = utils.CollapseWhitespace(titles.First().Text())
	}

	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name := strings.ToLower(strings.TrimSpace(s.AttrOr("name", "")))
		content := strings.TrimSpace(s.AttrOr("content", ""))
		switch name {
		case "description":
			sig.DescriptionCount++
			if sig.DescriptionCount == 1 {
				sig.MetaDescription = utils.CollapseWhitespace(content)
			}
		case "robots":
			if sig.MetaRobots == "" {
				sig.MetaRobots = content
			} else {
				sig.MetaRobots += ", " + content
			}
		}
	})
	sig.NoindexMeta = hasNoindex(sig.MetaRobots)

	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		if !hasToken(s.AttrOr("rel", ""), "canonical") {
			return
		}
		href, _ := s.Attr("href")
		resolved := parse.ResolveHref(base, href)
		if resolved == nil {
			return
		}
		sig.Canonicals = append(sig.Canonicals, parse.NormalizeURL(resolved))
	})
	if len(sig.Canonicals) > 0 {
		sig.Canonical = sig.Canonicals[0]
	}

	sig.Lang = strings.TrimSpace(doc.Find("html").First().AttrOr("lang", ""))
}

// extractImages records every <img> and whether it carries an alt attribute
func extractImages(doc *goquery.Document, base *url.URL) []models.Image {
	var images []models.Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", s.AttrOr("data-src", "")))
		if resolved := parse.ResolveHref(base, src); resolved != nil {
			src = resolved.String()
		}
		alt, hasAlt := s.Attr("alt")
		images = append(images, models.Image{Src: src, Alt: strings.TrimSpace(alt), HasAlt: hasAlt})
	})
	return images
}

// hasNoindex checks robots directive lists such as "noindex, nofollow" or "googlebot: none"
func hasNoindex(directives string) bool {
	for _, part := range strings.Split(strings.ToLower(directives), ",") {
		part = strings.TrimSpace(part)
		if _, rest, ok := strings.Cut(part, ":"); ok {
			part = strings.TrimSpace(rest)
		}
		if part == "noindex" || part == "none" {
			return true
		}
	}
	return false
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}
