package process

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/parse"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// extractLinks returns every followable <a href> on the page in document order.
// Duplicates are kept: each occurrence is a distinct edge with its own snippet.
func extractLinks(doc *goquery.Document, base *url.URL, snippetMax int) []models.ExtractedLink {
	var links []models.ExtractedLink
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := parse.ResolveHref(base, href)
		if resolved == nil {
			return // Empty, fragment-only and non-http(s) links are not graph edges
		}
		links = append(links, models.ExtractedLink{
			Href:     strings.TrimSpace(href),
			URL:      parse.NormalizeURL(resolved),
			Anchor:   utils.CollapseWhitespace(s.Text()),
			Snippet:  linkSnippet(s, snippetMax),
			Internal: parse.SameHost(base, resolved),
			Nofollow: hasToken(s.AttrOr("rel", ""), "nofollow"),
		})
	})
	return links
}

// linkSnippet returns the anchor's outer HTML. An oversized anchor keeps its full opening tag
// (so href can still be located and rewritten) followed by truncated text.
func linkSnippet(s *goquery.Selection, max int) string {
	outer, err := goquery.OuterHtml(s)
	if err != nil {
		return ""
	}
	if max <= 0 || len(outer) <= max {
		return outer
	}

	open := openingTag(s.Get(0))
	room := max - len(open) - len("</a>")
	text := ""
	if room > 0 {
		text = html.EscapeString(utils.Truncate(utils.CollapseWhitespace(s.Text()), room))
	}
	return open + text + "</a>"
}

// openingTag renders a node without its children, e.g. `<a href="/x" class="y">`
func openingTag(n *html.Node) string {
	if n == nil {
		return ""
	}
	shallow := &html.Node{Type: n.Type, DataAtom: n.DataAtom, Data: n.Data, Namespace: n.Namespace, Attr: n.Attr}
	var buf bytes.Buffer
	if err := html.Render(&buf, shallow); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "</"+n.Data+">")
}
