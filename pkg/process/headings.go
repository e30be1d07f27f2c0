package process

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// extractHeadings returns h1-h6 in document order. Empty headings are kept; they still count structurally.
func extractHeadings(doc *goquery.Document) []models.Heading {
	var headings []models.Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		headings = append(headings, models.Heading{
			Level: int(name[1] - '0'),
			Text:  utils.CollapseWhitespace(s.Text()),
		})
	})
	return headings
}

// HeadingSkips returns each level jump of more than one (e.g. h2 -> h4) as "hN->hM".
func HeadingSkips(headings []models.Heading) []string {
	var skips []string
	prev := 0
	for _, h := range headings {
		if prev > 0 && h.Level > prev+1 {
			skips = append(skips, "h"+string(rune('0'+prev))+"->h"+string(rune('0'+h.Level)))
		}
		prev = h.Level
	}
	return skips
}
