package process

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const visibleTextSampleLen = 1000

// nonVisibleSelector lists elements whose text never renders
const nonVisibleSelector = "script, style, noscript, template, svg, iframe, object, head"

// extractContent computes the visible-text measures: word count, text ratio and fingerprint
func extractContent(doc *goquery.Document, docBytes int, sig *models.PageSignals) {
	root := doc.Find("body").First()
	if root.Length() == 0 {
		root = doc.Selection
	}
	visible := root.Clone()
	visible.Find(nonVisibleSelector).Remove()

	text := utils.CollapseWhitespace(visible.Text())
	sig.WordCount = len(strings.Fields(text))
	if docBytes > 0 {
		sig.TextRatio = float64(len(text)) / float64(docBytes) * 100
	}
	sig.Fingerprint = utils.ContentFingerprint(strings.ToLower(text))
	sig.VisibleTextSample = utils.Truncate(text, visibleTextSampleLen)
}

// extractStructuredData collects JSON-LD @type values and microdata itemtypes, first occurrence order
func extractStructuredData(doc *goquery.Document) []string {
	seen := map[string]bool{}
	var types []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		types = append(types, t)
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return // Broken JSON-LD is a page defect, not an extraction failure
		}
		collectLDTypes(data, add)
	})

	doc.Find("[itemtype]").Each(func(_ int, s *goquery.Selection) {
		for _, it := range strings.Fields(s.AttrOr("itemtype", "")) {
			it = strings.TrimRight(it, "/")
			if i := strings.LastIndexByte(it, '/'); i >= 0 {
				it = it[i+1:]
			}
			add(it)
		}
	})
	return types
}

// collectLDTypes walks a decoded JSON-LD value, including @graph arrays and nested objects
func collectLDTypes(v any, add func(string)) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			collectLDTypes(item, add)
		}
	case map[string]any:
		switch t := node["@type"].(type) {
		case string:
			add(t)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
		keys := make([]string, 0, len(node))
		for key := range node {
			if key != "@type" && key != "@context" {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectLDTypes(node[key], add)
		}
	}
}
