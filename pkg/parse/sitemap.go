package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// SitemapURLs extracts the normalized <loc> entries of a flat <urlset>.
// Entries that are not absolute http(s) URLs are skipped; duplicates collapse.
// A <sitemapindex> is recognised but not expanded: isIndex is true and no URLs are returned.
func SitemapURLs(data []byte) (urls []string, isIndex bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, nil
	}

	var index XMLSitemapIndex
	if xml.Unmarshal(data, &index) == nil && len(index.Sitemaps) > 0 {
		return nil, true, nil
	}

	var set XMLURLSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, false, fmt.Errorf("%w: XML sitemap: %v", utils.ErrParsing, err)
	}

	seen := make(map[string]struct{}, len(set.URLs))
	for _, u := range set.URLs {
		normalized, _, perr := ParseAndNormalize(u.Loc)
		if perr != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		urls = append(urls, normalized)
	}
	return urls, false, nil
}
