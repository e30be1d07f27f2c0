package parse

import (
	"encoding/xml"
	"errors"
	"testing"

	"github.com/Sriram-PR/site-audit/pkg/utils"
)

func TestXMLURL_Unmarshal(t *testing.T) {
	var u XMLURL
	err := xml.Unmarshal([]byte(`<url><loc>https://example.com/page</loc><lastmod>2024-01-15</lastmod></url>`), &u)
	if err != nil {
		t.Fatalf("xml.Unmarshal() error = %v", err)
	}
	if u.Loc != "https://example.com/page" {
		t.Errorf("XMLURL.Loc = %q", u.Loc)
	}
	if u.LastMod != "2024-01-15" {
		t.Errorf("XMLURL.LastMod = %q", u.LastMod)
	}
}

func TestSitemapURLs_URLSet(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://Example.com/</loc></url>
  <url><loc> https://example.com/about?b=2&amp;a=1 </loc></url>
  <url><loc>https://example.com/</loc></url>
  <url><loc>not a url</loc></url>
  <url><loc></loc></url>
</urlset>`)

	urls, isIndex, err := SitemapURLs(data)
	if err != nil {
		t.Fatalf("SitemapURLs() error = %v", err)
	}
	if isIndex {
		t.Error("urlset reported as index")
	}
	want := []string{"https://example.com/", "https://example.com/about?a=1&b=2"}
	if len(urls) != len(want) {
		t.Fatalf("SitemapURLs() = %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("urls[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestSitemapURLs_IndexNotExpanded(t *testing.T) {
	data := []byte(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-posts.xml</loc></sitemap>
</sitemapindex>`)

	urls, isIndex, err := SitemapURLs(data)
	if err != nil {
		t.Fatalf("SitemapURLs() error = %v", err)
	}
	if !isIndex {
		t.Error("sitemap index not recognised")
	}
	if len(urls) != 0 {
		t.Errorf("sitemap index must not be expanded, got %v", urls)
	}
}

func TestSitemapURLs_Empty(t *testing.T) {
	urls, isIndex, err := SitemapURLs([]byte("   "))
	if err != nil || isIndex || len(urls) != 0 {
		t.Errorf("SitemapURLs(blank) = %v, %v, %v", urls, isIndex, err)
	}
}

func TestSitemapURLs_Malformed(t *testing.T) {
	_, _, err := SitemapURLs([]byte(`<html><body>not a sitemap`))
	if err == nil {
		t.Fatal("expected error for malformed sitemap")
	}
	if !errors.Is(err, utils.ErrParsing) {
		t.Errorf("error = %v, want ErrParsing", err)
	}
}
