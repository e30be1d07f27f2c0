package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	page := Page{
		ID:          "p1",
		CrawlID:     "c1",
		URLKey:      "k1",
		URL:         "https://example.com/",
		FinalURL:    "https://example.com/home",
		StatusCode:  200,
		ElapsedMS:   42,
		Size:        1024,
		ContentType: "text/html",
		Depth:       1,
		Indexable:   true,
		RedirectChain: []RedirectHop{
			{URL: "https://example.com/", StatusCode: 301},
			{URL: "https://example.com/home", StatusCode: 200},
		},
		Signals: PageSignals{
			Title:    "Home",
			H1:       []string{"Welcome"},
			Headings: []Heading{{Level: 1, Text: "Welcome"}},
			Links:    []ExtractedLink{{Href: "/a", URL: "https://example.com/a", Internal: true}},
		},
		CrawledAt: now,
	}

	data, err := json.Marshal(page)
	require.NoError(t, err)

	var got Page
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, page, got)
	assert.True(t, got.Redirected())
}

func TestPage_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(Page{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "too_many_redirects")
}

func TestPage_Redirected(t *testing.T) {
	p := Page{RedirectChain: []RedirectHop{{URL: "https://example.com/", StatusCode: 200}}}
	assert.False(t, p.Redirected())
	assert.False(t, (&Page{}).Redirected())
}

func TestPageSignals_Helpers(t *testing.T) {
	s := PageSignals{
		Images: []Image{{Src: "a.png", HasAlt: true}, {Src: "b.png"}, {Src: "c.png", Alt: "", HasAlt: false}},
	}
	assert.Equal(t, 2, s.ImagesMissingAlt())
	assert.False(t, s.Noindex())

	s.NoindexHeader = true
	assert.True(t, s.Noindex())
}

func TestCrawl_OptionalTimestamps(t *testing.T) {
	c := Crawl{ID: "c1", Status: CrawlStatusRunning}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "completed_at")
	assert.Contains(t, string(data), `"status":"RUNNING"`)
}
