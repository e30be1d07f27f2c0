package sitemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-audit/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func sitemapServer(t *testing.T, status int, body func(base string) string) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body(server.URL))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestLoader_Load(t *testing.T) {
	server := sitemapServer(t, http.StatusOK, func(base string) string {
		return `<urlset>
<url><loc>` + base + `/</loc></url>
<url><loc>` + base + `/about#team</loc></url>
<url><loc>` + base + `/files/report.pdf</loc></url>
<url><loc>https://elsewhere.example.org/page</loc></url>
</urlset>`
	})

	exclude := []*regexp.Regexp{regexp.MustCompile(`\.pdf$`)}
	loader := NewLoader(http.DefaultClient, "SiteAuditBot", exclude, testLogger())
	urls, err := loader.Load(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/", server.URL + "/about"}, urls)
}

func TestLoader_MissingSitemap(t *testing.T) {
	server := sitemapServer(t, http.StatusNotFound, func(string) string { return "nope" })
	loader := NewLoader(http.DefaultClient, "", nil, testLogger())

	urls, err := loader.Load(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestLoader_IndexNotExpanded(t *testing.T) {
	server := sitemapServer(t, http.StatusOK, func(base string) string {
		return `<sitemapindex><sitemap><loc>` + base + `/sitemap-1.xml</loc></sitemap></sitemapindex>`
	})
	loader := NewLoader(http.DefaultClient, "", nil, testLogger())

	urls, err := loader.Load(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestLoader_Errors(t *testing.T) {
	server := sitemapServer(t, http.StatusOK, func(string) string { return "<not-xml" })
	loader := NewLoader(http.DefaultClient, "", nil, testLogger())

	_, err := loader.Load(context.Background(), server.URL)
	assert.True(t, errors.Is(err, utils.ErrParsing), "got %v", err)

	_, err = loader.Load(context.Background(), "http://127.0.0.1:1")
	assert.True(t, errors.Is(err, utils.ErrTransport), "got %v", err)
}
