package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sriram-PR/site-audit/pkg/config"
)

const sampleRobots = `
# comment line
User-agent: *
Disallow: /private/*
Disallow: /tmp$
Disallow: /search?q=
Allow: /private/public   # ignored in first-disallow mode
Disallow:

User-agent: SiteAuditBot
User-agent: OtherBot
Disallow: /bot-only/

User-agent: Googlebot
Disallow: /google-only/
`

func TestRobotsPolicy_FirstDisallow(t *testing.T) {
	p := NewRobotsPolicy(http.DefaultClient, "SiteAuditBot", config.RobotsFirstDisallow, testLogger())
	p.Parse([]byte(sampleRobots))

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/private/x", false},
		{"/private/public", false}, // No Allow override
		{"/privatex", true},
		{"/tmp", false},
		{"/tmp/file", true},
		{"/search?q=shoes", false},
		{"/searchXq=shoes", false}, // '?' is a one-character wildcard
		{"/bot-only/page", false},
		{"/google-only/page", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.IsAllowed(tt.path), "IsAllowed(%q)", tt.path)
	}
}

func TestRobotsPolicy_AgentMatchesWholeProductToken(t *testing.T) {
	body := []byte("User-agent: bot\nDisallow: /a/\n\nUser-agent: audit\nDisallow: /b/\n\n" +
		"User-agent: siteauditbot/2.1\nDisallow: /c/\n")
	p := NewRobotsPolicy(http.DefaultClient, "SiteAuditBot/1.0", config.RobotsFirstDisallow, testLogger())
	p.Parse(body)

	assert.True(t, p.IsAllowed("/a/x"), "a group for a substring of the name does not apply")
	assert.True(t, p.IsAllowed("/b/x"))
	assert.False(t, p.IsAllowed("/c/x"), "same product, different version")
}

func TestRobotsPolicy_Standard(t *testing.T) {
	p := NewRobotsPolicy(http.DefaultClient, "SiteAuditBot", config.RobotsStandard, testLogger())
	p.Parse([]byte("User-agent: *\nDisallow: /private/\nAllow: /private/public\n"))

	assert.False(t, p.IsAllowed("/private/x"))
	assert.True(t, p.IsAllowed("/private/public"))
	assert.True(t, p.IsAllowed("/"))
}

func TestRobotsPolicy_LoadAndFailOpen(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/*\n")
	}))
	t.Cleanup(server.Close)

	p := NewRobotsPolicy(testClient(), "SiteAuditBot", "", testLogger())
	p.Load(context.Background(), server.URL)
	assert.False(t, p.IsAllowed("/private/x"))

	status.Store(http.StatusInternalServerError)
	p.Load(context.Background(), server.URL)
	assert.True(t, p.IsAllowed("/private/x"), "5xx robots must fail open")

	p.Load(context.Background(), "http://127.0.0.1:1")
	assert.True(t, p.IsAllowed("/private/x"), "unreachable robots must fail open")
}

func TestCompileRobotsPattern(t *testing.T) {
	re := compileRobotsPattern("/a*b$")
	assert.True(t, re.MatchString("/a-long-b"))
	assert.False(t, re.MatchString("/a-long-bc"))
	assert.True(t, compileRobotsPattern("/x.y").MatchString("/x.y/z"))
	assert.False(t, compileRobotsPattern("/x.y").MatchString("/xzy"))
}
