package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/orchestrate"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.AppConfig{StateDir: t.TempDir()}
	_, err := cfg.Validate()
	require.NoError(t, err)
	store, err := orchestrate.OpenStore(context.Background(), cfg, logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := NewServer(&ServerConfig{
		Orchestrator: orchestrate.New(cfg, store, logrus.NewEntry(log)),
		Transport:    "stdio",
		Logger:       log,
	})
	require.NoError(t, err)
	return s
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	body := strings.Repeat("Words that make up a reasonably long paragraph of text. ", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, `<html><head><title>Home</title></head><body><h1>Home</h1><a href="/Docs">Docs</a><p>`+body+`</p></body></html>`)
		case "/Docs":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, `<html><head><title>Docs</title><link rel="canonical" href="/docs"></head><body><h1>Docs</h1><p>`+body+`</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func decode(t *testing.T, text string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &m), text)
	return m
}

func TestTools_CrawlLifecycle(t *testing.T) {
	s := newTestServer(t)
	srv := newSite(t)

	text, isErr := call(t, s.handleStartCrawl, map[string]any{"url": srv.URL})
	require.False(t, isErr, text)
	crawlID := decode(t, text)["crawl_id"].(string)

	var outcome string
	for range 5 {
		text, isErr = call(t, s.handleRunBatch, map[string]any{"crawl_id": crawlID})
		require.False(t, isErr, text)
		outcome = decode(t, text)["outcome"].(string)
		if outcome == "completed" {
			break
		}
	}
	require.Equal(t, "completed", outcome)

	text, isErr = call(t, s.handleCrawlStatus, map[string]any{"crawl_id": crawlID, "log_tail": 3})
	require.False(t, isErr, text)
	status := decode(t, text)
	assert.Equal(t, "COMPLETED", status["crawl"].(map[string]any)["status"])
	assert.Len(t, status["recent_logs"], 3)

	text, isErr = call(t, s.handleListPages, map[string]any{"crawl_id": crawlID, "limit": 1})
	require.False(t, isErr, text)
	pages := decode(t, text)
	assert.EqualValues(t, 2, pages["total"])
	assert.Len(t, pages["pages"], 1)

	text, isErr = call(t, s.handleListLinkAudits, map[string]any{"crawl_id": crawlID})
	require.False(t, isErr, text)
	audits := decode(t, text)
	require.EqualValues(t, 1, audits["total"], "casing mismatch /Docs -> /docs")
	audit := audits["link_audits"].([]any)[0].(map[string]any)
	assert.Equal(t, `<a href="/docs">Docs</a>`, audit["fix_snippet"])

	text, isErr = call(t, s.handleListIssues, map[string]any{"crawl_id": crawlID, "severity": "medium"})
	require.False(t, isErr, text)
	for _, raw := range decode(t, text)["issues"].([]any) {
		assert.Equal(t, "Medium", raw.(map[string]any)["severity"])
	}

	text, isErr = call(t, s.handlePageGrade, map[string]any{"crawl_id": crawlID, "url": srv.URL + "/Docs"})
	require.False(t, isErr, text)
	assert.Contains(t, decode(t, text), "letter")

	text, isErr = call(t, s.handleDeleteCrawl, map[string]any{"crawl_id": crawlID})
	require.False(t, isErr, text)

	text, isErr = call(t, s.handleCrawlStatus, map[string]any{"crawl_id": crawlID})
	assert.True(t, isErr)
	assert.Contains(t, text, "State_CrawlNotFound")
}

func TestTools_ParameterErrors(t *testing.T) {
	s := newTestServer(t)

	_, isErr := call(t, s.handleStartCrawl, map[string]any{})
	assert.True(t, isErr)

	_, isErr = call(t, s.handleRunBatch, map[string]any{})
	assert.True(t, isErr)

	text, isErr := call(t, s.handleStartCrawl, map[string]any{"url": "example.com"})
	require.False(t, isErr)
	crawlID := decode(t, text)["crawl_id"].(string)

	text, isErr = call(t, s.handleSetCrawlStatus, map[string]any{"crawl_id": crawlID, "status": "sleeping"})
	assert.True(t, isErr)
	assert.Contains(t, text, "status must be")

	text, isErr = call(t, s.handleListIssues, map[string]any{"crawl_id": crawlID, "severity": "urgent"})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown severity")

	text, isErr = call(t, s.handleAnalyzeCrawl, map[string]any{"crawl_id": crawlID})
	assert.True(t, isErr, "analysis needs a COMPLETED crawl")
	assert.Contains(t, text, "State_InvalidTransition")

	_, isErr = call(t, s.handleSetCrawlStatus, map[string]any{"crawl_id": crawlID, "status": "paused"})
	assert.False(t, isErr)
	text, _ = call(t, s.handleRunBatch, map[string]any{"crawl_id": crawlID})
	assert.Equal(t, "not_running", decode(t, text)["outcome"])
}

func TestPagination(t *testing.T) {
	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]any{"offset": -5, "limit": 10000}
	offset, limit := pagination(req)
	assert.Equal(t, 0, offset)
	assert.Equal(t, maxLimit, limit)

	req.Params.Arguments = map[string]any{}
	offset, limit = pagination(req)
	assert.Equal(t, 0, offset)
	assert.Equal(t, defaultLimit, limit)
}

func TestNewServer_RequiresOrchestrator(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
}
