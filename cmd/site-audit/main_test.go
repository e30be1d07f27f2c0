package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func stateConfig(t *testing.T) string {
	t.Helper()
	return writeConfig(t, fmt.Sprintf(`
state_dir: %q
crawl:
  max_depth: 2
  batch_size: 10
sites:
  example.com:
    exclude_patterns: ["/tmp/"]
`, t.TempDir()))
}

func TestLoadConfig_ValidFile(t *testing.T) {
	cfgPath := writeConfig(t, `
user_agent_token: "AuditBot"
state_dir: "./state"
storage:
  driver: badger
crawl:
  max_depth: 3
  time_budget: 45s
sites:
  example.com:
    max_depth: 1
`)
	cfg, err := loadConfig(cfgPath)

	require.NoError(t, err)
	assert.Equal(t, "AuditBot", cfg.UserAgentToken)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Contains(t, cfg.Sites, "example.com")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/path/config.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "{{invalid yaml")

	_, err := loadConfig(cfgPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestDoValidate(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(stateConfig(t), &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: [example.com] max_depth=2")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown driver", "storage:\n  driver: mysql\n", "unknown storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "postgres_dsn"},
		{"bad schedule", "heartbeat:\n  schedule: sometimes\n", "heartbeat.schedule"},
		{"bad exclude pattern", "sites:\n  a.com:\n    exclude_patterns: [\"(\"]\n", "a.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			exitCode := doValidate(writeConfig(t, "state_dir: "+t.TempDir()+"\n"+tt.content), &stdout, &stderr)
			assert.Equal(t, 1, exitCode)
			assert.Contains(t, stderr.String(), tt.wantErr)
		})
	}
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)
	for _, cmd := range []string{"start", "run", "pause", "heartbeat", "issues", "grade", "mcp-server"} {
		assert.Contains(t, buf.String(), cmd)
	}
}

func TestCommands_EndToEnd(t *testing.T) {
	body := strings.Repeat("Plenty of words so the page is not considered thin content. ", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			io.WriteString(w, `<html><head><title>Home</title></head><body><h1>Home</h1><a href="/old">Old</a><p>`+body+`</p></body></html>`)
		case "/old":
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
		case "/new":
			io.WriteString(w, `<html><head><title>New</title></head><body><h1>New</h1><p>`+body+`</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfgPath := stateConfig(t)
	run := func(fn func([]string, io.Writer, io.Writer) int, args ...string) string {
		t.Helper()
		var stdout, stderr bytes.Buffer
		code := fn(append([]string{"-config", cfgPath}, args...), &stdout, &stderr)
		require.Equal(t, 0, code, "stderr: %s", stderr.String())
		return stdout.String()
	}

	var crawl struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(doStart, "-json", srv.URL)), &crawl))
	require.NotEmpty(t, crawl.ID)

	out := run(doRun, "-until-done", crawl.ID)
	assert.Contains(t, out, "completed")

	out = run(doStatus, crawl.ID)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "Pages crawled: 2")

	out = run(doPages, crawl.ID)
	assert.Contains(t, out, "2 of 2 pages")

	out = run(doAudits, crawl.ID)
	assert.Contains(t, out, `+ <a href="/new">Old</a>`)

	out = run(doIssues, "-severity", "high", crawl.ID)
	assert.Contains(t, out, "issues")

	out = run(doGrade, crawl.ID, srv.URL+"/")
	assert.Contains(t, out, "/100")

	out = run(doList)
	assert.Contains(t, out, crawl.ID)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, doSetStatus("resume", []string{"-config", cfgPath, crawl.ID}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "State_InvalidTransition")

	out = run(doDelete, crawl.ID)
	assert.Contains(t, out, "deleted")

	stderr.Reset()
	assert.Equal(t, 1, doStatus([]string{"-config", cfgPath, crawl.ID}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "State_CrawlNotFound")
}

func TestCommands_MissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, doGrade([]string{"-config", stateConfig(t), "only-crawl-id"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: site-audit grade")
}
