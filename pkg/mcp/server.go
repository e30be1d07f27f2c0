package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/orchestrate"
)

const (
	serverName    = "site-audit"
	serverVersion = "0.4.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	Orchestrator *orchestrate.Orchestrator
	Transport    string // "stdio" or "sse"
	Port         int
	Logger       *logrus.Logger
}

// Server exposes the crawl control and reporting surface as MCP tools
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	orch      *orchestrate.Orchestrator
	log       *logrus.Entry
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("Orchestrator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		orch:      cfg.Orchestrator,
		log:       cfg.Logger.WithField("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

func crawlIDParam() mcp.ToolOption {
	return mcp.WithString("crawl_id", mcp.Required(), mcp.Description("Crawl ID returned by start_crawl"))
}

func paginationParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("offset", mcp.Description("Number of records to skip (default: 0)")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default: 50, max: 500)")),
	}
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{mcp.NewTool("start_crawl",
			mcp.WithDescription("Create a RUNNING crawl for a site and seed its start URL. Batches run via run_batch or the heartbeat."),
			mcp.WithString("url", mcp.Required(), mcp.Description("Start URL or bare domain (https:// is assumed)")),
		), s.handleStartCrawl},
		{mcp.NewTool("run_batch",
			mcp.WithDescription("Run one bounded worker invocation for a crawl. A no-op when another batch holds the crawl."),
			crawlIDParam(),
		), s.handleRunBatch},
		{mcp.NewTool("set_crawl_status",
			mcp.WithDescription("Pause, resume or stop a crawl"),
			crawlIDParam(),
			mcp.WithString("status", mcp.Required(), mcp.Enum("RUNNING", "PAUSED", "COMPLETED"),
				mcp.Description("Target status")),
		), s.handleSetCrawlStatus},
		{mcp.NewTool("delete_crawl",
			mcp.WithDescription("Delete a crawl and all of its pages, links, issues and logs"),
			crawlIDParam(),
		), s.handleDeleteCrawl},
		{mcp.NewTool("analyze_crawl",
			mcp.WithDescription("Run the post-crawl analysis (duplicates, canonicals, link audits, orphans) on a COMPLETED crawl"),
			crawlIDParam(),
		), s.handleAnalyzeCrawl},
		{mcp.NewTool("crawl_status",
			mcp.WithDescription("Show a crawl's status, queue breakdown, issue counts and recent log entries"),
			crawlIDParam(),
			mcp.WithNumber("log_tail", mcp.Description("Number of recent log entries to include (default: 10)")),
		), s.handleCrawlStatus},
		{mcp.NewTool("list_crawls",
			mcp.WithDescription("List all crawls, newest first"),
		), s.handleListCrawls},
		{mcp.NewTool("list_pages", append([]mcp.ToolOption{
			mcp.WithDescription("List crawled pages"),
			crawlIDParam(),
			mcp.WithString("search", mcp.Description("Case-insensitive substring of URL or title")),
		}, paginationParams()...)...), s.handleListPages},
		{mcp.NewTool("list_issues", append([]mcp.ToolOption{
			mcp.WithDescription("List SEO issues, most severe first"),
			crawlIDParam(),
			mcp.WithString("severity", mcp.Description("Filter by severity (Critical, High, Medium, Low)")),
			mcp.WithString("type", mcp.Description("Filter by issue type, e.g. 'Missing Title'")),
		}, paginationParams()...)...), s.handleListIssues},
		{mcp.NewTool("list_link_audits", append([]mcp.ToolOption{
			mcp.WithDescription("List internal links that should be rewritten, with the exact replacement HTML"),
			crawlIDParam(),
		}, paginationParams()...)...), s.handleListLinkAudits},
		{mcp.NewTool("page_grade",
			mcp.WithDescription("Score one crawled page out of 100 with a letter grade and itemised deductions"),
			crawlIDParam(),
			mcp.WithString("url", mcp.Required(), mcp.Description("Page URL as crawled")),
		), s.handlePageGrade},
	}

	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	return nil
}
