package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (s *Server) handleStartCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := request.GetString("url", "")
	if target == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	crawl, err := s.orch.StartCrawl(ctx, target)
	if err != nil {
		return toolError("failed to start crawl", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"crawl_id":  crawl.ID,
		"domain":    crawl.Domain,
		"start_url": crawl.StartURL,
		"status":    crawl.Status,
	})), nil
}

func (s *Server) handleRunBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	report, err := s.orch.RunBatch(ctx, crawlID)
	if err != nil && !errors.Is(err, utils.ErrWorkerCrashed) {
		return toolError("batch failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(report)), nil
}

func (s *Server) handleSetCrawlStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	status, ok := models.ParseCrawlStatus(request.GetString("status", ""))
	if !ok {
		return mcp.NewToolResultError("status must be one of RUNNING, PAUSED, COMPLETED"), nil
	}
	if err := s.orch.SetStatus(ctx, crawlID, status); err != nil {
		return toolError("status change rejected", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{"crawl_id": crawlID, "status": status})), nil
}

func (s *Server) handleDeleteCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	removed, err := s.orch.Delete(ctx, crawlID)
	if err != nil {
		return toolError("delete failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{"crawl_id": crawlID, "deleted": true, "records_removed": removed})), nil
}

func (s *Server) handleAnalyzeCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	report, err := s.orch.Analyze(ctx, crawlID)
	if err != nil {
		return toolError("analysis failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(report)), nil
}

func (s *Server) handleCrawlStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	summary, err := s.orch.Status(ctx, crawlID, request.GetInt("log_tail", 10))
	if err != nil {
		return toolError("status failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(summary)), nil
}

func (s *Server) handleListCrawls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawls, err := s.orch.ListCrawls(ctx)
	if err != nil {
		return toolError("listing crawls failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{"crawls": crawls, "total": len(crawls)})), nil
}

func (s *Server) handleListPages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	offset, limit := pagination(request)
	pages, total, err := s.orch.ListPages(ctx, crawlID, models.PageQuery{
		Search: request.GetString("search", ""),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return toolError("listing pages failed", err), nil
	}

	rows := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, map[string]any{
			"url":         p.URL,
			"final_url":   p.FinalURL,
			"status_code": p.StatusCode,
			"title":       p.Signals.Title,
			"word_count":  p.Signals.WordCount,
			"indexable":   p.Indexable,
			"depth":       p.Depth,
			"elapsed_ms":  p.ElapsedMS,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"pages": rows, "total": total, "offset": offset, "limit": limit,
	})), nil
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	filter := models.IssueFilter{Type: request.GetString("type", "")}
	if raw := request.GetString("severity", ""); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown severity %q (Critical, High, Medium, Low)", raw)), nil
		}
		filter.Severity = sev
	}
	filter.Offset, filter.Limit = pagination(request)

	issues, total, err := s.orch.ListIssues(ctx, crawlID, filter)
	if err != nil {
		return toolError("listing issues failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"issues": issues, "total": total, "offset": filter.Offset, "limit": filter.Limit,
	})), nil
}

func (s *Server) handleListLinkAudits(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	offset, limit := pagination(request)
	audits, total, err := s.orch.ListLinkAudits(ctx, crawlID, offset, limit)
	if err != nil {
		return toolError("listing link audits failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"link_audits": audits, "total": total, "offset": offset, "limit": limit,
	})), nil
}

func (s *Server) handlePageGrade(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	crawlID, errResult := requireCrawlID(request)
	if errResult != nil {
		return errResult, nil
	}
	pageURL := request.GetString("url", "")
	if pageURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	grade, err := s.orch.Grade(ctx, crawlID, pageURL)
	if err != nil {
		return toolError("grading failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(grade)), nil
}

func requireCrawlID(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := request.GetString("crawl_id", "")
	if id == "" {
		return "", mcp.NewToolResultError("crawl_id parameter is required")
	}
	return id, nil
}

// pagination reads offset/limit, clamping limit to (0, maxLimit]
func pagination(request mcp.CallToolRequest) (offset, limit int) {
	offset = max(request.GetInt("offset", 0), 0)
	limit = request.GetInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	return offset, min(limit, maxLimit)
}

// toolError reports err as a tool-level failure, tagged with its category
func toolError(msg string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", msg, utils.CategorizeError(err), err))
}

// formatJSON formats data as an indented JSON string
func formatJSON(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
