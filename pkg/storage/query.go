package storage

import (
	"sort"
	"strings"

	"github.com/Sriram-PR/site-audit/pkg/models"
	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Window clamps a pagination request to sane bounds
func Window(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return offset, limit
}

// IssueKey is the idempotency key of an issue: one row per (crawl, url, type, message)
func IssueKey(issue *models.Issue) string {
	return utils.CompositeKey(issue.CrawlID, issue.URL, issue.Type, issue.Message)
}

// LinkKey is the idempotency key of an edge
func LinkKey(link *models.Link) string {
	return utils.CompositeKey(link.CrawlID, link.SourceURL, link.TargetURL)
}

// LinkAuditKey allows one audit per (source page, literal href)
func LinkAuditKey(audit *models.LinkAudit) string {
	return utils.CompositeKey(audit.CrawlID, audit.SourceURL, audit.Href)
}

// PageMatches applies the case-insensitive search of PageQuery to URL and title
func PageMatches(p *models.Page, search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(p.URL), search) ||
		strings.Contains(strings.ToLower(p.Signals.Title), search)
}

// IssueMatches applies IssueFilter's severity and type constraints
func IssueMatches(issue *models.Issue, f models.IssueFilter) bool {
	if f.Severity != "" && issue.Severity != f.Severity {
		return false
	}
	if f.Type != "" && !strings.EqualFold(issue.Type, f.Type) {
		return false
	}
	return true
}

// SortIssues orders by severity (Critical first), then URL, type and message
func SortIssues(issues []models.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.URL != b.URL {
			return a.URL < b.URL
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Message < b.Message
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	offset, limit = Window(offset, limit)
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
