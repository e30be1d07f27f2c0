package models

import "strings"

// CrawlStatus represents the lifecycle state of a crawl
type CrawlStatus string

const (
	CrawlStatusUnset     CrawlStatus = ""          // Zero value = unset/unknown
	CrawlStatusRunning   CrawlStatus = "RUNNING"   // Worker invocations may claim work
	CrawlStatusPaused    CrawlStatus = "PAUSED"    // Operator paused; queue untouched
	CrawlStatusCompleted CrawlStatus = "COMPLETED" // Frontier drained or operator stopped
)

// String implements fmt.Stringer for logging
func (s CrawlStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s CrawlStatus) IsValid() bool {
	switch s {
	case CrawlStatusRunning, CrawlStatusPaused, CrawlStatusCompleted:
		return true
	}
	return false
}

// ParseCrawlStatus accepts a status name in any case
func ParseCrawlStatus(s string) (CrawlStatus, bool) {
	status := CrawlStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.IsValid()
}

// QueueStatus represents the state of a single frontier item
type QueueStatus string

const (
	QueueStatusUnset         QueueStatus = ""
	QueueStatusPending       QueueStatus = "PENDING"
	QueueStatusProcessing    QueueStatus = "PROCESSING"
	QueueStatusCrawled       QueueStatus = "CRAWLED"
	QueueStatusError         QueueStatus = "ERROR"
	QueueStatusSkippedRobots QueueStatus = "SKIPPED_ROBOTS"
)

// String implements fmt.Stringer for logging
func (s QueueStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCrawled, QueueStatusError, QueueStatusSkippedRobots:
		return true
	}
	return false
}

// IsTerminal reports whether the item has left the frontier for good
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCrawled, QueueStatusError, QueueStatusSkippedRobots:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal frontier transition.
//
//	PENDING    -> PROCESSING | SKIPPED_ROBOTS
//	PROCESSING -> CRAWLED | ERROR | PENDING
//
// Terminal states never move.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	switch s {
	case QueueStatusPending:
		return next == QueueStatusProcessing || next == QueueStatusSkippedRobots
	case QueueStatusProcessing:
		return next == QueueStatusCrawled || next == QueueStatusError || next == QueueStatusPending
	}
	return false
}

// Severity ranks an issue
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// String implements fmt.Stringer for logging
func (s Severity) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the severity is one of the four known ranks
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities, Critical first
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// ParseSeverity accepts a severity name in any case
func ParseSeverity(s string) (Severity, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	sev := Severity(strings.ToUpper(s[:1]) + strings.ToLower(s[1:]))
	return sev, sev.IsValid()
}
