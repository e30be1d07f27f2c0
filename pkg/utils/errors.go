package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrTransport         = errors.New("transport failure")   // Wraps DNS/connect/timeout errors from a fetch
	ErrRateLimited       = errors.New("rate limited")        // 429/503, item deferred
	ErrAccessDenied      = errors.New("access denied (403)") // Terminal, never retried
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrParsing           = errors.New("parsing error")  // Wraps specific parsing error (HTML, URL, XML)
	ErrDatabase          = errors.New("database error") // Wraps badger/postgres errors
	ErrCrawlNotFound     = errors.New("crawl not found")
	ErrPageNotFound      = errors.New("page not found")
	ErrQueueItemNotFound = errors.New("queue item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseHeld         = errors.New("crawl lease held by another worker")
	ErrWorkerCrashed     = errors.New("worker crashed; batch rolled back and will auto-recover on the next run")
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrConfigValidation  = errors.New("configuration validation error")
)

// WrapErrorf wraps a sentinel with a formatted message so errors.Is keeps matching
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CategorizeError maps an error to a predefined category string for logging and queue error messages.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrTransport):
		// Multi-%w wraps have no single Unwrap, so classify the whole chain
		return "Transport_" + categorizeNetwork(err)
	case errors.Is(err, ErrRateLimited):
		return "HTTP_RateLimited"
	case errors.Is(err, ErrAccessDenied):
		return "HTTP_403"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "XML") {
			return "Content_ParsingXML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrCrawlNotFound):
		return "State_CrawlNotFound"
	case errors.Is(err, ErrPageNotFound):
		return "State_PageNotFound"
	case errors.Is(err, ErrQueueItemNotFound):
		return "State_QueueItemNotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "State_InvalidTransition"
	case errors.Is(err, ErrLeaseHeld):
		return "State_LeaseHeld"
	case errors.Is(err, ErrWorkerCrashed):
		return "Worker_Crashed"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	if cat := categorizeNetwork(err); cat != "Other" {
		return "Network_" + cat
	}
	return "Unknown"
}

// categorizeNetwork classifies a raw transport error by type, then by message text
func categorizeNetwork(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"), strings.Contains(lowerErrMsg, "deadline exceeded"):
		return "Timeout"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "DNSLookup"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "ConnectionRefused"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "ConnectionReset"
	case strings.Contains(lowerErrMsg, "tls"), strings.Contains(lowerErrMsg, "certificate"):
		return "TLS"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "BrokenPipe"
	case strings.Contains(lowerErrMsg, "eof"):
		return "EOF"
	}
	return "Other"
}
