package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Sriram-PR/site-audit/pkg/utils"
)

const (
	DefaultUserAgentToken    = "SiteAuditBot"
	DefaultHeartbeatSchedule = "@every 1m"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.UserAgentToken == "" {
		c.UserAgentToken = DefaultUserAgentToken
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './audit_state'")
		c.StateDir = "./audit_state"
	}

	// Storage
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = DriverBadger
	case DriverBadger:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return warnings, fmt.Errorf("%w: storage.driver is postgres but storage.postgres_dsn is empty", utils.ErrConfigValidation)
		}
	default:
		return warnings, fmt.Errorf("%w: unknown storage.driver %q (want badger or postgres)", utils.ErrConfigValidation, c.Storage.Driver)
	}

	crawlWarnings, err := c.Crawl.validate()
	warnings = append(warnings, crawlWarnings...)
	if err != nil {
		return warnings, err
	}

	// HTTPClientSettings defaults
	c.validateHTTPClientSettings()

	// Heartbeat
	if c.Heartbeat.Schedule == "" {
		c.Heartbeat.Schedule = DefaultHeartbeatSchedule
	}
	if _, perr := cron.ParseStandard(c.Heartbeat.Schedule); perr != nil {
		return warnings, fmt.Errorf("%w: heartbeat.schedule %q: %v", utils.ErrConfigValidation, c.Heartbeat.Schedule, perr)
	}

	// Grade rubric: an entirely unset rubric takes the stock deductions
	if c.Grade == (GradeRubric{}) {
		c.Grade = DefaultGradeRubric()
	}

	for domain, site := range c.Sites {
		siteWarnings, serr := site.Validate()
		for _, w := range siteWarnings {
			warnings = append(warnings, fmt.Sprintf("site %s: %s", domain, w))
		}
		if serr != nil {
			return warnings, fmt.Errorf("site %s: %w", domain, serr)
		}
		c.Sites[domain] = site
	}

	return warnings, nil
}

// validate applies crawl defaults. The lease TTL tracks the time budget unless set.
func (c *CrawlConfig) validate() (warnings []string, err error) {
	if c.MaxDepth <= 0 {
		warnings = append(warnings, "crawl.max_depth should be > 0, defaulting to 5")
		c.MaxDepth = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = 50 * time.Second
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 5
	}
	if c.FetchConcurrency > c.BatchSize {
		warnings = append(warnings, fmt.Sprintf(
			"crawl.fetch_concurrency (%d) > batch_size (%d), capping to batch_size",
			c.FetchConcurrency, c.BatchSize))
		c.FetchConcurrency = c.BatchSize
	}
	if c.RequestsPerSecond < 0 {
		warnings = append(warnings, "crawl.requests_per_second cannot be negative, disabling pacing")
		c.RequestsPerSecond = 0
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.TimeBudget + 30*time.Second
	}
	if c.LeaseTTL < c.TimeBudget {
		warnings = append(warnings, fmt.Sprintf(
			"crawl.lease_ttl (%v) < time_budget (%v), a slow batch could lose its lease; raising to time_budget + 30s",
			c.LeaseTTL, c.TimeBudget))
		c.LeaseTTL = c.TimeBudget + 30*time.Second
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 200
	}
	if c.DeleteChunkSize <= 0 {
		c.DeleteChunkSize = 500
	}
	if c.SnippetMaxLength <= 0 {
		c.SnippetMaxLength = 300
	}

	switch c.RobotsPrecedence {
	case "":
		c.RobotsPrecedence = RobotsFirstDisallow
	case RobotsFirstDisallow, RobotsStandard:
	default:
		return warnings, fmt.Errorf("%w: unknown crawl.robots_precedence %q (want %s or %s)",
			utils.ErrConfigValidation, c.RobotsPrecedence, RobotsFirstDisallow, RobotsStandard)
	}

	if _, perr := utils.CompileRegexPatterns(c.ExcludePatterns); perr != nil {
		return warnings, fmt.Errorf("crawl.exclude_patterns: %w", perr)
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 5
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks SiteConfig overrides.
// Returns collected warnings and any fatal error.
func (c *SiteConfig) Validate() (warnings []string, err error) {
	if c.MaxDepth != nil && *c.MaxDepth <= 0 {
		warnings = append(warnings, "max_depth override must be > 0, ignoring it")
		c.MaxDepth = nil
	}
	if c.RequestsPerSecond != nil && *c.RequestsPerSecond < 0 {
		warnings = append(warnings, "requests_per_second override cannot be negative, ignoring it")
		c.RequestsPerSecond = nil
	}
	if _, perr := utils.CompileRegexPatterns(c.ExcludePatterns); perr != nil {
		return warnings, fmt.Errorf("exclude_patterns: %w", perr)
	}
	return warnings, nil
}
