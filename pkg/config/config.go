package config

import (
	"strings"
	"time"
)

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"

	// RobotsFirstDisallow: the first matching Disallow wins, Allow lines are ignored
	RobotsFirstDisallow = "first-disallow"
	// RobotsStandard: longest-match evaluation with Allow precedence (RFC 9309)
	RobotsStandard = "standard"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	UserAgentToken     string                `yaml:"user_agent_token"` // Identifier matched against robots.txt groups
	StateDir           string                `yaml:"state_dir"`
	Storage            StorageConfig         `yaml:"storage"`
	Crawl              CrawlConfig           `yaml:"crawl"`
	HTTPClientSettings HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Heartbeat          HeartbeatConfig       `yaml:"heartbeat,omitempty"`
	Grade              GradeRubric           `yaml:"grade,omitempty"`
	Sites              map[string]SiteConfig `yaml:"sites,omitempty"` // Per-domain overrides, keyed by lowercase host
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// CrawlConfig holds the crawl and worker tunables
type CrawlConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	BatchSize         int           `yaml:"batch_size"`
	TimeBudget        time.Duration `yaml:"time_budget"`
	FetchConcurrency  int           `yaml:"fetch_concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"` // 0 = unlimited
	MaxRedirects      int           `yaml:"max_redirects"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	LeaseTTL          time.Duration `yaml:"lease_ttl,omitempty"`
	LogRetention      int           `yaml:"log_retention"`
	DeleteChunkSize   int           `yaml:"delete_chunk_size"`
	RespectRobots     *bool         `yaml:"respect_robots,omitempty"`
	RobotsPrecedence  string        `yaml:"robots_precedence,omitempty"`
	AnalyzeOnComplete *bool         `yaml:"analyze_on_complete,omitempty"`
	SnippetMaxLength  int           `yaml:"snippet_max_length"`
	ExcludePatterns   []string      `yaml:"exclude_patterns,omitempty"` // Regexes; matching discovered URLs are never enqueued
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	ProxyURL              string        `yaml:"proxy_url,omitempty"`               // Optional outbound proxy
}

// HeartbeatConfig drives the periodic batch runner
type HeartbeatConfig struct {
	Schedule string `yaml:"schedule,omitempty"` // cron spec or "@every <duration>"
}

// GradeRubric holds the point deductions of the on-page grade
type GradeRubric struct {
	MissingTitle       int `yaml:"missing_title"`
	BadTitleLength     int `yaml:"bad_title_length"`
	MissingDescription int `yaml:"missing_description"`
	BadDescLength      int `yaml:"bad_description_length"`
	MissingH1          int `yaml:"missing_h1"`
	MultipleH1         int `yaml:"multiple_h1"`
	MissingCanonical   int `yaml:"missing_canonical"`
	ThinContent        int `yaml:"thin_content"`
	LowTextRatio       int `yaml:"low_text_ratio"`
	ImagesWithoutAlt   int `yaml:"images_without_alt"`
	Noindex            int `yaml:"noindex"`
	Non200             int `yaml:"non_200"`
}

// DefaultGradeRubric returns the stock deductions
func DefaultGradeRubric() GradeRubric {
	return GradeRubric{
		MissingTitle:       15,
		BadTitleLength:     5,
		MissingDescription: 10,
		BadDescLength:      3,
		MissingH1:          10,
		MultipleH1:         5,
		MissingCanonical:   5,
		ThinContent:        15,
		LowTextRatio:       5,
		ImagesWithoutAlt:   5,
		Noindex:            20,
		Non200:             40,
	}
}

// SiteConfig holds per-domain overrides of the crawl settings
type SiteConfig struct {
	MaxDepth          *int     `yaml:"max_depth,omitempty"`
	RespectRobots     *bool    `yaml:"respect_robots,omitempty"`
	RequestsPerSecond *float64 `yaml:"requests_per_second,omitempty"`
	ExcludePatterns   []string `yaml:"exclude_patterns,omitempty"` // Added to the global patterns
	UserAgentToken    string   `yaml:"user_agent_token,omitempty"`
}

// ForDomain returns the crawl settings with any per-domain overrides applied
func (c *AppConfig) ForDomain(domain string) CrawlConfig {
	eff := c.Crawl
	eff.ExcludePatterns = append([]string(nil), c.Crawl.ExcludePatterns...)

	site, ok := c.Sites[strings.ToLower(domain)]
	if !ok {
		return eff
	}
	if site.MaxDepth != nil {
		eff.MaxDepth = *site.MaxDepth
	}
	if site.RespectRobots != nil {
		v := *site.RespectRobots
		eff.RespectRobots = &v
	}
	if site.RequestsPerSecond != nil {
		eff.RequestsPerSecond = *site.RequestsPerSecond
	}
	eff.ExcludePatterns = append(eff.ExcludePatterns, site.ExcludePatterns...)
	return eff
}

// GetEffectiveUserAgentToken returns the robots identifier for a domain
func (c *AppConfig) GetEffectiveUserAgentToken(domain string) string {
	if site, ok := c.Sites[strings.ToLower(domain)]; ok && site.UserAgentToken != "" {
		return site.UserAgentToken
	}
	return c.UserAgentToken
}

// ShouldRespectRobots resolves the tri-state respect_robots setting (default true)
func (c CrawlConfig) ShouldRespectRobots() bool {
	if c.RespectRobots == nil {
		return true
	}
	return *c.RespectRobots
}

// ShouldAnalyzeOnComplete resolves the tri-state analyze_on_complete setting (default true)
func (c CrawlConfig) ShouldAnalyzeOnComplete() bool {
	if c.AnalyzeOnComplete == nil {
		return true
	}
	return *c.AnalyzeOnComplete
}
