package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func boolPtr(b bool) *bool {
	return &b
}

func intPtr(i int) *int {
	return &i
}

func TestForDomain(t *testing.T) {
	rps := 0.5
	cfg := AppConfig{
		Crawl: CrawlConfig{
			MaxDepth:        5,
			ExcludePatterns: []string{`\.pdf$`},
		},
		Sites: map[string]SiteConfig{
			"shop.example.com": {
				MaxDepth:          intPtr(2),
				RespectRobots:     boolPtr(false),
				RequestsPerSecond: &rps,
				ExcludePatterns:   []string{`/cart`},
			},
		},
	}

	tests := []struct {
		name         string
		domain       string
		wantDepth    int
		wantRobots   bool
		wantRPS      float64
		wantPatterns int
	}{
		{"override", "shop.example.com", 2, false, 0.5, 2},
		{"override case-insensitive", "SHOP.example.com", 2, false, 0.5, 2},
		{"global", "example.com", 5, true, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := cfg.ForDomain(tt.domain)
			assert.Equal(t, tt.wantDepth, eff.MaxDepth)
			assert.Equal(t, tt.wantRobots, eff.ShouldRespectRobots())
			assert.Equal(t, tt.wantRPS, eff.RequestsPerSecond)
			assert.Len(t, eff.ExcludePatterns, tt.wantPatterns)
		})
	}

	// Overrides must not leak into the global settings
	assert.Len(t, cfg.Crawl.ExcludePatterns, 1)
	assert.Equal(t, 5, cfg.Crawl.MaxDepth)
}

func TestGetEffectiveUserAgentToken(t *testing.T) {
	cfg := AppConfig{
		UserAgentToken: "SiteAuditBot",
		Sites:          map[string]SiteConfig{"example.com": {UserAgentToken: "PartnerBot"}},
	}
	assert.Equal(t, "PartnerBot", cfg.GetEffectiveUserAgentToken("example.com"))
	assert.Equal(t, "SiteAuditBot", cfg.GetEffectiveUserAgentToken("other.com"))
}

func TestAppConfig_YAML(t *testing.T) {
	raw := `
user_agent_token: AuditBot
state_dir: /var/lib/audit
storage:
  driver: badger
crawl:
  max_depth: 3
  time_budget: 40s
  respect_robots: false
  robots_precedence: standard
heartbeat:
  schedule: "@every 30s"
sites:
  example.com:
    max_depth: 1
`
	var cfg AppConfig
	assert.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	_, err := cfg.Validate()
	assert.NoError(t, err)

	assert.Equal(t, "AuditBot", cfg.UserAgentToken)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Equal(t, "40s", cfg.Crawl.TimeBudget.String())
	assert.False(t, cfg.Crawl.ShouldRespectRobots())
	assert.Equal(t, 1, cfg.ForDomain("example.com").MaxDepth)
	assert.Equal(t, "@every 30s", cfg.Heartbeat.Schedule)
}
