package fetch

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/site-audit/pkg/config"
)

const maxRobotsBytes = 512 << 10

// RobotsPolicy answers allow/deny for paths of one site.
// Load fails open: a missing, unreachable or unparsable robots.txt allows everything.
// Not safe for concurrent Load; IsAllowed is read-only once loaded.
type RobotsPolicy struct {
	client     *http.Client
	agent      string
	precedence string
	log        *logrus.Entry

	disallow []*regexp.Regexp // first-disallow mode
	group    *robotstxt.Group // standard mode
}

// NewRobotsPolicy creates a permissive policy for the given robots identifier
func NewRobotsPolicy(client *http.Client, agent, precedence string, log *logrus.Entry) *RobotsPolicy {
	if precedence == "" {
		precedence = config.RobotsFirstDisallow
	}
	return &RobotsPolicy{
		client:     client,
		agent:      agent,
		precedence: precedence,
		log:        log.WithField("component", "robots"),
	}
}

// Load fetches {origin}/robots.txt, where origin is scheme://host of the crawl target
func (p *RobotsPolicy) Load(ctx context.Context, origin string) {
	robotsURL := strings.TrimRight(origin, "/") + "/robots.txt"
	robotsLog := p.log.WithField("robots_url", robotsURL)
	p.reset()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Warnf("Error creating request, allowing all: %v", err)
		return
	}
	req.Header.Set("User-Agent", p.agent)

	resp, err := p.client.Do(req)
	if err != nil {
		robotsLog.Infof("robots.txt unreachable, allowing all: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		robotsLog.Debugf("robots.txt returned %d, allowing all", resp.StatusCode)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt, allowing all: %v", err)
		return
	}
	p.Parse(body)
	robotsLog.Debugf("Loaded robots.txt (%d disallow rules, precedence %s)", len(p.disallow), p.precedence)
}

// Parse replaces the policy with the rules in body
func (p *RobotsPolicy) Parse(body []byte) {
	p.reset()
	if p.precedence == config.RobotsStandard {
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			p.log.Warnf("Error parsing robots.txt, allowing all: %v", err)
			return
		}
		p.group = data.FindGroup(p.agent)
		return
	}
	p.disallow = parseDisallowRules(body, p.agent)
}

// IsAllowed reports whether the crawler may fetch path (path plus optional query)
func (p *RobotsPolicy) IsAllowed(path string) bool {
	if path == "" {
		path = "/"
	}
	if p.group != nil {
		return p.group.Test(path)
	}
	for _, re := range p.disallow {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

func (p *RobotsPolicy) reset() {
	p.disallow = nil
	p.group = nil
}

// parseDisallowRules collects Disallow patterns of every group naming agent or "*".
// Only User-agent and Disallow lines are read; Allow never overrides.
func parseDisallowRules(body []byte, agent string) []*regexp.Regexp {
	agent = productToken(agent)
	var (
		rules       []*regexp.Regexp
		applies     bool
		inAgentList bool // Consecutive User-agent lines share one group
	)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !inAgentList {
				applies = false
			}
			inAgentList = true
			ua := productToken(value)
			if ua == "*" || (ua != "" && ua == agent) {
				applies = true
			}
		case "disallow":
			inAgentList = false
			if !applies || value == "" {
				continue
			}
			rules = append(rules, compileRobotsPattern(value))
		default:
			inAgentList = false
		}
	}
	return rules
}

// productToken lowercases a user agent and drops any "/version" or trailing comment
func productToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexAny(s, "/ \t"); i >= 0 {
		s = s[:i]
	}
	return s
}

// compileRobotsPattern turns a Disallow value into an anchored prefix regexp:
// "*" matches any run, "?" any one character, a trailing "$" anchors the end.
func compileRobotsPattern(pattern string) *regexp.Regexp {
	anchorEnd := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if anchorEnd {
		b.WriteString("$")
	}
	return regexp.MustCompile(b.String())
}
