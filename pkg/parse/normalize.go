package parse

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/Sriram-PR/site-audit/pkg/utils"
)

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports, turns an empty path into "/",
// sorts query parameters and drops the fragment. Path case and trailing slashes are kept,
// since they are exactly what link audits compare.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = SortQuery(normalized.RawQuery)
	normalized.ForceQuery = false

	return normalized.String()
}

// SortQuery orders raw query pairs lexically without re-encoding them.
// Empty pairs ("a=1&&b=2") are dropped.
func SortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		ki, _, _ := strings.Cut(kept[i], "=")
		kj, _, _ := strings.Cut(kept[j], "=")
		if ki != kj {
			return ki < kj
		}
		return kept[i] < kept[j]
	})
	return strings.Join(kept, "&")
}

// ParseAndNormalize parses an absolute http(s) URL and normalizes it.
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, fmt.Errorf("%w: URL %q: %v", utils.ErrParsing, urlStr, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" { // url.Parse lowercases the scheme
		return "", nil, fmt.Errorf("%w: URL %q is not http(s)", utils.ErrParsing, urlStr)
	}
	if parsed.Host == "" {
		return "", nil, fmt.Errorf("%w: URL %q has no host", utils.ErrParsing, urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}

// ResolveHref resolves a literal href against the page URL.
// Returns nil for empty hrefs, pure fragments and non-http(s) schemes (mailto:, javascript:, tel:, data:).
func ResolveHref(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || base == nil {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	resolved := base.ResolveReference(ref)
	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil
	}
	if resolved.Host == "" {
		return nil
	}
	return resolved
}

// SameHost compares hostnames case-insensitively, ignoring ports and a leading "www."
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return stripWWW(a.Hostname()) == stripWWW(b.Hostname())
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// DomainOf returns the lowercase host (with port, if any) of a target, accepting bare domains
func DomainOf(target string) (string, error) {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	_, parsed, err := ParseAndNormalize(target)
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Host), nil
}
