package fetch

import (
	"net/http"
	"sync/atomic"
)

// Fingerprint is one realistic browser header profile
type Fingerprint struct {
	UserAgent       string
	AcceptLanguage  string
	SecCHUA         string // Empty for browsers that do not send client hints
	SecCHUAPlatform string
	SecCHUAMobile   string
}

var defaultFingerprints = []Fingerprint{
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		SecCHUA:         `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecCHUAPlatform: `"Windows"`,
		SecCHUAMobile:   "?0",
	},
	{
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-GB,en;q=0.9",
		SecCHUA:         `"Google Chrome";v="125", "Chromium";v="125", "Not.A/Brand";v="24"`,
		SecCHUAPlatform: `"macOS"`,
		SecCHUAMobile:   "?0",
	},
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
		AcceptLanguage:  "en-US,en;q=0.8",
		SecCHUA:         `"Not/A)Brand";v="8", "Chromium";v="126", "Microsoft Edge";v="126"`,
		SecCHUAPlatform: `"Windows"`,
		SecCHUAMobile:   "?0",
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
		AcceptLanguage: "en-US,en;q=0.5",
	},
}

// FingerprintPool hands out profiles round-robin. Safe for concurrent use.
type FingerprintPool struct {
	profiles []Fingerprint
	next     atomic.Uint64
}

// NewFingerprintPool builds a pool; an empty list falls back to the built-in profiles
func NewFingerprintPool(profiles []Fingerprint) *FingerprintPool {
	if len(profiles) == 0 {
		profiles = defaultFingerprints
	}
	return &FingerprintPool{profiles: profiles}
}

// Next returns the next profile in rotation
func (p *FingerprintPool) Next() Fingerprint {
	n := p.next.Add(1) - 1
	return p.profiles[n%uint64(len(p.profiles))]
}

// Apply sets the profile's headers on a request
func (fp Fingerprint) Apply(h http.Header) {
	h.Set("User-Agent", fp.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", fp.AcceptLanguage)
	h.Set("Upgrade-Insecure-Requests", "1")
	if fp.SecCHUA != "" {
		h.Set("Sec-CH-UA", fp.SecCHUA)
		h.Set("Sec-CH-UA-Platform", fp.SecCHUAPlatform)
		h.Set("Sec-CH-UA-Mobile", fp.SecCHUAMobile)
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "same-origin")
	}
}
