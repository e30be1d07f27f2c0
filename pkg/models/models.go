package models

import "time"

// Crawl is one audit run against a target site
type Crawl struct {
	ID          string      `json:"id" db:"id"`
	Domain      string      `json:"domain" db:"domain"`
	StartURL    string      `json:"start_url" db:"start_url"`
	Status      CrawlStatus `json:"status" db:"status"`
	URLsCrawled int64       `json:"urls_crawled" db:"urls_crawled"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	AnalyzedAt  *time.Time  `json:"analyzed_at,omitempty" db:"analyzed_at"`
}

// QueueItem is one entry of a crawl frontier.
// URLKey is the content-addressed key of the normalized URL; uniqueness is (CrawlID, URLKey).
type QueueItem struct {
	CrawlID      string      `json:"crawl_id" db:"crawl_id"`
	URLKey       string      `json:"url_key" db:"url_key"`
	URL          string      `json:"url" db:"url"`
	Depth        int         `json:"depth" db:"depth"`
	Status       QueueStatus `json:"status" db:"status"`
	ErrorMessage string      `json:"error_message,omitempty" db:"error_message"`
	Seq          uint64      `json:"seq" db:"seq"` // Insertion order within the crawl
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// RedirectHop is one step of a redirect chain.
// The final response is the last hop of a chain.
type RedirectHop struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// Heading is one h1-h6 element in document order
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// ExtractedLink is an <a href> found on a page
type ExtractedLink struct {
	Href     string `json:"href"`     // Literal attribute value
	URL      string `json:"url"`      // Resolved absolute URL (fragment stripped)
	Anchor   string `json:"anchor"`   // Collapsed anchor text
	Snippet  string `json:"snippet"`  // Bounded outer HTML of the anchor
	Internal bool   `json:"internal"` // Same host as the page
	Nofollow bool   `json:"nofollow"`
}

// Image is an <img> found on a page
type Image struct {
	Src    string `json:"src"`
	Alt    string `json:"alt"`
	HasAlt bool   `json:"has_alt"`
}

// PageSignals is the fixed extraction record for one document.
// The zero value is a valid "nothing could be extracted" bundle.
type PageSignals struct {
	Title               string          `json:"title"`
	TitleCount          int             `json:"title_count"`
	MetaDescription     string          `json:"meta_description"`
	DescriptionCount    int             `json:"description_count"`
	MetaRobots          string          `json:"meta_robots"`
	XRobotsTag          string          `json:"x_robots_tag"`
	Canonical           string          `json:"canonical"`  // First canonical, resolved absolute
	Canonicals          []string        `json:"canonicals"` // Every canonical tag, resolved
	H1                  []string        `json:"h1"`
	Headings            []Heading       `json:"headings"`
	Lang                string          `json:"lang"`
	WordCount           int             `json:"word_count"`
	TextRatio           float64         `json:"text_ratio"` // Visible text bytes / document bytes, percent
	Fingerprint         string          `json:"fingerprint"`
	VisibleTextSample   string          `json:"visible_text_sample"`
	Links               []ExtractedLink `json:"links"`
	Images              []Image         `json:"images"`
	StructuredDataTypes []string        `json:"structured_data_types"`
	NoindexMeta         bool            `json:"noindex_meta"`
	NoindexHeader       bool            `json:"noindex_header"`
	ParseError          string          `json:"parse_error,omitempty"`
}

// ImagesMissingAlt counts images without an alt attribute
func (s *PageSignals) ImagesMissingAlt() int {
	n := 0
	for _, img := range s.Images {
		if !img.HasAlt {
			n++
		}
	}
	return n
}

// Noindex reports a noindex directive from either the document or the response headers
func (s *PageSignals) Noindex() bool {
	return s.NoindexMeta || s.NoindexHeader
}

// Page is one crawled URL within a crawl. Immutable once inserted.
type Page struct {
	ID               string        `json:"id"`
	CrawlID          string        `json:"crawl_id"`
	URLKey           string        `json:"url_key"`
	URL              string        `json:"url"`       // Normalized requested URL
	FinalURL         string        `json:"final_url"` // URL of the last response
	StatusCode       int           `json:"status_code"`
	ElapsedMS        int64         `json:"elapsed_ms"`
	Size             int64         `json:"size"`
	ContentType      string        `json:"content_type"`
	Depth            int           `json:"depth"`
	Indexable        bool          `json:"indexable"`
	RedirectChain    []RedirectHop `json:"redirect_chain"`
	TooManyRedirects bool          `json:"too_many_redirects,omitempty"`
	Signals          PageSignals   `json:"signals"`
	CrawledAt        time.Time     `json:"crawled_at"`
}

// Redirected reports whether fetching the page traversed at least one redirect
func (p *Page) Redirected() bool {
	return len(p.RedirectChain) > 1
}

// Link is a directed edge between a crawled page and a link target.
// Uniqueness is (CrawlID, SourceURL, TargetURL).
type Link struct {
	CrawlID   string    `json:"crawl_id" db:"crawl_id"`
	SourceURL string    `json:"source_url" db:"source_url"` // Normalized
	TargetURL string    `json:"target_url" db:"target_url"` // Normalized
	Href      string    `json:"href" db:"href"`             // Literal attribute value of the first occurrence
	Anchor    string    `json:"anchor" db:"anchor"`
	Snippet   string    `json:"snippet" db:"snippet"`
	Internal  bool      `json:"internal" db:"internal"`
	Nofollow  bool      `json:"nofollow" db:"nofollow"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Issue is one detected defect
type Issue struct {
	ID             string    `json:"id" db:"id"`
	CrawlID        string    `json:"crawl_id" db:"crawl_id"`
	PageID         string    `json:"page_id,omitempty" db:"page_id"`
	URL            string    `json:"url" db:"url"`
	Type           string    `json:"type" db:"type"`
	Severity       Severity  `json:"severity" db:"severity"`
	Message        string    `json:"message" db:"message"`
	Description    string    `json:"description" db:"description"`
	Recommendation string    `json:"recommendation" db:"recommendation"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// LinkAudit is the exact-fix record produced for a mismatched internal link
type LinkAudit struct {
	CrawlID         string        `json:"crawl_id"`
	SourceURL       string        `json:"source_url"`
	SourcePageID    string        `json:"source_page_id,omitempty"`
	Href            string        `json:"href"`
	TargetURL       string        `json:"target_url"`
	ResolvedURL     string        `json:"resolved_url"`
	Canonical       string        `json:"canonical,omitempty"`
	MismatchKind    string        `json:"mismatch_kind"`
	Severity        Severity      `json:"severity"`
	RedirectHops    int           `json:"redirect_hops"`
	RedirectChain   []RedirectHop `json:"redirect_chain,omitempty"`
	OriginalSnippet string        `json:"original_snippet"`
	FixSnippet      string        `json:"fix_snippet"`
	CreatedAt       time.Time     `json:"created_at"`
}

// LogEntry is one audit-trail record of worker activity
type LogEntry struct {
	CrawlID   string    `json:"crawl_id" db:"crawl_id"`
	Seq       uint64    `json:"seq" db:"seq"`
	Level     string    `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	URL       string    `json:"url,omitempty" db:"url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BatchOutcome summarises why a worker invocation ended
type BatchOutcome string

const (
	OutcomeProcessed     BatchOutcome = "processed"
	OutcomeAlreadyActive BatchOutcome = "already_active"
	OutcomeNotRunning    BatchOutcome = "not_running"
	OutcomeCompleted     BatchOutcome = "completed"
	OutcomeRecovered     BatchOutcome = "recovered" // Batch rolled back, frontier reset
)

// BatchReport is what one worker invocation returns to its caller
type BatchReport struct {
	CrawlID       string        `json:"crawl_id"`
	Outcome       BatchOutcome  `json:"outcome"`
	Processed     int           `json:"processed"`
	Errors        int           `json:"errors"`
	Deferred      int           `json:"deferred"` // 429/503 returned to PENDING
	SkippedRobots int           `json:"skipped_robots"`
	Recovered     int           `json:"recovered"` // Stuck PROCESSING items reset before claiming
	Remaining     int           `json:"remaining"`
	Elapsed       time.Duration `json:"elapsed"`
	Message       string        `json:"message,omitempty"`
}

// PageQuery filters and paginates page listings
type PageQuery struct {
	Search string // Case-insensitive substring of URL or title
	Offset int
	Limit  int
}

// IssueFilter filters and paginates issue listings
type IssueFilter struct {
	Severity Severity
	Type     string
	Offset   int
	Limit    int
}
