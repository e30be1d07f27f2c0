package postgres

// schema is applied on open. Child tables carry no foreign keys: crawl deletion removes
// children in bounded chunks, never through one cascading statement.
const schema = `
CREATE TABLE IF NOT EXISTS crawls (
    id            TEXT PRIMARY KEY,
    domain        TEXT NOT NULL,
    start_url     TEXT NOT NULL,
    status        TEXT NOT NULL,
    urls_crawled  BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    analyzed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS queue_items (
    crawl_id      TEXT NOT NULL,
    url_key       TEXT NOT NULL,
    url           TEXT NOT NULL,
    depth         INT NOT NULL,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    seq           BIGSERIAL,
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, url_key)
);
CREATE INDEX IF NOT EXISTS queue_items_claim_idx ON queue_items (crawl_id, status, depth, seq);

CREATE TABLE IF NOT EXISTS pages (
    crawl_id           TEXT NOT NULL,
    url_key            TEXT NOT NULL,
    id                 TEXT NOT NULL,
    url                TEXT NOT NULL,
    final_url          TEXT NOT NULL,
    status_code        INT NOT NULL,
    elapsed_ms         BIGINT NOT NULL,
    size               BIGINT NOT NULL,
    content_type       TEXT NOT NULL,
    depth              INT NOT NULL,
    indexable          BOOLEAN NOT NULL,
    too_many_redirects BOOLEAN NOT NULL DEFAULT FALSE,
    redirect_chain     JSONB NOT NULL,
    signals            JSONB NOT NULL,
    crawled_at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, url_key)
);

CREATE TABLE IF NOT EXISTS links (
    crawl_id    TEXT NOT NULL,
    link_key    TEXT NOT NULL,
    source_url  TEXT NOT NULL,
    target_url  TEXT NOT NULL,
    href        TEXT NOT NULL,
    anchor      TEXT NOT NULL,
    snippet     TEXT NOT NULL,
    internal    BOOLEAN NOT NULL,
    nofollow    BOOLEAN NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, link_key)
);

CREATE TABLE IF NOT EXISTS issues (
    crawl_id       TEXT NOT NULL,
    issue_key      TEXT NOT NULL,
    id             TEXT NOT NULL,
    page_id        TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    type           TEXT NOT NULL,
    severity       TEXT NOT NULL,
    message        TEXT NOT NULL,
    description    TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, issue_key)
);

CREATE TABLE IF NOT EXISTS link_audits (
    crawl_id         TEXT NOT NULL,
    audit_key        TEXT NOT NULL,
    source_url       TEXT NOT NULL,
    source_page_id   TEXT NOT NULL DEFAULT '',
    href             TEXT NOT NULL,
    target_url       TEXT NOT NULL,
    resolved_url     TEXT NOT NULL,
    canonical        TEXT NOT NULL DEFAULT '',
    mismatch_kind    TEXT NOT NULL,
    severity         TEXT NOT NULL,
    redirect_hops    INT NOT NULL,
    redirect_chain   JSONB NOT NULL,
    original_snippet TEXT NOT NULL,
    fix_snippet      TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, audit_key)
);

CREATE TABLE IF NOT EXISTS crawl_logs (
    crawl_id   TEXT NOT NULL,
    seq        BIGINT NOT NULL,
    level      TEXT NOT NULL,
    message    TEXT NOT NULL,
    url        TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (crawl_id, seq)
);

CREATE TABLE IF NOT EXISTS crawl_leases (
    crawl_id   TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const (
	crawlColumns = `id, domain, start_url, status, urls_crawled, created_at, updated_at, completed_at, analyzed_at`
	queueColumns = `crawl_id, url_key, url, depth, status, error_message, seq, updated_at`
	pageColumns  = `crawl_id, url_key, id, url, final_url, status_code, elapsed_ms, size, content_type, depth,
        indexable, too_many_redirects, redirect_chain, signals, crawled_at`
	linkColumns  = `crawl_id, source_url, target_url, href, anchor, snippet, internal, nofollow, created_at`
	issueColumns = `id, crawl_id, page_id, url, type, severity, message, description, recommendation, created_at`
	auditColumns = `crawl_id, source_url, source_page_id, href, target_url, resolved_url, canonical, mismatch_kind,
        severity, redirect_hops, redirect_chain, original_snippet, fix_snippet, created_at`
	logColumns = `crawl_id, seq, level, message, url, created_at`

	insertCrawl = `INSERT INTO crawls (` + crawlColumns + `)
        VALUES (:id, :domain, :start_url, :status, :urls_crawled, :created_at, :updated_at, :completed_at, :analyzed_at)`
	getCrawl         = `SELECT ` + crawlColumns + ` FROM crawls WHERE id = $1`
	listCrawls       = `SELECT ` + crawlColumns + ` FROM crawls ORDER BY created_at DESC`
	setCrawlStatus   = `UPDATE crawls SET status = $2, updated_at = now() WHERE id = $1`
	completeCrawl    = `UPDATE crawls SET status = $2, updated_at = now(), completed_at = now() WHERE id = $1`
	setCrawlAnalyzed = `UPDATE crawls SET analyzed_at = $2, updated_at = now() WHERE id = $1`
	incrementCrawled = `UPDATE crawls SET urls_crawled = urls_crawled + $2, updated_at = now() WHERE id = $1`
	deleteCrawl      = `DELETE FROM crawls WHERE id = $1`

	acquireLease = `INSERT INTO crawl_leases (crawl_id, owner, expires_at)
        VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
        ON CONFLICT (crawl_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
        WHERE crawl_leases.owner = EXCLUDED.owner OR crawl_leases.expires_at < now()`
	releaseLease = `DELETE FROM crawl_leases WHERE crawl_id = $1 AND owner = $2`

	enqueueItem = `INSERT INTO queue_items (crawl_id, url_key, url, depth, status, updated_at)
        VALUES ($1, $2, $3, $4, 'PENDING', now())
        ON CONFLICT (crawl_id, url_key) DO NOTHING`
	claimPending = `SELECT ` + queueColumns + ` FROM queue_items
        WHERE crawl_id = $1 AND status = 'PENDING'
        ORDER BY depth, seq
        LIMIT $2
        FOR UPDATE SKIP LOCKED`
	lockQueueItem  = `SELECT ` + queueColumns + ` FROM queue_items WHERE crawl_id = $1 AND url_key = $2 FOR UPDATE`
	setQueueStatus = `UPDATE queue_items SET status = $3, error_message = $4, updated_at = now() WHERE crawl_id = $1 AND url_key = $2`
	recoverStuck   = `UPDATE queue_items SET status = 'PENDING', error_message = '', updated_at = now() WHERE crawl_id = $1 AND status = 'PROCESSING'`
	getQueueItem   = `SELECT ` + queueColumns + ` FROM queue_items WHERE crawl_id = $1 AND url_key = $2`
	countQueue     = `SELECT status, count(*) FROM queue_items WHERE crawl_id = $1 GROUP BY status`

	insertPage = `INSERT INTO pages (` + pageColumns + `)
        VALUES (:crawl_id, :url_key, :id, :url, :final_url, :status_code, :elapsed_ms, :size, :content_type, :depth,
                :indexable, :too_many_redirects, :redirect_chain, :signals, :crawled_at)
        ON CONFLICT (crawl_id, url_key) DO NOTHING`
	getPage   = `SELECT ` + pageColumns + ` FROM pages WHERE crawl_id = $1 AND url_key = $2`
	pageWhere = ` FROM pages WHERE crawl_id = $1
        AND ($2 = '' OR url ILIKE '%' || $2 || '%' OR signals->>'title' ILIKE '%' || $2 || '%')`
	listPages  = `SELECT ` + pageColumns + pageWhere + ` ORDER BY url LIMIT $3 OFFSET $4`
	countPages = `SELECT count(*)` + pageWhere
	scanPages  = `SELECT ` + pageColumns + ` FROM pages WHERE crawl_id = $1 ORDER BY url`

	insertLink = `INSERT INTO links (crawl_id, link_key, source_url, target_url, href, anchor, snippet, internal, nofollow, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (crawl_id, link_key) DO NOTHING`
	scanLinks = `SELECT ` + linkColumns + ` FROM links WHERE crawl_id = $1 ORDER BY source_url, target_url`

	insertIssue = `INSERT INTO issues (crawl_id, issue_key, id, page_id, url, type, severity, message, description, recommendation, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (crawl_id, issue_key) DO NOTHING`
	issueWhere = ` FROM issues WHERE crawl_id = $1
        AND ($2 = '' OR severity = $2)
        AND ($3 = '' OR lower(type) = lower($3))`
	listIssues = `SELECT ` + issueColumns + issueWhere + `
        ORDER BY CASE severity WHEN 'Critical' THEN 0 WHEN 'High' THEN 1 WHEN 'Medium' THEN 2 WHEN 'Low' THEN 3 ELSE 4 END,
                 url, type, message
        LIMIT $4 OFFSET $5`
	countIssues = `SELECT count(*)` + issueWhere

	insertAudit = `INSERT INTO link_audits (crawl_id, audit_key, source_url, source_page_id, href, target_url, resolved_url,
            canonical, mismatch_kind, severity, redirect_hops, redirect_chain, original_snippet, fix_snippet, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (crawl_id, audit_key) DO NOTHING`
	listAudits  = `SELECT ` + auditColumns + ` FROM link_audits WHERE crawl_id = $1 ORDER BY source_url, href LIMIT $2 OFFSET $3`
	countAudits = `SELECT count(*) FROM link_audits WHERE crawl_id = $1`

	appendLog = `INSERT INTO crawl_logs (crawl_id, seq, level, message, url, created_at)
        VALUES ($1, COALESCE((SELECT max(seq) FROM crawl_logs WHERE crawl_id = $1), 0) + 1, $2, $3, $4, $5)
        RETURNING seq`
	listLogs  = `SELECT ` + logColumns + ` FROM crawl_logs WHERE crawl_id = $1 ORDER BY seq DESC LIMIT $2`
	pruneLogs = `DELETE FROM crawl_logs WHERE crawl_id = $1 AND seq <= (
            SELECT seq FROM crawl_logs WHERE crawl_id = $1 ORDER BY seq DESC OFFSET $2 LIMIT 1)`
)

// deleteChunk removes at most $2 rows of one child table per statement
const deleteChunk = `DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s WHERE crawl_id = $1 LIMIT $2)`

// childTables are drained chunk by chunk before the crawl row itself is removed
var childTables = []string{"queue_items", "pages", "links", "issues", "link_audits", "crawl_logs", "crawl_leases"}
