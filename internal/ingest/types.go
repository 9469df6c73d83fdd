package ingest

import (
	"net/http"
	"time"
)

// RecordKind distinguishes the business entity a canonical record represents.
type RecordKind string

// Supported record kinds.
const (
	KindJob     RecordKind = "job"
	KindProduct RecordKind = "product"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run status values persisted in the run store. Terminal states are immutable.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RawFields holds the nullable strings extracted from one listing fragment.
// Extraction is defensive: missing fields stay nil and anomalies are recorded
// in ParseWarning rather than raised.
type RawFields struct {
	Title        *string `json:"title,omitempty"`
	Company      *string `json:"company,omitempty"`
	Location     *string `json:"location,omitempty"`
	Posted       *string `json:"posted,omitempty"`
	URL          *string `json:"url,omitempty"`
	Snippet      *string `json:"snippet,omitempty"`
	Salary       *string `json:"salary,omitempty"`
	Price        *string `json:"price,omitempty"`
	Brand        *string `json:"brand,omitempty"`
	Availability *string `json:"availability,omitempty"`
	ParseWarning string  `json:"parse_warning,omitempty"`
}

// FetchMeta captures HTTP-level metadata for a scraped fragment.
type FetchMeta struct {
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	PageURL    string `json:"page_url"`
	PageNum    int    `json:"page_num"`
}

// RawEntry is one unmodified scraped fragment plus fetch metadata. Raw
// entries are immutable once stored and are kept for replay and debugging.
type RawEntry struct {
	SourceID   int64      `json:"source_id"`
	SourceName string     `json:"source_name"`
	ExternalID string     `json:"external_id,omitempty"`
	Payload    []byte     `json:"payload"`
	Fields     RawFields  `json:"fields"`
	FetchMeta  FetchMeta  `json:"fetch_meta"`
	ScrapedAt  time.Time  `json:"scraped_at"`
	Kind       RecordKind `json:"kind"`
}

// SourceReference records the provenance of one raw entry merged into a
// canonical record.
type SourceReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
	RawEntryID int64  `json:"raw_entry_id,omitempty"`
}

// CanonicalRecord is the normalized, deduplicated business entity produced by
// the pipeline. The fingerprint is a pure function of canonical title,
// company, location, and description prefix, so identical inputs fingerprint
// identically regardless of source.
type CanonicalRecord struct {
	Kind           RecordKind        `json:"kind"`
	Title          string            `json:"title"`
	Company        string            `json:"company"`
	Location       string            `json:"location,omitempty"`
	Description    string            `json:"description,omitempty"`
	URL            string            `json:"url,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	SourceName     string            `json:"source_name"`
	PostedAt       *time.Time        `json:"posted_at,omitempty"`
	EmploymentType string            `json:"employment_type,omitempty"`
	PriceMinCents  *int64            `json:"price_min_cents,omitempty"`
	PriceMaxCents  *int64            `json:"price_max_cents,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	InStock        *bool             `json:"in_stock,omitempty"`
	OnSale         *bool             `json:"on_sale,omitempty"`
	Skills         []string          `json:"skills,omitempty"`
	Fingerprint    string            `json:"fingerprint"`
	IngestVersion  string            `json:"ingest_version"`
	SourceRefs     []SourceReference `json:"source_references,omitempty"`
	NormalizedAt   time.Time         `json:"normalized_at"`
}

// MergeRecord is the append-only audit row written when a duplicate is
// absorbed into a canonical record.
type MergeRecord struct {
	Fingerprint          string    `json:"fingerprint"`
	DuplicateFingerprint string    `json:"duplicate_fingerprint"`
	Score                float64   `json:"score"`
	Reason               string    `json:"reason"`
	RunKey               string    `json:"run_key"`
	CreatedAt            time.Time `json:"created_at"`
}

// Merge reasons recorded on MergeRecord rows.
const (
	MergeReasonFingerprint = "fingerprint"
	MergeReasonFuzzy       = "fuzzy"
)

// Source is one scrape target configuration. The orchestrator mutates the
// failure counter and last-success timestamp after each run; together with
// the interval they determine due-ness.
type Source struct {
	ID                  int64             `json:"id"`
	Name                string            `json:"name"`
	Type                string            `json:"type"`
	Kind                RecordKind        `json:"kind"`
	BaseURL             string            `json:"base_url"`
	PaginationTemplate  string            `json:"pagination_template,omitempty"`
	Selectors           map[string]string `json:"selectors,omitempty"`
	SearchParams        map[string]string `json:"search_params,omitempty"`
	ScrapeInterval      time.Duration     `json:"scrape_interval"`
	Enabled             bool              `json:"enabled"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
}

// RunCounters tracks per-run statistics.
type RunCounters struct {
	Raw    int `json:"raw"`
	New    int `json:"new"`
	Merged int `json:"merged"`
	Errors int `json:"errors"`
}

// Run is one execution of the pipeline for one source.
type Run struct {
	Key         string      `json:"key"`
	SourceID    int64       `json:"source_id"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Errors      []string    `json:"errors,omitempty"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// FetchRequest captures everything needed for one HTTP fetch.
type FetchRequest struct {
	URL     string
	Method  string
	Params  map[string]string
	Headers http.Header
}

// FetchResult is the fetcher's result object. Network failures never surface
// as Go errors; they are reported through the Err field so callers can decide
// whether the page, the source, or nothing at all should be abandoned.
type FetchResult struct {
	StatusCode      int
	Err             string
	Body            []byte
	Headers         http.Header
	DurationMs      int64
	CaptchaDetected bool
}

// OK reports whether the fetch produced a usable 200 response.
func (r FetchResult) OK() bool {
	return r.Err == "" && r.StatusCode == http.StatusOK
}

// Fetch error strings returned in FetchResult.Err.
const (
	FetchErrInvalidURL    = "invalid_url"
	FetchErrTooLarge      = "response_too_large"
	FetchErrCaptcha       = "captcha_detected"
	FetchErrTimeout       = "timeout"
	FetchErrConnection    = "connection_error"
	FetchErrRetriesSpent  = "max_retries_exceeded"
	FetchErrRateLimitWait = "rate_limit_wait"
)

// UpsertResult reports how the record store resolved an upsert.
type UpsertResult struct {
	ID      int64
	Created bool
	Merged  bool
}
