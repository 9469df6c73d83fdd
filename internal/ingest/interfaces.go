package ingest

import (
	"context"
	"time"
)

// Fetcher issues one rate-limited HTTP request and always returns a result
// object; transport failures are reported inside FetchResult, not as errors.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// ComplianceGate is consulted before every fetch and after every page render.
type ComplianceGate interface {
	CheckURL(rawURL string) (allowed bool, reason string)
	EnforceRateLimit(ctx context.Context, rawURL string) error
	CheckMetaRobots(html string) (allowed bool, reason string)
	ResetSession()
}

// RawStore persists immutable raw entries.
type RawStore interface {
	SaveRaw(ctx context.Context, entry RawEntry, runKey string) (int64, error)
}

// RecordStore persists canonical records keyed by fingerprint. UpsertCanonical
// applies the merge-on-conflict policy when the fingerprint already exists.
type RecordStore interface {
	UpsertCanonical(ctx context.Context, rec CanonicalRecord) (UpsertResult, error)
	SaveMergeRecords(ctx context.Context, recs []MergeRecord) error
}

// RunStore tracks run lifecycle and statistics.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, key string) (Run, error)
	UpdateRunStatus(ctx context.Context, key string, status RunStatus, counters RunCounters, errs []string) error
	HasActiveRun(ctx context.Context, sourceID int64) (bool, error)
}

// SourceStore reads scrape targets and records run outcomes against them.
type SourceStore interface {
	ListEnabled(ctx context.Context) ([]Source, error)
	RecordRunOutcome(ctx context.Context, sourceID int64, succeeded bool, at time.Time) error
}

// BlobStore archives full-page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes canonical upsert events to downstream analytics consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes fingerprint digests. HashParts joins the parts with a
// stable separator before hashing; the join order is part of the
// fingerprint contract.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashParts(parts ...string) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run keys.
type IDGenerator interface {
	NewID() (string, error)
}
