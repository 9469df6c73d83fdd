package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/dedup"
	"github.com/openlistings/listing-ingest/internal/hash/sha256"
	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/normalize"
	"github.com/openlistings/listing-ingest/internal/publisher/memory"
	"github.com/openlistings/listing-ingest/internal/scraper"
	storememory "github.com/openlistings/listing-ingest/internal/storage/memory"
)

type fakeFetcher struct {
	mu       sync.Mutex
	requests []ingest.FetchRequest
	respond  func(req ingest.FetchRequest) ingest.FetchResult
}

func (f *fakeFetcher) Fetch(_ context.Context, req ingest.FetchRequest) ingest.FetchResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeGate struct{}

func (fakeGate) CheckURL(string) (bool, string) { return true, "compliant" }

func (fakeGate) EnforceRateLimit(context.Context, string) error { return nil }

func (fakeGate) CheckMetaRobots(string) (bool, string) { return true, "no meta restrictions" }

func (fakeGate) ResetSession() {}

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

func jobFragment(id, title, company string) string {
	return fmt.Sprintf(
		`<div class="job-card" data-job-id="%s"><h2>%s</h2><span class="company">%s</span><span class="location">Remote</span></div>`,
		id, title, company,
	)
}

func pageOf(fragments ...string) ingest.FetchResult {
	body := "<html><body>"
	for _, f := range fragments {
		body += f
	}
	body += "</body></html>"
	return ingest.FetchResult{StatusCode: http.StatusOK, Body: []byte(body), Headers: http.Header{}}
}

func notFound() ingest.FetchResult {
	return ingest.FetchResult{StatusCode: http.StatusNotFound, Headers: http.Header{}}
}

type rig struct {
	orchestrator *Orchestrator
	fetcher      *fakeFetcher
	raw          *storememory.RawStore
	records      *storememory.RecordStore
	runs         *storememory.RunStore
	sources      *storememory.SourceStore
	blobs        *storememory.BlobStore
	publisher    *memory.Publisher
	source       ingest.Source
}

func newRig(t *testing.T, respond func(req ingest.FetchRequest) ingest.FetchResult, cfg Config) *rig {
	t.Helper()

	source := ingest.Source{
		ID:                 1,
		Name:               "example-board",
		Type:               "generic",
		BaseURL:            "https://jobs.example.com/listings",
		PaginationTemplate: "https://jobs.example.com/listings?page={page}",
		Selectors:          map[string]string{"listing": ".job-card"},
		Enabled:            true,
	}

	fetcher := &fakeFetcher{respond: respond}
	factory := scraper.NewFactory(scraper.Deps{
		Fetcher: fetcher,
		Gate:    fakeGate{},
	}, scraper.Config{PoliteDelay: time.Millisecond, MaxPages: 10})

	clock := fixedClock{at: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	r := &rig{
		fetcher:   fetcher,
		raw:       storememory.NewRawStore(),
		records:   storememory.NewRecordStore(),
		runs:      storememory.NewRunStore(),
		sources:   storememory.NewSourceStore(source),
		blobs:     storememory.NewBlobStore(),
		publisher: memory.New(),
		source:    source,
	}
	if cfg.PublishTopic == "" {
		cfg.PublishTopic = "listing-upserts"
	}
	r.orchestrator = New(Deps{
		Scrapers:   factory,
		Gate:       fakeGate{},
		RawStore:   r.raw,
		Records:    r.records,
		Runs:       r.runs,
		Sources:    r.sources,
		Blobs:      r.blobs,
		Publisher:  r.publisher,
		Normalizer: normalize.New(sha256.New(), zap.NewNop()),
		Deduper:    dedup.New(dedup.Config{}, clock, zap.NewNop()),
		Clock:      clock,
		Logger:     zap.NewNop(),
	}, cfg)
	return r
}

func pendingRun(key string) ingest.Run {
	return ingest.Run{
		Key:         key,
		SourceID:    1,
		Status:      ingest.RunStatusPending,
		ScheduledAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestRunOnce_HappyPath(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(req ingest.FetchRequest) ingest.FetchResult {
		if req.URL == "https://jobs.example.com/listings?page=1" {
			return pageOf(
				jobFragment("a1", "Backend Engineer", "Acme"),
				jobFragment("b2", "Sales Manager", "Globex"),
			)
		}
		return notFound()
	}, Config{})

	err := r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-1"))
	require.NoError(t, err)

	run, err := r.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.Counters.Raw)
	require.Equal(t, 2, run.Counters.New)
	require.Zero(t, run.Counters.Merged)
	require.Zero(t, run.Counters.Errors)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, r.raw.EntriesFor("run-1"), 2)
	require.Equal(t, 2, r.records.Count())

	_, ok := r.blobs.Get("snapshots/1/run-1/page-1.html")
	require.True(t, ok, "page snapshot archived")

	msgs := r.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "listing-upserts", msgs[0].Topic)

	src, ok := r.sources.Get(1)
	require.True(t, ok)
	require.Zero(t, src.ConsecutiveFailures)
	require.NotNil(t, src.LastSuccessAt)
}

func TestRunOnce_IdenticalListingsMergeToOneRecord(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(req ingest.FetchRequest) ingest.FetchResult {
		if req.URL == "https://jobs.example.com/listings?page=1" {
			return pageOf(
				jobFragment("a1", "Backend Engineer", "Acme"),
				jobFragment("a2", "Backend Engineer", "Acme"),
			)
		}
		return notFound()
	}, Config{})

	require.NoError(t, r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-1")))

	run, err := r.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, run.Counters.Raw)
	require.Equal(t, 1, run.Counters.New)
	require.Equal(t, 1, run.Counters.Merged)
	require.Equal(t, 1, r.records.Count())
	require.Len(t, r.records.MergeRecords(), 1)
	require.Equal(t, ingest.MergeReasonFingerprint, r.records.MergeRecords()[0].Reason)
}

func TestRunOnce_FinishedRunKeyIsNoOp(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(ingest.FetchRequest) ingest.FetchResult {
		return notFound()
	}, Config{})

	ctx := context.Background()
	require.NoError(t, r.runs.CreateRun(ctx, pendingRun("run-1")))
	require.NoError(t, r.runs.UpdateRunStatus(ctx, "run-1", ingest.RunStatusCompleted, ingest.RunCounters{Raw: 7}, nil))

	require.NoError(t, r.orchestrator.RunOnce(ctx, r.source, pendingRun("run-1")))
	require.Zero(t, r.fetcher.fetchCount(), "finished run must not fetch")

	run, err := r.runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 7, run.Counters.Raw, "finished run left untouched")
}

func TestRunOnce_SecondRunForSourceIsRejected(t *testing.T) {
	t.Parallel()

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	r := newRig(t, func(ingest.FetchRequest) ingest.FetchResult {
		once.Do(func() { close(started) })
		<-release
		return notFound()
	}, Config{})

	done := make(chan error, 1)
	go func() {
		done <- r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-1"))
	}()

	<-started
	err := r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-2"))
	require.ErrorIs(t, err, ingest.ErrRunInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestRunOnce_CaptchaStopKeepsPartialResults(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(req ingest.FetchRequest) ingest.FetchResult {
		if req.URL == "https://jobs.example.com/listings?page=1" {
			return pageOf(jobFragment("a1", "Backend Engineer", "Acme"))
		}
		return ingest.FetchResult{CaptchaDetected: true, Err: ingest.FetchErrCaptcha, Headers: http.Header{}}
	}, Config{})

	require.NoError(t, r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-1")))

	run, err := r.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunStatusCompleted, run.Status, "captcha stop keeps the partial batch")
	require.Equal(t, 1, run.Counters.Raw)
	require.Equal(t, 1, run.Counters.New)
	require.Contains(t, run.Errors, "scrape aborted: captcha")
}

func TestRunOnce_CancelledContextFailsRun(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(ingest.FetchRequest) ingest.FetchResult {
		return notFound()
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.orchestrator.RunOnce(ctx, r.source, pendingRun("run-1"))
	require.Error(t, err)

	run, getErr := r.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, getErr)
	require.Equal(t, ingest.RunStatusFailed, run.Status)

	src, ok := r.sources.Get(1)
	require.True(t, ok)
	require.Equal(t, 1, src.ConsecutiveFailures)
}

func TestRunOnce_OversizedPayloadSkipped(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(req ingest.FetchRequest) ingest.FetchResult {
		if req.URL == "https://jobs.example.com/listings?page=1" {
			return pageOf(jobFragment("a1", "Backend Engineer", "Acme"))
		}
		return notFound()
	}, Config{MaxRawPayloadBytes: 10})

	require.NoError(t, r.orchestrator.RunOnce(context.Background(), r.source, pendingRun("run-1")))

	run, err := r.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunStatusCompleted, run.Status)
	require.Zero(t, run.Counters.Raw)
	require.Equal(t, 1, run.Counters.Errors)
	require.Empty(t, r.raw.EntriesFor("run-1"))
	require.Zero(t, r.blobs.Len())
}
