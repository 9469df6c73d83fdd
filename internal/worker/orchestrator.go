// Package worker drives the ingestion pipeline for one source at a time:
// scrape, persist raw, normalize, dedup, upsert, publish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/dedup"
	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/metrics"
	"github.com/openlistings/listing-ingest/internal/normalize"
	"github.com/openlistings/listing-ingest/internal/progress"
	"github.com/openlistings/listing-ingest/internal/scraper"
)

// Config controls Orchestrator behavior.
type Config struct {
	IngestVersion       string
	MaxRawPayloadBytes  int
	PublishTopic        string
	SnapshotContentType string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Scrapers   *scraper.Factory
	Gate       ingest.ComplianceGate
	RawStore   ingest.RawStore
	Records    ingest.RecordStore
	Runs       ingest.RunStore
	Sources    ingest.SourceStore
	Blobs      ingest.BlobStore
	Publisher  ingest.Publisher
	Normalizer *normalize.Normalizer
	Deduper    *dedup.Deduper
	Clock      ingest.Clock
	Hub        progress.Emitter
	Logger     *zap.Logger
}

// Orchestrator executes pipeline runs. Safe for concurrent use; runs for the
// same source are serialized by a single-flight lock.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxRawPayloadBytes <= 0 {
		cfg.MaxRawPayloadBytes = 1 << 20
	}
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	if cfg.IngestVersion == "" {
		cfg.IngestVersion = "v1"
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		inflight: make(map[int64]struct{}),
	}
}

// RunOnce executes one run for the source. Re-submitting a finished run key
// is a no-op; a concurrent run for the same source returns ErrRunInFlight.
func (o *Orchestrator) RunOnce(ctx context.Context, source ingest.Source, run ingest.Run) error {
	if !o.acquire(source.ID) {
		return ingest.ErrRunInFlight
	}
	defer o.release(source.ID)

	logger := o.deps.Logger.With(
		zap.String("run_key", run.Key),
		zap.String("source", source.Name),
	)

	existing, err := o.deps.Runs.GetRun(ctx, run.Key)
	switch {
	case err == nil:
		if existing.Status.Terminal() {
			logger.Info("run already finished, skipping", zap.String("status", string(existing.Status)))
			return nil
		}
	case errors.Is(err, ingest.ErrNotFound):
		run.Status = ingest.RunStatusPending
		if createErr := o.deps.Runs.CreateRun(ctx, run); createErr != nil && !errors.Is(createErr, ingest.ErrRunExists) {
			return fmt.Errorf("create run: %w", createErr)
		}
	default:
		return fmt.Errorf("get run: %w", err)
	}

	startedAt := o.now()
	if err := o.deps.Runs.UpdateRunStatus(ctx, run.Key, ingest.RunStatusRunning, ingest.RunCounters{}, nil); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	o.emit(progress.Event{RunKey: run.Key, TS: startedAt, Stage: progress.StageRunStart, Source: source.Name})
	o.deps.Gate.ResetSession()

	counters, runErrs := o.execute(ctx, source, run.Key, logger)

	status := ingest.RunStatusCompleted
	if ctx.Err() != nil {
		status = ingest.RunStatusFailed
		runErrs = append(runErrs, "cancelled")
	}

	finishedAt := o.now()
	if err := o.deps.Runs.UpdateRunStatus(ctx, run.Key, status, counters, runErrs); err != nil {
		logger.Error("final run status update failed", zap.Error(err))
	}
	succeeded := status == ingest.RunStatusCompleted
	if err := o.deps.Sources.RecordRunOutcome(ctx, source.ID, succeeded, finishedAt); err != nil {
		logger.Error("record run outcome failed", zap.Error(err))
	}
	metrics.ObserveRunFinished(string(status), finishedAt.Sub(startedAt))

	stage := progress.StageRunDone
	note := ""
	if !succeeded {
		stage = progress.StageRunError
		if len(runErrs) > 0 {
			note = runErrs[len(runErrs)-1]
		}
	}
	o.emit(progress.Event{
		RunKey: run.Key,
		TS:     finishedAt,
		Stage:  stage,
		Source: source.Name,
		Dur:    finishedAt.Sub(startedAt),
		Note:   note,
	})
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("raw", counters.Raw),
		zap.Int("new", counters.New),
		zap.Int("merged", counters.Merged),
		zap.Int("errors", counters.Errors),
	)

	if !succeeded {
		return fmt.Errorf("run %s failed: %v", run.Key, runErrs)
	}
	return nil
}

// execute drains the scrape stream and lands the batch. It never fails the
// run itself; fatal conditions surface through ctx or the returned errors.
func (o *Orchestrator) execute(ctx context.Context, source ingest.Source, runKey string, logger *zap.Logger) (ingest.RunCounters, []string) {
	var (
		counters ingest.RunCounters
		runErrs  []string
		batch    []ingest.CanonicalRecord
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scr := o.deps.Scrapers.For(source.Type)
	stream := scr.Scrape(runCtx, source, runKey)

	snap := newSnapshotter(o.deps.Blobs, o.cfg.SnapshotContentType, source.ID, runKey, logger)

	for {
		entry, ok := stream.Next()
		if !ok {
			break
		}
		if entry.ExternalID == scraper.JSRenderSentinel {
			counters.Errors++
			runErrs = appendBounded(runErrs, "source requires javascript rendering")
			continue
		}
		if len(entry.Payload) > o.cfg.MaxRawPayloadBytes {
			counters.Errors++
			logger.Warn("oversized payload skipped",
				zap.Int("bytes", len(entry.Payload)),
				zap.String("external_id", entry.ExternalID),
			)
			continue
		}

		rawID, err := o.deps.RawStore.SaveRaw(ctx, entry, runKey)
		if err != nil {
			counters.Errors++
			runErrs = appendBounded(runErrs, fmt.Sprintf("save raw: %v", err))
			logger.Error("save raw entry failed", zap.Error(err))
			continue
		}
		counters.Raw++
		snap.add(ctx, entry.FetchMeta.PageNum, entry.Payload)

		rec, warnings := o.deps.Normalizer.Normalize(entry, o.cfg.IngestVersion, o.now())
		if rec.Fingerprint == "" {
			counters.Errors++
			runErrs = appendBounded(runErrs, "normalize: empty fingerprint")
			continue
		}
		for i := range rec.SourceRefs {
			rec.SourceRefs[i].RawEntryID = rawID
		}
		if len(warnings) > 0 {
			logger.Debug("normalize warnings",
				zap.String("external_id", entry.ExternalID),
				zap.Strings("warnings", warnings),
			)
		}
		batch = append(batch, rec)
	}
	snap.flush(ctx)
	counters.Errors += snap.failures

	end := stream.End()
	if end.Aborted {
		runErrs = appendBounded(runErrs, fmt.Sprintf("scrape aborted: %s", end.Reason))
		logger.Warn("scrape aborted",
			zap.String("reason", end.Reason),
			zap.Int("pages", end.Pages),
		)
	}

	survivors, mergeRecs := o.deps.Deduper.DedupBatch(batch, runKey)
	counters.Merged += len(batch) - len(survivors)

	for _, rec := range survivors {
		res, err := o.deps.Records.UpsertCanonical(ctx, rec)
		if err != nil {
			counters.Errors++
			runErrs = appendBounded(runErrs, fmt.Sprintf("upsert: %v", err))
			logger.Error("upsert canonical record failed",
				zap.String("fingerprint", rec.Fingerprint),
				zap.Error(err),
			)
			continue
		}
		switch {
		case res.Created:
			counters.New++
			metrics.ObserveRecordUpserted("created")
		case res.Merged:
			counters.Merged++
			metrics.ObserveRecordUpserted("merged")
		}
		o.publishUpsert(ctx, source, runKey, rec.Fingerprint, res, logger)
	}

	if len(mergeRecs) > 0 {
		if err := o.deps.Records.SaveMergeRecords(ctx, mergeRecs); err != nil {
			counters.Errors++
			runErrs = appendBounded(runErrs, fmt.Sprintf("save merge records: %v", err))
			logger.Error("save merge records failed", zap.Error(err))
		}
	}

	return counters, runErrs
}

// publishUpsert emits a canonical upsert event. Best-effort: downstream
// consumers can rebuild from the record store.
func (o *Orchestrator) publishUpsert(ctx context.Context, source ingest.Source, runKey, fingerprint string, res ingest.UpsertResult, logger *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.PublishTopic == "" {
		return
	}
	payload := map[string]any{
		"fingerprint": fingerprint,
		"source_id":   source.ID,
		"run_key":     runKey,
		"created":     res.Created,
		"merged":      res.Merged,
		"ts":          o.now().Format(time.RFC3339),
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.PublishTopic, payload); err != nil {
		logger.Warn("publish upsert event failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) acquire(sourceID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sourceID]; busy {
		return false
	}
	o.inflight[sourceID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sourceID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sourceID)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Hub != nil {
		o.deps.Hub.Emit(evt)
	}
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// maxRunErrors bounds the error list carried on a run row.
const maxRunErrors = 50

func appendBounded(errs []string, msg string) []string {
	if len(errs) >= maxRunErrors {
		return errs
	}
	return append(errs, msg)
}
