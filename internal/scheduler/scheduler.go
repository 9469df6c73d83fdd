// Package scheduler decides which sources are due for a run and creates the
// pending run rows that the orchestrator executes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// maxFailureExponent caps the exponential backoff at interval * 2^5.
const maxFailureExponent = 5

// defaultInterval is used for sources without a configured scrape interval.
const defaultInterval = time.Hour

// Runner executes one run for one source.
type Runner interface {
	RunOnce(ctx context.Context, source ingest.Source, run ingest.Run) error
}

// ScheduledRun pairs a created run with its source.
type ScheduledRun struct {
	Source ingest.Source
	Run    ingest.Run
}

// Scheduler creates pending runs for due sources.
type Scheduler struct {
	sources ingest.SourceStore
	runs    ingest.RunStore
	runner  Runner
	clock   ingest.Clock
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(sources ingest.SourceStore, runs ingest.RunStore, runner Runner, clock ingest.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sources: sources,
		runs:    runs,
		runner:  runner,
		clock:   clock,
		logger:  logger,
	}
}

// Backoff returns the effective wait between runs after consecutive
// failures: interval * 2^min(failures, 5).
func Backoff(interval time.Duration, failures int) time.Duration {
	if interval <= 0 {
		interval = defaultInterval
	}
	if failures < 0 {
		failures = 0
	}
	if failures > maxFailureExponent {
		failures = maxFailureExponent
	}
	return interval * (1 << failures)
}

// RunKey builds the idempotency key for a source's current schedule slot.
// Two schedulers ticking in the same slot produce the same key, so only one
// run row is created.
func RunKey(name string, interval time.Duration, now time.Time) string {
	if interval <= 0 {
		interval = defaultInterval
	}
	bucket := now.Unix() / int64(interval.Seconds())
	return fmt.Sprintf("%s_%d", name, bucket)
}

// DueSources returns the enabled sources due for a run. Sources that never
// succeeded are always due; the rest wait out their backoff-scaled interval.
func (s *Scheduler) DueSources(ctx context.Context) ([]ingest.Source, error) {
	enabled, err := s.sources.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	now := s.now()
	var due []ingest.Source
	for _, src := range enabled {
		if src.LastSuccessAt == nil {
			due = append(due, src)
			continue
		}
		wait := Backoff(src.ScrapeInterval, src.ConsecutiveFailures)
		if !now.Before(src.LastSuccessAt.Add(wait)) {
			due = append(due, src)
		}
	}
	return due, nil
}

// ScheduleDue creates pending runs for due sources. Sources with an active
// run and slots already claimed by another scheduler are skipped.
func (s *Scheduler) ScheduleDue(ctx context.Context) ([]ScheduledRun, error) {
	due, err := s.DueSources(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var scheduled []ScheduledRun
	for _, src := range due {
		active, err := s.runs.HasActiveRun(ctx, src.ID)
		if err != nil {
			return scheduled, fmt.Errorf("check active run for %s: %w", src.Name, err)
		}
		if active {
			s.logger.Debug("source has an active run, skipping", zap.String("source", src.Name))
			continue
		}
		run := ingest.Run{
			Key:         RunKey(src.Name, src.ScrapeInterval, now),
			SourceID:    src.ID,
			Status:      ingest.RunStatusPending,
			ScheduledAt: now,
		}
		if err := s.runs.CreateRun(ctx, run); err != nil {
			if errors.Is(err, ingest.ErrRunExists) {
				s.logger.Debug("schedule slot already claimed", zap.String("run_key", run.Key))
				continue
			}
			return scheduled, fmt.Errorf("create run for %s: %w", src.Name, err)
		}
		s.logger.Info("run scheduled",
			zap.String("source", src.Name),
			zap.String("run_key", run.Key),
		)
		scheduled = append(scheduled, ScheduledRun{Source: src, Run: run})
	}
	return scheduled, nil
}

// Tick schedules due sources and executes their runs concurrently, blocking
// until all finish. Single-flight rejections and run failures are logged,
// not returned; scheduling errors are.
func (s *Scheduler) Tick(ctx context.Context) error {
	scheduled, err := s.ScheduleDue(ctx)
	if err != nil {
		return err
	}
	if s.runner == nil || len(scheduled) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, item := range scheduled {
		wg.Add(1)
		go func(item ScheduledRun) {
			defer wg.Done()
			err := s.runner.RunOnce(ctx, item.Source, item.Run)
			switch {
			case errors.Is(err, ingest.ErrRunInFlight):
				s.logger.Info("run already in flight", zap.String("source", item.Source.Name))
			case err != nil:
				s.logger.Error("run failed",
					zap.String("source", item.Source.Name),
					zap.String("run_key", item.Run.Key),
					zap.Error(err),
				)
			}
		}(item)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
