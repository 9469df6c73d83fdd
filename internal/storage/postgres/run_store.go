package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// RunStore tracks run lifecycle rows in the runs table.
type RunStore struct {
	pool  querier
	clock ingest.Clock
}

// NewRunStore constructs a RunStore over an existing pool. A nil clock falls
// back to the wall clock.
func NewRunStore(pool querier, clk ingest.Clock) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool, clock: clk}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a new pending run. A duplicate key means the same
// schedule slot was already claimed, so creation doubles as the idempotency
// check.
func (s *RunStore) CreateRun(ctx context.Context, run ingest.Run) error {
	if run.Key == "" {
		return fmt.Errorf("run key is required")
	}
	query := `
		INSERT INTO runs (key, source_id, status, scheduled_at)
		VALUES ($1,$2,$3,$4);
	`
	if _, err := s.pool.Exec(ctx, query, run.Key, run.SourceID, string(run.Status), run.ScheduledAt); err != nil {
		if isUniqueViolation(err) {
			return ingest.ErrRunExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by key.
func (s *RunStore) GetRun(ctx context.Context, key string) (ingest.Run, error) {
	query := `
		SELECT key, source_id, status, raw_count, new_count, merged_count,
			error_count, errors, scheduled_at, started_at, finished_at
		FROM runs
		WHERE key = $1;
	`
	var (
		run       ingest.Run
		status    string
		errorsRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&run.Key,
		&run.SourceID,
		&status,
		&run.Counters.Raw,
		&run.Counters.New,
		&run.Counters.Merged,
		&run.Counters.Errors,
		&errorsRaw,
		&run.ScheduledAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Run{}, ingest.ErrNotFound
		}
		return ingest.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = ingest.RunStatus(status)
	if len(errorsRaw) > 0 {
		if err := json.Unmarshal(errorsRaw, &run.Errors); err != nil {
			return ingest.Run{}, fmt.Errorf("unmarshal run errors: %w", err)
		}
	}
	return run, nil
}

// UpdateRunStatus transitions a run and records counters and errors. Terminal
// runs are left untouched.
func (s *RunStore) UpdateRunStatus(ctx context.Context, key string, status ingest.RunStatus, counters ingest.RunCounters, errs []string) error {
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	now := s.now()
	query := `
		UPDATE runs SET
			status = $2,
			raw_count = $3, new_count = $4, merged_count = $5, error_count = $6,
			errors = $7,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $8 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed','failed') THEN $8 ELSE finished_at END
		WHERE key = $1 AND status NOT IN ('completed','failed');
	`
	tag, err := s.pool.Exec(ctx, query,
		key,
		string(status),
		counters.Raw,
		counters.New,
		counters.Merged,
		counters.Errors,
		errsJSON,
		now,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row updated: either the run does not exist, or it is already
	// terminal (which is not an error).
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE key = $1);`, key).Scan(&exists); err != nil {
		return fmt.Errorf("check run existence: %w", err)
	}
	if !exists {
		return ingest.ErrNotFound
	}
	return nil
}

// HasActiveRun reports whether the source has a pending or running run.
func (s *RunStore) HasActiveRun(ctx context.Context, sourceID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE source_id = $1 AND status NOT IN ('completed','failed')
		);
	`
	var active bool
	if err := s.pool.QueryRow(ctx, query, sourceID).Scan(&active); err != nil {
		return false, fmt.Errorf("check active run: %w", err)
	}
	return active, nil
}

func (s *RunStore) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
