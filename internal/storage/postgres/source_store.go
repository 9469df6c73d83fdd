package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// SourceStore reads scrape targets from the sources table and records run
// outcomes against them.
type SourceStore struct {
	pool querier
}

// NewSourceStore constructs a SourceStore over an existing pool.
func NewSourceStore(pool querier) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SourceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ListEnabled returns all enabled sources ordered by ID.
func (s *SourceStore) ListEnabled(ctx context.Context) ([]ingest.Source, error) {
	query := `
		SELECT id, name, type, kind, base_url, pagination_template,
			selectors, search_params, scrape_interval_seconds, enabled,
			consecutive_failures, last_success_at
		FROM sources
		WHERE enabled
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []ingest.Source
	for rows.Next() {
		var (
			src             ingest.Source
			kind            string
			selectorsRaw    []byte
			searchParamsRaw []byte
			intervalSeconds int64
		)
		err := rows.Scan(
			&src.ID,
			&src.Name,
			&src.Type,
			&kind,
			&src.BaseURL,
			&src.PaginationTemplate,
			&selectorsRaw,
			&searchParamsRaw,
			&intervalSeconds,
			&src.Enabled,
			&src.ConsecutiveFailures,
			&src.LastSuccessAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		src.Kind = ingest.RecordKind(kind)
		src.ScrapeInterval = time.Duration(intervalSeconds) * time.Second
		if len(selectorsRaw) > 0 {
			if err := json.Unmarshal(selectorsRaw, &src.Selectors); err != nil {
				return nil, fmt.Errorf("unmarshal selectors: %w", err)
			}
		}
		if len(searchParamsRaw) > 0 {
			if err := json.Unmarshal(searchParamsRaw, &src.SearchParams); err != nil {
				return nil, fmt.Errorf("unmarshal search params: %w", err)
			}
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return sources, nil
}

// RecordRunOutcome resets the failure counter on success and increments it on
// failure. Successes also stamp the last-success time used for scheduling.
func (s *SourceStore) RecordRunOutcome(ctx context.Context, sourceID int64, succeeded bool, at time.Time) error {
	var query string
	var args []any
	if succeeded {
		query = `
			UPDATE sources SET consecutive_failures = 0, last_success_at = $2
			WHERE id = $1;
		`
		args = []any{sourceID, at}
	} else {
		query = `
			UPDATE sources SET consecutive_failures = consecutive_failures + 1
			WHERE id = $1;
		`
		args = []any{sourceID}
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}
