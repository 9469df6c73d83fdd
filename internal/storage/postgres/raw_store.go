package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// RawStore writes immutable raw entries into the raw_entries table.
type RawStore struct {
	pool querier
}

// NewRawStore constructs a RawStore over an existing pool.
func NewRawStore(pool querier) (*RawStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RawStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RawStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveRaw inserts one raw entry and returns its row ID.
func (s *RawStore) SaveRaw(ctx context.Context, entry ingest.RawEntry, runKey string) (int64, error) {
	if runKey == "" {
		return 0, fmt.Errorf("run key is required")
	}
	fieldsJSON, err := json.Marshal(entry.Fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}
	fetchJSON, err := json.Marshal(entry.FetchMeta)
	if err != nil {
		return 0, fmt.Errorf("marshal fetch meta: %w", err)
	}
	query := `
		INSERT INTO raw_entries (
			run_key, source_id, source_name, external_id, kind,
			payload, fields, fetch_meta, scraped_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id;
	`
	var id int64
	err = s.pool.QueryRow(ctx, query,
		runKey,
		entry.SourceID,
		entry.SourceName,
		entry.ExternalID,
		string(entry.Kind),
		entry.Payload,
		fieldsJSON,
		fetchJSON,
		entry.ScrapedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert raw entry: %w", err)
	}
	return id, nil
}
