package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openlistings/listing-ingest/internal/dedup"
	"github.com/openlistings/listing-ingest/internal/ingest"
)

// upsertAttempts bounds the insert/refetch loop when a concurrent writer
// deletes or replaces the conflicting row between our statements.
const upsertAttempts = 3

// RecordStore persists canonical records keyed by fingerprint.
type RecordStore struct {
	pool querier
}

// NewRecordStore constructs a RecordStore over an existing pool.
func NewRecordStore(pool querier) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertCanonical inserts the record, or merges it into the existing row with
// the same fingerprint. Re-ingesting identical content never creates a second
// row.
func (s *RecordStore) UpsertCanonical(ctx context.Context, rec ingest.CanonicalRecord) (ingest.UpsertResult, error) {
	if rec.Fingerprint == "" {
		return ingest.UpsertResult{}, fmt.Errorf("fingerprint is required")
	}
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		id, err := s.insert(ctx, rec)
		if err == nil {
			return ingest.UpsertResult{ID: id, Created: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return ingest.UpsertResult{}, err
		}

		// Conflict: fetch the survivor, merge, and write it back.
		existing, id, err := s.getByFingerprint(ctx, rec.Fingerprint)
		if errors.Is(err, ingest.ErrNotFound) {
			// The conflicting row vanished under us; try the insert again.
			continue
		}
		if err != nil {
			return ingest.UpsertResult{}, err
		}
		merged := dedup.Merge(existing, rec)
		if err := s.update(ctx, id, merged); err != nil {
			return ingest.UpsertResult{}, err
		}
		return ingest.UpsertResult{ID: id, Merged: true}, nil
	}
	return ingest.UpsertResult{}, fmt.Errorf("upsert canonical record: retries exhausted for fingerprint %s", rec.Fingerprint)
}

// SaveMergeRecords appends merge audit rows.
func (s *RecordStore) SaveMergeRecords(ctx context.Context, recs []ingest.MergeRecord) error {
	query := `
		INSERT INTO merge_records (
			fingerprint, duplicate_fingerprint, score, reason, run_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6);
	`
	for _, rec := range recs {
		if _, err := s.pool.Exec(ctx, query,
			rec.Fingerprint,
			rec.DuplicateFingerprint,
			rec.Score,
			rec.Reason,
			rec.RunKey,
			rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert merge record: %w", err)
		}
	}
	return nil
}

func (s *RecordStore) insert(ctx context.Context, rec ingest.CanonicalRecord) (int64, error) {
	skillsJSON, refsJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return 0, err
	}
	query := `
		INSERT INTO canonical_records (
			kind, fingerprint, title, company, location, description,
			url, external_id, source_name, posted_at, employment_type,
			price_min_cents, price_max_cents, currency, in_stock, on_sale,
			skills, source_refs, ingest_version, normalized_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
		)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING id;
	`
	var id int64
	err = s.pool.QueryRow(ctx, query,
		string(rec.Kind),
		rec.Fingerprint,
		rec.Title,
		rec.Company,
		rec.Location,
		rec.Description,
		rec.URL,
		rec.ExternalID,
		rec.SourceName,
		rec.PostedAt,
		rec.EmploymentType,
		rec.PriceMinCents,
		rec.PriceMaxCents,
		rec.Currency,
		rec.InStock,
		rec.OnSale,
		skillsJSON,
		refsJSON,
		rec.IngestVersion,
		rec.NormalizedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pgx.ErrNoRows
		}
		return 0, fmt.Errorf("insert canonical record: %w", err)
	}
	return id, nil
}

func (s *RecordStore) getByFingerprint(ctx context.Context, fingerprint string) (ingest.CanonicalRecord, int64, error) {
	query := `
		SELECT id, kind, title, company, location, description,
			url, external_id, source_name, posted_at, employment_type,
			price_min_cents, price_max_cents, currency, in_stock, on_sale,
			skills, source_refs, ingest_version, normalized_at
		FROM canonical_records
		WHERE fingerprint = $1;
	`
	var (
		id        int64
		kind      string
		skillsRaw []byte
		refsRaw   []byte
		rec       ingest.CanonicalRecord
	)
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(
		&id,
		&kind,
		&rec.Title,
		&rec.Company,
		&rec.Location,
		&rec.Description,
		&rec.URL,
		&rec.ExternalID,
		&rec.SourceName,
		&rec.PostedAt,
		&rec.EmploymentType,
		&rec.PriceMinCents,
		&rec.PriceMaxCents,
		&rec.Currency,
		&rec.InStock,
		&rec.OnSale,
		&skillsRaw,
		&refsRaw,
		&rec.IngestVersion,
		&rec.NormalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.CanonicalRecord{}, 0, ingest.ErrNotFound
		}
		return ingest.CanonicalRecord{}, 0, fmt.Errorf("get canonical record: %w", err)
	}
	rec.Kind = ingest.RecordKind(kind)
	rec.Fingerprint = fingerprint
	if len(skillsRaw) > 0 {
		if err := json.Unmarshal(skillsRaw, &rec.Skills); err != nil {
			return ingest.CanonicalRecord{}, 0, fmt.Errorf("unmarshal skills: %w", err)
		}
	}
	if len(refsRaw) > 0 {
		if err := json.Unmarshal(refsRaw, &rec.SourceRefs); err != nil {
			return ingest.CanonicalRecord{}, 0, fmt.Errorf("unmarshal source refs: %w", err)
		}
	}
	return rec, id, nil
}

func (s *RecordStore) update(ctx context.Context, id int64, rec ingest.CanonicalRecord) error {
	skillsJSON, refsJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE canonical_records SET
			title = $2, company = $3, location = $4, description = $5,
			url = $6, external_id = $7, source_name = $8, posted_at = $9,
			employment_type = $10, price_min_cents = $11, price_max_cents = $12,
			currency = $13, in_stock = $14, on_sale = $15, skills = $16,
			source_refs = $17, ingest_version = $18, normalized_at = $19
		WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query,
		id,
		rec.Title,
		rec.Company,
		rec.Location,
		rec.Description,
		rec.URL,
		rec.ExternalID,
		rec.SourceName,
		rec.PostedAt,
		rec.EmploymentType,
		rec.PriceMinCents,
		rec.PriceMaxCents,
		rec.Currency,
		rec.InStock,
		rec.OnSale,
		skillsJSON,
		refsJSON,
		rec.IngestVersion,
		rec.NormalizedAt,
	); err != nil {
		return fmt.Errorf("update canonical record: %w", err)
	}
	return nil
}

func marshalRecordJSON(rec ingest.CanonicalRecord) (skills, refs []byte, err error) {
	skills, err = json.Marshal(rec.Skills)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal skills: %w", err)
	}
	refs, err = json.Marshal(rec.SourceRefs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal source refs: %w", err)
	}
	return skills, refs, nil
}
