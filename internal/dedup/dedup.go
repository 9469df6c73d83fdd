// Package dedup collapses duplicate canonical records within one batch.
// Exact fingerprint matches merge immediately; near-duplicates are caught by
// a weighted fuzzy comparison of title, company, and location. The batch scan
// is O(n²) on purpose: batches are page-bounded and the comparison is cheap.
package dedup

import (
	"math"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/metrics"
)

// Default fuzzy weights and threshold. The weights must sum to 1.
const (
	DefaultThreshold      = 0.85
	defaultTitleWeight    = 0.5
	defaultCompanyWeight  = 0.4
	defaultLocationWeight = 0.1
)

// Config tunes the fuzzy comparison.
type Config struct {
	Threshold      float64 `mapstructure:"threshold"`
	TitleWeight    float64 `mapstructure:"title_weight"`
	CompanyWeight  float64 `mapstructure:"company_weight"`
	LocationWeight float64 `mapstructure:"location_weight"`
}

// Deduper performs in-batch deduplication.
type Deduper struct {
	cfg    Config
	clock  ingest.Clock
	logger *zap.Logger
}

// New applies defaults and builds a Deduper. Weights that do not sum to 1
// are replaced wholesale by the defaults.
func New(cfg Config, clock ingest.Clock, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	sum := cfg.TitleWeight + cfg.CompanyWeight + cfg.LocationWeight
	if math.Abs(sum-1) > 1e-9 {
		cfg.TitleWeight = defaultTitleWeight
		cfg.CompanyWeight = defaultCompanyWeight
		cfg.LocationWeight = defaultLocationWeight
	}
	return &Deduper{cfg: cfg, clock: clock, logger: logger}
}

// DedupBatch collapses duplicates in scrape order. Survivors keep their
// position; every absorbed record produces an append-only MergeRecord.
func (d *Deduper) DedupBatch(records []ingest.CanonicalRecord, runKey string) ([]ingest.CanonicalRecord, []ingest.MergeRecord) {
	if len(records) == 0 {
		return nil, nil
	}

	survivors := make([]ingest.CanonicalRecord, 0, len(records))
	byFingerprint := make(map[string]int, len(records))
	var merges []ingest.MergeRecord

	for _, rec := range records {
		if idx, ok := byFingerprint[rec.Fingerprint]; ok && rec.Fingerprint != "" {
			survivors[idx] = Merge(survivors[idx], rec)
			merges = append(merges, d.mergeRecord(survivors[idx], rec, 1.0, ingest.MergeReasonFingerprint, runKey))
			metrics.ObserveBatchMerge(ingest.MergeReasonFingerprint)
			continue
		}

		bestIdx, bestScore := -1, 0.0
		for i, existing := range survivors {
			score := d.Similarity(existing, rec)
			if score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		if bestIdx >= 0 && bestScore >= d.cfg.Threshold {
			d.logger.Info("merging fuzzy duplicate",
				zap.String("title", rec.Title),
				zap.String("into", survivors[bestIdx].Title),
				zap.Float64("score", bestScore),
			)
			survivors[bestIdx] = Merge(survivors[bestIdx], rec)
			merges = append(merges, d.mergeRecord(survivors[bestIdx], rec, bestScore, ingest.MergeReasonFuzzy, runKey))
			metrics.ObserveBatchMerge(ingest.MergeReasonFuzzy)
			continue
		}

		survivors = append(survivors, rec)
		if rec.Fingerprint != "" {
			byFingerprint[rec.Fingerprint] = len(survivors) - 1
		}
	}

	d.logger.Info("batch deduplicated",
		zap.Int("in", len(records)),
		zap.Int("out", len(survivors)),
	)
	return survivors, merges
}

// Similarity is the weighted character-level ratio over title, company, and
// location.
func (d *Deduper) Similarity(a, b ingest.CanonicalRecord) float64 {
	return d.cfg.TitleWeight*ratio(a.Title, b.Title) +
		d.cfg.CompanyWeight*ratio(a.Company, b.Company) +
		d.cfg.LocationWeight*ratio(a.Location, b.Location)
}

// ratio is difflib's SequenceMatcher ratio over characters, after lowering
// and trimming. Two empty strings compare as identical.
func ratio(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// Merge folds duplicate into primary: union of source references and skills,
// the longer description, and the salary block with the higher maximum
// (its minimum and currency travel with it).
func Merge(primary, duplicate ingest.CanonicalRecord) ingest.CanonicalRecord {
	merged := primary

	merged.SourceRefs = unionRefs(primary.SourceRefs, duplicate.SourceRefs)
	merged.Skills = unionSkills(primary.Skills, duplicate.Skills)

	if len(duplicate.Description) > len(primary.Description) {
		merged.Description = duplicate.Description
	}
	if duplicate.PriceMaxCents != nil &&
		(primary.PriceMaxCents == nil || *duplicate.PriceMaxCents > *primary.PriceMaxCents) {
		merged.PriceMinCents = duplicate.PriceMinCents
		merged.PriceMaxCents = duplicate.PriceMaxCents
		merged.Currency = duplicate.Currency
	}
	if merged.PostedAt == nil {
		merged.PostedAt = duplicate.PostedAt
	}
	return merged
}

func (d *Deduper) mergeRecord(kept, absorbed ingest.CanonicalRecord, score float64, reason, runKey string) ingest.MergeRecord {
	return ingest.MergeRecord{
		Fingerprint:          kept.Fingerprint,
		DuplicateFingerprint: absorbed.Fingerprint,
		Score:                score,
		Reason:               reason,
		RunKey:               runKey,
		CreatedAt:            d.now(),
	}
}

func (d *Deduper) now() time.Time {
	if d.clock != nil {
		return d.clock.Now()
	}
	return time.Now().UTC()
}

func unionRefs(a, b []ingest.SourceReference) []ingest.SourceReference {
	out := append([]ingest.SourceReference(nil), a...)
	for _, ref := range b {
		if !containsRef(out, ref) {
			out = append(out, ref)
		}
	}
	return out
}

func containsRef(refs []ingest.SourceReference, ref ingest.SourceReference) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func unionSkills(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, skill := range a {
		if _, ok := seen[skill]; !ok {
			seen[skill] = struct{}{}
			out = append(out, skill)
		}
	}
	for _, skill := range b {
		if _, ok := seen[skill]; !ok {
			seen[skill] = struct{}{}
			out = append(out, skill)
		}
	}
	return out
}
