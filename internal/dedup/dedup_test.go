package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

func newTestDeduper(threshold float64) *Deduper {
	return New(Config{Threshold: threshold}, nil, nil)
}

func record(fingerprint, title, company, location string) ingest.CanonicalRecord {
	return ingest.CanonicalRecord{
		Kind:        ingest.KindJob,
		Fingerprint: fingerprint,
		Title:       title,
		Company:     company,
		Location:    location,
		SourceRefs: []ingest.SourceReference{{
			SourceName: "board-" + fingerprint,
		}},
	}
}

func TestDedupBatch_ExactFingerprintMerges(t *testing.T) {
	t.Parallel()

	d := newTestDeduper(0.85)
	records := []ingest.CanonicalRecord{
		record("fp-1", "senior developer", "Acme", "Remote"),
		record("fp-1", "senior developer", "Acme", "Remote"),
	}
	survivors, merges := d.DedupBatch(records, "run-1")

	require.Len(t, survivors, 1)
	require.Len(t, merges, 1)
	require.Equal(t, ingest.MergeReasonFingerprint, merges[0].Reason)
	require.Equal(t, 1.0, merges[0].Score)
	require.Equal(t, "run-1", merges[0].RunKey)
	require.Len(t, survivors[0].SourceRefs, 1, "identical refs are not duplicated")
}

func TestDedupBatch_FuzzyNearDuplicateMerges(t *testing.T) {
	t.Parallel()

	d := newTestDeduper(0.85)
	records := []ingest.CanonicalRecord{
		record("fp-1", "senior developer", "Acme", "Remote"),
		record("fp-2", "senior developer", "Acme Co", "Remote"),
	}
	survivors, merges := d.DedupBatch(records, "run-1")

	require.Len(t, survivors, 1)
	require.Len(t, merges, 1)
	require.Equal(t, ingest.MergeReasonFuzzy, merges[0].Reason)
	require.GreaterOrEqual(t, merges[0].Score, 0.85)
	require.Equal(t, "fp-1", merges[0].Fingerprint, "earlier record stays primary")
	require.Equal(t, "fp-2", merges[0].DuplicateFingerprint)
	require.Len(t, survivors[0].SourceRefs, 2)
}

func TestDedupBatch_DistinctRecordsSurvive(t *testing.T) {
	t.Parallel()

	d := newTestDeduper(0.85)
	records := []ingest.CanonicalRecord{
		record("fp-1", "senior developer", "Acme", "Remote"),
		record("fp-2", "staff accountant", "Initech", "Austin, TX"),
		record("fp-3", "product manager", "Globex", "NYC"),
	}
	survivors, merges := d.DedupBatch(records, "run-1")

	require.Len(t, survivors, 3)
	require.Empty(t, merges)
	// Scrape order preserved.
	require.Equal(t, "fp-1", survivors[0].Fingerprint)
	require.Equal(t, "fp-3", survivors[2].Fingerprint)
}

func TestDedupBatch_ThresholdMonotonicity(t *testing.T) {
	t.Parallel()

	// A pair that merges at a lenient threshold must also merge at any
	// threshold below it, and distinct pairs stay distinct as the threshold
	// rises.
	records := []ingest.CanonicalRecord{
		record("fp-1", "senior developer", "Acme", "Remote"),
		record("fp-2", "senior develper", "Acme", "Remote"), // typo variant
	}

	mergedAt := func(threshold float64) bool {
		survivors, _ := newTestDeduper(threshold).DedupBatch(records, "run-1")
		return len(survivors) == 1
	}

	require.True(t, mergedAt(0.9))
	require.True(t, mergedAt(0.7), "lowering the threshold can only merge more")
	require.False(t, mergedAt(0.999))
}

func TestDedupBatch_MergePolicy(t *testing.T) {
	t.Parallel()

	lowMin, lowMax := int64(80000_00), int64(95000_00)
	highMin, highMax := int64(85000_00), int64(110000_00)

	primary := record("fp-1", "senior developer", "Acme", "Remote")
	primary.Description = "short"
	primary.Skills = []string{"go", "sql"}
	primary.PriceMinCents, primary.PriceMaxCents = &lowMin, &lowMax
	primary.Currency = "USD"

	duplicate := record("fp-1", "senior developer", "Acme", "Remote")
	duplicate.Description = "a much longer description of the role"
	duplicate.Skills = []string{"go", "docker"}
	duplicate.PriceMinCents, duplicate.PriceMaxCents = &highMin, &highMax
	duplicate.Currency = "GBP"

	survivors, _ := newTestDeduper(0.85).DedupBatch(
		[]ingest.CanonicalRecord{primary, duplicate}, "run-1")

	require.Len(t, survivors, 1)
	merged := survivors[0]
	require.Equal(t, "a much longer description of the role", merged.Description)
	require.ElementsMatch(t, []string{"go", "sql", "docker"}, merged.Skills)
	require.Equal(t, highMin, *merged.PriceMinCents, "min travels with the higher max")
	require.Equal(t, highMax, *merged.PriceMaxCents)
	require.Equal(t, "GBP", merged.Currency)
	require.Len(t, merged.SourceRefs, 1)
}

func TestSimilarity_Weights(t *testing.T) {
	t.Parallel()

	d := newTestDeduper(0.85)

	identical := d.Similarity(
		record("a", "senior developer", "Acme", "Remote"),
		record("b", "senior developer", "Acme", "Remote"),
	)
	require.InDelta(t, 1.0, identical, 1e-9)

	disjoint := d.Similarity(
		record("a", "senior developer", "Acme", "Remote"),
		record("b", "zzzz", "Qqqq", "Xxxx"),
	)
	require.Less(t, disjoint, 0.5)

	// Location differences matter least.
	locationOnly := d.Similarity(
		record("a", "senior developer", "Acme", "Remote"),
		record("b", "senior developer", "Acme", "Austin, TX"),
	)
	require.GreaterOrEqual(t, locationOnly, 0.9)
}

func TestNew_InvalidWeightsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{Threshold: 0.85, TitleWeight: 0.9, CompanyWeight: 0.9, LocationWeight: 0.9}, nil, nil)
	require.Equal(t, defaultTitleWeight, d.cfg.TitleWeight)
	require.Equal(t, defaultCompanyWeight, d.cfg.CompanyWeight)
	require.Equal(t, defaultLocationWeight, d.cfg.LocationWeight)
}
