package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sha256hash "github.com/openlistings/listing-ingest/internal/hash/sha256"
	"github.com/openlistings/listing-ingest/internal/ingest"
)

func newTestNormalizer() *Normalizer {
	return New(sha256hash.New(), nil)
}

func strPtr(s string) *string { return &s }

func rawJob() ingest.RawEntry {
	return ingest.RawEntry{
		SourceID:   1,
		SourceName: "example-board",
		ExternalID: "abc123",
		Kind:       ingest.KindJob,
		Fields: ingest.RawFields{
			Title:    strPtr("<h2>Sr. Developer</h2>"),
			Company:  strPtr(`<span class="company">Acme Inc</span>`),
			Location: strPtr("Remote"),
			Posted:   strPtr("2026-08-20"),
			URL:      strPtr("https://jobs.example.com/jobs/abc123"),
			Snippet:  strPtr("<p>Build Go services. Python and PostgreSQL a plus.</p>"),
			Salary:   strPtr("$80k - $100k"),
		},
	}
}

func TestNormalize_SeniorDeveloperScenario(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rec, warnings := newTestNormalizer().Normalize(rawJob(), "1.0.0", now)

	require.Empty(t, warnings)
	require.Equal(t, "senior developer", rec.Title)
	require.Equal(t, "Acme", rec.Company)
	require.Equal(t, "Remote", rec.Location)
	require.Equal(t, "full_time", rec.EmploymentType)
	require.NotNil(t, rec.PriceMinCents)
	require.Equal(t, int64(80000_00), *rec.PriceMinCents)
	require.Equal(t, int64(100000_00), *rec.PriceMaxCents)
	require.Equal(t, "USD", rec.Currency)
	require.Contains(t, rec.Skills, "go")
	require.Contains(t, rec.Skills, "python")
	require.Contains(t, rec.Skills, "postgresql")
	require.NotNil(t, rec.PostedAt)
	require.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), *rec.PostedAt)
	require.Len(t, rec.SourceRefs, 1)
	require.Equal(t, "example-board", rec.SourceRefs[0].SourceName)
}

func TestNormalize_FingerprintDeterministic(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	now := time.Now().UTC()
	a, _ := n.Normalize(rawJob(), "1.0.0", now)
	b, _ := n.Normalize(rawJob(), "1.0.0", now.Add(time.Hour))

	require.NotEmpty(t, a.Fingerprint)
	require.Equal(t, a.Fingerprint, b.Fingerprint,
		"same input must fingerprint identically regardless of wall time")
}

func TestNormalize_FingerprintIgnoresSourceDifferences(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	now := time.Now().UTC()

	a := rawJob()
	b := rawJob()
	b.SourceName = "another-board"
	b.ExternalID = "zzz999"
	b.Fields.URL = strPtr("https://other.example.com/jobs/zzz999")

	recA, _ := n.Normalize(a, "1.0.0", now)
	recB, _ := n.Normalize(b, "1.0.0", now)
	require.Equal(t, recA.Fingerprint, recB.Fingerprint,
		"fingerprint is a function of content, not provenance")
}

func TestNormalize_TrailingWhitespaceDoesNotChangeFingerprint(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	now := time.Now().UTC()

	a := rawJob()
	b := rawJob()
	b.Fields.Title = strPtr("<h2>Sr. Developer </h2>")
	b.Fields.Company = strPtr(`<span class="company"> Acme Inc</span>`)

	recA, _ := n.Normalize(a, "1.0.0", now)
	recB, _ := n.Normalize(b, "1.0.0", now)
	require.Equal(t, recA.Fingerprint, recB.Fingerprint)
}

func TestNormalize_MissingFieldsDegradeToWarnings(t *testing.T) {
	t.Parallel()

	entry := ingest.RawEntry{SourceName: "sparse", Kind: ingest.KindJob}
	rec, warnings := newTestNormalizer().Normalize(entry, "1.0.0", time.Now().UTC())

	require.Equal(t, "unknown title", rec.Title)
	// The legal-suffix pass strips the word "Company" from the fallback too.
	require.Equal(t, "Unknown", rec.Company)
	require.Contains(t, warnings, "missing_title")
	require.Contains(t, warnings, "missing_company")
	require.NotEmpty(t, rec.Fingerprint)
}

func TestCanonicalTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Sr. Developer":       "senior developer",
		"Jr. Dev.":            "junior developer",
		"Jr Eng":              "junior engineer",
		"Dev   Mgr":           "developer manager",
		"Sys Admin":           "sys administrator",
		"  Senior  Developer": "senior developer",
	}
	for input, want := range cases {
		require.Equal(t, want, CanonicalTitle(input), "input %q", input)
	}
}

func TestCanonicalCompany(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Acme Inc":           "Acme",
		"Acme, Inc.":         "Acme",
		"Widgets LLC":        "Widgets",
		"Initech Corp":       "Initech",
		"Globex Corporation": "Globex",
		"Hooli Co.":          "Hooli",
		"Plain Name":         "Plain Name",
	}
	for input, want := range cases {
		require.Equal(t, want, CanonicalCompany(input), "input %q", input)
	}
}

func TestParsePostedDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	got := ParsePostedDate("2 days ago", now)
	require.NotNil(t, got)
	require.Equal(t, now.Add(-48*time.Hour), *got)

	got = ParsePostedDate("Posted 3 hours ago", now)
	require.NotNil(t, got)
	require.Equal(t, now.Add(-3*time.Hour), *got)

	got = ParsePostedDate("1 week ago", now)
	require.NotNil(t, got)
	require.Equal(t, now.Add(-7*24*time.Hour), *got)

	got = ParsePostedDate("2026-08-01", now)
	require.NotNil(t, got)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), *got)

	require.Nil(t, ParsePostedDate("", now))
	require.Nil(t, ParsePostedDate("yesterday-ish", now))
}

func TestInferEmploymentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "internship", InferEmploymentType("software intern", ""))
	require.Equal(t, "contract", InferEmploymentType("developer", "6 month contract role"))
	require.Equal(t, "part_time", InferEmploymentType("cashier (part-time)", ""))
	require.Equal(t, "temporary", InferEmploymentType("seasonal associate", ""))
	require.Equal(t, "full_time", InferEmploymentType("developer", "join our team"))
}

func TestParseSalary(t *testing.T) {
	t.Parallel()

	min, max, currency := ParseSalary("$80,000 - $120,000")
	require.Equal(t, int64(8000000), *min)
	require.Equal(t, int64(12000000), *max)
	require.Equal(t, "USD", currency)

	min, max, currency = ParseSalary("$50k-$70k")
	require.Equal(t, int64(5000000), *min)
	require.Equal(t, int64(7000000), *max)
	require.Equal(t, "USD", currency)

	min, max, _ = ParseSalary("100000")
	require.Equal(t, int64(10000000), *min)
	require.Equal(t, *min, *max)

	_, _, currency = ParseSalary("£40,000 - £60,000")
	require.Equal(t, "GBP", currency)

	_, _, currency = ParseSalary("€55,000")
	require.Equal(t, "EUR", currency)

	// Hourly rates annualize at 2080 hours.
	min, max, _ = ParseSalary("$25/hr")
	require.Equal(t, int64(25*2080*100), *min)
	require.Equal(t, int64(25*2080*100), *max)

	// Fractional rates round to the nearest cent after annualizing.
	min, _, _ = ParseSalary("$19.99/hr")
	require.Equal(t, int64(4157920), *min)

	min, max, _ = ParseSalary("competitive")
	require.Nil(t, min)
	require.Nil(t, max)
}

func TestExtractSkills(t *testing.T) {
	t.Parallel()

	desc := "We use Go, Python, PostgreSQL, Docker and Kubernetes. CI/CD with Jenkins."
	skills := ExtractSkills(desc)
	require.Contains(t, skills, "go")
	require.Contains(t, skills, "python")
	require.Contains(t, skills, "postgresql")
	require.Contains(t, skills, "docker")
	require.Contains(t, skills, "kubernetes")
	require.Contains(t, skills, "ci/cd")
	require.Contains(t, skills, "jenkins")
	require.NotContains(t, skills, "rust")

	require.Empty(t, ExtractSkills(""))
}

func TestExtractText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Senior Developer", ExtractText("<h2><a href='/x'>Senior Developer</a></h2>"))
	require.Equal(t, "plain text", ExtractText("  plain   text "))
	require.Equal(t, "visible", ExtractText("<div><script>hidden()</script>visible</div>"))
	require.Empty(t, ExtractText(""))
}
