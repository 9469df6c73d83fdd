// Package normalize turns raw scraped entries into canonical records. Every
// transform is pure and total: bad input degrades to defaults and warnings,
// never to errors, and the fingerprint is a stable function of the canonical
// fields within one ingest version.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// Canonical field maxima applied before persistence.
const (
	maxTitle       = 240
	maxCompany     = 200
	maxLocation    = 128
	maxDescription = 10000
	maxURL         = 512
	maxExternalID  = 128
	maxSourceName  = 128

	// fingerprintDescPrefix bounds how much description participates in the
	// fingerprint. Part of the fingerprint contract.
	fingerprintDescPrefix = 500

	// maxSkills bounds the extracted skill list.
	maxSkills = 50

	// hoursPerYear annualizes hourly salaries.
	hoursPerYear = 2080
)

// Normalizer converts raw entries of both kinds into canonical records.
type Normalizer struct {
	hasher ingest.Hasher
	logger *zap.Logger
}

// New builds a Normalizer around the fingerprint hasher.
func New(hasher ingest.Hasher, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{hasher: hasher, logger: logger}
}

// Normalize dispatches on the entry kind. The returned warnings describe
// degraded fields; they never abort the record.
func (n *Normalizer) Normalize(raw ingest.RawEntry, ingestVersion string, now time.Time) (ingest.CanonicalRecord, []string) {
	if raw.Kind == ingest.KindProduct {
		return n.normalizeProduct(raw, ingestVersion, now)
	}
	return n.normalizeJob(raw, ingestVersion, now)
}

func (n *Normalizer) normalizeJob(raw ingest.RawEntry, ingestVersion string, now time.Time) (ingest.CanonicalRecord, []string) {
	var warnings []string
	if raw.Fields.ParseWarning != "" {
		warnings = append(warnings, raw.Fields.ParseWarning)
	}

	title := ExtractText(deref(raw.Fields.Title))
	if title == "" {
		title = "Unknown Title"
		warnings = appendUnique(warnings, "missing_title")
	}
	company := ExtractText(deref(raw.Fields.Company))
	if company == "" {
		company = "Unknown Company"
		warnings = append(warnings, "missing_company")
	}
	location := strings.TrimSpace(deref(raw.Fields.Location))
	description := ExtractText(deref(raw.Fields.Snippet))

	title = CanonicalTitle(title)
	company = CanonicalCompany(company)

	postedAt := ParsePostedDate(deref(raw.Fields.Posted), now)
	if postedAt == nil && deref(raw.Fields.Posted) != "" {
		warnings = append(warnings, "unparseable_posted_date")
	}

	minCents, maxCents, currency := ParseSalary(deref(raw.Fields.Salary))
	if minCents == nil && deref(raw.Fields.Salary) != "" {
		warnings = append(warnings, "unparseable_salary")
	}

	fingerprint, err := n.Fingerprint(title, company, location, description)
	if err != nil {
		n.logger.Error("fingerprint failed", zap.Error(err))
		warnings = append(warnings, "fingerprint_failed")
	}

	return ingest.CanonicalRecord{
		Kind:           ingest.KindJob,
		Title:          truncate(title, maxTitle),
		Company:        truncate(company, maxCompany),
		Location:       truncate(location, maxLocation),
		Description:    truncate(description, maxDescription),
		URL:            truncate(deref(raw.Fields.URL), maxURL),
		ExternalID:     truncate(raw.ExternalID, maxExternalID),
		SourceName:     truncate(sourceNameOr(raw.SourceName), maxSourceName),
		PostedAt:       postedAt,
		EmploymentType: InferEmploymentType(title, description),
		PriceMinCents:  minCents,
		PriceMaxCents:  maxCents,
		Currency:       currency,
		Skills:         ExtractSkills(description),
		Fingerprint:    fingerprint,
		IngestVersion:  ingestVersion,
		SourceRefs: []ingest.SourceReference{{
			SourceName: sourceNameOr(raw.SourceName),
			ExternalID: raw.ExternalID,
			URL:        deref(raw.Fields.URL),
		}},
		NormalizedAt: now,
	}, warnings
}

// Fingerprint computes the dedup digest from the canonical fields. Ordering
// and description truncation are stable per ingest version.
func (n *Normalizer) Fingerprint(canonicalTitle, canonicalCompany, location, description string) (string, error) {
	desc := strings.ToLower(strings.TrimSpace(truncate(description, fingerprintDescPrefix)))
	return n.hasher.HashParts(
		canonicalTitle,
		canonicalCompany,
		strings.ToLower(strings.TrimSpace(location)),
		desc,
	)
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)

	titleAbbreviations = []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{regexp.MustCompile(`\bsr\b\.?`), "senior"},
		{regexp.MustCompile(`\bjr\b\.?`), "junior"},
		{regexp.MustCompile(`\beng\b\.?`), "engineer"},
		{regexp.MustCompile(`\bmgr\b\.?`), "manager"},
		{regexp.MustCompile(`\bdev\b\.?`), "developer"},
		{regexp.MustCompile(`\badmin\b\.?`), "administrator"},
	}

	legalSuffixPattern = regexp.MustCompile(`(?i),?\s*(Inc\.?|LLC\.?|Ltd\.?|Corp\.?|Corporation|Company|Co\.?)$`)

	relativeDatePattern = regexp.MustCompile(`(\d+)\s*(hour|day|week|month)`)

	salaryNumberPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[kK]?`)
	currencySymbols     = regexp.MustCompile(`[£$€,]`)
)

// CanonicalTitle lowercases, expands common abbreviations, and collapses
// whitespace so equivalent titles compare equal.
func CanonicalTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	for _, abbr := range titleAbbreviations {
		title = abbr.pattern.ReplaceAllString(title, abbr.replacement)
	}
	return collapseWhitespace(title)
}

// CanonicalCompany trims legal suffixes (Inc, LLC, Ltd, Corp, ...) and
// collapses whitespace. Case is preserved for display; fingerprinting relies
// on the suffix removal only.
func CanonicalCompany(company string) string {
	company = strings.TrimSpace(company)
	company = legalSuffixPattern.ReplaceAllString(company, "")
	return collapseWhitespace(company)
}

// ParsePostedDate handles relative phrases ("3 days ago") and common absolute
// formats. Returns nil when nothing parses.
func ParsePostedDate(text string, now time.Time) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	lower := strings.ToLower(text)
	if match := relativeDatePattern.FindStringSubmatch(lower); match != nil {
		count, err := strconv.Atoi(match[1])
		if err == nil {
			var d time.Duration
			switch match[2] {
			case "hour":
				d = time.Duration(count) * time.Hour
			case "day":
				d = time.Duration(count) * 24 * time.Hour
			case "week":
				d = time.Duration(count) * 7 * 24 * time.Hour
			case "month":
				d = time.Duration(count) * 30 * 24 * time.Hour
			}
			t := now.Add(-d)
			return &t
		}
	}

	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// InferEmploymentType keys off keywords in the title and description. The
// check order matters: internship and contract markers beat the full-time
// default.
func InferEmploymentType(title, description string) string {
	text := strings.ToLower(title + " " + description)
	switch {
	case containsAny(text, "intern", "internship", "co-op"):
		return "internship"
	case containsAny(text, "contract", "contractor", "freelance", "consulting"):
		return "contract"
	case containsAny(text, "part time", "part-time", "parttime"):
		return "part_time"
	case containsAny(text, "temporary", "temp ", "seasonal"):
		return "temporary"
	default:
		return "full_time"
	}
}

// ParseSalary extracts an annualized min/max in integer cents plus the
// detected currency. A "k" suffix multiplies by 1000; hourly markers
// annualize by 2080 hours. Unparseable input returns nil bounds with the
// default currency.
func ParseSalary(text string) (minCents, maxCents *int64, currency string) {
	currency = "USD"
	if text == "" {
		return nil, nil, currency
	}
	switch {
	case strings.ContainsAny(text, "£") || strings.Contains(text, "GBP"):
		currency = "GBP"
	case strings.ContainsAny(text, "€") || strings.Contains(text, "EUR"):
		currency = "EUR"
	}

	cleaned := currencySymbols.ReplaceAllString(text, "")
	var numbers []float64
	for _, match := range salaryNumberPattern.FindAllStringSubmatch(cleaned, -1) {
		num, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		if strings.HasSuffix(strings.ToLower(strings.TrimSpace(match[0])), "k") {
			num *= 1000
		}
		numbers = append(numbers, num)
	}
	if len(numbers) == 0 {
		return nil, nil, currency
	}

	lo, hi := numbers[0], numbers[0]
	if len(numbers) >= 2 {
		lo, hi = numbers[0], numbers[1]
		if lo > hi {
			lo, hi = hi, lo
		}
	}

	multiplier := float64(100)
	lowerText := strings.ToLower(text)
	if containsAny(lowerText, "/hr", "per hour", "hourly") {
		multiplier = hoursPerYear * 100
	}
	minVal := int64(math.Round(lo * multiplier))
	maxVal := int64(math.Round(hi * multiplier))
	return &minVal, &maxVal, currency
}

// skillVocabulary maps display names to their matching patterns. Matching is
// vocabulary-based on purpose; free-text skill mining is out of scope.
var skillVocabulary = []struct {
	name    string
	pattern *regexp.Regexp
}{
	// Languages.
	{"python", regexp.MustCompile(`\bpython\b`)},
	{"java", regexp.MustCompile(`\bjava\b`)},
	{"javascript", regexp.MustCompile(`\bjavascript\b`)},
	{"typescript", regexp.MustCompile(`\btypescript\b`)},
	{"c++", regexp.MustCompile(`\bc\+\+`)},
	{"c#", regexp.MustCompile(`\bc#`)},
	{"ruby", regexp.MustCompile(`\bruby\b`)},
	{"php", regexp.MustCompile(`\bphp\b`)},
	{"go", regexp.MustCompile(`\bgo\b`)},
	{"rust", regexp.MustCompile(`\brust\b`)},
	{"swift", regexp.MustCompile(`\bswift\b`)},
	{"kotlin", regexp.MustCompile(`\bkotlin\b`)},
	// Web frameworks.
	{"react", regexp.MustCompile(`\breact\b`)},
	{"angular", regexp.MustCompile(`\bangular\b`)},
	{"vue", regexp.MustCompile(`\bvue\b`)},
	{"django", regexp.MustCompile(`\bdjango\b`)},
	{"flask", regexp.MustCompile(`\bflask\b`)},
	{"spring", regexp.MustCompile(`\bspring\b`)},
	{"node.js", regexp.MustCompile(`\bnode\.?js\b`)},
	// Databases.
	{"sql", regexp.MustCompile(`\bsql\b`)},
	{"postgresql", regexp.MustCompile(`\bpostgresql\b`)},
	{"mysql", regexp.MustCompile(`\bmysql\b`)},
	{"mongodb", regexp.MustCompile(`\bmongodb\b`)},
	{"redis", regexp.MustCompile(`\bredis\b`)},
	{"elasticsearch", regexp.MustCompile(`\belasticsearch\b`)},
	// Cloud.
	{"aws", regexp.MustCompile(`\baws\b`)},
	{"azure", regexp.MustCompile(`\bazure\b`)},
	{"gcp", regexp.MustCompile(`\bgcp\b`)},
	{"docker", regexp.MustCompile(`\bdocker\b`)},
	{"kubernetes", regexp.MustCompile(`\bkubernetes\b|\bk8s\b`)},
	// ML and data.
	{"machine learning", regexp.MustCompile(`\bmachine learning\b`)},
	{"deep learning", regexp.MustCompile(`\bdeep learning\b`)},
	{"ai", regexp.MustCompile(`\bai\b`)},
	{"tensorflow", regexp.MustCompile(`\btensorflow\b`)},
	{"pytorch", regexp.MustCompile(`\bpytorch\b`)},
	{"pandas", regexp.MustCompile(`\bpandas\b`)},
	{"numpy", regexp.MustCompile(`\bnumpy\b`)},
	// Tools and process.
	{"git", regexp.MustCompile(`\bgit\b`)},
	{"jenkins", regexp.MustCompile(`\bjenkins\b`)},
	{"ci/cd", regexp.MustCompile(`\bcicd\b|\bci/cd\b`)},
	{"agile", regexp.MustCompile(`\bagile\b`)},
	{"scrum", regexp.MustCompile(`\bscrum\b`)},
	{"jira", regexp.MustCompile(`\bjira\b`)},
}

// ExtractSkills matches the fixed vocabulary against the description.
func ExtractSkills(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var skills []string
	for _, skill := range skillVocabulary {
		if skill.pattern.MatchString(lower) {
			skills = append(skills, skill.name)
			if len(skills) >= maxSkills {
				break
			}
		}
	}
	return skills
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sourceNameOr(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

func appendUnique(warnings []string, warning string) []string {
	for _, w := range warnings {
		if w == warning {
			return warnings
		}
	}
	return append(warnings, warning)
}
