package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

var (
	conditionPrefixPattern = regexp.MustCompile(`(?i)^(New|Used|Refurbished):\s*`)
	pricePattern           = regexp.MustCompile(`(\d+(?:\.\d{2})?)`)
	priceSymbols           = regexp.MustCompile(`[£$€¥,]`)
	nonAlphanumPattern     = regexp.MustCompile(`[^a-z0-9\s]`)
)

// knownBrands backs brand inference when the fragment carries no explicit
// brand field.
var knownBrands = []string{
	"Apple", "Samsung", "Sony", "LG", "Dell", "HP", "Lenovo", "Asus",
	"Microsoft", "Google", "Amazon", "Nike", "Adidas", "Puma",
	"Canon", "Nikon", "Panasonic", "Philips", "Bosch", "Dyson",
}

// outOfStockMarkers and inStockMarkers drive availability inference.
var (
	outOfStockMarkers = []string{"out of stock", "unavailable", "sold out", "not available"}
	inStockMarkers    = []string{"in stock", "available", "ships"}
)

func (n *Normalizer) normalizeProduct(raw ingest.RawEntry, ingestVersion string, now time.Time) (ingest.CanonicalRecord, []string) {
	var warnings []string
	if raw.Fields.ParseWarning != "" {
		warnings = append(warnings, raw.Fields.ParseWarning)
	}

	name := CleanProductName(ExtractText(deref(raw.Fields.Title)))
	if name == "" {
		name = "Unknown Product"
		warnings = appendUnique(warnings, "missing_title")
	}
	brand := InferBrand(deref(raw.Fields.Brand), name)

	priceCents, currency := ParsePrice(deref(raw.Fields.Price))
	if priceCents == nil && deref(raw.Fields.Price) != "" {
		warnings = append(warnings, "unparseable_price")
	}

	inStock := InferStockStatus(deref(raw.Fields.Availability), deref(raw.Fields.Price))
	description := ExtractText(deref(raw.Fields.Snippet))

	fingerprint, err := n.ProductFingerprint(name, brand, raw.ExternalID)
	if err != nil {
		n.logger.Error("product fingerprint failed", zap.Error(err))
		warnings = append(warnings, "fingerprint_failed")
	}

	return ingest.CanonicalRecord{
		Kind:          ingest.KindProduct,
		Title:         truncate(name, maxTitle),
		Company:       truncate(brand, maxCompany),
		Description:   truncate(description, maxDescription),
		URL:           truncate(deref(raw.Fields.URL), maxURL),
		ExternalID:    truncate(raw.ExternalID, maxExternalID),
		SourceName:    truncate(sourceNameOr(raw.SourceName), maxSourceName),
		PriceMinCents: priceCents,
		PriceMaxCents: priceCents,
		Currency:      currency,
		InStock:       &inStock,
		Fingerprint:   fingerprint,
		IngestVersion: ingestVersion,
		SourceRefs: []ingest.SourceReference{{
			SourceName: sourceNameOr(raw.SourceName),
			ExternalID: raw.ExternalID,
			URL:        deref(raw.Fields.URL),
		}},
		NormalizedAt: now,
	}, warnings
}

// ProductFingerprint hashes the normalized name, brand, and a bounded
// external ID prefix. Products keyed by the same listing across runs must
// fingerprint identically even when prices move.
func (n *Normalizer) ProductFingerprint(name, brand, externalID string) (string, error) {
	normalized := nonAlphanumPattern.ReplaceAllString(strings.ToLower(name), "")
	normalized = collapseWhitespace(normalized)
	return n.hasher.HashParts(
		normalized,
		strings.ToLower(strings.TrimSpace(brand)),
		truncate(externalID, 50),
	)
}

// CleanProductName collapses whitespace, strips condition prefixes, and tames
// all-caps listings.
func CleanProductName(name string) string {
	name = collapseWhitespace(name)
	name = conditionPrefixPattern.ReplaceAllString(name, "")
	if len(name) > 10 && name == strings.ToUpper(name) && strings.ToUpper(name) != strings.ToLower(name) {
		name = titleCase(strings.ToLower(name))
	}
	return name
}

// InferBrand prefers the explicit brand field, then a known-brand match in
// the name, then a capitalized first word.
func InferBrand(brandText, productName string) string {
	if trimmed := strings.TrimSpace(brandText); trimmed != "" {
		return trimmed
	}
	nameLower := strings.ToLower(productName)
	for _, brand := range knownBrands {
		if strings.Contains(nameLower, strings.ToLower(brand)) {
			return brand
		}
	}
	words := strings.Fields(productName)
	if len(words) > 0 {
		first := []rune(words[0])
		if len(first) > 0 && unicode.IsUpper(first[0]) {
			return words[0]
		}
	}
	return ""
}

// ParsePrice converts a price string to integer cents plus the detected
// currency. Ranges take the first number; JPY carries no decimal cents.
func ParsePrice(text string) (*int64, string) {
	currency := "USD"
	if text == "" {
		return nil, currency
	}
	switch {
	case strings.ContainsAny(text, "£") || strings.Contains(text, "GBP"):
		currency = "GBP"
	case strings.ContainsAny(text, "€") || strings.Contains(text, "EUR"):
		currency = "EUR"
	case strings.ContainsAny(text, "¥") || strings.Contains(text, "JPY"):
		currency = "JPY"
	}

	cleaned := priceSymbols.ReplaceAllString(text, "")
	match := pricePattern.FindStringSubmatch(cleaned)
	if match == nil {
		return nil, currency
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return nil, currency
	}
	// Round before converting: 19.99*100 is 1998.999... in binary floats and
	// truncation would lose a cent.
	var cents int64
	if currency == "JPY" {
		cents = int64(math.Round(value))
	} else {
		cents = int64(math.Round(value * 100))
	}
	return &cents, currency
}

// InferStockStatus reads availability text first, then falls back to the
// presence of a price. Unknown means in stock.
func InferStockStatus(availability, priceText string) bool {
	lower := strings.ToLower(availability)
	if lower != "" {
		for _, marker := range outOfStockMarkers {
			if strings.Contains(lower, marker) {
				return false
			}
		}
		for _, marker := range inStockMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return true
}

func titleCase(s string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range s {
		if upperNext && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upperNext = true
		}
		b.WriteRune(r)
	}
	return b.String()
}
