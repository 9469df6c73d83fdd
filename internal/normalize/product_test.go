package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

func rawProduct() ingest.RawEntry {
	return ingest.RawEntry{
		SourceID:   3,
		SourceName: "shop",
		ExternalID: "sku-9",
		Kind:       ingest.KindProduct,
		Fields: ingest.RawFields{
			Title:        strPtr("<h2>Standing Desk Pro</h2>"),
			Brand:        strPtr("Deskly"),
			Price:        strPtr("$299.99"),
			Availability: strPtr("In stock"),
			URL:          strPtr("https://shop.example.com/items/sku-9"),
			Snippet:      strPtr("<p>Electric height adjustment.</p>"),
		},
	}
}

func TestNormalize_Product(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rec, warnings := newTestNormalizer().Normalize(rawProduct(), "1.0.0", now)

	require.Empty(t, warnings)
	require.Equal(t, ingest.KindProduct, rec.Kind)
	require.Equal(t, "Standing Desk Pro", rec.Title)
	require.Equal(t, "Deskly", rec.Company)
	require.Equal(t, int64(29999), *rec.PriceMinCents)
	require.Equal(t, "USD", rec.Currency)
	require.NotNil(t, rec.InStock)
	require.True(t, *rec.InStock)
	require.NotEmpty(t, rec.Fingerprint)
	require.Empty(t, rec.EmploymentType)
}

func TestProductFingerprint_StableAcrossPriceChanges(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	now := time.Now().UTC()

	a := rawProduct()
	b := rawProduct()
	b.Fields.Price = strPtr("$249.99")

	recA, _ := n.Normalize(a, "1.0.0", now)
	recB, _ := n.Normalize(b, "1.0.0", now)
	require.Equal(t, recA.Fingerprint, recB.Fingerprint,
		"price moves must not change the product identity")
}

func TestCleanProductName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Standing Desk", CleanProductName("New: Standing Desk"))
	require.Equal(t, "Standing Desk", CleanProductName("  Standing   Desk "))
	require.Equal(t, "Mechanical Keyboard Deluxe", CleanProductName("MECHANICAL KEYBOARD DELUXE"))
	require.Equal(t, "USB-C", CleanProductName("USB-C"), "short names keep their casing")
}

func TestInferBrand(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Deskly", InferBrand(" Deskly ", "anything"))
	require.Equal(t, "Sony", InferBrand("", "sony wh-1000xm5 headphones"))
	require.Equal(t, "Acme", InferBrand("", "Acme widget 3000"))
	require.Empty(t, InferBrand("", "lowercase generic item"))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cents, currency := ParsePrice("$19.99")
	require.Equal(t, int64(1999), *cents)
	require.Equal(t, "USD", currency)

	cents, currency = ParsePrice("£45.50")
	require.Equal(t, int64(4550), *cents)
	require.Equal(t, "GBP", currency)

	cents, _ = ParsePrice("$1,234.56")
	require.Equal(t, int64(123456), *cents)

	cents, _ = ParsePrice("19.99 to 29.99")
	require.Equal(t, int64(1999), *cents, "ranges take the first price")

	cents, currency = ParsePrice("¥1500")
	require.Equal(t, int64(1500), *cents, "yen carries no decimal cents")
	require.Equal(t, "JPY", currency)

	cents, _ = ParsePrice("call for pricing")
	require.Nil(t, cents)
}

func TestInferStockStatus(t *testing.T) {
	t.Parallel()

	require.False(t, InferStockStatus("Out of stock", "$10"))
	require.False(t, InferStockStatus("Currently unavailable", ""))
	require.True(t, InferStockStatus("In stock, ships tomorrow", ""))
	require.True(t, InferStockStatus("", "$10"))
	require.True(t, InferStockStatus("", ""), "unknown defaults to in stock")
}
