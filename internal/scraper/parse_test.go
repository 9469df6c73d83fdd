package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const jobFragmentHTML = `
<div class="job-card" data-job-id="abc123">
  <h2 class="title"><a href="/jobs/abc123?utm_source=feed&ref=home">Senior Developer</a></h2>
  <span class="company">Acme Inc</span>
  <span class="location">Remote</span>
  <time datetime="2026-08-20">5 days ago</time>
  <p class="description">Build services in Go.</p>
  <span class="salary">$80k - $100k</span>
</div>`

func TestSplitListings_SourceSelector(t *testing.T) {
	t.Parallel()

	html := `<html><body>` + jobFragmentHTML + jobFragmentHTML + `</body></html>`
	frags, js := splitListings(html, ".job-card", listingFallbacks)
	require.False(t, js)
	require.Len(t, frags, 2)
}

func TestSplitListings_FallbackChain(t *testing.T) {
	t.Parallel()

	html := `<html><body><article>one</article><article>two</article><article>three</article></body></html>`
	frags, js := splitListings(html, ".does-not-match", listingFallbacks)
	require.False(t, js)
	require.Len(t, frags, 3)
}

func TestSplitListings_JSRenderedHeuristic(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><head>")
	for i := 0; i < 8; i++ {
		b.WriteString("<script>window.app=1;</script>")
	}
	b.WriteString("</head><body><div id=\"root\"></div></body></html>")

	frags, js := splitListings(b.String(), ".job-card", listingFallbacks)
	require.True(t, js)
	require.Empty(t, frags)
}

func TestSplitListings_StaticEmptyPageIsNotJS(t *testing.T) {
	t.Parallel()

	html := `<html><body><h1>No results for your search</h1></body></html>`
	frags, js := splitListings(html, ".job-card", nil)
	require.False(t, js)
	require.Empty(t, frags)
}

func TestExtractJobFields(t *testing.T) {
	t.Parallel()

	frags, _ := splitListings("<html><body>"+jobFragmentHTML+"</body></html>", ".job-card", nil)
	require.Len(t, frags, 1)

	fields, externalID := extractJobFields(frags[0], nil, "https://jobs.example.com/listings?page=1")
	require.Equal(t, "abc123", externalID)
	require.NotNil(t, fields.Title)
	require.Contains(t, *fields.Title, "Senior Developer")
	require.NotNil(t, fields.Company)
	require.Contains(t, *fields.Company, "Acme Inc")
	require.Equal(t, "Remote", *fields.Location)
	require.Equal(t, "2026-08-20", *fields.Posted)
	require.Equal(t, "$80k - $100k", *fields.Salary)
	require.Empty(t, fields.ParseWarning)

	// Relative link resolved against page URL, tracking params stripped.
	require.Equal(t, "https://jobs.example.com/jobs/abc123", *fields.URL)
}

func TestExtractJobFields_MissingTitleWarns(t *testing.T) {
	t.Parallel()

	frags, _ := splitListings(`<html><body><li class="listing"><span class="company">Acme</span></li></body></html>`, "li.listing", nil)
	require.Len(t, frags, 1)

	fields, _ := extractJobFields(frags[0], nil, "")
	require.Nil(t, fields.Title)
	require.Equal(t, "missing_title", fields.ParseWarning)
}

func TestExtractProductFields(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<div class="product-card" data-item-id="sku-9">
  <h2 class="product-title"><a href="https://shop.example.com/items/sku-9">Standing Desk</a></h2>
  <span class="brand">Deskly</span>
  <span class="price">$299.99</span>
  <span class="availability">In stock</span>
  <p class="description">Electric height adjustment.</p>
</div></body></html>`

	frags, _ := splitListings(html, ".product-card", productFallbacks)
	require.Len(t, frags, 1)

	fields, externalID := extractProductFields(frags[0], nil, "https://shop.example.com/search")
	require.Equal(t, "sku-9", externalID)
	require.Contains(t, *fields.Title, "Standing Desk")
	require.Equal(t, "Deskly", *fields.Brand)
	require.Equal(t, "$299.99", *fields.Price)
	require.Equal(t, "In stock", *fields.Availability)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		base string
		want string
	}{
		{
			name: "relative resolved",
			raw:  "/jobs/42",
			base: "https://example.com/listings?page=3",
			want: "https://example.com/jobs/42",
		},
		{
			name: "tracking stripped",
			raw:  "https://example.com/jobs/42?utm_campaign=x&gclid=abc&id=42",
			want: "https://example.com/jobs/42?id=42",
		},
		{
			name: "fragment dropped",
			raw:  "https://example.com/jobs/42#apply",
			want: "https://example.com/jobs/42",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, normalizeURL(tc.raw, tc.base))
		})
	}
}
