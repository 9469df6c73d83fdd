package scraper

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// fragment is one listing's markup subtree.
type fragment = *goquery.Selection

// JSRenderSentinel is the ExternalID of the synthetic entry emitted when a
// page appears to be rendered client-side and carries no server-side
// listings.
const JSRenderSentinel = "__js_content_detected__"

// Fragment field limits. Raw fields are capped at extraction time so a
// pathological page cannot inflate storage.
const (
	maxTitleHTML   = 240
	maxCompanyHTML = 200
	maxLocation    = 128
	maxPosted      = 64
	maxURL         = 512
	maxSnippetHTML = 5000
	maxSalary      = 128
)

// listingFallbacks is the documented fallback chain tried when the source's
// own listing selector matches nothing.
var listingFallbacks = []string{".job-card", ".posting", "article", "[data-job-id]", "li"}

// productFallbacks is the equivalent chain for product grids.
var productFallbacks = []string{"[data-item-id]", ".s-item", ".product-card", "article", "li"}

var externalIDPattern = regexp.MustCompile(`/(?:job|item|product)s?/(\w+)`)

// trackingPrefixes identify query parameters stripped during URL
// canonicalization.
var trackingPrefixes = []string{"utm_", "ref", "source", "campaign", "medium", "fbclid", "gclid"}

// splitListings extracts listing fragments from a page. Never errors: parse
// failures yield no fragments. The second return value reports the
// JS-rendered heuristic: no fragments, more than five script tags, and under
// 200 characters of visible text.
func splitListings(html, selector string, fallbacks []string) ([]*goquery.Selection, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}
	if selector == "" {
		selector = ".job, article, li.listing"
	}

	var fragments []*goquery.Selection
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		fragments = append(fragments, sel)
	})
	if len(fragments) == 0 {
		for _, fallback := range fallbacks {
			doc.Find(fallback).Each(func(_ int, sel *goquery.Selection) {
				fragments = append(fragments, sel)
			})
			if len(fragments) > 0 {
				break
			}
		}
	}

	if len(fragments) == 0 {
		scripts := doc.Find("script").Length()
		text := strings.TrimSpace(doc.Text())
		if scripts > 5 && len(text) < 200 {
			return nil, true
		}
	}
	return fragments, false
}

// extractJobFields pulls nullable job fields from one listing fragment.
// Extraction is defensive: a missing field stays nil and the only anomaly
// surfaced is a ParseWarning.
func extractJobFields(sel *goquery.Selection, selectors map[string]string, pageURL string) (ingest.RawFields, string) {
	var fields ingest.RawFields

	externalID := extractExternalID(sel, selectorOr(selectors, "id_attr", "data-job-id"))

	if html := outerHTMLOf(sel, selectorOr(selectors, "title", "h2, h3, .title, .job-title")); html != "" {
		fields.Title = ptr(truncate(html, maxTitleHTML))
	}
	if html := outerHTMLOf(sel, selectorOr(selectors, "company", ".company, .employer")); html != "" {
		fields.Company = ptr(truncate(html, maxCompanyHTML))
	}
	if text := textOf(sel, selectorOr(selectors, "location", ".location, .job-location")); text != "" {
		fields.Location = ptr(truncate(text, maxLocation))
	}
	if posted := extractPosted(sel, selectorOr(selectors, "posted", ".date, .posted, time")); posted != "" {
		fields.Posted = ptr(truncate(posted, maxPosted))
	}
	if link := firstLink(sel); link != "" {
		fields.URL = ptr(truncate(normalizeURL(link, pageURL), maxURL))
	}
	if html := outerHTMLOf(sel, selectorOr(selectors, "snippet", ".description, .snippet, p")); html != "" {
		fields.Snippet = ptr(truncate(html, maxSnippetHTML))
	}
	if text := textOf(sel, selectorOr(selectors, "salary", ".salary, .pay, .compensation")); text != "" {
		fields.Salary = ptr(truncate(text, maxSalary))
	}

	if fields.Title == nil {
		fields.ParseWarning = "missing_title"
	}
	return fields, externalID
}

// extractProductFields is the product-grid counterpart: name, brand, price,
// and availability instead of company and salary.
func extractProductFields(sel *goquery.Selection, selectors map[string]string, pageURL string) (ingest.RawFields, string) {
	var fields ingest.RawFields

	externalID := extractExternalID(sel, selectorOr(selectors, "id_attr", "data-item-id"))

	if html := outerHTMLOf(sel, selectorOr(selectors, "title", "h2, h3, .product-title, .s-item__title")); html != "" {
		fields.Title = ptr(truncate(html, maxTitleHTML))
	}
	if text := textOf(sel, selectorOr(selectors, "brand", ".brand, .manufacturer")); text != "" {
		fields.Brand = ptr(truncate(text, maxCompanyHTML))
	}
	if text := textOf(sel, selectorOr(selectors, "price", ".price, .a-price, .s-item__price")); text != "" {
		fields.Price = ptr(truncate(text, maxSalary))
	}
	if text := textOf(sel, selectorOr(selectors, "availability", ".availability, .stock, .in-stock")); text != "" {
		fields.Availability = ptr(truncate(text, maxLocation))
	}
	if link := firstLink(sel); link != "" {
		fields.URL = ptr(truncate(normalizeURL(link, pageURL), maxURL))
	}
	if html := outerHTMLOf(sel, selectorOr(selectors, "snippet", ".description, .snippet, p")); html != "" {
		fields.Snippet = ptr(truncate(html, maxSnippetHTML))
	}

	if fields.Title == nil {
		fields.ParseWarning = "missing_title"
	}
	return fields, externalID
}

func extractExternalID(sel *goquery.Selection, idAttr string) string {
	if id, ok := sel.Attr(idAttr); ok && id != "" {
		return id
	}
	if href, ok := sel.Find("a[href]").First().Attr("href"); ok {
		if match := externalIDPattern.FindStringSubmatch(href); match != nil {
			return match[1]
		}
	}
	return ""
}

func extractPosted(sel *goquery.Selection, selector string) string {
	elem := sel.Find(selector).First()
	if elem.Length() == 0 {
		return ""
	}
	if dt, ok := elem.Attr("datetime"); ok && dt != "" {
		return dt
	}
	return strings.TrimSpace(elem.Text())
}

func firstLink(sel *goquery.Selection) string {
	href, _ := sel.Find("a[href]").First().Attr("href")
	return href
}

func outerHTMLOf(sel *goquery.Selection, selector string) string {
	elem := sel.Find(selector).First()
	if elem.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(elem)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(html)
}

func textOf(sel *goquery.Selection, selector string) string {
	elem := sel.Find(selector).First()
	if elem.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(elem.Text())
}

// fragmentHTML renders the fragment back to markup for the raw payload.
func fragmentHTML(sel *goquery.Selection) string {
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	return html
}

// normalizeURL resolves relative URLs against the page URL, strips tracking
// parameters, and drops fragments. Unparseable input is returned unchanged.
func normalizeURL(rawURL, baseURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if !parsed.IsAbs() && baseURL != "" {
		base, baseErr := url.Parse(baseURL)
		if baseErr == nil {
			parsed = base.ResolveReference(parsed)
		}
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			if isTrackingParam(key) {
				query.Del(key)
			}
		}
		parsed.RawQuery = query.Encode()
	}
	parsed.Fragment = ""
	return parsed.String()
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func selectorOr(selectors map[string]string, key, fallback string) string {
	if sel, ok := selectors[key]; ok && sel != "" {
		return sel
	}
	return fallback
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func ptr(s string) *string {
	return &s
}
