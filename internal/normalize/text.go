package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractText strips markup from an HTML snippet: scripts and styles are
// removed, tags dropped, and whitespace collapsed. Plain-text input passes
// through unchanged apart from whitespace.
func ExtractText(html string) string {
	if html == "" {
		return ""
	}
	if !strings.ContainsRune(html, '<') {
		return collapseWhitespace(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(html)
	}
	doc.Find("script, style").Remove()

	var b strings.Builder
	doc.Find("body").Contents().Each(func(_ int, sel *goquery.Selection) {
		appendText(&b, sel)
	})
	return collapseWhitespace(b.String())
}

// appendText walks the node tree depth-first, inserting a space between
// element boundaries so adjacent blocks do not run together.
func appendText(b *strings.Builder, sel *goquery.Selection) {
	for _, node := range sel.Nodes {
		text := strings.TrimSpace(goquery.NewDocumentFromNode(node).Text())
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}
