package htmlutil

import (
	"strings"

	"github.com/k3a/html2text"
)

// ToText converts HTML to plain text using a proper HTML parser.
// Handles entities, strips tags, and preserves readable text.
func ToText(s string) string {
	return html2text.HTML2Text(s)
}

// Summary flattens an upstream error body to a single line of at most max
// runes. NWIS answers bad requests with an HTML page whose useful part is
// a sentence or two of text.
func Summary(body string, max int) string {
	text := strings.Join(strings.Fields(ToText(body)), " ")
	if r := []rune(text); max > 0 && len(r) > max {
		return string(r[:max]) + "..."
	}
	return text
}
