package guard

import (
	"strings"
	"unicode"
)

// Sanitize renders untrusted input safe for single-line log output.
//
// The function is pure and total: it never fails, whatever the input.
// Algorithm:
//  1. Truncate at the first line-break sequence. A payload such as
//     "id\nINFO: fake entry" would otherwise forge a log line.
//  2. Strip any remaining control characters.
//  3. Escape markup-significant characters so the value is inert in
//     HTML-rendered log viewers.
func Sanitize(input string) string {
	if i := strings.IndexAny(input, "\r\n"); i >= 0 {
		input = input[:i]
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
