// Package textclean normalizes raw text extracted from uploaded documents
// before it is chunked and embedded.
package textclean

import (
	"regexp"
	"strings"
)

var (
	blankLines = regexp.MustCompile(`\n[ \t\r\f\v]*\n(?:[ \t\r\f\v]*\n)*`)
	hspace     = regexp.MustCompile(`[ \t]+`)
	pageNumber = regexp.MustCompile(`\n[ \t]*\d+[ \t]*\n`)
)

// Normalize collapses blank-line runs to a single blank line, squeezes
// horizontal whitespace, replaces anything outside printable ASCII with a
// space and drops lines holding nothing but a page number.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = replaceNonPrintable(text)
	text = blankLines.ReplaceAllString(text, "\n\n")
	text = hspace.ReplaceAllString(text, " ")
	text = removePageNumbers(text)
	text = blankLines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// replaceNonPrintable keeps \n and \t so the whitespace rules still see them.
func replaceNonPrintable(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			sb.WriteRune(r)
		case r >= 0x20 && r < 0x7f:
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// removePageNumbers loops because adjacent matches share their newline.
func removePageNumbers(s string) string {
	s = "\n" + s + "\n"
	for {
		next := pageNumber.ReplaceAllString(s, "\n")
		if next == s {
			break
		}
		s = next
	}
	return s
}
