package util

import (
	"regexp"
	"strings"
)

var horizontalSpace = regexp.MustCompile(`[ \t]+`)

// SanitizeText removes bytes and control characters that Postgres text columns reject
// (especially NUL / 0x00 from some PDF extractors).
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")

	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}

// CollapseSpaces squeezes runs of spaces and tabs into a single space and trims
// the result. Line breaks are kept.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(horizontalSpace.ReplaceAllString(s, " "))
}
