package extract

import (
	"fmt"
	"regexp"
	"strings"

	"gradeflow/internal/models"
)

const NoTextPlaceholder = "[No extractable text found on this page]"

var (
	markerLineRe = regexp.MustCompile(`(?im)^[ \t]*-{3,}[ \t]*(page[ \t]+\d+)[ \t]*-{3,}[ \t]*$`)
	chunkLabelRe = regexp.MustCompile(`(?i)\[([ \t]*chunk[ \t]+\d+[^\]\n]*)\]`)
)

// NeutralizeMarkers rewrites page-marker lines and chunk labels found in
// document text so they no longer read as evidence locations.
func NeutralizeMarkers(text string) string {
	text = markerLineRe.ReplaceAllString(text, "-- $1 --")
	return chunkLabelRe.ReplaceAllString(text, "($1)")
}

// PageMarker is the location marker that precedes every page in evidence text.
func PageMarker(n int) string {
	return fmt.Sprintf("--- Page %d ---", n)
}

// RenderPage renders one page block: marker line, then the text. OCR text is
// prefixed with [OCR]; empty pages carry a placeholder.
func RenderPage(p models.Page) string {
	var b strings.Builder
	b.WriteString(PageMarker(p.Number))
	b.WriteByte('\n')
	switch {
	case p.Text == "":
		b.WriteString(NoTextPlaceholder)
	case p.UsedOCR():
		b.WriteString("[OCR]\n")
		b.WriteString(NeutralizeMarkers(p.Text))
	default:
		b.WriteString(NeutralizeMarkers(p.Text))
	}
	return b.String()
}

// RenderPages is the evidence text of a whole document.
func RenderPages(pages []models.Page) string {
	blocks := make([]string, 0, len(pages))
	for _, p := range pages {
		blocks = append(blocks, RenderPage(p))
	}
	return strings.Join(blocks, "\n\n")
}
