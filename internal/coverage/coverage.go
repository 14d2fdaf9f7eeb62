// Package coverage accounts for what was and was not read from a document.
// Build is a pure function of the extracted pages and visuals; the same input
// always yields the same report and the same rendered text.
package coverage

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"gradeflow/internal/extract"
	"gradeflow/internal/models"
)

const DefaultLowConfidence = 60.0

type Status string

const (
	StatusText   Status = "text"
	StatusOCR    Status = "ocr"
	StatusNoText Status = "no-text"
)

type Flag string

const (
	FlagNoText            Flag = "no-text"
	FlagLowConfidence     Flag = "low-confidence-ocr"
	FlagConfidenceUnknown Flag = "ocr-confidence-unknown"
	FlagOCRFailed         Flag = "ocr-failed"
)

type Direction string

const (
	TextOnly   Direction = "text-only"
	VisualOnly Direction = "visual-only"
)

type Entry struct {
	Page          int      `json:"page"`
	Status        Status   `json:"status"`
	Reason        string   `json:"reason"`
	Flags         []Flag   `json:"flags,omitempty"`
	OCRConfidence *float64 `json:"ocr_confidence,omitempty"`
	ImageCount    int      `json:"image_count"`
	VectorCount   int      `json:"vector_count"`
	TextChars     int      `json:"text_chars"`
}

func (e Entry) Has(f Flag) bool {
	for _, x := range e.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// UnresolvedReference is a label seen on one side only. For text-only entries
// Mention is the span exactly as it appears in the page text.
type UnresolvedReference struct {
	Page      int       `json:"page"`
	Label     string    `json:"label"`
	Mention   string    `json:"mention,omitempty"`
	Direction Direction `json:"direction"`
}

// Gap is a unit of work that failed permanently after retries.
type Gap struct {
	Unit   string `json:"unit"`
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

type Options struct {
	LowConfidence float64
}

type Report struct {
	Entries           []Entry               `json:"entries"`
	Unresolved        []UnresolvedReference `json:"unresolved"`
	UnlabeledMentions []string              `json:"unlabeled_mentions,omitempty"`
	Warnings          []string              `json:"warnings,omitempty"`
	Gaps              []Gap                 `json:"gaps,omitempty"`
	TotalVisuals      int                   `json:"total_visuals"`
	CaptionedVisuals  int                   `json:"captioned_visuals"`
	VectorVisuals     int                   `json:"vector_visuals"`
	LowConfidence     float64               `json:"low_confidence"`
}

func Build(pages []models.Page, visuals []models.ExtractedVisual, opts Options) Report {
	if opts.LowConfidence <= 0 {
		opts.LowConfidence = DefaultLowConfidence
	}
	r := Report{LowConfidence: opts.LowConfidence, TotalVisuals: len(visuals)}
	for _, p := range pages {
		r.Entries = append(r.Entries, buildEntry(p, opts.LowConfidence))
		r.UnlabeledMentions = append(r.UnlabeledMentions, extract.FindUnlabeledMentions(p.Text)...)
	}

	visualLabels := map[string]bool{}
	for _, v := range visuals {
		if v.Captioned() {
			r.CaptionedVisuals++
		}
		if v.Kind == models.VisualVector {
			r.VectorVisuals++
		}
		if v.Label != "" {
			visualLabels[v.Label] = true
		}
	}

	seen := map[string]bool{}
	for _, p := range pages {
		for _, m := range extract.FindLabels(p.Text) {
			if visualLabels[m.Label] || seen[m.Label] {
				continue
			}
			seen[m.Label] = true
			r.Unresolved = append(r.Unresolved, UnresolvedReference{Page: p.Number, Label: m.Label, Mention: m.Mention, Direction: TextOnly})
		}
	}
	for _, v := range visuals {
		if v.Label != "" {
			continue
		}
		r.Unresolved = append(r.Unresolved, UnresolvedReference{Page: v.Page, Label: VisualID(v), Direction: VisualOnly})
	}
	r.Warnings = warnings(r.Entries, opts.LowConfidence)
	return r
}

// VisualID names a visual that has no caption label.
func VisualID(v models.ExtractedVisual) string {
	if v.Position.Hint != "" {
		return fmt.Sprintf("Visual %d (%s)", v.Index+1, v.Position.Hint)
	}
	return fmt.Sprintf("Visual %d (page %d)", v.Index+1, v.Page)
}

func buildEntry(p models.Page, threshold float64) Entry {
	e := Entry{
		Page:          p.Number,
		OCRConfidence: p.OCRConfidence,
		ImageCount:    p.ImageCount,
		VectorCount:   p.VectorCount,
		TextChars:     utf8.RuneCountInString(p.Text),
	}
	switch {
	case p.NoText || p.Text == "":
		e.Status = StatusNoText
		e.Flags = append(e.Flags, FlagNoText)
		e.Reason = "no extractable text after native and OCR attempts"
	case p.UsedOCR():
		e.Status = StatusOCR
		if p.OCRConfidence == nil {
			e.Flags = append(e.Flags, FlagConfidenceUnknown)
			e.Reason = "OCR text, confidence unknown"
		} else {
			if *p.OCRConfidence < threshold {
				e.Flags = append(e.Flags, FlagLowConfidence)
			}
			e.Reason = "OCR text, confidence " + strconv.FormatFloat(*p.OCRConfidence, 'f', 1, 64)
		}
	default:
		e.Status = StatusText
		e.Reason = "selectable text"
	}
	if p.Failure != "" {
		e.Flags = append(e.Flags, FlagOCRFailed)
		e.Reason += "; " + p.Failure
	}
	return e
}

func (r Report) pagesWhere(pred func(Entry) bool) []int {
	var out []int
	for _, e := range r.Entries {
		if pred(e) {
			out = append(out, e.Page)
		}
	}
	return out
}

func (r Report) NoTextPages() []int {
	return r.pagesWhere(func(e Entry) bool { return e.Status == StatusNoText })
}

func (r Report) OCRPages() []int {
	return r.pagesWhere(func(e Entry) bool { return e.Status == StatusOCR })
}

func (r Report) LowConfidencePages() []int {
	return r.pagesWhere(func(e Entry) bool { return e.Has(FlagLowConfidence) })
}

func (r Report) UnknownConfidencePages() []int {
	return r.pagesWhere(func(e Entry) bool { return e.Has(FlagConfidenceUnknown) })
}

func (r Report) OCRFailedPages() []int {
	return r.pagesWhere(func(e Entry) bool { return e.Has(FlagOCRFailed) })
}

func warnings(entries []Entry, threshold float64) []string {
	r := Report{Entries: entries, LowConfidence: threshold}
	total := len(entries)
	var out []string
	if p := r.NoTextPages(); len(p) > 0 {
		out = append(out, fmt.Sprintf("%d of %d pages have no extractable text (%s).", len(p), total, joinInts(p)))
		if float64(len(p)) > float64(total)*0.7 {
			out = append(out, "Document appears to have little extractable text (possibly scanned). Marking quality may suffer.")
		}
	}
	if p := r.LowConfidencePages(); len(p) > 0 {
		out = append(out, "Low OCR confidence detected on pages: "+joinInts(p)+".")
	}
	if p := r.UnknownConfidencePages(); len(p) > 0 {
		out = append(out, "OCR confidence unavailable on pages: "+joinInts(p)+" (OCR quality unknown).")
	}
	if p := r.OCRFailedPages(); len(p) > 0 {
		out = append(out, "OCR failed after retries on pages: "+joinInts(p)+".")
	}
	return out
}

// WithGaps returns a copy of the report that also records failed units.
func (r Report) WithGaps(gaps ...Gap) Report {
	if len(gaps) == 0 {
		return r
	}
	cp := r
	cp.Gaps = append(append([]Gap(nil), r.Gaps...), gaps...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	for _, g := range gaps {
		cp.Warnings = append(cp.Warnings, fmt.Sprintf("Processing gap (%s %s): %s.", g.Unit, g.Ref, g.Reason))
	}
	return cp
}

// Format renders the report text that prompts consume verbatim.
func (r Report) Format() string {
	total := len(r.Entries)
	ocr := r.OCRPages()
	noText := r.NoTextPages()
	imagePages := r.pagesWhere(func(e Entry) bool { return e.ImageCount > 0 })
	vectorPages := r.pagesWhere(func(e Entry) bool { return e.VectorCount > 0 })

	lines := []string{
		"Content coverage report (auto-generated):",
		fmt.Sprintf("- Total pages: %d", total),
		fmt.Sprintf("- Pages with selectable text: %d", total-len(noText)-len(ocr)),
		fmt.Sprintf("- Pages with OCR text: %d", len(ocr)),
		fmt.Sprintf("- Pages with no extractable text: %d", len(noText)),
		fmt.Sprintf("- Pages with embedded images detected: %d", len(imagePages)),
		fmt.Sprintf("- Pages with vector graphics detected: %d", len(vectorPages)),
		fmt.Sprintf("- Extracted visuals: %d", r.TotalVisuals),
	}
	add := func(prefix string, pages []int) {
		if len(pages) > 0 {
			lines = append(lines, prefix+joinInts(pages))
		}
	}
	add("- OCR pages: ", ocr)
	add("- No-text pages: ", noText)
	add(fmt.Sprintf("- Low OCR confidence pages (<%.0f): ", r.LowConfidence), r.LowConfidencePages())
	add("- OCR confidence missing on pages: ", r.UnknownConfidencePages())
	add("- OCR failed on pages: ", r.OCRFailedPages())
	add("- Image pages: ", imagePages)
	add("- Vector-graphic pages: ", vectorPages)
	if r.TotalVisuals > 0 {
		lines = append(lines, fmt.Sprintf("- Extracted visuals with caption matches: %d", r.CaptionedVisuals))
	}
	if r.VectorVisuals > 0 {
		lines = append(lines, fmt.Sprintf("- Extracted vector graphics: %d", r.VectorVisuals))
	}

	var textOnly, visualOnly []string
	for _, u := range r.Unresolved {
		if u.Direction == TextOnly {
			textOnly = append(textOnly, fmt.Sprintf("%s (page %d)", u.Label, u.Page))
		} else {
			visualOnly = append(visualOnly, u.Label)
		}
	}
	if len(textOnly) > 0 {
		lines = append(lines, "- Figure/table references without clear captions: "+strings.Join(textOnly, ", "))
	}
	if len(visualOnly) > 0 {
		lines = append(lines, "- Extracted visuals without caption labels: "+strings.Join(visualOnly, ", "))
	}
	if len(r.UnlabeledMentions) > 0 {
		lines = append(lines, "- Figure/table mentions without labels:")
		for _, m := range r.UnlabeledMentions[:min(5, len(r.UnlabeledMentions))] {
			lines = append(lines, "  - "+m)
		}
		if n := len(r.UnlabeledMentions); n > 5 {
			lines = append(lines, fmt.Sprintf("  - ...and %d more", n-5))
		}
	}
	if len(r.Gaps) > 0 {
		lines = append(lines, "- Processing gaps (failed after retries):")
		for _, g := range r.Gaps {
			lines = append(lines, fmt.Sprintf("  - %s %s: %s", g.Unit, g.Ref, g.Reason))
		}
	}
	lines = append(lines,
		"Page labels like figures/tables/sections may be missing; do not fabricate them.",
		"Use this report to flag missing/unreadable evidence. Do not invent details from unread pages.",
	)
	return strings.Join(lines, "\n")
}

// DiagnosticRow is one line of the per-page diagnostics table.
type DiagnosticRow struct {
	Page          int    `json:"page"`
	Source        string `json:"source"`
	OCRConfidence string `json:"ocr_confidence"`
	Images        int    `json:"images"`
	Vectors       int    `json:"vectors"`
	TextChars     int    `json:"text_chars"`
}

func (r Report) Diagnostics() []DiagnosticRow {
	rows := make([]DiagnosticRow, 0, len(r.Entries))
	for _, e := range r.Entries {
		row := DiagnosticRow{Page: e.Page, OCRConfidence: "—", Images: e.ImageCount, Vectors: e.VectorCount, TextChars: e.TextChars}
		switch e.Status {
		case StatusText:
			row.Source = "Text"
		case StatusOCR:
			row.Source = "OCR"
		default:
			row.Source = "No text"
		}
		if e.OCRConfidence != nil {
			row.OCRConfidence = strconv.FormatFloat(*e.OCRConfidence, 'f', 1, 64)
		}
		rows = append(rows, row)
	}
	return rows
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ", ")
}
