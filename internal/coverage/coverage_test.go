package coverage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gradeflow/internal/models"
)

func conf(v float64) *float64 { return &v }

func samplePages() []models.Page {
	return []models.Page{
		{Number: 1, Text: "Method. Figure 2a shows the period.", Method: models.MethodNative, ImageCount: 1},
		{Number: 2, Text: "Scanned table", Method: models.MethodOCR, OCRConfidence: conf(87.5)},
		{Number: 3, Text: "Blurry", Method: models.MethodOCR},
		{Number: 4, Method: models.MethodNone, NoText: true, Failure: "ocr failed: timeout"},
		{Number: 5, Text: "Faint scan", Method: models.MethodOCR, OCRConfidence: conf(41), VectorCount: 4},
	}
}

func TestEveryPageAppearsExactlyOnce(t *testing.T) {
	r := Build(samplePages(), nil, Options{})
	require.Len(t, r.Entries, 5)
	for i, e := range r.Entries {
		require.Equal(t, i+1, e.Page)
	}
}

func TestOCRConfidenceFlags(t *testing.T) {
	r := Build(samplePages(), nil, Options{LowConfidence: 60})

	require.Equal(t, StatusOCR, r.Entries[1].Status)
	require.Empty(t, r.Entries[1].Flags, "87.5 is above the threshold")

	require.True(t, r.Entries[2].Has(FlagConfidenceUnknown))
	require.False(t, r.Entries[2].Has(FlagLowConfidence))

	require.True(t, r.Entries[3].Has(FlagNoText))
	require.True(t, r.Entries[3].Has(FlagOCRFailed))

	require.True(t, r.Entries[4].Has(FlagLowConfidence))
	require.False(t, r.Entries[4].Has(FlagConfidenceUnknown))
}

func TestWarningsUseFixedWording(t *testing.T) {
	r := Build(samplePages(), nil, Options{})
	require.Equal(t, []string{
		"1 of 5 pages have no extractable text (4).",
		"Low OCR confidence detected on pages: 5.",
		"OCR confidence unavailable on pages: 3 (OCR quality unknown).",
		"OCR failed after retries on pages: 4.",
	}, r.Warnings)
}

func TestLittleTextWarning(t *testing.T) {
	pages := []models.Page{
		{Number: 1, NoText: true}, {Number: 2, NoText: true}, {Number: 3, NoText: true}, {Number: 4, Text: "x"},
	}
	r := Build(pages, nil, Options{})
	require.Contains(t, r.Warnings, "Document appears to have little extractable text (possibly scanned). Marking quality may suffer.")
}

func TestTextOnlyLabelScenario(t *testing.T) {
	pages := []models.Page{
		{Number: 1, Text: "Intro", Method: models.MethodNative},
		{Number: 2, Text: "As Figure 2a shows, the period grows. Figure 2a again.", Method: models.MethodNative},
	}
	visuals := []models.ExtractedVisual{{Index: 0, Page: 2, Kind: models.VisualRaster, Label: "Figure 1", Caption: "Figure 1: setup"}}
	r := Build(pages, visuals, Options{})
	require.Equal(t, []UnresolvedReference{{Page: 2, Label: "Figure 2a", Mention: "Figure 2a", Direction: TextOnly}}, r.Unresolved)
	for _, u := range r.Unresolved {
		if u.Direction == TextOnly {
			require.True(t, strings.Contains(pages[u.Page-1].Text, u.Mention))
		}
	}
}

func TestVisualOnlyEntries(t *testing.T) {
	pages := []models.Page{{Number: 1, Text: "No labels here", Method: models.MethodNative}}
	visuals := []models.ExtractedVisual{{Index: 0, Page: 1, Kind: models.VisualVector, Position: models.Position{Hint: "page 1 region 1,2-3,4"}}}
	r := Build(pages, visuals, Options{})
	require.Equal(t, []UnresolvedReference{{Page: 1, Label: "Visual 1 (page 1 region 1,2-3,4)", Direction: VisualOnly}}, r.Unresolved)
	require.Equal(t, 1, r.VectorVisuals)
}

func TestFormatIsDeterministicAndComplete(t *testing.T) {
	visuals := []models.ExtractedVisual{{Index: 0, Page: 1, Kind: models.VisualRaster, Label: "Figure 2a", Caption: "Figure 2a: x"}}
	a := Build(samplePages(), visuals, Options{}).Format()
	b := Build(samplePages(), visuals, Options{}).Format()
	require.Equal(t, a, b)

	require.True(t, strings.HasPrefix(a, "Content coverage report (auto-generated):\n- Total pages: 5\n- Pages with selectable text: 1\n- Pages with OCR text: 3\n- Pages with no extractable text: 1\n"))
	require.Contains(t, a, "- OCR pages: 2, 3, 5")
	require.Contains(t, a, "- Low OCR confidence pages (<60): 5")
	require.Contains(t, a, "- OCR confidence missing on pages: 3")
	require.Contains(t, a, "- Image pages: 1")
	require.Contains(t, a, "- Vector-graphic pages: 5")
	require.Contains(t, a, "- Extracted visuals with caption matches: 1")
	require.True(t, strings.HasSuffix(a, "Use this report to flag missing/unreadable evidence. Do not invent details from unread pages."))
}

func TestFormatCapsUnlabeledMentions(t *testing.T) {
	var lines []string
	for i := 0; i < 7; i++ {
		lines = append(lines, "Figure showing something")
	}
	r := Build([]models.Page{{Number: 1, Text: strings.Join(lines, "\n"), Method: models.MethodNative}}, nil, Options{})
	out := r.Format()
	require.Equal(t, 5, strings.Count(out, "  - Figure showing something"))
	require.Contains(t, out, "  - ...and 2 more")
}

func TestWithGapsDoesNotMutateOriginal(t *testing.T) {
	r := Build(samplePages(), nil, Options{})
	before := r.Format()
	g := r.WithGaps(Gap{Unit: "digest-chunk", Ref: "3", Reason: "timeout"})
	require.Equal(t, before, r.Format())
	require.Empty(t, r.Gaps)
	require.Len(t, g.Gaps, 1)
	require.Contains(t, g.Format(), "  - digest-chunk 3: timeout")
	require.Contains(t, g.Warnings, "Processing gap (digest-chunk 3): timeout.")
}

func TestDiagnosticsRows(t *testing.T) {
	rows := Build(samplePages(), nil, Options{}).Diagnostics()
	require.Equal(t, DiagnosticRow{Page: 2, Source: "OCR", OCRConfidence: "87.5", TextChars: 13}, rows[1])
	require.Equal(t, "—", rows[0].OCRConfidence)
	require.Equal(t, "No text", rows[3].Source)
}

func TestCacheReturnsIdenticalReports(t *testing.T) {
	c := NewCache(time.Hour)
	first := c.Get("doc-a", samplePages(), nil, Options{})
	second := c.Get("doc-a", nil, nil, Options{})
	require.Equal(t, first.Format(), second.Format())

	other := c.Get("doc-b", nil, nil, Options{})
	require.Empty(t, other.Entries)

	c.Forget("doc-a")
	require.Empty(t, c.Get("doc-a", nil, nil, Options{}).Entries)
}

func TestCacheKeysOnLowConfidenceThreshold(t *testing.T) {
	c := NewCache(time.Hour)
	strict := c.Get("doc-a", samplePages(), nil, Options{LowConfidence: 95})
	lenient := c.Get("doc-a", samplePages(), nil, Options{LowConfidence: 50})

	require.Equal(t, Build(samplePages(), nil, Options{LowConfidence: 95}).Format(), strict.Format())
	require.Equal(t, Build(samplePages(), nil, Options{LowConfidence: 50}).Format(), lenient.Format())
	require.NotEqual(t, strict.Format(), lenient.Format())
	require.Equal(t, 2, c.Len())

	c.Forget("doc-a")
	require.Equal(t, 0, c.Len())
}

func TestCacheExpiresReports(t *testing.T) {
	c := NewCache(time.Hour)
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	first := c.Get("doc-a", samplePages(), nil, Options{})
	clock = clock.Add(59 * time.Minute)
	require.Equal(t, first.Format(), c.Get("doc-a", nil, nil, Options{}).Format())

	clock = clock.Add(2 * time.Minute)
	require.Empty(t, c.Get("doc-a", nil, nil, Options{}).Entries)

	clock = clock.Add(2 * time.Hour)
	c.Get("doc-b", nil, nil, Options{})
	require.Equal(t, 1, c.Len())
}
