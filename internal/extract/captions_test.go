package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gradeflow/internal/models"
)

func TestNormalizeLabel(t *testing.T) {
	require.Equal(t, "Figure 2a", NormalizeLabel("Fig.", "2A"))
	require.Equal(t, "Figure 10", NormalizeLabel("FIGURE", "10"))
	require.Equal(t, "Table 3", NormalizeLabel("table", "3"))
}

func TestFindLabelsKeepsVerbatimMention(t *testing.T) {
	got := FindLabels("As Figure 2a shows, and fig. 3 and TABLE 1 confirm.")
	require.Equal(t, []LabelMention{
		{Label: "Figure 2a", Mention: "Figure 2a"},
		{Label: "Figure 3", Mention: "fig. 3"},
		{Label: "Table 1", Mention: "TABLE 1"},
	}, got)
}

func TestFindCaptionsOnlyMatchesLineStarts(t *testing.T) {
	caps := FindCaptions("Intro mentions Figure 1 inline\n  Figure 1: Apparatus\nTable 2 - raw data")
	require.Len(t, caps, 2)
	require.Equal(t, "Figure 1", caps[0].Label)
	require.Equal(t, "Figure 1: Apparatus", caps[0].Text)
	require.Equal(t, "Table 2", caps[1].Label)
}

func TestFindUnlabeledMentions(t *testing.T) {
	got := FindUnlabeledMentions("Figure showing the setup\nFigure 3: fine\nTable of contents")
	require.Equal(t, []string{"Figure showing the setup", "Table of contents"}, got)
}

func TestRenderPages(t *testing.T) {
	out := RenderPages([]models.Page{
		{Number: 1, Text: "Native", Method: models.MethodNative},
		{Number: 2, Text: "Scanned", Method: models.MethodOCR},
		{Number: 3, Method: models.MethodNone, NoText: true},
	})
	require.Equal(t, "--- Page 1 ---\nNative\n\n--- Page 2 ---\n[OCR]\nScanned\n\n--- Page 3 ---\n[No extractable text found on this page]", out)
}

func TestRenderPageNeutralizesMarkersInText(t *testing.T) {
	out := RenderPage(models.Page{Number: 2, Method: models.MethodNative,
		Text: "Intro\n --- page 40 --- \n[CHUNK 9 | Pages 100-120 SUMMARY]\nSee Page 3."})
	require.Equal(t, "--- Page 2 ---\nIntro\n-- page 40 --\n(CHUNK 9 | Pages 100-120 SUMMARY)\nSee Page 3.", out)
}
