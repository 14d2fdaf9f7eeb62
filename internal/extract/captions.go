package extract

import (
	"regexp"
	"strings"
)

var (
	captionRe = regexp.MustCompile(`(?i)^(Figure|Fig\.|Table)\s*(\d+[A-Za-z]?)\b`)
	labelRe   = regexp.MustCompile(`(?i)\b(Figure|Fig\.|Table)\s*(\d+[A-Za-z]?)\b`)
	looseRe   = regexp.MustCompile(`(?i)^(Figure|Fig\.|Table)\b`)
)

// LabelMention is one figure/table label found in page text. Mention is the
// verbatim span as it appears in the text.
type LabelMention struct {
	Label   string
	Mention string
}

// NormalizeLabel maps "fig.", "FIGURE" and friends onto "Figure"/"Table" and
// lower-cases the alphanumeric suffix: ("Fig.", "2A") -> "Figure 2a".
func NormalizeLabel(kind, number string) string {
	k := "Table"
	if strings.HasPrefix(strings.ToLower(kind), "fig") {
		k = "Figure"
	}
	return k + " " + strings.ToLower(number)
}

// FindLabels returns every label mentioned in text in order of appearance.
func FindLabels(text string) []LabelMention {
	var out []LabelMention
	for _, m := range labelRe.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, LabelMention{
			Label:   NormalizeLabel(text[m[2]:m[3]], text[m[4]:m[5]]),
			Mention: text[m[0]:m[1]],
		})
	}
	return out
}

type Caption struct {
	Label string
	Text  string
}

// FindCaptions returns lines that start with a caption prefix and a number.
func FindCaptions(text string) []Caption {
	var out []Caption
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := captionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Caption{Label: NormalizeLabel(m[1], m[2]), Text: line})
	}
	return out
}

// FindUnlabeledMentions returns lines that start like a caption but carry no
// number, e.g. "Figure showing the setup".
func FindUnlabeledMentions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || captionRe.MatchString(line) {
			continue
		}
		if looseRe.MatchString(line) && !labelRe.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}
