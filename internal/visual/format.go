package visual

import (
	"fmt"
	"strings"

	"gradeflow/internal/models"
)

const (
	SummaryHeading  = "Visual analysis summary"
	TagUnverified   = "[hint, unverified]"
	TagCorroborated = "[hint, caption-corroborated]"
	FormatWarning   = "Format warning: non-compliant output adjusted."
)

// Format renders analyses for a reviewer prompt. Non-compliant answers are
// listed but their content is withheld; repaired ones carry a format warning.
func Format(analyses []models.VisualAnalysis) string {
	var lines []string
	for _, a := range analyses {
		head := fmt.Sprintf("- Page %d | %s", a.Page, a.Name)
		if a.Label != "" {
			head += " | " + a.Label
		}
		switch a.Status {
		case models.VisualAnalyzed:
			if !a.Compliant {
				lines = append(lines, head+": [excluded] output did not follow the required format.")
				continue
			}
			tag := TagUnverified
			if a.Verified {
				tag = TagCorroborated
			}
			lines = append(lines, head+" "+tag+":")
			for _, l := range strings.Split(Lines(a.Fields), "\n") {
				lines = append(lines, "  "+l)
			}
			if a.FormatWarning != "" {
				lines = append(lines, "  "+FormatWarning)
			}
		case models.VisualNotRendered:
			lines = append(lines, head+": Vector graphic detected but not rendered for vision analysis.")
		case models.VisualFailed:
			lines = append(lines, head+": Analysis failed after retries.")
		}
	}
	if len(lines) == 0 {
		return SummaryHeading + ": None available."
	}
	return SummaryHeading + " (vision model, hints only, never cite as evidence):\n" + strings.Join(lines, "\n")
}

// NonCompliant lists analyses whose output stayed outside the schema.
func NonCompliant(analyses []models.VisualAnalysis) []models.VisualAnalysis {
	var out []models.VisualAnalysis
	for _, a := range analyses {
		if a.Status == models.VisualAnalyzed && !a.Compliant {
			out = append(out, a)
		}
	}
	return out
}
