package review

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradeflow/internal/citation"
	"gradeflow/internal/providers"
	"gradeflow/internal/util"
)

const testRubric = `# Criteria
Marked out of 10.

## Research design (max 6)
- 0: No design
- 1-2: Limited design
- 3-4: Partial design
- 5-6: Full design

## Analysis (max 4)
- 0: None
- 1-2: Limited analysis
- 3-4: Thorough analysis
`

const testEvidence = "--- Page 1 ---\nIntro\n\n--- Page 2 ---\nMethod\n\n--- Page 3 ---\n[OCR]\nResults"

const examinerReport = `## Criterion: Research design
- Mark: 4/6
- Markband: 3-4
- Descriptor: Partial design
- Evidence:
  - Page 2: the method lists variables
  - Visual analysis hint (uncited): graph on Page 3 shows a trend
  - Page 9: invented
  - Coverage report: page 3 used OCR
- Descriptor clauses:
  - variables identified [evidenced]
  - controls justified [not evidenced]
- Data-processing checks: none
- Improvements:
  - justify controls

## Criterion: Analysis
- Mark: 3/4
- Markband: 3-4
- Descriptor: Thorough analysis
- Evidence:
  - Pages 2-3: uncertainty propagated

## Summary
| Criterion | Mark |
|---|---|
| Research design | 4/6 |
| Analysis | 3/4 |
| Total | 7/10 |

## Visuals inventory
- Figure 1 on Page 3.

## Red flags
- Page 9 cited but absent.
`

func mustRubric(t *testing.T) Rubric {
	t.Helper()
	r, err := ParseRubric(testRubric)
	require.NoError(t, err)
	return r
}

func known() citation.Locations {
	return citation.LocationsFromEvidence(testEvidence)
}

func TestParseRubric(t *testing.T) {
	r := mustRubric(t)
	require.Len(t, r.Criteria, 2)
	assert.Equal(t, "Research design", r.Criteria[0].Name)
	assert.Equal(t, 6, r.Criteria[0].Max)
	require.Len(t, r.Criteria[0].Bands, 4)
	assert.Equal(t, 0, r.Criteria[0].Bands[0].Hi)
	assert.Equal(t, "Partial design", r.Criteria[0].Bands[2].Descriptor)
	assert.Equal(t, 10, r.MaxTotal())

	c, ok := r.Criterion("analysis")
	require.True(t, ok)
	assert.Equal(t, 4, c.Max)

	assert.True(t, strings.HasPrefix(r.Format(), "## Research design (max 6)\n- 0: No design\n- 1-2: Limited design\n"))
}

func TestParseRubric_Errors(t *testing.T) {
	_, err := ParseRubric("  ")
	require.ErrorIs(t, err, util.ErrRubricMissing)

	_, err = ParseRubric("# Just a title\nSome prose.")
	require.ErrorIs(t, err, util.ErrRubricMissing)

	_, err = ParseRubric("## A (max 4)\n- 3-6: too high")
	require.ErrorContains(t, err, "outside 0-4")

	_, err = ParseRubric("## A (max 4)\nno bands here")
	require.ErrorContains(t, err, "no markbands")
}

func TestLoadRubric(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rubric.md")
	require.NoError(t, os.WriteFile(path, []byte(testRubric), 0o644))
	r, err := LoadRubric(path)
	require.NoError(t, err)
	assert.Equal(t, 10, r.MaxTotal())

	_, err = LoadRubric(filepath.Join(t.TempDir(), "missing.md"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseReport_Examiner(t *testing.T) {
	parsed := ParseReport(examinerReport, Examiner1, mustRubric(t), known())
	p, ok := parsed.(*ParsedReport)
	require.True(t, ok, "got %#v", parsed)

	rep := p.Report
	assert.Equal(t, "examiner1", rep.Role)
	assert.Equal(t, 7, rep.Total)
	assert.Equal(t, 10, rep.MaxTotal)
	require.Len(t, rep.Criteria, 2)

	design := rep.Criteria[0]
	assert.Equal(t, 4, design.Mark)
	assert.Equal(t, "Partial design", design.Descriptor)
	require.Len(t, design.Evidence, 2)
	assert.Equal(t, "Page 2", design.Evidence[0].Location)
	assert.Equal(t, "the method lists variables", design.Evidence[0].Quote)
	assert.True(t, design.Evidence[0].Verified)
	assert.Equal(t, CoverageLocation, design.Evidence[1].Location)
	assert.Equal(t, "page 3 used OCR", design.Evidence[1].Quote)
	assert.Equal(t, []string{
		"Visual analysis hint (uncited): graph on Page 3 shows a trend",
		"Page 9: invented",
	}, design.UnverifiedHints)
	require.Len(t, design.Clauses, 2)
	assert.True(t, design.Clauses[0].Evidenced)
	assert.Equal(t, "controls justified", design.Clauses[1].Clause)
	assert.False(t, design.Clauses[1].Evidenced)
	assert.Equal(t, []string{"none"}, design.Checks)
	assert.Equal(t, []string{"justify controls"}, design.Improvements)

	assert.Equal(t, "Pages 2-3", rep.Criteria[1].Evidence[0].Location)
	assert.Equal(t, []string{"Page 9 cited but absent."}, rep.RedFlags)
	assert.Equal(t, "- Figure 1 on Page 3.", p.VisualsInventory)

	assert.False(t, p.Citation.OK)
	require.NotEmpty(t, p.Citation.Offending)
	assert.Equal(t, "Page 9", p.Citation.Offending[0].Claim.Text)
	assert.Contains(t, p.Warnings, `Criterion "Research design": 2 evidence item(s) moved to unverified hints.`)
	assert.Nil(t, p.Verdict)
}

func TestParseReport_HintNeverInEvidence(t *testing.T) {
	p := ParseReport(examinerReport, Examiner2, mustRubric(t), known()).(*ParsedReport)
	for _, c := range p.Report.Criteria {
		for _, e := range c.Evidence {
			assert.NotContains(t, strings.ToLower(e.Quote), "visual analysis")
			assert.NotEqual(t, "Page 9", e.Location)
		}
	}
}

func TestParseReport_SummaryTotalMismatchWarns(t *testing.T) {
	raw := strings.Replace(examinerReport, "| Total | 7/10 |", "| Total | 8/10 |", 1)
	p := ParseReport(raw, Examiner1, mustRubric(t), known()).(*ParsedReport)
	assert.Contains(t, p.Warnings, "Summary total 8/10 does not match criterion marks 7/10.")
}

func TestParseReport_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		from   string
		to     string
		reason string
	}{
		{"mark outside band", "- Mark: 4/6", "- Mark: 5/6", `criterion "Research design": mark 5 outside markband 3-4`},
		{"band not in rubric", "- Markband: 3-4\n- Descriptor: Partial", "- Markband: 2-4\n- Descriptor: Partial", "markband 2-4 is not a rubric band"},
		{"fractional mark", "- Mark: 4/6", "- Mark: 3.5/6", "schema"},
		{"word mark", "- Mark: 4/6", "- Mark: four/6", `mark "four" is not a number`},
		{"max mismatch", "- Mark: 4/6", "- Mark: 4/8", "max 8 does not match rubric max 6"},
		{"unknown criterion", "## Criterion: Analysis", "## Criterion: Style", `criterion "Style" is not in the rubric`},
		{"missing markband", "- Markband: 3-4\n- Descriptor: Thorough", "- Descriptor: Thorough", `criterion "Analysis": missing "- Markband:"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := strings.Replace(examinerReport, tc.from, tc.to, 1)
			require.NotEqual(t, examinerReport, raw)
			m, ok := ParseReport(raw, Examiner1, mustRubric(t), known()).(*MalformedReport)
			require.True(t, ok)
			assert.Contains(t, m.Reason, tc.reason)
			assert.Equal(t, raw, m.RawText())
		})
	}
}

func TestParseReport_MissingCriterionAndEmpty(t *testing.T) {
	i := strings.Index(examinerReport, "## Criterion: Analysis")
	j := strings.Index(examinerReport, "## Summary")
	raw := examinerReport[:i] + examinerReport[j:]
	m, ok := ParseReport(raw, Examiner1, mustRubric(t), known()).(*MalformedReport)
	require.True(t, ok)
	assert.Contains(t, m.Reason, `criterion "Analysis" missing from report`)

	m, ok = ParseReport("I refuse to mark this.", Examiner1, mustRubric(t), known()).(*MalformedReport)
	require.True(t, ok)
	assert.Contains(t, m.Reason, "no \"## Criterion:\" blocks")
}

const moderatorReport = `## Criterion: Research design
- Mark: 4/6
- Markband: 3-4
- Descriptor: Partial design
- Examiner 1 mark: 4
- Examiner 2 mark: 3
- Rationale: Variables are explicit on Page 2;
  controls are not justified.
- Evidence:
  - Page 2: variables listed

## Criterion: Analysis
- Mark: 3/4
- Markband: 3-4
- Descriptor: Thorough analysis
- Examiner 1 mark: 3
- Examiner 2 mark: 4
- Rationale: Split decision.
- Evidence:
  - Visual analysis hint: the graph looks linear

## Summary
| Total | 7/10 |
`

func TestParseReport_ModeratorVerdict(t *testing.T) {
	p, ok := ParseReport(moderatorReport, Moderator, mustRubric(t), known()).(*ParsedReport)
	require.True(t, ok)
	require.NotNil(t, p.Verdict)
	v := p.Verdict
	require.Len(t, v.Criteria, 2)
	assert.Equal(t, 7, v.Total)

	design := v.Criteria[0]
	assert.Equal(t, 4, design.Final)
	assert.Equal(t, 4, design.Examiner1)
	assert.Equal(t, 3, design.Examiner2)
	assert.Equal(t, "Variables are explicit on Page 2; controls are not justified.", design.Rationale)
	assert.False(t, design.Ungrounded)

	analysis := v.Criteria[1]
	assert.True(t, analysis.Ungrounded)
	assert.Empty(t, analysis.Evidence)
	assert.Contains(t, v.Warnings, `Moderator mark for "Analysis" has no verified evidence citation.`)
	assert.Contains(t, p.Warnings, `Moderator mark for "Analysis" has no verified evidence citation.`)
}

func TestParseReport_ModeratorNeedsExaminerMarks(t *testing.T) {
	raw := strings.Replace(moderatorReport, "- Examiner 2 mark: 3\n", "", 1)
	m, ok := ParseReport(raw, Moderator, mustRubric(t), known()).(*MalformedReport)
	require.True(t, ok)
	assert.Contains(t, m.Reason, "schema")

	// The same text is fine for an examiner role.
	_, ok = ParseReport(raw, Examiner1, mustRubric(t), known()).(*ParsedReport)
	assert.True(t, ok)
}

func TestClassifyEvidence(t *testing.T) {
	k := known()
	c, ok := ClassifyEvidence("Pages 1-2: introduction and method", k)
	require.True(t, ok)
	assert.Equal(t, "Pages 1-2", c.Location)
	assert.Equal(t, "introduction and method", c.Quote)

	_, ok = ClassifyEvidence("Pages 2-5: runs past the end", k)
	assert.False(t, ok)
	_, ok = ClassifyEvidence("The analysis is thorough.", k)
	assert.False(t, ok)
	_, ok = ClassifyEvidence("[hint] Page 3 chart", k)
	assert.False(t, ok)
}

func testBundle(t *testing.T, hints string, digest bool) Bundle {
	return Bundle{
		Rubric:      mustRubric(t),
		Evidence:    testEvidence,
		Coverage:    "Coverage report:\n- Pages with selectable text: 2",
		VisualHints: hints,
		UsedDigest:  digest,
	}
}

func TestExaminerPrompt(t *testing.T) {
	prompt := ExaminerPrompt(Examiner1, testBundle(t, "", false))
	assert.Contains(t, prompt, "## Research design (max 6)")
	assert.Contains(t, prompt, "[DOCUMENT_START]\n"+testEvidence+"\n[DOCUMENT_END]")
	assert.Contains(t, prompt, "Visual analysis summary: Disabled.")
	assert.NotContains(t, prompt, "Digest citation guidance")
	assert.NotContains(t, prompt, "Examiner 1 mark:")
	assert.Equal(t, 1, strings.Count(prompt, PromptQAMarker))
	assert.Equal(t, prompt, ApplyPromptQA(prompt))

	digest := ExaminerPrompt(Examiner2, testBundle(t, "Visual analysis summary (vision model): ...", true))
	assert.Contains(t, digest, "Digest citation guidance")
	assert.Contains(t, digest, "as Examiner 2")

	mod := ModeratorPrompt(testBundle(t, "", false), "REPORT ONE", "REPORT TWO")
	assert.Contains(t, mod, "- Examiner 1 mark: <integer>")
	assert.Contains(t, mod, "# Examiner 1 report (untrusted input)\n[REPORT_START]\nREPORT ONE\n[REPORT_END]")
	assert.Equal(t, 1, strings.Count(mod, PromptQAMarker))

	assert.Contains(t, System(Moderator), "never simply average")
}

func TestApplyPromptQA_OnlyWhenBothSectionsPresent(t *testing.T) {
	assert.Equal(t, "plain prompt", ApplyPromptQA("plain prompt"))
	assert.Equal(t, "Visual analysis summary only", ApplyPromptQA("Visual analysis summary only"))
}

func TestDigestGuidance(t *testing.T) {
	assert.Empty(t, DigestGuidance(false))
	assert.Contains(t, DigestGuidance(true), `"CHUNK 2 | Pages 3-5"`)
}

func TestMockReportsRoundTrip(t *testing.T) {
	mock := providers.NewMockProvider()
	b := testBundle(t, "", false)
	rubric := mustRubric(t)

	resp, _, err := mock.Generate(context.Background(), providers.GenerateRequest{Operation: string(Examiner1), Prompt: ExaminerPrompt(Examiner1, b)})
	require.NoError(t, err)
	p, ok := ParseReport(resp.Text, Examiner1, rubric, known()).(*ParsedReport)
	require.True(t, ok, "%v", ParseReport(resp.Text, Examiner1, rubric, known()))
	assert.True(t, p.Citation.OK)
	assert.Equal(t, 3, p.Report.Criteria[0].Mark)
	assert.Equal(t, 1, p.Report.Criteria[1].Mark)
	assert.Equal(t, "Page 1", p.Report.Criteria[0].Evidence[0].Location)

	resp, _, err = mock.Generate(context.Background(), providers.GenerateRequest{Operation: string(Moderator), Prompt: ModeratorPrompt(b, "r1", "r2")})
	require.NoError(t, err)
	mp, ok := ParseReport(resp.Text, Moderator, rubric, known()).(*ParsedReport)
	require.True(t, ok)
	require.NotNil(t, mp.Verdict)
	assert.Empty(t, mp.Verdict.Warnings)
}
