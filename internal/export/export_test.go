package export

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"gradeflow/internal/coverage"
	"gradeflow/internal/grading"
	"gradeflow/internal/models"
	"gradeflow/internal/review"
)

func examiner(role review.Role, marks ...int) grading.StageResult {
	names := []string{"Research design", "Analysis"}
	maxes := []int{6, 4}
	rep := models.MarkReport{Role: string(role)}
	for i, m := range marks {
		rep.Criteria = append(rep.Criteria, models.CriterionMark{Criterion: names[i], Mark: m, Max: maxes[i]})
	}
	return grading.StageResult{Role: role, Report: &review.ParsedReport{Report: rep}}
}

func bundle() *grading.Bundle {
	pages := []models.Page{
		{Number: 1, Text: "Intro mentions Figure 2", Method: models.MethodNative},
		{Number: 2, Method: models.MethodNone, NoText: true},
	}
	rep := coverage.Build(pages, nil, coverage.Options{}).WithGaps(coverage.Gap{Unit: "visual", Ref: "page 2 Im1", Reason: "timeout"})
	return &grading.Bundle{Key: "doc-1", Pages: pages, Coverage: rep}
}

func open(t *testing.T, b []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestGradeXLSX_WithVerdict(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mod := grading.StageResult{Role: review.Moderator, Report: &review.ParsedReport{
		Verdict: &models.AdjudicatedVerdict{Criteria: []models.FinalMark{
			{Criterion: "Research design", Final: 4, Max: 6, Examiner1: 3, Examiner2: 5, Rationale: "split the difference"},
			{Criterion: "Analysis", Final: 2, Max: 4, Examiner1: 2, Examiner2: 2, Ungrounded: true},
		}},
	}}
	stages := []grading.StageResult{examiner(review.Examiner1, 3, 2), examiner(review.Examiner2, 5, 2), mod}

	out, err := NewService(logger).GradeXLSX(bundle(), stages)
	require.NoError(t, err)
	f := open(t, out)

	rows, err := f.GetRows(SheetMarks)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Criterion", "Max", "Examiner 1", "Examiner 2", "Final", "Ungrounded", "Rationale"}, rows[0])
	assert.Equal(t, []string{"Research design", "6", "3", "5", "4", "", "split the difference"}, rows[1])
	assert.Equal(t, "yes", rows[2][5])
	assert.Equal(t, []string{"Total", "10", "", "", "6"}, rows[3][:5])

	diag, err := f.GetRows(SheetDiagnostics)
	require.NoError(t, err)
	require.Len(t, diag, 3)
	assert.Equal(t, "No text", diag[2][1])

	cov, err := f.GetRows(SheetCoverage)
	require.NoError(t, err)
	var kinds []string
	for _, r := range cov[1:] {
		kinds = append(kinds, r[0])
	}
	assert.Contains(t, kinds, "gap: visual")
	assert.Contains(t, kinds, string(coverage.TextOnly))

	assert.Equal(t, -1, mustIndex(f, "Sheet1"))
}

func TestGradeXLSX_WithoutModerator(t *testing.T) {
	logger, _ := test.NewNullLogger()
	stages := []grading.StageResult{
		examiner(review.Examiner1, 3, 2),
		grading.NewStageResult(review.Examiner2, nil, errors.New("timeout")),
	}
	out, err := NewService(logger).GradeXLSX(bundle(), stages)
	require.NoError(t, err)
	f := open(t, out)

	rows, err := f.GetRows(SheetMarks)
	require.NoError(t, err)
	require.Len(t, rows, 3, "no total row without final marks")

	warnings, err := f.GetRows(SheetWarnings)
	require.NoError(t, err)
	last := warnings[len(warnings)-1]
	assert.Equal(t, []string{"Examiner 2", "Examiner 2 failed: timeout"}, last)
}

func mustIndex(f *excelize.File, name string) int {
	i, _ := f.GetSheetIndex(name)
	return i
}
