// Package export renders a graded run as an XLSX workbook.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"gradeflow/internal/grading"
	"gradeflow/internal/review"
)

const (
	SheetMarks       = "Marks"
	SheetDiagnostics = "Diagnostics"
	SheetCoverage    = "Coverage"
	SheetWarnings    = "Warnings"
)

type Service struct {
	logger logrus.FieldLogger
}

func NewService(logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{logger: logger}
}

type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
}

func newSheet(f *excelize.File, name string, headers ...string) (*sheetWriter, error) {
	if index, _ := f.GetSheetIndex(name); index == -1 {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	w := &sheetWriter{f: f, sheet: name, row: 1}
	w.write(toAny(headers)...)
	return w, nil
}

func (w *sheetWriter) write(values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, w.row)
		_ = w.f.SetCellValue(w.sheet, cell, v)
	}
	w.row++
}

func toAny(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// GradeXLSX returns the workbook bytes for one document. stages may hold any
// subset of the reviewer stages.
func (s *Service) GradeXLSX(b *grading.Bundle, stages []grading.StageResult) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	marks, err := newSheet(f, SheetMarks, "Criterion", "Max", "Examiner 1", "Examiner 2", "Final", "Ungrounded", "Rationale")
	if err != nil {
		return nil, err
	}
	for _, row := range markRows(stages) {
		marks.write(row...)
	}
	_ = f.SetColWidth(SheetMarks, "A", "A", 32)
	_ = f.SetColWidth(SheetMarks, "G", "G", 80)

	diag, err := newSheet(f, SheetDiagnostics, "Page", "Source", "OCR confidence", "Images", "Vectors", "Text chars")
	if err != nil {
		return nil, err
	}
	for _, d := range b.Coverage.Diagnostics() {
		diag.write(d.Page, d.Source, d.OCRConfidence, d.Images, d.Vectors, d.TextChars)
	}

	cov, err := newSheet(f, SheetCoverage, "Kind", "Page", "Reference", "Detail")
	if err != nil {
		return nil, err
	}
	for _, e := range b.Coverage.Entries {
		if len(e.Flags) == 0 {
			continue
		}
		flags := make([]string, len(e.Flags))
		for i, fl := range e.Flags {
			flags[i] = string(fl)
		}
		cov.write("page", e.Page, strings.Join(flags, ", "), e.Reason)
	}
	for _, u := range b.Coverage.Unresolved {
		cov.write(string(u.Direction), u.Page, u.Label, u.Mention)
	}
	for _, g := range b.Coverage.Gaps {
		cov.write("gap: "+g.Unit, "", g.Ref, g.Reason)
	}
	for _, in := range b.Injections {
		cov.write("injection: "+in.RuleID, in.Page, in.Snippet, "redacted")
	}
	_ = f.SetColWidth(SheetCoverage, "C", "D", 48)

	warn, err := newSheet(f, SheetWarnings, "Source", "Warning")
	if err != nil {
		return nil, err
	}
	for _, w := range b.AllWarnings() {
		warn.write("document", w)
	}
	for _, st := range stages {
		for _, w := range st.Warnings() {
			warn.write(st.Role.Title(), w)
		}
	}
	_ = f.SetColWidth(SheetWarnings, "B", "B", 100)

	if index, _ := f.GetSheetIndex(SheetMarks); index >= 0 {
		f.SetActiveSheet(index)
	}
	_ = f.DeleteSheet("Sheet1")

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"document":   b.Key,
		"stages":     len(stages),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("export xlsx ok")
	return buf.Bytes(), nil
}

type markRow struct {
	max        int
	e1, e2     any
	final      any
	ungrounded string
	rationale  string
}

// markRows prefers the moderator's verdict and falls back to whatever the
// examiners produced.
func markRows(stages []grading.StageResult) [][]any {
	rows := map[string]*markRow{}
	var order []string
	get := func(name string) *markRow {
		if r, ok := rows[name]; ok {
			return r
		}
		r := &markRow{e1: "", e2: "", final: ""}
		rows[name] = r
		order = append(order, name)
		return r
	}
	for _, st := range stages {
		if st.Report == nil {
			continue
		}
		switch st.Role {
		case review.Examiner1, review.Examiner2:
			for _, c := range st.Report.Report.Criteria {
				r := get(c.Criterion)
				r.max = c.Max
				if st.Role == review.Examiner1 {
					r.e1 = c.Mark
				} else {
					r.e2 = c.Mark
				}
			}
		case review.Moderator:
			if st.Report.Verdict == nil {
				continue
			}
			for _, fm := range st.Report.Verdict.Criteria {
				r := get(fm.Criterion)
				r.max, r.final, r.rationale = fm.Max, fm.Final, fm.Rationale
				if fm.Ungrounded {
					r.ungrounded = "yes"
				}
			}
		}
	}
	out := make([][]any, 0, len(order)+1)
	total, maxTotal, complete := 0, 0, true
	for _, name := range order {
		r := rows[name]
		out = append(out, []any{name, r.max, r.e1, r.e2, r.final, r.ungrounded, r.rationale})
		maxTotal += r.max
		if v, ok := r.final.(int); ok {
			total += v
		} else {
			complete = false
		}
	}
	if len(order) > 0 && complete {
		out = append(out, []any{"Total", maxTotal, "", "", total, "", ""})
	}
	return out
}
