package grading

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gradeflow/internal/providers"
	"gradeflow/internal/review"
)

// Examiner issues reviewer calls for one rubric.
type Examiner struct {
	llm       providers.LLMProvider
	rubric    review.Rubric
	maxTokens int
	logger    logrus.FieldLogger
}

func NewExaminer(llm providers.LLMProvider, rubric review.Rubric, logger logrus.FieldLogger) *Examiner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Examiner{llm: llm, rubric: rubric, maxTokens: 8000, logger: logger}
}

func (e *Examiner) Rubric() review.Rubric { return e.rubric }

// Run produces one examiner report. A report that fails parsing comes back
// as *review.MalformedReport, not as an error.
func (e *Examiner) Run(ctx context.Context, role review.Role, b *Bundle) (review.Parsed, error) {
	if role != review.Examiner1 && role != review.Examiner2 {
		return nil, fmt.Errorf("run examiner: %q is not an examiner role", role)
	}
	return e.call(ctx, role, review.ExaminerPrompt(role, b.Review(e.rubric)), b)
}

// Moderate reconciles two examiner reports. The moderator's copy of each
// examiner mark is checked against the reports it was given.
func (e *Examiner) Moderate(ctx context.Context, b *Bundle, r1, r2 review.Parsed) (review.Parsed, error) {
	if r1 == nil || r2 == nil {
		return nil, review.ErrIncompleteAdjudicationInput
	}
	prompt := review.ModeratorPrompt(b.Review(e.rubric), r1.RawText(), r2.RawText())
	out, err := e.call(ctx, review.Moderator, prompt, b)
	if err != nil {
		return nil, err
	}
	if p, ok := out.(*review.ParsedReport); ok && p.Verdict != nil {
		ws := crossCheck(p, r1, r2)
		p.Warnings = append(p.Warnings, ws...)
		p.Verdict.Warnings = append(p.Verdict.Warnings, ws...)
	}
	return out, nil
}

func (e *Examiner) call(ctx context.Context, role review.Role, prompt string, b *Bundle) (review.Parsed, error) {
	resp, info, err := e.llm.Generate(ctx, providers.GenerateRequest{
		Operation: string(role),
		System:    review.System(role),
		Prompt:    prompt,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	parsed := review.ParseReport(resp.Text, role, e.rubric, b.Known)
	log := e.logger.WithFields(logrus.Fields{"role": role, "provider": info.Name, "model": info.Model})
	switch p := parsed.(type) {
	case *review.MalformedReport:
		log.WithField("reason", p.Reason).Warn("report malformed")
	case *review.ParsedReport:
		log.WithFields(logrus.Fields{"total": p.Report.Total, "citations_ok": p.Citation.OK}).Info("report parsed")
	}
	return parsed, nil
}

func crossCheck(mod *review.ParsedReport, r1, r2 review.Parsed) []string {
	if mod.Verdict == nil {
		return nil
	}
	marks := func(p review.Parsed) map[string]int {
		out := map[string]int{}
		if pr, ok := p.(*review.ParsedReport); ok {
			for _, c := range pr.Report.Criteria {
				out[c.Criterion] = c.Mark
			}
		}
		return out
	}
	m1, m2 := marks(r1), marks(r2)
	var warnings []string
	for _, fm := range mod.Verdict.Criteria {
		if got, ok := m1[fm.Criterion]; ok && got != fm.Examiner1 {
			warnings = append(warnings, fmt.Sprintf("Moderator lists Examiner 1 mark %d for %q; the report says %d.", fm.Examiner1, fm.Criterion, got))
		}
		if got, ok := m2[fm.Criterion]; ok && got != fm.Examiner2 {
			warnings = append(warnings, fmt.Sprintf("Moderator lists Examiner 2 mark %d for %q; the report says %d.", fm.Examiner2, fm.Criterion, got))
		}
	}
	return warnings
}
