// Package visual asks a vision model to describe extracted visuals in a fixed
// five-line schema. Every result is a hint: it is never citable evidence.
package visual

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gradeflow/internal/config"
	"gradeflow/internal/coverage"
	"gradeflow/internal/injection"
	"gradeflow/internal/models"
	"gradeflow/internal/providers"
	"gradeflow/internal/regen"
)

const Operation = "visual_analysis"

func PolicyFromConfig(cfg config.Config) Policy {
	p := DefaultPolicy()
	p.MaxTotal = cfg.VisualMaxTotal
	p.MaxUncaptioned = cfg.VisualMaxUncaptioned
	p.Concurrency = cfg.VisualConcurrency
	return p
}

type Analyzer struct {
	vision providers.VisionProvider
	rules  *injection.RuleSet
	policy Policy
	logger logrus.FieldLogger
}

// NewAnalyzer takes the vision backend, normally a *providers.Caller so that
// calls are paced, timed out and retried.
func NewAnalyzer(vision providers.VisionProvider, rules *injection.RuleSet, policy Policy, logger logrus.FieldLogger) *Analyzer {
	if rules == nil {
		rules = injection.Default()
	}
	if policy.Concurrency <= 0 {
		policy.Concurrency = 1
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 2
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Analyzer{vision: vision, rules: rules, policy: policy, logger: logger}
}

type Result struct {
	Analyses []models.VisualAnalysis `json:"analyses"`
	Gaps     []coverage.Gap          `json:"gaps,omitempty"`
	// Redactions lists injection phrases removed from captions.
	Redactions []injection.Match `json:"redactions,omitempty"`
}

// Analyze returns one entry per input visual, in input order. A visual whose
// call fails after retries is recorded as a gap; the others are kept.
func (a *Analyzer) Analyze(ctx context.Context, visuals []models.ExtractedVisual) (Result, error) {
	out := make([]models.VisualAnalysis, len(visuals))
	for i, v := range visuals {
		out[i] = models.VisualAnalysis{
			VisualIndex: v.Index, Page: v.Page, Name: v.Name, Kind: v.Kind, Label: v.Label,
			Status: models.VisualSkipped,
		}
	}
	redactions := make([][]injection.Match, len(visuals))
	gaps := make([]*coverage.Gap, len(visuals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.policy.Concurrency)
	for _, i := range Select(visuals, a.policy) {
		v := visuals[i]
		if len(v.Data) == 0 {
			out[i].Status = models.VisualNotRendered
			continue
		}
		i := i
		g.Go(func() error {
			res, matches, err := a.analyzeOne(gctx, v)
			redactions[i] = matches
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.WithError(err).WithFields(logrus.Fields{"page": v.Page, "visual": v.Name}).Warn("visual analysis failed")
				out[i].Status = models.VisualFailed
				out[i].Attempts = res.Attempts
				out[i].Error = err.Error()
				gaps[i] = &coverage.Gap{Unit: "visual", Ref: coverage.VisualID(v), Reason: err.Error()}
				return nil
			}
			out[i].Status = models.VisualAnalyzed
			out[i].Fields = res.Value.Fields
			out[i].Attempts = res.Attempts
			out[i].Compliant = res.Outcome == regen.Accepted
			out[i].Verified = out[i].Compliant && v.Captioned()
			switch {
			case !out[i].Compliant:
				out[i].Error = "non-compliant output: " + res.Reason
			case res.Value.Repaired:
				out[i].FormatWarning = res.Value.Reason
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("analyze visuals: %w", err)
	}

	res := Result{Analyses: out}
	for i := range visuals {
		if gaps[i] != nil {
			res.Gaps = append(res.Gaps, *gaps[i])
		}
		res.Redactions = append(res.Redactions, redactions[i]...)
	}
	return res, nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, v models.ExtractedVisual) (regen.Result[Sanitized], []injection.Match, error) {
	var matches []injection.Match
	loop := regen.Loop[Sanitized]{
		MaxAttempts: a.policy.Attempts,
		Generate: func(ctx context.Context, attempt int, reason string) (Sanitized, error) {
			prompt, m := BuildPrompt(v, a.rules, reason)
			matches = m
			resp, _, err := a.vision.Describe(ctx, providers.VisionRequest{
				Operation: Operation,
				Prompt:    prompt,
				Image:     v.Data,
				Format:    v.Format,
				MaxTokens: 800,
			})
			if err != nil {
				return Sanitized{}, err
			}
			return Sanitize(resp.Text), nil
		},
		Check: func(s Sanitized) (bool, string) { return s.Compliant, s.Reason },
	}
	res, err := loop.Run(ctx)
	return res, matches, err
}
