// Package grading wires extraction output through coverage, redaction,
// digesting and visual analysis into the evidence bundle, then runs the
// examiner and moderator stages over it.
package grading

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gradeflow/internal/citation"
	"gradeflow/internal/config"
	"gradeflow/internal/coverage"
	"gradeflow/internal/digest"
	"gradeflow/internal/extract"
	"gradeflow/internal/injection"
	"gradeflow/internal/models"
	"gradeflow/internal/review"
	"gradeflow/internal/visual"
)

// InjectionFinding is an injection phrase redacted from one page.
type InjectionFinding struct {
	Page int `json:"page"`
	injection.Match
}

// Bundle is everything a reviewer is given, plus the diagnostics behind it.
type Bundle struct {
	Key            string                   `json:"key"`
	Pages          []models.Page            `json:"pages"`
	Visuals        []models.ExtractedVisual `json:"visuals"`
	Evidence       string                   `json:"evidence"`
	RawChars       int                      `json:"raw_chars"`
	UsedDigest     bool                     `json:"used_digest"`
	Digest         *digest.Result           `json:"digest,omitempty"`
	Coverage       coverage.Report          `json:"coverage"`
	CoverageText   string                   `json:"coverage_text"`
	VisualAnalyses []models.VisualAnalysis  `json:"visual_analyses,omitempty"`
	VisualHints    string                   `json:"visual_hints"`
	Injections     []InjectionFinding       `json:"injections,omitempty"`
	Known          citation.Locations       `json:"known"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

// Review is the prompt input for a rubric.
func (b *Bundle) Review(r review.Rubric) review.Bundle {
	return review.Bundle{
		Rubric:      r,
		Evidence:    b.Evidence,
		Coverage:    b.CoverageText,
		VisualHints: b.VisualHints,
		UsedDigest:  b.UsedDigest,
	}
}

// AllWarnings is coverage warnings followed by processing warnings.
func (b *Bundle) AllWarnings() []string {
	return append(append([]string(nil), b.Coverage.Warnings...), b.Warnings...)
}

type PrepareOptions struct {
	Coverage        coverage.Options
	DigestTarget    int
	DigestChunkSize int
}

func PrepareOptionsFromConfig(cfg config.Config) PrepareOptions {
	return PrepareOptions{
		Coverage:        coverage.Options{LowConfidence: cfg.LowConfidence},
		DigestTarget:    cfg.DigestTarget,
		DigestChunkSize: cfg.DigestChunkSize,
	}
}

type Preparer struct {
	opts     PrepareOptions
	rules    *injection.RuleSet
	digester *digest.Digester
	visuals  *visual.Analyzer
	coverage *coverage.Cache
	logger   logrus.FieldLogger
}

// NewPreparer builds a preparer. visuals may be nil to disable visual
// analysis; cov may be nil to skip report caching.
func NewPreparer(opts PrepareOptions, rules *injection.RuleSet, d *digest.Digester, visuals *visual.Analyzer, cov *coverage.Cache, logger logrus.FieldLogger) *Preparer {
	if rules == nil {
		rules = injection.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Preparer{opts: opts, rules: rules, digester: d, visuals: visuals, coverage: cov, logger: logger}
}

// Prepare builds the bundle for one extracted document. Per-unit failures
// (digest chunks, visuals) become coverage gaps; only cancellation and
// digest setup errors abort.
func (p *Preparer) Prepare(ctx context.Context, key string, res extract.Result) (*Bundle, error) {
	log := p.logger.WithField("document", key)
	b := &Bundle{Key: key, Pages: res.Pages, Visuals: res.Visuals}
	b.Warnings = append(b.Warnings, res.Warnings...)

	var report coverage.Report
	if p.coverage != nil {
		report = p.coverage.Get(key, res.Pages, res.Visuals, p.opts.Coverage)
	} else {
		report = coverage.Build(res.Pages, res.Visuals, p.opts.Coverage)
	}

	redacted := make([]models.Page, len(res.Pages))
	for i, pg := range res.Pages {
		text, matches := p.rules.Redact(pg.Text)
		pg.Text = text
		redacted[i] = pg
		for _, m := range matches {
			b.Injections = append(b.Injections, InjectionFinding{Page: pg.Number, Match: m})
		}
	}
	if n := len(b.Injections); n > 0 {
		log.WithField("matches", n).Warn("injection phrases redacted from document text")
		b.Warnings = append(b.Warnings, fmt.Sprintf("Redacted %d instruction-like phrase(s) from the document text (rules v%d).", n, p.rules.Version))
	}

	raw := extract.RenderPages(redacted)
	b.RawChars = len([]rune(raw))
	b.Evidence = raw

	var gaps []coverage.Gap
	if p.digester != nil && p.digester.Needed(raw) {
		log.WithField("raw_chars", b.RawChars).Info("evidence over threshold, digesting")
		d, err := p.digester.Digest(ctx, redacted, p.opts.DigestTarget, p.opts.DigestChunkSize)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		b.Digest = &d
		b.UsedDigest = true
		b.Evidence = d.Text
		b.Warnings = append(b.Warnings, d.Warnings...)
		gaps = append(gaps, d.Gaps...)
	}

	if p.visuals != nil && len(res.Visuals) > 0 {
		vr, err := p.visuals.Analyze(ctx, res.Visuals)
		if err != nil {
			return nil, err
		}
		b.VisualAnalyses = vr.Analyses
		b.VisualHints = visual.Format(vr.Analyses)
		gaps = append(gaps, vr.Gaps...)
		for _, a := range visual.NonCompliant(vr.Analyses) {
			b.Warnings = append(b.Warnings, fmt.Sprintf("Visual %s on page %d: output stayed non-compliant after regeneration; excluded from hints.", a.Name, a.Page))
		}
		if len(vr.Redactions) > 0 {
			b.Warnings = append(b.Warnings, fmt.Sprintf("Redacted %d instruction-like phrase(s) from visual captions.", len(vr.Redactions)))
		}
	} else if p.visuals == nil {
		b.VisualHints = visual.SummaryHeading + ": Disabled."
	} else {
		b.VisualHints = visual.Format(nil)
	}

	if len(gaps) > 0 {
		report = report.WithGaps(gaps...)
	}
	b.Coverage = report
	b.CoverageText = report.Format()
	b.Known = knownLocations(res.Pages, b.Digest)
	return b, nil
}

// knownLocations lists the pages that were extracted and the chunks the
// digest produced. The evidence text is not scanned: it carries document
// content that may imitate markers.
func knownLocations(pages []models.Page, d *digest.Result) citation.Locations {
	l := citation.NewLocations()
	for _, pg := range pages {
		l.Pages[pg.Number] = true
	}
	if d != nil {
		for _, c := range d.Chunks {
			l.AddChunk(c.Index, c.StartPage, c.EndPage)
		}
	}
	return l
}
