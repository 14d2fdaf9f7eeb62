package grading

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gradeflow/internal/cache"
	"gradeflow/internal/config"
	"gradeflow/internal/coverage"
	"gradeflow/internal/digest"
	"gradeflow/internal/extract"
	"gradeflow/internal/injection"
	"gradeflow/internal/providers"
	"gradeflow/internal/review"
	"gradeflow/internal/visual"
)

// Backend is a model client that serves both text and vision calls, as
// *providers.Caller does.
type Backend interface {
	providers.LLMProvider
	providers.VisionProvider
}

// Pipeline is the process-wide set of components shared by every run.
type Pipeline struct {
	Extractions *cache.Extractions
	Preparer    *Preparer
	Examiner    *Examiner
	logger      logrus.FieldLogger
}

// NewPipeline wires extractor, cache, digester, visual analyzer and
// examiner from cfg. The extract function defaults to the PDF extractor.
func NewPipeline(cfg config.Config, backend Backend, rubric review.Rubric, fn cache.ExtractFunc, logger logrus.FieldLogger) (*Pipeline, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rules := injection.Default()
	if cfg.InjectionRulesPath != "" {
		rs, err := injection.Load(cfg.InjectionRulesPath)
		if err != nil {
			return nil, fmt.Errorf("load injection rules: %w", err)
		}
		rules = rs
	}
	if fn == nil {
		var ocr extract.OCREngine
		if cfg.OCREnabled || cfg.RasterizeVectors {
			ocr = extract.NewTesseract(extract.ExecRunner{Logger: logger}, cfg.OCRDPI)
		}
		fn = extract.New(extract.OptionsFromConfig(cfg), ocr, logger.WithField("component", "extract")).Extract
	}
	var analyzer *visual.Analyzer
	if cfg.VisualEnabled {
		analyzer = visual.NewAnalyzer(backend, rules, visual.PolicyFromConfig(cfg), logger.WithField("component", "visual"))
	}
	d := digest.New(backend, digest.OptionsFromConfig(cfg), logger.WithField("component", "digest"))
	return &Pipeline{
		Extractions: cache.NewExtractions(fn, cfg.CacheTTL),
		Preparer:    NewPreparer(PrepareOptionsFromConfig(cfg), rules, d, analyzer, coverage.NewCache(cfg.CacheTTL), logger),
		Examiner:    NewExaminer(backend, rubric, logger.WithField("component", "review")),
		logger:      logger,
	}, nil
}

// Prepare extracts (or reuses) the document and builds its bundle.
func (p *Pipeline) Prepare(ctx context.Context, data []byte, lang, credential string) (*Bundle, error) {
	res, key, cached, err := p.Extractions.Get(ctx, data, lang, credential)
	if err != nil {
		return nil, err
	}
	p.logger.WithFields(logrus.Fields{"document": key.ID(), "pages": len(res.Pages), "cached": cached}).Info("document extracted")
	return p.Preparer.Prepare(ctx, key.ID(), res)
}
