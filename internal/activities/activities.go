package activities

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/temporal"

	"gradeflow/internal/config"
	"gradeflow/internal/extract"
	"gradeflow/internal/grading"
	"gradeflow/internal/providers"
	"gradeflow/internal/review"
	"gradeflow/internal/storage"
	"gradeflow/internal/util"
)

// Application error types that the workflow treats as final.
const (
	ErrTypeEncrypted  = "EncryptedDocument"
	ErrTypeCorrupt    = "CorruptDocument"
	ErrTypeIncomplete = "IncompleteAdjudicationInput"
	ErrTypeBadRole    = "InvalidRole"
)

type Activities struct {
	cfg      config.Config
	runs     *storage.GradeRunRepo
	pipeline *grading.Pipeline
	logger   logrus.FieldLogger
}

// New builds the worker's activities: providers behind a paced caller whose
// call metadata goes to the llm_calls table, and the grading pipeline.
func New(cfg config.Config, db *storage.DB, logger logrus.FieldLogger) (*Activities, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pm, err := providers.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	rubric, err := review.LoadRubric(cfg.RubricPath)
	if err != nil {
		return nil, err
	}
	audit := storage.NewLLMAuditRepo(db)
	opts := providers.CallerOptionsFromConfig(cfg, logger.WithField("component", "providers"))
	opts.OnCall = func(rec providers.CallRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := audit.Insert(ctx, auditRecord(rec)); err != nil {
			logger.WithError(err).Warn("llm call audit insert failed")
		}
	}
	p, err := grading.NewPipeline(cfg, providers.NewCaller(pm, opts), rubric, nil, logger)
	if err != nil {
		return nil, err
	}
	return NewWith(cfg, p, storage.NewGradeRunRepo(db), logger), nil
}

// NewWith assembles activities from prebuilt parts. runs may be nil.
func NewWith(cfg config.Config, p *grading.Pipeline, runs *storage.GradeRunRepo, logger logrus.FieldLogger) *Activities {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Activities{cfg: cfg, runs: runs, pipeline: p, logger: logger}
}

func auditRecord(rec providers.CallRecord) storage.LLMCallRecord {
	return storage.LLMCallRecord{
		RunID:        rec.RunID,
		Operation:    rec.Operation,
		ProviderName: rec.ProviderName,
		Model:        rec.Model,
		KeyAlias:     rec.KeyAlias,
		RequestID:    rec.RequestID,
		Attempt:      rec.Attempt,
		Status:       rec.Status,
		ErrorType:    rec.ErrorType,
		LatencyMS:    rec.Latency.Milliseconds(),
	}
}

// OutDir is where a run's artifacts live.
func (a *Activities) OutDir(runID string) string {
	return util.SafeJoin(a.cfg.DataOutRoot, runID)
}

func (a *Activities) PrepareDocumentActivity(ctx context.Context, in PrepareDocumentInput) (PrepareDocumentOutput, error) {
	data, err := os.ReadFile(in.PDFPath)
	if err != nil {
		return PrepareDocumentOutput{}, fmt.Errorf("read pdf: %w", err)
	}
	lang := in.Language
	if lang == "" {
		lang = a.cfg.OCRLanguage
	}
	b, err := a.pipeline.Prepare(providers.WithRunID(ctx, in.RunID), data, lang, in.Credential)
	if err != nil {
		return PrepareDocumentOutput{}, classifyPrepareError(err)
	}
	outDir := a.OutDir(in.RunID)
	if err := util.EnsureDir(outDir); err != nil {
		return PrepareDocumentOutput{}, err
	}
	if err := grading.WriteBundle(outDir, b); err != nil {
		return PrepareDocumentOutput{}, err
	}
	a.logger.WithFields(logrus.Fields{
		"run_id":      in.RunID,
		"document":    b.Key,
		"pages":       len(b.Pages),
		"used_digest": b.UsedDigest,
	}).Info("bundle prepared")
	return PrepareDocumentOutput{
		DocumentKey: b.Key,
		OutDir:      outDir,
		Pages:       len(b.Pages),
		Visuals:     len(b.Visuals),
		UsedDigest:  b.UsedDigest,
		Warnings:    b.AllWarnings(),
	}, nil
}

func classifyPrepareError(err error) error {
	var enc *extract.EncryptedDocumentError
	var corrupt *extract.CorruptDocumentError
	switch {
	case errors.As(err, &enc):
		return temporal.NewNonRetryableApplicationError(enc.Error(), ErrTypeEncrypted, err, string(enc.Reason))
	case errors.As(err, &corrupt):
		return temporal.NewNonRetryableApplicationError(corrupt.Error(), ErrTypeCorrupt, err)
	}
	return err
}

// RunExaminerActivity runs one examiner over the stored bundle. A malformed
// report is a result, not an error.
func (a *Activities) RunExaminerActivity(ctx context.Context, in StageInput) (grading.StageResult, error) {
	role := review.Role(in.Role)
	if role != review.Examiner1 && role != review.Examiner2 {
		return grading.StageResult{}, temporal.NewNonRetryableApplicationError(fmt.Sprintf("%q is not an examiner role", in.Role), ErrTypeBadRole, nil)
	}
	b, err := grading.ReadBundle(in.OutDir)
	if err != nil {
		return grading.StageResult{}, err
	}
	parsed, err := a.pipeline.Examiner.Run(providers.WithRunID(ctx, in.RunID), role, b)
	if err != nil {
		return grading.StageResult{}, err
	}
	res := grading.NewStageResult(role, parsed, nil)
	if err := grading.WriteStage(in.OutDir, res); err != nil {
		return grading.StageResult{}, err
	}
	return res, nil
}

func (a *Activities) ModerateActivity(ctx context.Context, in ModerateInput) (grading.StageResult, error) {
	b, err := grading.ReadBundle(in.OutDir)
	if err != nil {
		return grading.StageResult{}, err
	}
	parsed, err := a.pipeline.Examiner.Moderate(providers.WithRunID(ctx, in.RunID), b, in.Examiner1.Parsed(), in.Examiner2.Parsed())
	if errors.Is(err, review.ErrIncompleteAdjudicationInput) {
		return grading.StageResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeIncomplete, err)
	}
	if err != nil {
		return grading.StageResult{}, err
	}
	res := grading.NewStageResult(review.Moderator, parsed, nil)
	if err := grading.WriteStage(in.OutDir, res); err != nil {
		return grading.StageResult{}, err
	}
	return res, nil
}

func (a *Activities) UpdateRunStatusActivity(ctx context.Context, in UpdateRunStatusInput) error {
	if a.runs == nil {
		return nil
	}
	if err := a.runs.UpdateStatus(ctx, in.RunID, in.Status, in.States, in.Error); err != nil {
		return err
	}
	if in.DocumentKey != "" {
		if err := a.runs.SetDocumentKey(ctx, in.RunID, in.DocumentKey); err != nil {
			return err
		}
	}
	if in.Total != nil && in.MaxTotal != nil {
		return a.runs.SetResult(ctx, in.RunID, *in.Total, *in.MaxTotal)
	}
	return nil
}

// PDFPath is where the API stores an upload for a run.
func PDFPath(dataIn, runID, filename string) string {
	return util.SafeJoin(util.SafeJoin(dataIn, runID), filename)
}
