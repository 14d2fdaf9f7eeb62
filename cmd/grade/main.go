package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gradeflow/internal/config"
	"gradeflow/internal/export"
	"gradeflow/internal/grading"
	"gradeflow/internal/providers"
	"gradeflow/internal/review"
	"gradeflow/internal/util"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load(".env")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "grade",
		Usage: "grade one PDF against a rubric with two examiners and a moderator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pdf", Usage: "document to grade", Required: true},
			&cli.StringFlag{Name: "rubric", Usage: "rubric markdown", EnvVars: []string{"GRADEFLOW_RUBRIC_PATH"}, Value: "./rubric.md"},
			&cli.StringFlag{Name: "out", Usage: "output directory", Value: "./data/out/local"},
			&cli.StringFlag{Name: "lang", Usage: "OCR language override"},
			&cli.StringFlag{Name: "password", Usage: "password for an encrypted PDF"},
			&cli.StringFlag{Name: "xlsx", Usage: "also write the marks workbook to this path"},
		},
		Action: run,
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Load()
	cfg.RubricPath = c.String("rubric")
	logger := util.NewLogger(cfg.LogLevel)

	rubric, err := review.LoadRubric(cfg.RubricPath)
	if err != nil {
		return err
	}
	pm, err := providers.NewManager(cfg)
	if err != nil {
		return err
	}
	caller := providers.NewCaller(pm, providers.CallerOptionsFromConfig(cfg, logger.WithField("component", "providers")))
	p, err := grading.NewPipeline(cfg, caller, rubric, nil, logger)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(c.String("pdf"))
	if err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}
	b, err := p.Prepare(c.Context, data, c.String("lang"), c.String("password"))
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := grading.WriteBundle(out, b); err != nil {
		return err
	}

	s := grading.NewSession(p.Examiner)
	s.Load(b)
	var stages []grading.StageResult
	for _, role := range []review.Role{review.Examiner1, review.Examiner2} {
		parsed, err := s.RunStage(c.Context, role)
		res := grading.NewStageResult(role, parsed, err)
		if err := grading.WriteStage(out, res); err != nil {
			return err
		}
		stages = append(stages, res)
	}
	verdict, modErr := s.Moderate(c.Context)
	if modErr == nil {
		res := grading.NewStageResult(review.Moderator, verdict, nil)
		if err := grading.WriteStage(out, res); err != nil {
			return err
		}
		stages = append(stages, res)
	}

	if path := c.String("xlsx"); path != "" {
		wb, err := export.NewService(logger).GradeXLSX(b, stages)
		if err != nil {
			return err
		}
		if err := util.WriteBytesAtomic(path, wb); err != nil {
			return err
		}
	}

	fields := logrus.Fields{"out": filepath.Clean(out), "states": s.Board().States(), "used_digest": b.UsedDigest}
	if rep, ok := verdict.(*review.ParsedReport); ok && rep.Verdict != nil {
		fields["total"] = fmt.Sprintf("%d/%d", rep.Verdict.Total, rep.Verdict.MaxTotal)
	}
	logger.WithFields(fields).Info("grading finished")
	return modErr
}
