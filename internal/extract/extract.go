// Package extract turns PDF bytes into per-page text with extraction
// diagnostics and the list of visuals (embedded images and vector drawings)
// found on each page. It performs no network calls.
package extract

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gradeflow/internal/config"
	"gradeflow/internal/models"
	"gradeflow/internal/providers"
	"gradeflow/internal/util"
)

type Options struct {
	OCREnabled       bool
	MinNativeChars   int
	OCRConcurrency   int
	OCRTimeout       time.Duration
	OCRAttempts      int
	RasterizeVectors bool
	// VectorMinRects is the number of drawn rectangles a page needs before it
	// counts as carrying a vector drawing.
	VectorMinRects int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		OCREnabled:       cfg.OCREnabled,
		MinNativeChars:   cfg.MinNativeChars,
		OCRConcurrency:   cfg.OCRConcurrency,
		OCRTimeout:       cfg.OCRTimeout,
		OCRAttempts:      cfg.OCRAttempts,
		RasterizeVectors: cfg.RasterizeVectors,
		VectorMinRects:   3,
	}
}

type Result struct {
	Pages    []models.Page            `json:"pages"`
	Visuals  []models.ExtractedVisual `json:"visuals"`
	Warnings []string                 `json:"warnings,omitempty"`
}

type Extractor struct {
	opts   Options
	open   Opener
	images ImageExtractor
	ocr    OCREngine
	logger logrus.FieldLogger
}

// New builds an extractor over ledongthuc/pdf and pdfcpu. ocr may be nil when
// neither OCR nor vector rasterization is wanted.
func New(opts Options, ocr OCREngine, logger logrus.FieldLogger) *Extractor {
	if opts.MinNativeChars <= 0 {
		opts.MinNativeChars = 1
	}
	if opts.OCRConcurrency <= 0 {
		opts.OCRConcurrency = 1
	}
	if opts.OCRTimeout <= 0 {
		opts.OCRTimeout = 90 * time.Second
	}
	if opts.OCRAttempts <= 0 {
		opts.OCRAttempts = 1
	}
	if opts.VectorMinRects <= 0 {
		opts.VectorMinRects = 3
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{opts: opts, open: OpenPDF, images: PdfcpuImages{}, ocr: ocr, logger: logger}
}

// WithBackends swaps the document parser and image extractor.
func (e *Extractor) WithBackends(open Opener, images ImageExtractor) *Extractor {
	cp := *e
	if open != nil {
		cp.open = open
	}
	if images != nil {
		cp.images = images
	}
	return &cp
}

type pageDrawing struct {
	rects  []models.Rect
	height float64
}

func (e *Extractor) Extract(ctx context.Context, data []byte, lang, credential string) (Result, error) {
	opened, err := e.open(data, credential)
	if err != nil {
		return Result{}, err
	}
	n := opened.Doc.NumPages()
	if n <= 0 {
		return Result{}, &CorruptDocumentError{Err: util.ErrEmptyDocument}
	}
	log := e.logger.WithFields(logrus.Fields{"pages": n, "bytes": len(data)})

	var res Result
	pages := make([]models.Page, n)
	drawings := make([]pageDrawing, n)
	for i := 0; i < n; i++ {
		num := i + 1
		text, terr := opened.Doc.PageText(num)
		if terr != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Native text extraction failed on page %d.", num))
			log.WithError(terr).WithField("page", num).Warn("native text failed")
		}
		text = util.CollapseSpaces(util.SanitizeText(text))
		pages[i] = models.Page{Number: num, Text: text, Method: models.MethodNative}
		if text == "" {
			pages[i].Method = models.MethodNone
		}
		rects, height, derr := opened.Doc.PageDrawings(num)
		if derr != nil {
			log.WithError(derr).WithField("page", num).Debug("drawing scan failed")
		}
		drawings[i] = pageDrawing{rects: usableRects(rects), height: height}
		if len(drawings[i].rects) >= e.opts.VectorMinRects {
			pages[i].VectorCount = len(drawings[i].rects)
		}
	}

	rasters, ierr := e.images.Extract(ctx, opened.Data, opened.Password)
	if ierr != nil {
		res.Warnings = append(res.Warnings, "Embedded image extraction failed; image counts may be incomplete.")
		log.WithError(ierr).Warn("image extraction failed")
	}
	for _, img := range rasters {
		if img.Page >= 1 && img.Page <= n {
			pages[img.Page-1].ImageCount++
		}
	}

	src, cleanup, err := e.stage(opened, pages, drawings)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	if e.opts.OCREnabled && e.ocr != nil {
		res.Warnings = append(res.Warnings, e.runOCR(ctx, src, pages, lang, log)...)
	}
	for i := range pages {
		pages[i].NoText = pages[i].Text == ""
		if pages[i].NoText {
			pages[i].Method = models.MethodNone
		}
	}

	visuals, vwarn := e.collectVisuals(ctx, src, pages, drawings, rasters)
	res.Warnings = append(res.Warnings, vwarn...)
	res.Pages = pages
	res.Visuals = visuals
	log.WithFields(logrus.Fields{"visuals": len(visuals), "warnings": len(res.Warnings)}).Info("extraction complete")
	return res, nil
}

// stage writes the document to a temp file when an external tool will read it.
func (e *Extractor) stage(opened Opened, pages []models.Page, drawings []pageDrawing) (Source, func(), error) {
	noop := func() {}
	if e.ocr == nil || !(e.needsOCR(pages) || e.needsRaster(drawings)) {
		return Source{}, noop, nil
	}
	f, err := os.CreateTemp("", "gradeflow-*.pdf")
	if err != nil {
		return Source{}, noop, fmt.Errorf("stage pdf: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(opened.Data); err != nil {
		_ = f.Close()
		cleanup()
		return Source{}, noop, fmt.Errorf("stage pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return Source{}, noop, fmt.Errorf("stage pdf: %w", err)
	}
	return Source{Path: f.Name(), Password: opened.Password}, cleanup, nil
}

func (e *Extractor) needsOCR(pages []models.Page) bool {
	if !e.opts.OCREnabled {
		return false
	}
	for _, p := range pages {
		if e.wantsOCR(p) {
			return true
		}
	}
	return false
}

func (e *Extractor) needsRaster(drawings []pageDrawing) bool {
	if !e.opts.RasterizeVectors {
		return false
	}
	for _, d := range drawings {
		if len(d.rects) >= e.opts.VectorMinRects {
			return true
		}
	}
	return false
}

func (e *Extractor) wantsOCR(p models.Page) bool {
	return utf8.RuneCountInString(p.Text) < e.opts.MinNativeChars
}

// runOCR fills pages in place. Each goroutine writes only its own index.
func (e *Extractor) runOCR(ctx context.Context, src Source, pages []models.Page, lang string, log logrus.FieldLogger) []string {
	warnings := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.OCRConcurrency)
	for i := range pages {
		if !e.wantsOCR(pages[i]) {
			continue
		}
		i := i
		g.Go(func() error {
			var out OCRResult
			policy := providers.RetryPolicy{Attempts: e.opts.OCRAttempts, Initial: time.Second, Max: 8 * time.Second}
			err := providers.Retry(gctx, policy, func(ctx context.Context, attempt int) error {
				callCtx, cancel := context.WithTimeout(ctx, e.opts.OCRTimeout)
				defer cancel()
				var err error
				out, err = e.ocr.RecognizePage(callCtx, src, pages[i].Number, lang)
				return err
			}, nil)
			if err != nil {
				log.WithError(err).WithField("page", pages[i].Number).Warn("ocr failed")
				pages[i].Failure = "ocr failed: " + err.Error()
				warnings[i] = fmt.Sprintf("OCR failed on page %d after %d attempt(s).", pages[i].Number, e.opts.OCRAttempts)
				return nil
			}
			text := util.SanitizeText(out.Text)
			if utf8.RuneCountInString(text) > utf8.RuneCountInString(pages[i].Text) {
				pages[i].Text = text
				pages[i].Method = models.MethodOCR
				pages[i].OCRConfidence = out.Confidence
			}
			return nil
		})
	}
	_ = g.Wait()
	var out []string
	for _, w := range warnings {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func (e *Extractor) collectVisuals(ctx context.Context, src Source, pages []models.Page, drawings []pageDrawing, rasters []RasterImage) ([]models.ExtractedVisual, []string) {
	byPage := make(map[int][]models.ExtractedVisual, len(pages))
	perPage := map[int]int{}
	for _, img := range rasters {
		perPage[img.Page]++
		byPage[img.Page] = append(byPage[img.Page], models.ExtractedVisual{
			Page:     img.Page,
			Name:     img.Name,
			Kind:     models.VisualRaster,
			Position: models.Position{Hint: fmt.Sprintf("page %d image %d", img.Page, perPage[img.Page])},
			Format:   img.Format,
			Width:    img.Width,
			Height:   img.Height,
			Data:     img.Data,
		})
	}
	var warnings []string
	for i, d := range drawings {
		if len(d.rects) < e.opts.VectorMinRects {
			continue
		}
		num := i + 1
		box := unionRect(d.rects)
		v := models.ExtractedVisual{
			Page: num,
			Name: fmt.Sprintf("page-%d-drawing", num),
			Kind: models.VisualVector,
			Position: models.Position{
				Hint: fmt.Sprintf("page %d region %.0f,%.0f-%.0f,%.0f", num, box.X0, box.Y0, box.X1, box.Y1),
				BBox: &box,
			},
		}
		if e.opts.RasterizeVectors && e.ocr != nil && src.Path != "" {
			img, err := e.ocr.RenderRegion(ctx, src, num, box, d.height)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("Vector drawing on page %d could not be rendered.", num))
			} else {
				v.Data, v.Format = img, "png"
			}
		}
		byPage[num] = append(byPage[num], v)
	}

	var out []models.ExtractedVisual
	for _, p := range pages {
		vs := byPage[p.Number]
		linkCaptions(vs, FindCaptions(p.Text))
		for _, v := range vs {
			v.Index = len(out)
			out = append(out, v)
		}
	}
	return out, warnings
}

// linkCaptions pairs the page's captions with its visuals in reading order.
func linkCaptions(vs []models.ExtractedVisual, caps []Caption) {
	for i := range vs {
		if i >= len(caps) {
			return
		}
		vs[i].Caption = caps[i].Text
		vs[i].Label = caps[i].Label
	}
}

// usableRects drops degenerate rectangles (hairlines, points).
func usableRects(rects []models.Rect) []models.Rect {
	var out []models.Rect
	for _, r := range rects {
		if r.Width() > 2 && r.Height() > 2 {
			out = append(out, r)
		}
	}
	return out
}

func unionRect(rects []models.Rect) models.Rect {
	u := rects[0]
	for _, r := range rects[1:] {
		u.X0 = min(u.X0, r.X0)
		u.Y0 = min(u.Y0, r.Y0)
		u.X1 = max(u.X1, r.X1)
		u.Y1 = max(u.Y1, r.Y1)
	}
	return u
}
