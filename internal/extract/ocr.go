package extract

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gradeflow/internal/models"
)

// Source names the on-disk PDF handed to external tools.
type Source struct {
	Path     string
	Password string
}

type OCRResult struct {
	Text       string
	Confidence *float64
}

type OCREngine interface {
	RecognizePage(ctx context.Context, src Source, page int, lang string) (OCRResult, error)
	RenderRegion(ctx context.Context, src Source, page int, box models.Rect, pageHeight float64) ([]byte, error)
}

// Tesseract rasterizes pages with pdftoppm and reads them with tesseract in
// TSV mode, which yields text and per-word confidence in one pass.
type Tesseract struct {
	Runner    Runner
	DPI       int
	Pdftoppm  string
	Tesseract string
}

func NewTesseract(r Runner, dpi int) *Tesseract {
	if dpi <= 0 {
		dpi = 300
	}
	return &Tesseract{Runner: r, DPI: dpi, Pdftoppm: "pdftoppm", Tesseract: "tesseract"}
}

func (t *Tesseract) RecognizePage(ctx context.Context, src Source, page int, lang string) (OCRResult, error) {
	dir, err := os.MkdirTemp("", "gradeflow-ocr-*")
	if err != nil {
		return OCRResult{}, err
	}
	defer os.RemoveAll(dir)

	img, err := t.render(ctx, src, page, dir, nil)
	if err != nil {
		return OCRResult{}, err
	}
	if lang == "" {
		lang = "eng"
	}
	// tesseract <img> stdout -l <lang> tsv
	out, errb, err := t.Runner.Run(ctx, t.Tesseract, img, "stdout", "-l", lang, "tsv")
	if err != nil {
		return OCRResult{}, fmt.Errorf("tesseract page %d: %w: %s", page, err, truncate(string(errb), 512))
	}
	return ParseTSV(string(out)), nil
}

func (t *Tesseract) RenderRegion(ctx context.Context, src Source, page int, box models.Rect, pageHeight float64) ([]byte, error) {
	dir, err := os.MkdirTemp("", "gradeflow-region-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	crop := cropArgs(box, pageHeight, t.DPI)
	img, err := t.render(ctx, src, page, dir, crop)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(img)
}

// render runs pdftoppm -f N -l N -r DPI -png -singlefile [crop] in.pdf out.
func (t *Tesseract) render(ctx context.Context, src Source, page int, dir string, crop []string) (string, error) {
	prefix := filepath.Join(dir, "page")
	n := strconv.Itoa(page)
	args := []string{"-f", n, "-l", n, "-r", strconv.Itoa(t.DPI), "-png", "-singlefile"}
	args = append(args, crop...)
	if src.Password != "" {
		args = append(args, "-upw", src.Password)
	}
	args = append(args, src.Path, prefix)
	if _, errb, err := t.Runner.Run(ctx, t.Pdftoppm, args...); err != nil {
		return "", fmt.Errorf("pdftoppm page %d: %w: %s", page, err, truncate(string(errb), 512))
	}
	img := prefix + ".png"
	if _, err := os.Stat(img); err != nil {
		return "", fmt.Errorf("pdftoppm page %d produced no image: %w", page, err)
	}
	return img, nil
}

// cropArgs converts a PDF-space box (origin bottom-left, points) into
// pdftoppm pixel crop flags (origin top-left).
func cropArgs(box models.Rect, pageHeight float64, dpi int) []string {
	scale := float64(dpi) / 72.0
	px := func(v float64) string { return strconv.Itoa(int(math.Round(v * scale))) }
	return []string{
		"-x", px(box.X0),
		"-y", px(pageHeight - box.Y1),
		"-W", px(box.Width()),
		"-H", px(box.Height()),
	}
}

// ParseConfidence reads one engine confidence value. Anything that is not a
// finite number in [0, 100], including tesseract's "-1", is unknown.
func ParseConfidence(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 100 {
		return 0, false
	}
	return f, true
}

// ParseTSV rebuilds text from tesseract TSV output, one output line per
// (block, paragraph, line), and averages the parseable word confidences.
// When no confidence parses, Confidence stays nil.
func ParseTSV(tsv string) OCRResult {
	var (
		b        strings.Builder
		sum      float64
		n        int
		lastLine string
	)
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || strings.TrimSpace(ln) == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		if c, ok := ParseConfidence(cols[10]); ok {
			sum += c
			n++
		}
		lineKey := cols[2] + "/" + cols[3] + "/" + cols[4]
		switch {
		case b.Len() == 0:
		case lineKey != lastLine:
			b.WriteByte('\n')
		default:
			b.WriteByte(' ')
		}
		lastLine = lineKey
		b.WriteString(word)
	}
	res := OCRResult{Text: b.String()}
	if n > 0 {
		mean := math.Round(sum/float64(n)*10) / 10
		res.Confidence = &mean
	}
	return res
}
