package extract

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gradeflow/internal/models"
)

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"87.5", 87.5, true},
		{" 96 ", 96, true},
		{"0", 0, true},
		{"n/a", 0, false},
		{"-1", 0, false},
		{"", 0, false},
		{"NaN", 0, false},
		{"150", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseConfidence(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseTSVRebuildsLinesAndAveragesConfidence(t *testing.T) {
	tsv := tsvHeader +
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
		tsvRow(1, 1, 1, "90", "Period") +
		tsvRow(1, 1, 1, "80", "length") +
		tsvRow(1, 1, 2, "-1", "table") +
		tsvRow(1, 1, 2, "70.4", "data") +
		"garbage line\n"
	res := ParseTSV(tsv)
	require.Equal(t, "Period length\ntable data", res.Text)
	require.NotNil(t, res.Confidence)
	require.Equal(t, 80.1, *res.Confidence)
}

func TestParseTSVWithoutConfidenceIsUnknown(t *testing.T) {
	res := ParseTSV(tsvHeader + tsvRow(1, 1, 1, "-1", "word") + tsvRow(1, 1, 1, "x", "two"))
	require.Equal(t, "word two", res.Text)
	require.Nil(t, res.Confidence)
}

type recordingRunner struct {
	calls [][]string
	tsv   string
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if name == "pdftoppm" {
		prefix := args[len(args)-1]
		if err := os.WriteFile(prefix+".png", []byte("png"), 0o600); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}
	return []byte(r.tsv), nil, nil
}

func TestTesseractRecognizePage(t *testing.T) {
	r := &recordingRunner{tsv: tsvHeader + tsvRow(1, 1, 1, "87.5", "Scanned")}
	tess := NewTesseract(r, 200)
	res, err := tess.RecognizePage(context.Background(), Source{Path: "/tmp/doc.pdf", Password: "pw"}, 2, "deu")
	require.NoError(t, err)
	require.Equal(t, "Scanned", res.Text)
	require.Equal(t, 87.5, *res.Confidence)

	require.Len(t, r.calls, 2)
	pdftoppm := strings.Join(r.calls[0], " ")
	require.Contains(t, pdftoppm, "-f 2 -l 2 -r 200 -png -singlefile -upw pw /tmp/doc.pdf")
	tesseract := r.calls[1]
	require.Equal(t, "tesseract", tesseract[0])
	require.Equal(t, []string{"stdout", "-l", "deu", "tsv"}, tesseract[2:])
}

func TestTesseractRenderRegionCrops(t *testing.T) {
	r := &recordingRunner{}
	tess := NewTesseract(r, 144)
	img, err := tess.RenderRegion(context.Background(), Source{Path: "/tmp/doc.pdf"}, 1, models.Rect{X0: 36, Y0: 400, X1: 136, Y1: 700}, 792)
	require.NoError(t, err)
	require.Equal(t, []byte("png"), img)
	require.Contains(t, strings.Join(r.calls[0], " "), "-x 72 -y 184 -W 200 -H 600")
}

func TestRedactArgsHidesPassword(t *testing.T) {
	out := redactArgs([]string{"-f", "1", "-upw", "secret", "in.pdf"})
	require.Equal(t, []string{"-f", "1", "-upw", "***", "in.pdf"}, out)
}
