package grading

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gradeflow/internal/review"
	"gradeflow/internal/util"
)

const (
	BundleFile     = "bundle.json"
	EvidenceFile   = "evidence.txt"
	CoverageFile   = "coverage.txt"
	InjectionsFile = "injections.jsonl"
)

// StageResult is the serializable outcome of one reviewer stage.
type StageResult struct {
	Role      review.Role             `json:"role"`
	Report    *review.ParsedReport    `json:"report,omitempty"`
	Malformed *review.MalformedReport `json:"malformed,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func NewStageResult(role review.Role, p review.Parsed, err error) StageResult {
	r := StageResult{Role: role}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	switch v := p.(type) {
	case *review.ParsedReport:
		r.Report = v
	case *review.MalformedReport:
		r.Malformed = v
	}
	return r
}

// Parsed returns the tagged report, nil when the stage failed.
func (r StageResult) Parsed() review.Parsed {
	switch {
	case r.Report != nil:
		return r.Report
	case r.Malformed != nil:
		return r.Malformed
	}
	return nil
}

func (r StageResult) OK() bool { return r.Error == "" && (r.Report != nil || r.Malformed != nil) }

func (r StageResult) Raw() string {
	if p := r.Parsed(); p != nil {
		return p.RawText()
	}
	return ""
}

// Warnings lists everything a reader should see next to the report.
func (r StageResult) Warnings() []string {
	switch {
	case r.Error != "":
		return []string{fmt.Sprintf("%s failed: %s", r.Role.Title(), r.Error)}
	case r.Malformed != nil:
		return []string{fmt.Sprintf("%s report did not match the report format: %s", r.Role.Title(), r.Malformed.Reason)}
	case r.Report != nil:
		return r.Report.Warnings
	}
	return nil
}

// Render is the report text followed by its processing warnings. The report
// itself is never rewritten.
func (r StageResult) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s report\n\n", r.Role.Title())
	if raw := r.Raw(); raw != "" {
		b.WriteString(strings.TrimSpace(raw))
		b.WriteString("\n")
	}
	if ws := r.Warnings(); len(ws) > 0 {
		b.WriteString("\n## Processing warnings\n")
		for _, w := range ws {
			b.WriteString("- " + w + "\n")
		}
	}
	return b.String()
}

// WriteBundle stores the bundle and its text views under dir.
func WriteBundle(dir string, b *Bundle) error {
	if err := util.WriteJSONAtomic(filepath.Join(dir, BundleFile), b); err != nil {
		return err
	}
	if err := util.WriteTextAtomic(filepath.Join(dir, EvidenceFile), b.Evidence); err != nil {
		return err
	}
	if err := util.WriteTextAtomic(filepath.Join(dir, CoverageFile), b.CoverageText); err != nil {
		return err
	}
	return util.WriteJSONLinesAtomic(filepath.Join(dir, InjectionsFile), b.Injections)
}

// WriteStage stores the rendered report and its JSON form.
func WriteStage(dir string, r StageResult) error {
	if err := util.WriteTextAtomic(filepath.Join(dir, string(r.Role)+".md"), r.Render()); err != nil {
		return err
	}
	return util.WriteJSONAtomic(filepath.Join(dir, string(r.Role)+".json"), r)
}

// ReadBundle loads the bundle written by WriteBundle. Visual image bytes are
// not stored and come back empty.
func ReadBundle(dir string) (*Bundle, error) {
	b, err := os.ReadFile(filepath.Join(dir, BundleFile))
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var out Bundle
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &out, nil
}

// ReadStages loads whichever stage results exist under dir, in role order.
func ReadStages(dir string) ([]StageResult, error) {
	var out []StageResult
	for _, role := range []review.Role{review.Examiner1, review.Examiner2, review.Moderator} {
		b, err := os.ReadFile(filepath.Join(dir, string(role)+".json"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s result: %w", role, err)
		}
		var r StageResult
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", role, err)
		}
		out = append(out, r)
	}
	return out, nil
}
