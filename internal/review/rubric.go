package review

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gradeflow/internal/models"
	"gradeflow/internal/util"
)

var (
	rubricHeadingRe = regexp.MustCompile(`^##\s+(.+?)\s*\(max\s+(\d+)\)\s*$`)
	rubricBandRe    = regexp.MustCompile(`^[-*]\s*(\d+)(?:\s*[-–]\s*(\d+))?\s*:\s*(.*)$`)
)

type Markband struct {
	models.Band
	Descriptor string `json:"descriptor"`
}

type Criterion struct {
	Name  string     `json:"name"`
	Max   int        `json:"max"`
	Bands []Markband `json:"bands"`
}

// Band returns the markband with exactly the given range.
func (c Criterion) Band(b models.Band) (Markband, bool) {
	for _, mb := range c.Bands {
		if mb.Band == b {
			return mb, true
		}
	}
	return Markband{}, false
}

// Rubric is trusted marking guidance. Text keeps the source as supplied.
type Rubric struct {
	Text     string      `json:"-"`
	Criteria []Criterion `json:"criteria"`
}

func LoadRubric(path string) (Rubric, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("read rubric: %w", err)
	}
	return ParseRubric(string(b))
}

// ParseRubric reads "## <name> (max N)" headings, each followed by markband
// bullets "- lo-hi: descriptor" or "- n: descriptor". Other lines are kept
// in Text but otherwise ignored.
func ParseRubric(text string) (Rubric, error) {
	if strings.TrimSpace(text) == "" {
		return Rubric{}, util.ErrRubricMissing
	}
	r := Rubric{Text: text}
	var cur *Criterion
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if m := rubricHeadingRe.FindStringSubmatch(line); m != nil {
			limit, _ := strconv.Atoi(m[2])
			r.Criteria = append(r.Criteria, Criterion{Name: m[1], Max: limit})
			cur = &r.Criteria[len(r.Criteria)-1]
			continue
		}
		if strings.HasPrefix(line, "#") {
			cur = nil
			continue
		}
		if cur == nil {
			continue
		}
		m := rubricBandRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lo, _ := strconv.Atoi(m[1])
		hi := lo
		if m[2] != "" {
			hi, _ = strconv.Atoi(m[2])
		}
		if lo > hi || hi > cur.Max {
			return Rubric{}, fmt.Errorf("rubric: criterion %q: band %d-%d outside 0-%d", cur.Name, lo, hi, cur.Max)
		}
		cur.Bands = append(cur.Bands, Markband{Band: models.Band{Lo: lo, Hi: hi}, Descriptor: strings.TrimSpace(m[3])})
	}
	if len(r.Criteria) == 0 {
		return Rubric{}, fmt.Errorf("rubric: no \"## <criterion> (max N)\" headings: %w", util.ErrRubricMissing)
	}
	seen := map[string]bool{}
	for _, c := range r.Criteria {
		if len(c.Bands) == 0 {
			return Rubric{}, fmt.Errorf("rubric: criterion %q has no markbands", c.Name)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return Rubric{}, fmt.Errorf("rubric: criterion %q listed twice", c.Name)
		}
		seen[key] = true
	}
	return r, nil
}

// Criterion looks a criterion up by name, ignoring case.
func (r Rubric) Criterion(name string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, true
		}
	}
	return Criterion{}, false
}

func (r Rubric) MaxTotal() int {
	total := 0
	for _, c := range r.Criteria {
		total += c.Max
	}
	return total
}

// Format renders the rubric in canonical form for prompts.
func (r Rubric) Format() string {
	var b strings.Builder
	for i, c := range r.Criteria {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "## %s (max %d)\n", c.Name, c.Max)
		for _, mb := range c.Bands {
			if mb.Lo == mb.Hi {
				fmt.Fprintf(&b, "- %d: %s\n", mb.Lo, mb.Descriptor)
			} else {
				fmt.Fprintf(&b, "- %d-%d: %s\n", mb.Lo, mb.Hi, mb.Descriptor)
			}
		}
	}
	return b.String()
}
