// Package review holds the reviewer wire contract: rubric parsing, prompt
// construction, report parsing with hint isolation, and the stage board
// that orders examiner and moderator runs.
package review

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gradeflow/internal/citation"
	"gradeflow/internal/models"
)

type Role string

const (
	Examiner1 Role = "examiner1"
	Examiner2 Role = "examiner2"
	Moderator Role = "moderator"
)

func (r Role) Valid() bool {
	return r == Examiner1 || r == Examiner2 || r == Moderator
}

// Title is the heading used for a role in rendered reports.
func (r Role) Title() string {
	switch r {
	case Examiner1:
		return "Examiner 1"
	case Examiner2:
		return "Examiner 2"
	case Moderator:
		return "Moderator"
	}
	return string(r)
}

const CoverageLocation = "Coverage report"

var (
	criterionHeadingRe = regexp.MustCompile(`^##\s+Criterion:\s*(.+?)\s*$`)
	sectionHeadingRe   = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	fieldRe            = regexp.MustCompile(`^[-*]\s*([A-Za-z0-9][A-Za-z0-9 \-]*?)\s*:\s*(.*)$`)
	bulletRe           = regexp.MustCompile(`^[-*]\s+(.*)$`)
	markRe             = regexp.MustCompile(`^\**\s*([^/\s*]+)\s*/\s*(\d+)`)
	bandRe             = regexp.MustCompile(`^\**\s*(\d+)(?:\s*[-–]\s*(\d+))?`)
	totalRowRe         = regexp.MustCompile(`(?i)^\|\s*\**total\**\s*\|\s*\**(\d+)\s*/\s*(\d+)`)
	clauseRe           = regexp.MustCompile(`(?i)^(.*?)\s*\[(not evidenced|evidenced)\]\s*\.?$`)
	hintLabelRe        = regexp.MustCompile(`(?i)visual[- ]analysis|\[hint\b|\bvisual hint\b|\buncited\b`)
	coverageRefRe      = regexp.MustCompile(`(?i)^\**coverage(?: report)?\b`)
)

// Parsed is either *ParsedReport or *MalformedReport.
type Parsed interface {
	isParsed()
	RawText() string
}

type ParsedReport struct {
	Raw              string                     `json:"raw"`
	Report           models.MarkReport          `json:"report"`
	Verdict          *models.AdjudicatedVerdict `json:"verdict,omitempty"`
	Citation         citation.Result            `json:"citation"`
	VisualsInventory string                     `json:"visuals_inventory,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
}

type MalformedReport struct {
	Raw      string   `json:"raw"`
	Reason   string   `json:"reason"`
	Problems []string `json:"problems"`
}

func (*ParsedReport) isParsed()    {}
func (*MalformedReport) isParsed() {}

func (p *ParsedReport) RawText() string    { return p.Raw }
func (m *MalformedReport) RawText() string { return m.Raw }

type draft struct {
	name         string
	markTok      string
	max          *int
	band         *wireBand
	descriptor   *string
	e1, e2       *int
	rationale    *string
	evidence     []string
	clauses      []string
	checks       []string
	improvements []string
}

type list int

const (
	listNone list = iota
	listEvidence
	listClauses
	listChecks
	listImprovements
)

type parseState struct {
	criteria  []*draft
	cur       *draft
	list      list
	section   string
	total     *[2]int
	inventory []string
	redFlags  []string
	problems  []string
}

// ParseReport reads a reviewer report, validates it against the wire schema
// and the rubric, and separates verified evidence from hints. known is the
// set of locations in the evidence text the reviewer was given.
func ParseReport(raw string, role Role, rubric Rubric, known citation.Locations) Parsed {
	st := &parseState{}
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		st.line(line)
	}
	if len(st.criteria) == 0 {
		return malformed(raw, []string{"no \"## Criterion:\" blocks found"})
	}

	problems := st.problems
	wire := wireReport{Role: role}
	for _, d := range st.criteria {
		wc, errs := d.wire()
		problems = append(problems, errs...)
		wire.Criteria = append(wire.Criteria, wc)
	}
	if len(problems) == 0 {
		if err := validateWire(wire); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) == 0 {
		problems = append(problems, checkRubric(st.criteria, rubric)...)
	}
	if len(problems) > 0 {
		return malformed(raw, problems)
	}

	out := &ParsedReport{
		Raw:              raw,
		Citation:         citation.Validate(raw, known),
		VisualsInventory: strings.TrimSpace(strings.Join(st.inventory, "\n")),
	}
	out.Report = models.MarkReport{Role: string(role), RedFlags: st.redFlags}
	for _, d := range st.criteria {
		cm := d.mark(rubric, known)
		out.Report.Criteria = append(out.Report.Criteria, cm)
		out.Report.Total += cm.Mark
		out.Report.MaxTotal += cm.Max
	}
	if st.total != nil && (st.total[0] != out.Report.Total || st.total[1] != out.Report.MaxTotal) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("Summary total %d/%d does not match criterion marks %d/%d.",
			st.total[0], st.total[1], out.Report.Total, out.Report.MaxTotal))
	}
	for _, cm := range out.Report.Criteria {
		if n := len(cm.UnverifiedHints); n > 0 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("Criterion %q: %d evidence item(s) moved to unverified hints.", cm.Criterion, n))
		}
	}
	if role == Moderator {
		out.Verdict = verdict(st.criteria, out.Report)
		out.Warnings = append(out.Warnings, out.Verdict.Warnings...)
	}
	out.Warnings = append(out.Warnings, out.Citation.Warnings()...)
	return out
}

func malformed(raw string, problems []string) *MalformedReport {
	return &MalformedReport{Raw: raw, Reason: strings.Join(problems, "; "), Problems: problems}
}

func (st *parseState) line(raw string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return
	}
	if m := criterionHeadingRe.FindStringSubmatch(trimmed); m != nil {
		st.cur = &draft{name: strings.Trim(m[1], "* ")}
		st.criteria = append(st.criteria, st.cur)
		st.list = listNone
		st.section = ""
		return
	}
	if m := sectionHeadingRe.FindStringSubmatch(trimmed); m != nil {
		st.cur = nil
		st.list = listNone
		st.section = strings.ToLower(strings.Trim(m[1], "* "))
		return
	}
	if st.cur == nil {
		st.sectionLine(trimmed)
		return
	}
	nested := raw[0] == ' ' || raw[0] == '\t'
	if !nested {
		if m := fieldRe.FindStringSubmatch(trimmed); m != nil && st.field(strings.ToLower(m[1]), strings.TrimSpace(m[2])) {
			return
		}
	}
	item := trimmed
	if m := bulletRe.FindStringSubmatch(trimmed); m != nil {
		item = m[1]
	}
	st.appendItem(item)
}

func (st *parseState) sectionLine(line string) {
	switch st.section {
	case "summary":
		if m := totalRowRe.FindStringSubmatch(line); m != nil {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			st.total = &[2]int{a, b}
		}
	case "visuals inventory":
		st.inventory = append(st.inventory, line)
	case "red flags":
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			st.redFlags = append(st.redFlags, m[1])
		} else {
			st.redFlags = append(st.redFlags, line)
		}
	}
}

// field handles a top-level "- Key: value" line; false means the key is not
// part of the schema and the line is treated as a list item.
func (st *parseState) field(key, value string) bool {
	d := st.cur
	switch key {
	case "evidence":
		st.openList(listEvidence, value)
		return true
	case "descriptor clauses":
		st.openList(listClauses, value)
		return true
	case "data-processing checks", "data processing checks":
		st.openList(listChecks, value)
		return true
	case "improvements":
		st.openList(listImprovements, value)
		return true
	}
	switch key {
	case "mark":
		d.markTok = value
	case "markband", "mark band":
		m := bandRe.FindStringSubmatch(value)
		if m == nil {
			st.problems = append(st.problems, fmt.Sprintf("criterion %q: markband %q is not a range", d.name, value))
			break
		}
		lo, _ := strconv.Atoi(m[1])
		hi := lo
		if m[2] != "" {
			hi, _ = strconv.Atoi(m[2])
		}
		d.band = &wireBand{Lo: lo, Hi: hi}
	case "descriptor":
		d.descriptor = &value
	case "examiner 1 mark", "examiner1 mark":
		d.e1 = st.intField(value, key)
	case "examiner 2 mark", "examiner2 mark":
		d.e2 = st.intField(value, key)
	case "rationale":
		d.rationale = &value
	default:
		return false
	}
	st.list = listNone
	return true
}

func (st *parseState) intField(value, key string) *int {
	n, err := strconv.Atoi(strings.Trim(value, "* ."))
	if err != nil {
		st.problems = append(st.problems, fmt.Sprintf("criterion %q: %s %q is not an integer", st.cur.name, key, value))
		return nil
	}
	return &n
}

func (st *parseState) openList(l list, inline string) {
	st.list = l
	if inline != "" {
		st.appendItem(inline)
	}
}

func (st *parseState) appendItem(item string) {
	d := st.cur
	switch st.list {
	case listEvidence:
		d.evidence = append(d.evidence, item)
	case listClauses:
		d.clauses = append(d.clauses, item)
	case listChecks:
		d.checks = append(d.checks, item)
	case listImprovements:
		d.improvements = append(d.improvements, item)
	default:
		if d.rationale != nil {
			joined := *d.rationale + " " + item
			d.rationale = &joined
		}
	}
}

func (d *draft) wire() (wireCriterion, []string) {
	wc := wireCriterion{
		Criterion:  d.name,
		Max:        d.max,
		Descriptor: d.descriptor,
		Examiner1:  d.e1,
		Examiner2:  d.e2,
		Rationale:  d.rationale,
		Band:       d.band,
	}
	var problems []string
	if d.markTok == "" {
		problems = append(problems, fmt.Sprintf("criterion %q: missing \"- Mark: n/max\"", d.name))
	} else if m := markRe.FindStringSubmatch(d.markTok); m == nil {
		problems = append(problems, fmt.Sprintf("criterion %q: mark %q is not in n/max form", d.name, d.markTok))
	} else {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("criterion %q: mark %q is not a number", d.name, m[1]))
		} else {
			wc.Mark = &v
		}
		limit, _ := strconv.Atoi(m[2])
		d.max = &limit
		wc.Max = d.max
	}
	if d.band == nil {
		problems = append(problems, fmt.Sprintf("criterion %q: missing \"- Markband:\"", d.name))
	}
	return wc, problems
}

func checkRubric(ds []*draft, rubric Rubric) []string {
	var problems []string
	seen := map[string]bool{}
	for _, d := range ds {
		c, ok := rubric.Criterion(d.name)
		if !ok {
			problems = append(problems, fmt.Sprintf("criterion %q is not in the rubric", d.name))
			continue
		}
		if seen[c.Name] {
			problems = append(problems, fmt.Sprintf("criterion %q appears more than once", c.Name))
		}
		seen[c.Name] = true
		mark := d.markValue()
		band := models.Band{Lo: d.band.Lo, Hi: d.band.Hi}
		if *d.max != c.Max {
			problems = append(problems, fmt.Sprintf("criterion %q: max %d does not match rubric max %d", c.Name, *d.max, c.Max))
		}
		if mark > c.Max {
			problems = append(problems, fmt.Sprintf("criterion %q: mark %d exceeds max %d", c.Name, mark, c.Max))
		}
		if _, ok := c.Band(band); !ok {
			problems = append(problems, fmt.Sprintf("criterion %q: markband %d-%d is not a rubric band", c.Name, band.Lo, band.Hi))
		} else if mark < band.Lo || mark > band.Hi {
			problems = append(problems, fmt.Sprintf("criterion %q: mark %d outside markband %d-%d", c.Name, mark, band.Lo, band.Hi))
		}
	}
	for _, c := range rubric.Criteria {
		if !seen[c.Name] {
			problems = append(problems, fmt.Sprintf("criterion %q missing from report", c.Name))
		}
	}
	return problems
}

func (d *draft) markValue() int {
	m := markRe.FindStringSubmatch(d.markTok)
	v, _ := strconv.ParseFloat(m[1], 64)
	return int(v)
}

func (d *draft) mark(rubric Rubric, known citation.Locations) models.CriterionMark {
	c, _ := rubric.Criterion(d.name)
	cm := models.CriterionMark{
		Criterion:    c.Name,
		Mark:         d.markValue(),
		Max:          c.Max,
		Band:         models.Band{Lo: d.band.Lo, Hi: d.band.Hi},
		Checks:       d.checks,
		Improvements: d.improvements,
	}
	if d.descriptor != nil {
		cm.Descriptor = *d.descriptor
	}
	for _, item := range d.evidence {
		if cit, ok := ClassifyEvidence(item, known); ok {
			cm.Evidence = append(cm.Evidence, cit)
		} else {
			cm.UnverifiedHints = append(cm.UnverifiedHints, item)
		}
	}
	for _, item := range d.clauses {
		if m := clauseRe.FindStringSubmatch(item); m != nil {
			cm.Clauses = append(cm.Clauses, models.ClauseCheck{Clause: m[1], Evidenced: strings.EqualFold(m[2], "evidenced")})
		}
	}
	return cm
}

// ClassifyEvidence accepts an evidence bullet only when it carries at least
// one location that exists in known, or points at the coverage report, and
// is not labelled as a visual-analysis hint.
func ClassifyEvidence(item string, known citation.Locations) (models.Citation, bool) {
	if hintLabelRe.MatchString(item) {
		return models.Citation{}, false
	}
	quote := item
	head, rest, hasColon := strings.Cut(item, ":")
	if coverageRefRe.MatchString(item) {
		if hasColon {
			quote = strings.TrimSpace(rest)
		}
		return models.Citation{Location: CoverageLocation, Quote: quote, Verified: true}, true
	}
	claims := citation.ExtractClaims(item)
	if len(claims) > 0 {
		for _, c := range claims {
			if known.Check(c) != "" {
				return models.Citation{}, false
			}
		}
		loc := claims[0].Text
		if hasColon && strings.Contains(head, loc) {
			quote = strings.TrimSpace(rest)
		}
		return models.Citation{Location: loc, Quote: quote, Verified: true}, true
	}
	return models.Citation{}, false
}

func verdict(ds []*draft, report models.MarkReport) *models.AdjudicatedVerdict {
	v := &models.AdjudicatedVerdict{Total: report.Total, MaxTotal: report.MaxTotal}
	for i, cm := range report.Criteria {
		d := ds[i]
		fm := models.FinalMark{
			Criterion:  cm.Criterion,
			Final:      cm.Mark,
			Max:        cm.Max,
			Examiner1:  *d.e1,
			Examiner2:  *d.e2,
			Rationale:  strings.TrimSpace(*d.rationale),
			Evidence:   cm.Evidence,
			Ungrounded: len(cm.Evidence) == 0,
		}
		if fm.Ungrounded {
			v.Warnings = append(v.Warnings, fmt.Sprintf("Moderator mark for %q has no verified evidence citation.", cm.Criterion))
		}
		v.Criteria = append(v.Criteria, fm)
	}
	return v
}
