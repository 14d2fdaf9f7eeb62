// Package citation checks that every location a model output cites exists in
// the evidence that was actually supplied. It never rewrites the output; it
// only reports what does not check out.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const maxRangeSpan = 5000

var (
	chunkRe     = regexp.MustCompile(`(?i)\bchunk\s+(\d+)(?:\s*\|\s*pages?\s+(\d+)(?:\s*[-–]\s*(\d+))?)?`)
	pageRe      = regexp.MustCompile(`(?i)\b(?:pages?|pp?\.)\s*(\d+)(?:\s*(?:-|–|to)\s*(\d+))?`)
	markerRe    = regexp.MustCompile(`(?m)^--- Page (\d+) ---$`)
	chunkLblRe  = regexp.MustCompile(`\[CHUNK (\d+) \| Pages? (\d+)(?:-(\d+))? SUMMARY\]`)
	criterionRe = regexp.MustCompile(`(?m)^##\s+Criterion:\s*(.+?)\s*$`)
	sectionRe   = regexp.MustCompile(`(?m)^##\s+`)
)

type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Locations is the set of citable places in one evidence text.
type Locations struct {
	Pages  map[int]bool       `json:"pages"`
	Chunks map[int]ChunkRange `json:"chunks"`
}

func NewLocations() Locations {
	return Locations{Pages: map[int]bool{}, Chunks: map[int]ChunkRange{}}
}

// PageLocations covers pages 1..n.
func PageLocations(n int) Locations {
	l := NewLocations()
	for i := 1; i <= n; i++ {
		l.Pages[i] = true
	}
	return l
}

// LocationsFromEvidence derives locations from page markers and digest chunk
// labels present in text. Pages inside a chunk's range are citable too. Only
// use it on text whose markers were all generated; document text can spell
// markers of its own.
func LocationsFromEvidence(text string) Locations {
	l := NewLocations()
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		l.Pages[n] = true
	}
	for _, m := range chunkLblRe.FindAllStringSubmatch(text, -1) {
		idx, _ := strconv.Atoi(m[1])
		start, _ := strconv.Atoi(m[2])
		end := start
		if m[3] != "" {
			end, _ = strconv.Atoi(m[3])
		}
		l.AddChunk(idx, start, end)
	}
	return l
}

// AddChunk records a digest chunk; the pages it covers become citable.
func (l Locations) AddChunk(idx, start, end int) {
	l.Chunks[idx] = ChunkRange{Start: start, End: end}
	for p := start; p <= end && p-start <= maxRangeSpan; p++ {
		l.Pages[p] = true
	}
}

func (l Locations) SortedPages() []int {
	out := make([]int, 0, len(l.Pages))
	for p := range l.Pages {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

type ClaimKind string

const (
	KindPage  ClaimKind = "page"
	KindRange ClaimKind = "range"
	KindChunk ClaimKind = "chunk"
)

// Claim is one location identifier found in a model output. For chunk claims
// without a page range, Start and End are zero.
type Claim struct {
	Kind   ClaimKind `json:"kind"`
	Text   string    `json:"text"`
	Offset int       `json:"offset"`
	Chunk  int       `json:"chunk,omitempty"`
	Start  int       `json:"start,omitempty"`
	End    int       `json:"end,omitempty"`
}

type Offending struct {
	Claim  Claim  `json:"claim"`
	Reason string `json:"reason"`
}

type Result struct {
	OK           bool        `json:"ok"`
	Claims       []Claim     `json:"claims"`
	Offending    []Offending `json:"offending,omitempty"`
	NonCompliant bool        `json:"non_compliant"`
	Reasons      []string    `json:"reasons,omitempty"`
}

// Warnings renders the problems of a result as user-facing lines.
func (r Result) Warnings() []string {
	var out []string
	for _, o := range r.Offending {
		out = append(out, fmt.Sprintf("Citation %q: %s.", o.Claim.Text, o.Reason))
	}
	return append(out, r.Reasons...)
}

// ExtractClaims finds chunk labels first, masks them, then finds page ranges
// and single pages in what is left, so "Chunk 2 | Pages 3-5" is one claim.
func ExtractClaims(text string) []Claim {
	var claims []Claim
	masked := []byte(text)
	for _, m := range chunkRe.FindAllStringSubmatchIndex(text, -1) {
		c := Claim{Kind: KindChunk, Text: text[m[0]:m[1]], Offset: m[0]}
		c.Chunk, _ = strconv.Atoi(text[m[2]:m[3]])
		if m[4] >= 0 {
			c.Start, _ = strconv.Atoi(text[m[4]:m[5]])
			c.End = c.Start
			if m[6] >= 0 {
				c.End, _ = strconv.Atoi(text[m[6]:m[7]])
			}
		}
		claims = append(claims, c)
		for i := m[0]; i < m[1]; i++ {
			masked[i] = ' '
		}
	}
	rest := string(masked)
	for _, m := range pageRe.FindAllStringSubmatchIndex(rest, -1) {
		c := Claim{Kind: KindPage, Text: text[m[0]:m[1]], Offset: m[0]}
		c.Start, _ = strconv.Atoi(rest[m[2]:m[3]])
		c.End = c.Start
		if m[4] >= 0 {
			c.Kind = KindRange
			c.End, _ = strconv.Atoi(rest[m[4]:m[5]])
		}
		claims = append(claims, c)
	}
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Offset < claims[j].Offset })
	return claims
}

// Check reports why a single claim is not a known location; "" means valid.
func (l Locations) Check(c Claim) string {
	if c.Kind == KindChunk {
		r, ok := l.Chunks[c.Chunk]
		if !ok {
			return fmt.Sprintf("chunk %d does not exist in the supplied evidence", c.Chunk)
		}
		if c.Start == 0 && c.End == 0 {
			return ""
		}
		if c.Start > c.End {
			return "malformed page range"
		}
		if c.Start < r.Start || c.End > r.End {
			return fmt.Sprintf("chunk %d covers pages %d-%d, not %d-%d", c.Chunk, r.Start, r.End, c.Start, c.End)
		}
		return ""
	}
	if c.Start > c.End || c.End-c.Start > maxRangeSpan {
		return "malformed page range"
	}
	for p := c.Start; p <= c.End; p++ {
		if !l.Pages[p] {
			return fmt.Sprintf("page %d is not in the supplied evidence", p)
		}
	}
	return ""
}

// Validate checks every claim in report against known. A report with no
// citations at all, or with a criterion block that cites nothing, is
// non-compliant. OK is false whenever any claim is offending.
func Validate(report string, known Locations) Result {
	res := Result{Claims: ExtractClaims(report)}
	for _, c := range res.Claims {
		if reason := known.Check(c); reason != "" {
			res.Offending = append(res.Offending, Offending{Claim: c, Reason: reason})
		}
	}
	if len(res.Claims) == 0 {
		res.NonCompliant = true
		res.Reasons = append(res.Reasons, "Report cites no page or chunk locations.")
	}
	for _, b := range criterionBlocks(report) {
		if len(ExtractClaims(b.body)) == 0 {
			res.NonCompliant = true
			res.Reasons = append(res.Reasons, fmt.Sprintf("Criterion %q cites no location.", b.name))
		}
	}
	res.OK = len(res.Offending) == 0 && !res.NonCompliant
	return res
}

type block struct {
	name string
	body string
}

// criterionBlocks splits out "## Criterion: X" sections; a block ends at the
// next level-2 heading.
func criterionBlocks(report string) []block {
	var out []block
	for _, m := range criterionRe.FindAllStringSubmatchIndex(report, -1) {
		body := report[m[1]:]
		if next := sectionRe.FindStringIndex(body); next != nil {
			body = body[:next[0]]
		}
		out = append(out, block{name: strings.TrimSpace(report[m[2]:m[3]]), body: body})
	}
	return out
}
