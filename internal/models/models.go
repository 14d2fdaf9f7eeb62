package models

type ExtractionMethod string

const (
	MethodNative ExtractionMethod = "native"
	MethodOCR    ExtractionMethod = "ocr"
	MethodNone   ExtractionMethod = "none"
)

// Page is one physical page of the document as extracted. Pages are never
// mutated after extraction.
type Page struct {
	Number        int              `json:"number"`
	Text          string           `json:"text"`
	Method        ExtractionMethod `json:"method"`
	OCRConfidence *float64         `json:"ocr_confidence,omitempty"`
	NoText        bool             `json:"no_text"`
	ImageCount    int              `json:"image_count"`
	VectorCount   int              `json:"vector_count"`
	Failure       string           `json:"failure,omitempty"`
}

func (p Page) UsedOCR() bool {
	return p.Method == MethodOCR
}

type VisualKind string

const (
	VisualRaster VisualKind = "raster-image"
	VisualVector VisualKind = "vector-drawing"
)

type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

type Position struct {
	Hint string `json:"hint"`
	BBox *Rect  `json:"bbox,omitempty"`
}

// ExtractedVisual belongs to exactly one page. Caption, when set, was found in
// the text of that same page.
type ExtractedVisual struct {
	Index    int        `json:"index"`
	Page     int        `json:"page"`
	Name     string     `json:"name"`
	Kind     VisualKind `json:"kind"`
	Position Position   `json:"position"`
	Caption  string     `json:"caption,omitempty"`
	Label    string     `json:"label,omitempty"`
	Format   string     `json:"format,omitempty"`
	Width    int        `json:"width,omitempty"`
	Height   int        `json:"height,omitempty"`
	Data     []byte     `json:"-"`
}

func (v ExtractedVisual) Captioned() bool {
	return v.Caption != ""
}

type DigestChunk struct {
	Index     int    `json:"index"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
	Part      int    `json:"part,omitempty"`
	Parts     int    `json:"parts,omitempty"`
	Source    string `json:"-"`
	Summary   string `json:"summary"`
	MarkerOK  bool   `json:"marker_ok"`
	Failed    bool   `json:"failed,omitempty"`
}

type VisualStatus string

const (
	VisualAnalyzed    VisualStatus = "analyzed"
	VisualSkipped     VisualStatus = "skipped"
	VisualNotRendered VisualStatus = "not-rendered"
	VisualFailed      VisualStatus = "failed"
)

type VisualFields struct {
	VisualType     string `json:"visual_type"`
	Summary        string `json:"summary"`
	ChartDetails   string `json:"chart_details"`
	TableStructure string `json:"table_structure"`
	Readability    string `json:"readability"`
}

// VisualAnalysis is an unverified hint about one visual. It is never citable
// evidence on its own.
type VisualAnalysis struct {
	VisualIndex int          `json:"visual_index"`
	Page        int          `json:"page"`
	Name        string       `json:"name"`
	Kind        VisualKind   `json:"kind"`
	Label       string       `json:"label,omitempty"`
	Status      VisualStatus `json:"status"`
	Fields      VisualFields `json:"fields"`
	Compliant   bool         `json:"compliant"`
	Verified    bool         `json:"verified"`
	Attempts    int          `json:"attempts"`
	Error       string       `json:"error,omitempty"`

	// FormatWarning names the repairs applied to a kept answer.
	FormatWarning string `json:"format_warning,omitempty"`
}

type Citation struct {
	Location string `json:"location"`
	Quote    string `json:"quote,omitempty"`
	Verified bool   `json:"verified"`
}

type ClauseCheck struct {
	Clause    string `json:"clause"`
	Evidenced bool   `json:"evidenced"`
}

type Band struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

type CriterionMark struct {
	Criterion       string        `json:"criterion"`
	Mark            int           `json:"mark"`
	Max             int           `json:"max"`
	Band            Band          `json:"band"`
	Descriptor      string        `json:"descriptor"`
	Evidence        []Citation    `json:"evidence"`
	Clauses         []ClauseCheck `json:"clauses"`
	Checks          []string      `json:"checks,omitempty"`
	Improvements    []string      `json:"improvements,omitempty"`
	UnverifiedHints []string      `json:"unverified_hints,omitempty"`
}

type MarkReport struct {
	Role     string          `json:"role"`
	Criteria []CriterionMark `json:"criteria"`
	Total    int             `json:"total"`
	MaxTotal int             `json:"max_total"`
	RedFlags []string        `json:"red_flags,omitempty"`
}

type FinalMark struct {
	Criterion string     `json:"criterion"`
	Final     int        `json:"final"`
	Max       int        `json:"max"`
	Examiner1 int        `json:"examiner1"`
	Examiner2 int        `json:"examiner2"`
	Rationale string     `json:"rationale"`
	Evidence  []Citation `json:"evidence"`

	// Ungrounded is set when no verified citation backs the final mark.
	Ungrounded bool `json:"ungrounded,omitempty"`
}

type AdjudicatedVerdict struct {
	Criteria []FinalMark `json:"criteria"`
	Total    int         `json:"total"`
	MaxTotal int         `json:"max_total"`
	Warnings []string    `json:"warnings,omitempty"`
}
