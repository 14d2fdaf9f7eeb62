package workflows

type GradeInput struct {
	RunID      string `json:"run_id"`
	PDFPath    string `json:"pdf_path"`
	Filename   string `json:"filename"`
	Language   string `json:"language,omitempty"`
	Credential string `json:"credential,omitempty"`
	// IdleTimeoutSeconds bounds how long the run waits for stage re-runs
	// after the last stage finished.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds,omitempty"`
}

// StageSignal asks for one stage to run again.
type StageSignal struct {
	Stage string `json:"stage"`
}

const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageDone      = "done"
	StageMalformed = "malformed"
	StageFailed    = "failed"
	StageBlocked   = "blocked"
	StageStale     = "stale"
)

type StageStatus struct {
	State    string   `json:"state"`
	Runs     int      `json:"runs"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type GradeStatus struct {
	RunID       string                 `json:"run_id"`
	Filename    string                 `json:"filename"`
	Status      string                 `json:"status"`
	CurrentStep string                 `json:"current_step"`
	DocumentKey string                 `json:"document_key,omitempty"`
	OutDir      string                 `json:"out_dir,omitempty"`
	Pages       int                    `json:"pages"`
	UsedDigest  bool                   `json:"used_digest"`
	States      []string               `json:"states"`
	Stages      map[string]StageStatus `json:"stages"`
	Warnings    []string               `json:"warnings,omitempty"`
	Total       *int                   `json:"total,omitempty"`
	MaxTotal    *int                   `json:"max_total,omitempty"`
	FailReason  string                 `json:"fail_reason,omitempty"`
}
