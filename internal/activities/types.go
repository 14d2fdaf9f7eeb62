package activities

import "gradeflow/internal/grading"

type PrepareDocumentInput struct {
	RunID      string `json:"run_id"`
	PDFPath    string `json:"pdf_path"`
	Language   string `json:"language"`
	Credential string `json:"credential,omitempty"`
}

type PrepareDocumentOutput struct {
	DocumentKey string   `json:"document_key"`
	OutDir      string   `json:"out_dir"`
	Pages       int      `json:"pages"`
	Visuals     int      `json:"visuals"`
	UsedDigest  bool     `json:"used_digest"`
	Warnings    []string `json:"warnings,omitempty"`
}

type StageInput struct {
	RunID  string `json:"run_id"`
	OutDir string `json:"out_dir"`
	Role   string `json:"role"`
}

type ModerateInput struct {
	RunID     string              `json:"run_id"`
	OutDir    string              `json:"out_dir"`
	Examiner1 grading.StageResult `json:"examiner1"`
	Examiner2 grading.StageResult `json:"examiner2"`
}

type UpdateRunStatusInput struct {
	RunID       string   `json:"run_id"`
	Status      string   `json:"status"`
	States      []string `json:"states"`
	DocumentKey string   `json:"document_key,omitempty"`
	Error       string   `json:"error,omitempty"`
	Total       *int     `json:"total,omitempty"`
	MaxTotal    *int     `json:"max_total,omitempty"`
}
