package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gradeflow/internal/access"
	"gradeflow/internal/activities"
	"gradeflow/internal/config"
	"gradeflow/internal/export"
	"gradeflow/internal/grading"
	"gradeflow/internal/review"
	"gradeflow/internal/storage"
	"gradeflow/internal/util"
	"gradeflow/internal/workflows"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	enumspb "go.temporal.io/api/enums/v1"
	tclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type runStore interface {
	Create(ctx context.Context, run storage.GradeRun) error
	Get(ctx context.Context, runID string) (storage.GradeRun, error)
	List(ctx context.Context, limit int) ([]storage.GradeRun, error)
}

// workflowClient is the part of the Temporal client the API uses.
type workflowClient interface {
	ExecuteWorkflow(ctx context.Context, options tclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (tclient.WorkflowRun, error)
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

type Server struct {
	cfg      config.Config
	runs     runStore
	temporal workflowClient
	exporter *export.Service
	gate     *access.Gate
	logger   logrus.FieldLogger
}

func NewServer(cfg config.Config, logger logrus.FieldLogger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	tc, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		db.Close()
		return nil, err
	}
	return New(cfg, storage.NewGradeRunRepo(db), tc, access.FromConfig(cfg, logger), logger), nil
}

func New(cfg config.Config, runs runStore, tc workflowClient, gate *access.Gate, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		runs:     runs,
		temporal: tc,
		exporter: export.NewService(logger),
		gate:     gate,
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunScoped)
	var h http.Handler = mux
	if s.gate != nil && s.gate.Enabled() {
		h = s.gate.Middleware(h, "/healthz")
	}
	return withCORS(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func workflowID(runID string) string {
	return "grade-" + runID
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}
		runs, err := s.runs.List(r.Context(), limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleRunScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleStatus(w, r, runID)
	case len(parts) == 3 && parts[1] == "stages":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleRerun(w, r, runID, parts[2])
	case len(parts) == 2 && parts[1] == "finish":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		if err := s.temporal.SignalWorkflow(r.Context(), workflowID(runID), "", workflows.SignalFinish, "api"); err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "finishing": true})
	case len(parts) == 3 && parts[1] == "reports":
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleReport(w, r, runID, parts[2])
	case len(parts) == 2 && parts[1] == "export.xlsx":
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleExport(w, r, runID)
	default:
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	var fh *multipart.FileHeader
	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		fh = files[0]
	} else if single, ok := firstSingleFile(r.MultipartForm.File); ok {
		fh = single
	}
	if fh == nil || !strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no pdf file provided"))
		return
	}

	runID := uuid.NewString()
	filename := filepath.Base(fh.Filename)
	pdfPath := activities.PDFPath(s.cfg.DataInRoot, runID, filename)
	checksum, err := saveUploadedFile(pdfPath, fh)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	wfID := workflowID(runID)
	if err := s.runs.Create(r.Context(), storage.GradeRun{
		RunID:      runID,
		WorkflowID: wfID,
		Filename:   filename,
		OutDir:     util.SafeJoin(s.cfg.DataOutRoot, runID),
	}); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	we, err := s.temporal.ExecuteWorkflow(r.Context(), tclient.StartWorkflowOptions{
		ID:                                       wfID,
		TaskQueue:                                s.cfg.TemporalTaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.GradeDocumentWorkflow, workflows.GradeInput{
		RunID:              runID,
		PDFPath:            pdfPath,
		Filename:           filename,
		Language:           strings.TrimSpace(r.FormValue("language")),
		Credential:         strings.TrimSpace(r.FormValue("credential")),
		IdleTimeoutSeconds: int(s.cfg.RunIdleTimeout / time.Second),
	})
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	s.logger.WithFields(logrus.Fields{"run_id": runID, "file": filename, "sha256": checksum}).Info("grade run started")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      runID,
		"workflow_id": we.GetID(),
		"filename":    filename,
		"sha256":      checksum,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, runID string) {
	resp, err := s.temporal.QueryWorkflow(r.Context(), workflowID(runID), "", workflows.QueryGetGradeStatus)
	if err != nil {
		// Closed or unknown workflows are answered from the run table.
		run, dbErr := s.runs.Get(r.Context(), runID)
		if errors.Is(dbErr, storage.ErrRunNotFound) {
			writeErr(w, http.StatusNotFound, dbErr)
			return
		}
		if dbErr != nil {
			writeErr(w, http.StatusInternalServerError, dbErr)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	var st workflows.GradeStatus
	if err := resp.Get(&st); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request, runID, stage string) {
	if !review.Role(stage).Valid() {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown stage %q", stage))
		return
	}
	if err := s.temporal.SignalWorkflow(r.Context(), workflowID(runID), "", workflows.SignalRerunStage, workflows.StageSignal{Stage: stage}); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "stage": stage})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, runID, stage string) {
	role := review.Role(strings.TrimSuffix(stage, ".md"))
	if !role.Valid() {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown stage %q", stage))
		return
	}
	path := filepath.Join(util.SafeJoin(s.cfg.DataOutRoot, runID), string(role)+".md")
	if _, err := os.Stat(path); err != nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("report not found"))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	http.ServeFile(w, r, path)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, runID string) {
	dir := util.SafeJoin(s.cfg.DataOutRoot, runID)
	b, err := grading.ReadBundle(dir)
	if err != nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("run output not found: %w", err))
		return
	}
	stages, err := grading.ReadStages(dir)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	data, err := s.exporter.GradeXLSX(b, stages)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"-grades.xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// saveUploadedFile moves the upload into place atomically and returns its
// SHA-256.
func saveUploadedFile(dstPath string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dstDir := filepath.Dir(dstPath)
	if err := util.EnsureDir(dstDir); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dstDir, "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return "", fmt.Errorf("atomic move upload: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func firstSingleFile(m map[string][]*multipart.FileHeader) (*multipart.FileHeader, bool) {
	for _, v := range m {
		if len(v) > 0 {
			return v[0], true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	apiErr := toAPIError(code, err)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	msg := "Request failed."
	code := "GF-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "GF-DB-5001",
				Message: "Database schema is not initialized. Start the worker once and retry.",
			}
		case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "GF-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "GF-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "GF-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusNotFound:
		code = "GF-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusConflict:
		code = "GF-API-4009"
		msg = "Operation conflicts with current state. Retry after checking status."
	case status == http.StatusMethodNotAllowed:
		code = "GF-API-4005"
		msg = "This endpoint does not support the requested method."
	}

	// For 4xx, keep user-safe validation context only.
	if status >= 400 && status < 500 && err != nil {
		switch {
		case strings.Contains(raw, "no pdf file provided"):
			msg = "No PDF file was provided."
		case strings.Contains(raw, "unknown stage"):
			msg = "Stage must be examiner1, examiner2 or moderator."
		case strings.Contains(raw, "run output not found"):
			msg = "The run has not produced an evidence bundle yet."
		case strings.Contains(raw, "grade run not found"):
			msg = "Unknown grading run."
		}
	}

	return apiError{Code: code, Message: msg}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+access.Header)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
