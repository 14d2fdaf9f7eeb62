package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrRunNotFound = errors.New("grade run not found")

const (
	RunPending    = "pending"
	RunPreparing  = "preparing"
	RunExamining  = "examining"
	RunModerating = "moderating"
	RunCompleted  = "completed"
	RunIncomplete = "incomplete"
	RunFailed     = "failed"
)

type GradeRun struct {
	RunID       string    `json:"run_id"`
	WorkflowID  string    `json:"workflow_id"`
	DocumentKey string    `json:"document_key"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	States      []string  `json:"states"`
	Total       *int      `json:"total,omitempty"`
	MaxTotal    *int      `json:"max_total,omitempty"`
	OutDir      string    `json:"out_dir,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type GradeRunRepo struct {
	db *DB
}

func NewGradeRunRepo(db *DB) *GradeRunRepo {
	return &GradeRunRepo{db: db}
}

func (r *GradeRunRepo) Create(ctx context.Context, run GradeRun) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO grade_runs (run_id, workflow_id, document_key, filename, status, out_dir)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''))`, run.RunID, run.WorkflowID, run.DocumentKey, run.Filename, RunPending, run.OutDir)
	if err != nil {
		return fmt.Errorf("create grade run: %w", err)
	}
	return nil
}

// UpdateStatus records the run status and the reviewer states reached.
func (r *GradeRunRepo) UpdateStatus(ctx context.Context, runID, status string, states []string, errMsg string) error {
	if states == nil {
		states = []string{}
	}
	stateJSON, _ := json.Marshal(states)
	_, err := r.db.Pool.Exec(ctx, `
UPDATE grade_runs SET status=$2, states=$3::jsonb, error=NULLIF($4,''), updated_at=now()
WHERE run_id=$1`, runID, status, string(stateJSON), errMsg)
	if err != nil {
		return fmt.Errorf("update grade run: %w", err)
	}
	return nil
}

func (r *GradeRunRepo) SetResult(ctx context.Context, runID string, total, maxTotal int) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE grade_runs SET total=$2, max_total=$3, updated_at=now() WHERE run_id=$1`, runID, total, maxTotal)
	if err != nil {
		return fmt.Errorf("set grade run result: %w", err)
	}
	return nil
}

// SetDocumentKey records which extracted document a run graded.
func (r *GradeRunRepo) SetDocumentKey(ctx context.Context, runID, key string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE grade_runs SET document_key=$2, updated_at=now() WHERE run_id=$1`, runID, key)
	if err != nil {
		return fmt.Errorf("set grade run document: %w", err)
	}
	return nil
}

const runColumns = `run_id::text, workflow_id, document_key, filename, status, states, total, max_total, COALESCE(out_dir,''), COALESCE(error,''), created_at, updated_at`

func scanRun(row pgx.Row) (GradeRun, error) {
	var run GradeRun
	var states []byte
	if err := row.Scan(&run.RunID, &run.WorkflowID, &run.DocumentKey, &run.Filename, &run.Status, &states,
		&run.Total, &run.MaxTotal, &run.OutDir, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return GradeRun{}, err
	}
	_ = json.Unmarshal(states, &run.States)
	return run, nil
}

func (r *GradeRunRepo) Get(ctx context.Context, runID string) (GradeRun, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return GradeRun{}, ErrRunNotFound
	}
	run, err := scanRun(r.db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM grade_runs WHERE run_id=$1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return GradeRun{}, ErrRunNotFound
	}
	if err != nil {
		return GradeRun{}, fmt.Errorf("get grade run: %w", err)
	}
	return run, nil
}

func (r *GradeRunRepo) List(ctx context.Context, limit int) ([]GradeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT `+runColumns+` FROM grade_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list grade runs: %w", err)
	}
	defer rows.Close()
	var out []GradeRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grade run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
