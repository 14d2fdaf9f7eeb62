package storage

import (
	"context"
	"fmt"
)

// LLMCallRecord is call metadata only; prompts and outputs are never stored.
type LLMCallRecord struct {
	CallID       string
	RunID        string
	Operation    string
	ProviderName string
	Model        string
	KeyAlias     string
	RequestID    string
	Attempt      int
	Status       string
	ErrorType    string
	LatencyMS    int64
}

type LLMAuditRepo struct {
	db *DB
}

func NewLLMAuditRepo(db *DB) *LLMAuditRepo {
	return &LLMAuditRepo{db: db}
}

func (r *LLMAuditRepo) Insert(ctx context.Context, rec LLMCallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO llm_calls(call_id, run_id, operation, provider_name, model, key_alias, request_id, attempt, status, error_type, latency_ms)
VALUES (COALESCE(NULLIF($1,'')::uuid, gen_random_uuid()), NULLIF($2,'')::uuid, $3, $4, $5, NULLIF($6,''), $7, $8, $9, NULLIF($10,''), $11)`,
		rec.CallID, rec.RunID, rec.Operation, rec.ProviderName, rec.Model, rec.KeyAlias, rec.RequestID, rec.Attempt, rec.Status, rec.ErrorType, rec.LatencyMS)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

// CountByRun returns calls per status for one run.
func (r *LLMAuditRepo) CountByRun(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT status, count(*) FROM llm_calls WHERE run_id=$1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count llm calls: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan llm call count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
