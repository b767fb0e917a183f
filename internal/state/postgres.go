package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

// Schema mirrors the original implementation's SQLite plans/actions
// tables (plan_id PK, status/created_at/updated_at, a metadata blob; and
// a per-action row keyed by (plan_id, action_id) with a foreign key back
// to plans), translated to Postgres types and upserted the way the
// teacher's PostgresRepository.SaveSnapshot does with ON CONFLICT DO
// UPDATE.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	rejection  JSONB
);

CREATE TABLE IF NOT EXISTS actions (
	plan_id     TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
	action_id   TEXT NOT NULL,
	module      TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result      JSONB,
	error       TEXT,
	attempt     INTEGER NOT NULL DEFAULT 0,
	approval    JSONB,
	PRIMARY KEY (plan_id, action_id)
);

CREATE INDEX IF NOT EXISTS idx_actions_plan_id ON actions (plan_id);
`

// PostgresStore implements Store over a *sql.DB using the lib/pq driver,
// generalized from the teacher's replay.PostgresRepository.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-open *sql.DB. Callers are expected to
// have opened it with driver name "postgres" (lib/pq).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the plans/actions tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("state: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, st *plan.ExecutionState) error {
	if st == nil || st.PlanID == "" {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin create: %w", err)
	}
	defer tx.Rollback()

	metadata, _ := json.Marshal(map[string]interface{}{})
	_, err = tx.ExecContext(ctx,
		`INSERT INTO plans (plan_id, status, created_at, updated_at, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (plan_id) DO NOTHING`,
		st.PlanID, string(st.PlanStatus), st.CreatedAt, st.UpdatedAt, metadata)
	if err != nil {
		return fmt.Errorf("state: insert plan: %w", err)
	}

	for _, a := range st.Actions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO actions (plan_id, action_id, module, action, status, attempt)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (plan_id, action_id) DO NOTHING`,
			st.PlanID, a.ActionID, a.Module, a.ActionName, string(a.Status), a.Attempt)
		if err != nil {
			return fmt.Errorf("state: insert action %s: %w", a.ActionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit create: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status=$1, updated_at=$2 WHERE plan_id=$3`,
		string(status), time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("state: update plan status: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) UpdateAction(ctx context.Context, planID string, a *plan.ActionState) error {
	if a == nil {
		return ErrInvalidInput
	}
	result, err := json.Marshal(a.Result)
	if err != nil {
		return fmt.Errorf("state: marshal action result: %w", err)
	}
	var approval []byte
	if a.Approval != nil {
		approval, err = json.Marshal(a.Approval)
		if err != nil {
			return fmt.Errorf("state: marshal approval metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (plan_id, action_id, module, action, status, started_at, finished_at, result, error, attempt, approval)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (plan_id, action_id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, actions.started_at),
			finished_at = COALESCE(EXCLUDED.finished_at, actions.finished_at),
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			attempt = EXCLUDED.attempt,
			approval = EXCLUDED.approval`,
		planID, a.ActionID, a.Module, a.ActionName, string(a.Status),
		a.StartedAt, a.FinishedAt, toNullJSON(result), nullIfEmpty(a.Error), a.Attempt, toNullJSON(approval))
	if err != nil {
		return fmt.Errorf("state: upsert action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE plans SET updated_at=$1 WHERE plan_id=$2`, time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("state: touch plan updated_at: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRejection(ctx context.Context, planID string, rejection *plan.RejectionDetails) error {
	data, err := json.Marshal(rejection)
	if err != nil {
		return fmt.Errorf("state: marshal rejection: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET rejection=$1, updated_at=$2 WHERE plan_id=$3`,
		data, time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("state: set rejection: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) Get(ctx context.Context, planID string) (*plan.ExecutionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT plan_id, status, created_at, updated_at, rejection FROM plans WHERE plan_id=$1`, planID)

	var st plan.ExecutionState
	var status string
	var rejection []byte
	if err := row.Scan(&st.PlanID, &status, &st.CreatedAt, &st.UpdatedAt, &rejection); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("state: get plan: %w", err)
	}
	st.PlanStatus = plan.PlanStatus(status)
	if len(rejection) > 0 {
		var rd plan.RejectionDetails
		if err := json.Unmarshal(rejection, &rd); err == nil {
			st.RejectionDetails = &rd
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, module, action, status, started_at, finished_at, result, error, attempt, approval
		 FROM actions WHERE plan_id=$1`, planID)
	if err != nil {
		return nil, fmt.Errorf("state: get actions: %w", err)
	}
	defer rows.Close()

	st.Actions = make(map[string]*plan.ActionState)
	for rows.Next() {
		var a plan.ActionState
		var actionStatus string
		var result, approval []byte
		if err := rows.Scan(&a.ActionID, &a.Module, &a.ActionName, &actionStatus,
			&a.StartedAt, &a.FinishedAt, &result, &a.Error, &a.Attempt, &approval); err != nil {
			return nil, fmt.Errorf("state: scan action: %w", err)
		}
		a.Status = plan.ActionStatus(actionStatus)
		if len(result) > 0 {
			json.Unmarshal(result, &a.Result)
		}
		if len(approval) > 0 {
			var am plan.ApprovalMetadata
			if err := json.Unmarshal(approval, &am); err == nil {
				a.Approval = &am
			}
		}
		st.Actions[a.ActionID] = &a
	}
	return &st, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, status plan.PlanStatus, limit int) ([]*plan.ExecutionState, error) {
	query := `SELECT plan_id FROM plans`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: list plans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]*plan.ExecutionState, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, planID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE plan_id=$1`, planID)
	if err != nil {
		return fmt.Errorf("state: delete plan: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) Sweep(ctx context.Context, cutoffSeconds int64) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(cutoffSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plans WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(plan.PlanCompleted), string(plan.PlanFailed), string(plan.PlanCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("state: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toNullJSON(b []byte) interface{} {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
