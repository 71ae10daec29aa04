package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

// --- gates ---

// UpsertGate matches on (project_id, name); configuration is idempotent and
// gates are never hard-deleted.
func (r Repo) UpsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gates(id,project_id,name,is_required,runner_mode,command,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,name) DO UPDATE SET is_required=excluded.is_required, runner_mode=excluded.runner_mode, command=excluded.command, updated_at=excluded.updated_at`,
		g.ID, g.ProjectID, g.Name, boolInt(g.IsRequired), g.RunnerMode, nullable(g.Command), g.CreatedAt, g.UpdatedAt)
	return err
}

func scanGate(row rowScanner) (domain.Gate, error) {
	var g domain.Gate
	var required int
	var command sql.NullString
	err := row.Scan(&g.ID, &g.ProjectID, &g.Name, &required, &g.RunnerMode, &command, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.IsRequired = required != 0
	if command.Valid {
		g.Command = command.String
	}
	return g, nil
}

const gateColumns = `id,project_id,name,is_required,runner_mode,command,created_at,updated_at`

func (r Repo) GetGate(ctx context.Context, projectID, name string) (domain.Gate, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND name=?`, projectID, name))
}

func (r Repo) GetGateByID(ctx context.Context, id string) (domain.Gate, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE id=?`, id))
}

func (r Repo) ListGates(ctx context.Context, projectID string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// --- gate runs ---

func (r Repo) InsertGateRun(ctx context.Context, tx *sql.Tx, run domain.GateRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_runs(id,gate_id,task_id,status,stdout,stderr,exit_code,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.GateID, nullableStringPtr(run.TaskID), run.Status, nullable(run.Stdout), nullable(run.Stderr), run.ExitCode, run.CreatedAt)
	return err
}

func scanGateRun(row rowScanner) (domain.GateRun, error) {
	var run domain.GateRun
	var taskID, stdout, stderr sql.NullString
	err := row.Scan(&run.ID, &run.GateID, &taskID, &run.Status, &stdout, &stderr, &run.ExitCode, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if taskID.Valid {
		run.TaskID = &taskID.String
	}
	if stdout.Valid {
		run.Stdout = stdout.String
	}
	if stderr.Valid {
		run.Stderr = stderr.String
	}
	return run, nil
}

const gateRunColumns = `id,gate_id,task_id,status,stdout,stderr,exit_code,created_at`

// LatestGateRun returns the most recent run for (gate, optional task).
// With a task id, task-scoped runs win over project-wide runs; without one,
// any run qualifies.
func (r Repo) LatestGateRun(ctx context.Context, gateID string, taskID *string) (domain.GateRun, error) {
	if taskID != nil && *taskID != "" {
		run, err := scanGateRun(r.DB.QueryRowContext(ctx,
			`SELECT `+gateRunColumns+` FROM gate_runs WHERE gate_id=? AND task_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, gateID, *taskID))
		if err == nil {
			return run, nil
		}
		if err != ErrNotFound {
			return run, err
		}
	}
	return scanGateRun(r.DB.QueryRowContext(ctx,
		`SELECT `+gateRunColumns+` FROM gate_runs WHERE gate_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, gateID))
}

func (r Repo) ListGateRuns(ctx context.Context, gateID string, limit int) ([]domain.GateRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateRunColumns+` FROM gate_runs WHERE gate_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, gateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateRun
	for rows.Next() {
		run, err := scanGateRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- gate waivers ---

func (r Repo) InsertGateWaiver(ctx context.Context, tx *sql.Tx, w domain.GateWaiver) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_waivers(id,gate_id,task_id,decision_id,rationale,evaluation_json,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.GateID, nullableStringPtr(w.TaskID), w.DecisionID, w.Rationale, nullable(w.EvaluationJSON), w.CreatedBy, w.CreatedAt)
	return err
}

func (r Repo) CountGateWaivers(ctx context.Context, gateID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM gate_waivers WHERE gate_id=?`, gateID).Scan(&n)
	return n, err
}

// HasGateWaiver reports whether a waiver exists for (gate, optional task).
// Task-scoped waivers only satisfy that task; a project-wide waiver (no
// task) satisfies any.
func (r Repo) HasGateWaiver(ctx context.Context, gateID string, taskID *string) (bool, error) {
	query := `SELECT COUNT(*) FROM gate_waivers WHERE gate_id=? AND task_id IS NULL`
	args := []any{gateID}
	if taskID != nil && *taskID != "" {
		query = `SELECT COUNT(*) FROM gate_waivers WHERE gate_id=? AND (task_id IS NULL OR task_id=?)`
		args = append(args, *taskID)
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListGateWaivers(ctx context.Context, gateID string) ([]domain.GateWaiver, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,gate_id,task_id,decision_id,rationale,evaluation_json,created_by,created_at FROM gate_waivers WHERE gate_id=? ORDER BY created_at DESC, id DESC`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateWaiver
	for rows.Next() {
		var w domain.GateWaiver
		var taskID, eval sql.NullString
		if err := rows.Scan(&w.ID, &w.GateID, &taskID, &w.DecisionID, &w.Rationale, &eval, &w.CreatedBy, &w.CreatedAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			w.TaskID = &taskID.String
		}
		if eval.Valid {
			w.EvaluationJSON = eval.String
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
