package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

// --- constraints ---

func (r Repo) InsertConstraint(ctx context.Context, tx *sql.Tx, c domain.Constraint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO constraints(id,project_id,scope,scope_value,trigger_kind,trigger_value,rule_text,enforcement_level,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Scope, nullableStringPtr(c.ScopeValue), c.Trigger, nullableStringPtr(c.TriggerValue), c.RuleText, c.EnforcementLevel, c.CreatedAt)
	return err
}

func (r Repo) GetConstraint(ctx context.Context, id string) (domain.Constraint, error) {
	return scanConstraint(r.DB.QueryRowContext(ctx, `SELECT id,project_id,scope,scope_value,trigger_kind,trigger_value,rule_text,enforcement_level,created_at FROM constraints WHERE id=?`, id))
}

func scanConstraint(row rowScanner) (domain.Constraint, error) {
	var c domain.Constraint
	var scopeValue, triggerValue sql.NullString
	err := row.Scan(&c.ID, &c.ProjectID, &c.Scope, &scopeValue, &c.Trigger, &triggerValue, &c.RuleText, &c.EnforcementLevel, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if scopeValue.Valid {
		c.ScopeValue = &scopeValue.String
	}
	if triggerValue.Valid {
		c.TriggerValue = &triggerValue.String
	}
	return c, nil
}

func (r Repo) ListConstraints(ctx context.Context, projectID string) ([]domain.Constraint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,scope,scope_value,trigger_kind,trigger_value,rule_text,enforcement_level,created_at FROM constraints WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Constraint
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteConstraint(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM constraints WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- artifacts ---

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,task_id,kind,uri,note,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.TaskID, a.Kind, a.URI, nullable(a.Note), a.CreatedBy, a.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	var a domain.Artifact
	var note sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,task_id,kind,uri,note,created_by,created_at FROM artifacts WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.TaskID, &a.Kind, &a.URI, &note, &a.CreatedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if note.Valid {
		a.Note = note.String
	}
	return a, nil
}

func (r Repo) ListArtifactsByTask(ctx context.Context, taskID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,task_id,kind,uri,note,created_by,created_at FROM artifacts WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var note sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.TaskID, &a.Kind, &a.URI, &note, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			a.Note = note.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- decisions ---

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,project_id,title,decision,rationale,decider_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Title, d.Decision, nullable(d.Rationale), d.DeciderID, d.CreatedAt)
	return err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	var d domain.Decision
	var rationale sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,title,decision,rationale,decider_id,created_at FROM decisions WHERE id=?`, id).
		Scan(&d.ID, &d.ProjectID, &d.Title, &d.Decision, &rationale, &d.DeciderID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if rationale.Valid {
		d.Rationale = rationale.String
	}
	return d, nil
}

func (r Repo) ListDecisions(ctx context.Context, projectID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,decision,rationale,decider_id,created_at FROM decisions WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var rationale sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Decision, &rationale, &d.DeciderID, &d.CreatedAt); err != nil {
			return nil, err
		}
		if rationale.Valid {
			d.Rationale = rationale.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
