package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/config"
	"foreman/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,owner_id,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OwnerID, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- tasks ---

const taskColumns = `id,project_id,key,title,goal,type,context,status,blocked_reason,risk,timebox_minutes,expected_files,subtasks,gates,tags,lock_owner,lock_acquired_at,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var key, goal, taskCtx, blockedReason, expectedFiles, subtasks, gates, tags, lockOwner, lockAt, completedAt sql.NullString
	var timebox sql.NullInt64
	err := row.Scan(&t.ID, &t.ProjectID, &key, &t.Title, &goal, &t.Type, &taskCtx, &t.Status, &blockedReason,
		&t.Risk, &timebox, &expectedFiles, &subtasks, &gates, &tags, &lockOwner, &lockAt,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if key.Valid {
		t.Key = &key.String
	}
	if goal.Valid {
		t.Goal = goal.String
	}
	if taskCtx.Valid {
		t.Context = taskCtx.String
	}
	if blockedReason.Valid {
		t.BlockedReason = &blockedReason.String
	}
	if timebox.Valid {
		v := int(timebox.Int64)
		t.TimeboxMinutes = &v
	}
	t.ExpectedFiles = parseList(expectedFiles)
	t.Subtasks = parseList(subtasks)
	t.Gates = parseList(gates)
	t.Tags = parseList(tags)
	if lockOwner.Valid {
		t.LockOwner = &lockOwner.String
	}
	if lockAt.Valid {
		t.LockAcquiredAt = &lockAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.Key), t.Title, nullable(t.Goal), t.Type, nullable(t.Context),
		t.Status, nullableStringPtr(t.BlockedReason), t.Risk, nullableIntPtr(t.TimeboxMinutes),
		marshalList(t.ExpectedFiles), marshalList(t.Subtasks), marshalList(t.Gates), marshalList(t.Tags),
		nullableStringPtr(t.LockOwner), nullableStringPtr(t.LockAcquiredAt),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET key=?, title=?, goal=?, type=?, context=?, status=?, blocked_reason=?, risk=?, timebox_minutes=?, expected_files=?, subtasks=?, gates=?, tags=?, lock_owner=?, lock_acquired_at=?, updated_at=?, completed_at=? WHERE id=?`,
		nullableStringPtr(t.Key), t.Title, nullable(t.Goal), t.Type, nullable(t.Context), t.Status,
		nullableStringPtr(t.BlockedReason), t.Risk, nullableIntPtr(t.TimeboxMinutes),
		marshalList(t.ExpectedFiles), marshalList(t.Subtasks), marshalList(t.Gates), marshalList(t.Tags),
		nullableStringPtr(t.LockOwner), nullableStringPtr(t.LockAcquiredAt),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, id)
	return t, err
}

func (r Repo) GetTaskByKey(ctx context.Context, projectID, key string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND key=?`, projectID, key))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID string
	Status    string
	Type      string
	Locked    *bool
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Locked != nil {
		if *f.Locked {
			clauses = append(clauses, "lock_owner IS NOT NULL")
		} else {
			clauses = append(clauses, "lock_owner IS NULL")
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = r.ListTaskDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListPickCandidates returns unlocked todo tasks in strategy order. The
// readiness check against dependencies happens in the engine, which fails
// closed on lookup problems; SQL only narrows the candidate pool.
func (r Repo) ListPickCandidates(ctx context.Context, projectID, strategy string) ([]domain.Task, error) {
	order := "created_at ASC, id ASC"
	switch strategy {
	case "priority":
		order = `CASE risk WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END ASC, created_at ASC, id ASC`
	case "newest":
		order = "created_at DESC, id DESC"
	case "oldest", "dependencies", "":
		// oldest-created first
	default:
		return nil, fmt.Errorf("unknown pick strategy %q", strategy)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=? AND status=? AND lock_owner IS NULL ORDER BY ` + order
	rows, err := r.DB.QueryContext(ctx, query, projectID, domain.StatusTodo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AcquireTaskLock performs the atomic conditional lock write. It reports
// false, nil when another caller won the race (zero rows affected); that is
// a retry signal, not an error.
func (r Repo) AcquireTaskLock(ctx context.Context, taskID, owner, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET lock_owner=?, lock_acquired_at=?, updated_at=? WHERE id=? AND lock_owner IS NULL AND status=?`,
		owner, now, now, taskID, domain.StatusTodo)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseTaskLock clears the lock only when the given owner still holds it.
// Releasing a lock held by someone else is a no-op.
func (r Repo) ReleaseTaskLock(ctx context.Context, taskID, owner, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET lock_owner=NULL, lock_acquired_at=NULL, updated_at=? WHERE id=? AND lock_owner=?`,
		now, taskID, owner)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- dependencies ---

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ReplaceDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, taskID); err != nil {
		return err
	}
	return r.AddDependencies(ctx, tx, taskID, deps)
}

// DependencyStatuses returns dependency id -> status for a task. A
// dependency row whose task no longer resolves maps to the empty string so
// the readiness check can fail closed.
func (r Repo) DependencyStatuses(ctx context.Context, taskID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT d.depends_on_task_id, COALESCE(t.status,'') FROM task_deps d LEFT JOIN tasks t ON t.id=d.depends_on_task_id WHERE d.task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	statuses := map[string]string{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func parseList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
