package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/engine/safety"
	"foreman/internal/events"
	"foreman/internal/exec"
	"foreman/internal/repo"
)

// pickRetryBound caps how many lock races one pick call absorbs before
// reporting no task available.
const pickRetryBound = 16

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Runner exec.CommandRunner
	Safety *safety.Classifier
	Now    func() time.Time
}

// New wires an engine over an open database. Safety patterns from config
// are compiled here so a bad pattern fails at startup.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	var extras []safety.ExtraPattern
	if cfg != nil {
		for _, p := range cfg.Safety.ExtraPatterns {
			extras = append(extras, safety.ExtraPattern{Name: p.Name, Pattern: p.Pattern, Severity: p.Severity})
		}
	}
	cls, err := safety.New(extras...)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Runner: exec.NewRunner(),
		Safety: cls,
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) classifier() *safety.Classifier {
	if e.Safety != nil {
		return e.Safety
	}
	return safety.MustDefault()
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, ownerID, description string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, invalidf("project id is required")
	}
	if ownerID == "" {
		return domain.Project{}, invalidf("owner is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		OwnerID:     ownerID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowStr(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,owner_id,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Status, p.Description, p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, ownerID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	ProjectID      string
	Key            string
	Title          string
	Goal           string
	Type           string
	Context        string
	Risk           string
	TimeboxMinutes int
	ExpectedFiles  []string
	Subtasks       []string
	Gates          []string
	Tags           []string
	DependsOn      []string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, invalidf("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, invalidf("project is required")
	}
	if opts.Type == "" {
		opts.Type = "implement"
	}
	if !contains(domain.TaskTypes, opts.Type) {
		return domain.Task{}, invalidf("unknown task type %q", opts.Type)
	}
	if opts.Risk == "" {
		opts.Risk = "medium"
	}
	if !contains(domain.RiskLevels, opts.Risk) {
		return domain.Task{}, invalidf("unknown risk %q", opts.Risk)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	for _, d := range opts.DependsOn {
		if d == opts.ID && opts.ID != "" {
			return domain.Task{}, invalidf("task cannot depend on itself")
		}
		if _, err := e.Repo.GetTask(ctx, d); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, invalidf("dependency %s does not exist", d)
			}
			return domain.Task{}, err
		}
	}

	id := opts.ID
	now := e.nowStr()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:             id,
		ProjectID:      opts.ProjectID,
		Key:            optionalString(opts.Key),
		Title:          opts.Title,
		Goal:           opts.Goal,
		Type:           opts.Type,
		Context:        opts.Context,
		Status:         domain.StatusTodo,
		Risk:           opts.Risk,
		TimeboxMinutes: optionalInt(opts.TimeboxMinutes),
		ExpectedFiles:  opts.ExpectedFiles,
		Subtasks:       opts.Subtasks,
		Gates:          opts.Gates,
		Tags:           opts.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// TaskUpdateOptions encapsulates allowed metadata updates. Lifecycle status
// changes go through the dedicated operations, not here.
type TaskUpdateOptions struct {
	ID             string
	Title          *string
	Goal           *string
	Context        *string
	Risk           *string
	TimeboxMinutes *int
	ExpectedFiles  []string
	Subtasks       []string
	Gates          []string
	Tags           []string
	AddDeps        []string
	ActorID        string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.Terminal() {
		return t, invalidf("task %s is %s and cannot be updated", t.ID, t.Status)
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, invalidf("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Goal != nil {
		t.Goal = *opts.Goal
	}
	if opts.Context != nil {
		t.Context = *opts.Context
	}
	if opts.Risk != nil {
		if !contains(domain.RiskLevels, *opts.Risk) {
			return t, invalidf("unknown risk %q", *opts.Risk)
		}
		t.Risk = *opts.Risk
	}
	if opts.TimeboxMinutes != nil {
		if *opts.TimeboxMinutes <= 0 {
			t.TimeboxMinutes = nil
		} else {
			t.TimeboxMinutes = opts.TimeboxMinutes
		}
	}
	if opts.ExpectedFiles != nil {
		t.ExpectedFiles = opts.ExpectedFiles
	}
	if opts.Subtasks != nil {
		t.Subtasks = opts.Subtasks
	}
	if opts.Gates != nil {
		t.Gates = opts.Gates
	}
	if opts.Tags != nil {
		t.Tags = opts.Tags
	}
	for _, d := range opts.AddDeps {
		if d == t.ID {
			return t, invalidf("task cannot depend on itself")
		}
		if _, err := e.Repo.GetTask(ctx, d); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return t, invalidf("dependency %s does not exist", d)
			}
			return t, err
		}
	}
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if len(opts.AddDeps) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.DependsOn, _ = e.Repo.ListTaskDependencies(ctx, t.ID)
	return t, nil
}

// AddArtifact records a produced artifact against a task.
func (e Engine) AddArtifact(ctx context.Context, a domain.Artifact, actorID string) (domain.Artifact, error) {
	if a.TaskID == "" {
		return a, invalidf("task is required")
	}
	if a.URI == "" {
		return a, invalidf("uri is required")
	}
	if a.Kind == "" {
		a.Kind = "file"
	}
	t, err := e.Repo.GetTask(ctx, a.TaskID)
	if err != nil {
		return a, err
	}
	a.ID = uuid.New().String()
	a.ProjectID = t.ProjectID
	if a.CreatedBy == "" {
		a.CreatedBy = actorID
	}
	a.CreatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "artifact.added", a.ProjectID, "artifact", a.ID, actorID, events.EventPayload{"task_id": a.TaskID, "uri": a.URI}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// CreateDecision records a decision for later reference by gate waivers.
func (e Engine) CreateDecision(ctx context.Context, d domain.Decision, actorID string) (domain.Decision, error) {
	if d.Title == "" {
		return d, invalidf("title is required")
	}
	if d.Decision == "" {
		return d, invalidf("decision text is required")
	}
	if _, err := e.Repo.GetProject(ctx, d.ProjectID); err != nil {
		return d, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DeciderID == "" {
		d.DeciderID = actorID
	}
	d.CreatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "decision.created", d.ProjectID, "decision", d.ID, actorID, events.EventPayload{"title": d.Title}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
