package domain

// Task statuses. todo is the initial unlocked state; done and cancelled are
// terminal. blocked tasks re-enter todo once the blocking reason is resolved.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// Task types as used by plan documents and the CLI.
var TaskTypes = []string{"research", "implement", "verify", "docs", "cleanup"}

// Risk levels, lowest to highest.
var RiskLevels = []string{"low", "medium", "high"}

type Project struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Key            *string  `json:"key,omitempty"`
	Title          string   `json:"title"`
	Goal           string   `json:"goal,omitempty"`
	Type           string   `json:"type"`
	Context        string   `json:"context,omitempty"`
	Status         string   `json:"status" enum:"todo,in_progress,blocked,review,done,cancelled"`
	BlockedReason  *string  `json:"blocked_reason,omitempty"`
	Risk           string   `json:"risk" enum:"low,medium,high"`
	TimeboxMinutes *int     `json:"timebox_minutes,omitempty"`
	ExpectedFiles  []string `json:"expected_files,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
	Gates          []string `json:"gates,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	LockOwner      *string  `json:"lock_owner,omitempty"`
	LockAcquiredAt *string  `json:"lock_acquired_at,omitempty" format:"date-time"`
	DependsOn      []string `json:"depends_on,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Locked reports whether the task currently carries an agent lock.
func (t Task) Locked() bool {
	return t.LockOwner != nil && *t.LockOwner != ""
}

// Terminal reports whether the task is in a final state.
func (t Task) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusCancelled
}

type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	URI       string `json:"uri"`
	Note      string `json:"note,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Decision struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	DeciderID string `json:"decider_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Gate runner modes.
const (
	RunnerManual  = "manual"
	RunnerCommand = "command"
)

type Gate struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	IsRequired bool   `json:"is_required"`
	RunnerMode string `json:"runner_mode" enum:"manual,command"`
	Command    string `json:"command,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// GateRun statuses.
const (
	RunPassing = "passing"
	RunFailing = "failing"
)

type GateRun struct {
	ID        string  `json:"id"`
	GateID    string  `json:"gate_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Status    string  `json:"status" enum:"passing,failing"`
	Stdout    string  `json:"stdout,omitempty"`
	Stderr    string  `json:"stderr,omitempty"`
	ExitCode  int     `json:"exit_code"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type GateWaiver struct {
	ID             string  `json:"id"`
	GateID         string  `json:"gate_id"`
	TaskID         *string `json:"task_id,omitempty"`
	DecisionID     string  `json:"decision_id"`
	Rationale      string  `json:"rationale"`
	EvaluationJSON string  `json:"evaluation_json,omitempty"`
	CreatedBy      string  `json:"created_by" enum:"agent,human"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Constraint scopes and triggers.
const (
	ScopeProject   = "project"
	ScopeRepo      = "repo"
	ScopeDirectory = "directory"
	ScopeTaskType  = "task_type"

	TriggerAlways     = "always"
	TriggerFilesMatch = "files_match"
	TriggerTaskTag    = "task_tag"
	TriggerGate       = "gate"
	TriggerKeyword    = "keyword"

	EnforceWarn  = "warn"
	EnforceBlock = "block"
)

type Constraint struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Scope            string  `json:"scope" enum:"project,repo,directory,task_type"`
	ScopeValue       *string `json:"scope_value,omitempty"`
	Trigger          string  `json:"trigger" enum:"always,files_match,task_tag,gate,keyword"`
	TriggerValue     *string `json:"trigger_value,omitempty"`
	RuleText         string  `json:"rule_text"`
	EnforcementLevel string  `json:"enforcement_level" enum:"warn,block"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// GateStatus pairs a configured gate with its most recent run, if any.
type GateStatus struct {
	Gate      Gate     `json:"gate"`
	LatestRun *GateRun `json:"latest_run,omitempty"`
}
