package server

import (
	"encoding/json"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/engine/constraint"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string  `json:"id,omitempty"`
	Key            *string  `json:"key,omitempty"`
	Title          string   `json:"title"`
	Goal           *string  `json:"goal,omitempty"`
	Type           string   `json:"type,omitempty" enum:"research,implement,verify,docs,cleanup"`
	Context        *string  `json:"context,omitempty"`
	Risk           *string  `json:"risk,omitempty" enum:"low,medium,high"`
	TimeboxMinutes *int     `json:"timebox_minutes,omitempty"`
	ExpectedFiles  []string `json:"expected_files,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
	Gates          []string `json:"gates,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Title          *string  `json:"title,omitempty"`
	Goal           *string  `json:"goal,omitempty"`
	Context        *string  `json:"context,omitempty"`
	Risk           *string  `json:"risk,omitempty" enum:"low,medium,high"`
	TimeboxMinutes *int     `json:"timebox_minutes,omitempty"`
	ExpectedFiles  []string `json:"expected_files,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
	Gates          []string `json:"gates,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AddDependsOn   []string `json:"add_depends_on,omitempty"`
}

type PickTaskRequest struct {
	AgentID  string `json:"agent_id"`
	Strategy string `json:"strategy,omitempty" enum:"priority,oldest,dependencies,newest"`
}

type StartTaskRequest struct {
	AgentID string `json:"agent_id"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CompleteTaskRequest struct {
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

type AddArtifactRequest struct {
	Kind string `json:"kind,omitempty"`
	URI  string `json:"uri"`
	Note string `json:"note,omitempty"`
}

type ConfigureGateRequest struct {
	IsRequired bool   `json:"is_required"`
	RunnerMode string `json:"runner_mode" enum:"manual,command"`
	Command    string `json:"command,omitempty"`
}

type RunGateRequest struct {
	TaskID  *string `json:"task_id,omitempty"`
	Workdir string  `json:"workdir,omitempty"`
}

type WaiveGateRequest struct {
	TaskID     *string `json:"task_id,omitempty"`
	DecisionID string  `json:"decision_id"`
	Rationale  string  `json:"rationale"`
	CreatedBy  string  `json:"created_by" enum:"agent,human"`
}

type CreateConstraintRequest struct {
	Scope            string `json:"scope" enum:"project,repo,directory,task_type"`
	ScopeValue       string `json:"scope_value,omitempty"`
	Trigger          string `json:"trigger" enum:"always,files_match,task_tag,gate,keyword"`
	TriggerValue     string `json:"trigger_value,omitempty"`
	RuleText         string `json:"rule_text"`
	EnforcementLevel string `json:"enforcement_level" enum:"warn,block"`
}

type EvaluateConstraintsRequest struct {
	Files     []string `json:"files,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Gate      string   `json:"gate,omitempty"`
	TaskType  string   `json:"task_type,omitempty"`
	Directory string   `json:"directory,omitempty"`
}

type ImportPlanRequest struct {
	Markdown string `json:"markdown"`
}

type CreateDecisionRequest struct {
	ID        *string `json:"id,omitempty"`
	Title     string  `json:"title"`
	Decision  string  `json:"decision"`
	Rationale string  `json:"rationale,omitempty"`
	DeciderID *string `json:"decider_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Key            *string  `json:"key,omitempty"`
	Title          string   `json:"title"`
	Goal           string   `json:"goal,omitempty"`
	Type           string   `json:"type" enum:"research,implement,verify,docs,cleanup"`
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
	DependsOn      []string `json:"depends_on"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	URI       string `json:"uri"`
	Note      string `json:"note,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DecisionResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	DeciderID string `json:"decider_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type GateResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	IsRequired bool   `json:"is_required"`
	RunnerMode string `json:"runner_mode" enum:"manual,command"`
	Command    string `json:"command,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type GateRunResponse struct {
	ID        string  `json:"id"`
	GateID    string  `json:"gate_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Status    string  `json:"status" enum:"passing,failing"`
	Stdout    string  `json:"stdout,omitempty"`
	Stderr    string  `json:"stderr,omitempty"`
	ExitCode  int     `json:"exit_code"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type GateStatusResponse struct {
	Gate      GateResponse     `json:"gate"`
	LatestRun *GateRunResponse `json:"latest_run,omitempty"`
}

type GateWaiverResponse struct {
	ID         string         `json:"id"`
	GateID     string         `json:"gate_id"`
	TaskID     *string        `json:"task_id,omitempty"`
	DecisionID string         `json:"decision_id"`
	Rationale  string         `json:"rationale"`
	Evaluation map[string]any `json:"evaluation,omitempty"`
	CreatedBy  string         `json:"created_by" enum:"agent,human"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type ConstraintResponse struct {
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

type ConstraintMatchResponse struct {
	ConstraintID     string `json:"constraint_id"`
	RuleText         string `json:"rule_text"`
	EnforcementLevel string `json:"enforcement_level" enum:"warn,block"`
	Reason           string `json:"reason"`
}

type ConstraintEvalResponse struct {
	Passed     bool                      `json:"passed"`
	Violations []ConstraintMatchResponse `json:"violations"`
	Warnings   []ConstraintMatchResponse `json:"warnings"`
}

type CanWaiveResponse struct {
	Allowed    bool                   `json:"allowed"`
	Evaluation ConstraintEvalResponse `json:"evaluation"`
}

type ImportPlanResponse struct {
	Created  int               `json:"created"`
	Updated  int               `json:"updated"`
	Keys     map[string]string `json:"keys"`
	Warnings []string          `json:"warnings,omitempty"`
}

type ExportPlanResponse struct {
	Markdown string `json:"markdown"`
}

type ValidatePlanResponse struct {
	OK       bool     `json:"ok"`
	Tasks    int      `json:"tasks"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext secret, present only on creation.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type ProjectConfigResponse struct {
	Project  projectConfigSection  `json:"project"`
	Defaults defaultsConfigSection `json:"defaults"`
	Gates    gatesConfigSection    `json:"gates"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type defaultsConfigSection struct {
	PickStrategy       string `json:"pick_strategy"`
	GateTimeoutSeconds int    `json:"gate_timeout_seconds"`
	GateWorkdir        string `json:"gate_workdir,omitempty"`
}

type gatesConfigSection struct {
	Catalog map[string]struct {
		Description string `json:"description"`
	} `json:"catalog"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Key:            t.Key,
		Title:          t.Title,
		Goal:           t.Goal,
		Type:           t.Type,
		Context:        t.Context,
		Status:         t.Status,
		BlockedReason:  t.BlockedReason,
		Risk:           t.Risk,
		TimeboxMinutes: t.TimeboxMinutes,
		ExpectedFiles:  t.ExpectedFiles,
		Subtasks:       t.Subtasks,
		Gates:          t.Gates,
		Tags:           t.Tags,
		LockOwner:      t.LockOwner,
		LockAcquiredAt: t.LockAcquiredAt,
		DependsOn:      nonNilSlice(t.DependsOn),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse(a)
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse(d)
}

func gateResponse(g domain.Gate) GateResponse {
	return GateResponse(g)
}

func gateRunResponse(run domain.GateRun) GateRunResponse {
	return GateRunResponse(run)
}

func gateStatusResponse(s domain.GateStatus) GateStatusResponse {
	res := GateStatusResponse{Gate: gateResponse(s.Gate)}
	if s.LatestRun != nil {
		run := gateRunResponse(*s.LatestRun)
		res.LatestRun = &run
	}
	return res
}

func gateWaiverResponse(w domain.GateWaiver) GateWaiverResponse {
	return GateWaiverResponse{
		ID:         w.ID,
		GateID:     w.GateID,
		TaskID:     w.TaskID,
		DecisionID: w.DecisionID,
		Rationale:  w.Rationale,
		Evaluation: decodeJSONMap(strPtr(w.EvaluationJSON)),
		CreatedBy:  w.CreatedBy,
		CreatedAt:  w.CreatedAt,
	}
}

func constraintResponse(c domain.Constraint) ConstraintResponse {
	return ConstraintResponse(c)
}

func constraintEvalResponse(res constraint.Result) ConstraintEvalResponse {
	out := ConstraintEvalResponse{
		Passed:     res.Passed,
		Violations: []ConstraintMatchResponse{},
		Warnings:   []ConstraintMatchResponse{},
	}
	for _, m := range res.Violations {
		out.Violations = append(out.Violations, constraintMatchResponse(m))
	}
	for _, m := range res.Warnings {
		out.Warnings = append(out.Warnings, constraintMatchResponse(m))
	}
	return out
}

func constraintMatchResponse(m constraint.Match) ConstraintMatchResponse {
	return ConstraintMatchResponse{
		ConstraintID:     m.Constraint.ID,
		RuleText:         m.Constraint.RuleText,
		EnforcementLevel: m.Constraint.EnforcementLevel,
		Reason:           m.Reason,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Kind: cfg.Project.Kind,
		},
		Defaults: defaultsConfigSection{
			PickStrategy:       cfg.PickStrategy(),
			GateTimeoutSeconds: cfg.GateTimeoutSeconds(),
			GateWorkdir:        cfg.Defaults.GateWorkdir,
		},
		Gates: gatesConfigSection{
			Catalog: map[string]struct {
				Description string `json:"description"`
			}{},
		},
	}
	for name, entry := range cfg.Gates.Catalog {
		res.Gates.Catalog[name] = struct {
			Description string `json:"description"`
		}{Description: entry.Description}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
