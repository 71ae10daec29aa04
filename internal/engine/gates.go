package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/engine/constraint"
	"foreman/internal/engine/safety"
	"foreman/internal/events"
	"foreman/internal/repo"
)

const (
	maxGateNameLen  = 100
	maxGateCmdLen   = 1000
	maxRationaleLen = 2000

	// escalatedRationaleLen applies once a gate has prior waivers and the
	// current constraint evaluation still shows violations.
	escalatedRationaleLen = 100

	manualRunNote = "recorded manually; verification is a human responsibility"
)

// GateConfigureOptions parameterize gate upsert.
type GateConfigureOptions struct {
	ProjectID  string
	Name       string
	IsRequired bool
	RunnerMode string
	Command    string
	ActorID    string
}

// ConfigureGate creates or updates a gate, matched by project and name.
// Commands flagged by the safety classifier cannot be configured at all.
func (e Engine) ConfigureGate(ctx context.Context, opts GateConfigureOptions) (domain.Gate, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Gate{}, invalidf("gate name is required")
	}
	if len(name) > maxGateNameLen {
		return domain.Gate{}, invalidf("gate name exceeds %d characters", maxGateNameLen)
	}
	switch opts.RunnerMode {
	case domain.RunnerManual:
		if opts.Command != "" {
			return domain.Gate{}, invalidf("manual gates do not take a command")
		}
	case domain.RunnerCommand:
		if strings.TrimSpace(opts.Command) == "" {
			return domain.Gate{}, invalidf("command is required for runner_mode=command")
		}
		if len(opts.Command) > maxGateCmdLen {
			return domain.Gate{}, invalidf("command exceeds %d characters", maxGateCmdLen)
		}
		rep := e.classifier().Analyze(opts.Command)
		if rep.IsDangerous {
			return domain.Gate{}, ValidationError{
				Message: "refusing to configure dangerous command: " + rep.Message,
				Details: map[string]any{"safety": rep},
			}
		}
	default:
		return domain.Gate{}, invalidf("runner_mode must be manual or command")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Gate{}, err
	}

	now := e.nowStr()
	g := domain.Gate{
		ID:         uuid.New().String(),
		ProjectID:  opts.ProjectID,
		Name:       name,
		IsRequired: opts.IsRequired,
		RunnerMode: opts.RunnerMode,
		Command:    opts.Command,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertGate(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "gate.configured", g.ProjectID, "gate", g.Name, opts.ActorID, events.EventPayload{
		"runner_mode": g.RunnerMode,
		"is_required": g.IsRequired,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	// upsert may have kept the existing row id
	return e.Repo.GetGate(ctx, opts.ProjectID, name)
}

// GateRunOptions parameterize a gate execution.
type GateRunOptions struct {
	ProjectID string
	Name      string
	TaskID    *string
	Workdir   string
	ActorID   string
}

// RunGate executes or records one verification of a gate. Commands are
// screened again immediately before execution; a flagged command persists a
// failing run as the audit trail and then surfaces a validation error.
// Command output is redacted before storage.
func (e Engine) RunGate(ctx context.Context, opts GateRunOptions) (domain.GateRun, error) {
	g, err := e.Repo.GetGate(ctx, opts.ProjectID, opts.Name)
	if err != nil {
		return domain.GateRun{}, err
	}
	run := domain.GateRun{
		ID:        uuid.New().String(),
		GateID:    g.ID,
		TaskID:    opts.TaskID,
		CreatedAt: e.nowStr(),
	}

	if g.RunnerMode == domain.RunnerManual {
		run.Status = domain.RunPassing
		run.Stdout = manualRunNote
		if err := e.recordGateRun(ctx, g, run, opts.ActorID, false); err != nil {
			return run, err
		}
		return run, nil
	}

	rep := e.classifier().Analyze(g.Command)
	if rep.IsDangerous {
		run.Status = domain.RunFailing
		run.Stderr = rep.Message
		if len(rep.Recommendations) > 0 {
			run.Stderr += "\n" + strings.Join(rep.Recommendations, "\n")
		}
		run.ExitCode = -1
		if err := e.recordGateRun(ctx, g, run, opts.ActorID, true); err != nil {
			return run, err
		}
		return run, ValidationError{
			Message: rep.Message,
			Details: map[string]any{"safety": rep, "run_id": run.ID},
		}
	}

	workdir := opts.Workdir
	if workdir == "" && e.Config != nil {
		workdir = e.Config.Defaults.GateWorkdir
	}
	timeout := 300 * time.Second
	if e.Config != nil {
		timeout = time.Duration(e.Config.GateTimeoutSeconds()) * time.Second
	}
	res, err := e.Runner.RunShell(ctx, workdir, g.Command, timeout)
	if err != nil {
		return run, err
	}
	run.Stdout = safety.RedactSecrets(res.Stdout)
	run.Stderr = safety.RedactSecrets(res.Stderr)
	run.ExitCode = res.ExitCode
	if res.TimedOut {
		run.Status = domain.RunFailing
		if run.Stderr != "" {
			run.Stderr += "\n"
		}
		run.Stderr += "command timed out after " + timeout.String()
	} else if res.ExitCode == 0 {
		run.Status = domain.RunPassing
	} else {
		run.Status = domain.RunFailing
	}
	if err := e.recordGateRun(ctx, g, run, opts.ActorID, false); err != nil {
		return run, err
	}
	return run, nil
}

func (e Engine) recordGateRun(ctx context.Context, g domain.Gate, run domain.GateRun, actorID string, blocked bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGateRun(ctx, tx, run); err != nil {
		return err
	}
	payload := events.EventPayload{
		"gate":      g.Name,
		"status":    run.Status,
		"exit_code": run.ExitCode,
	}
	if blocked {
		payload["blocked"] = true
	}
	if run.TaskID != nil {
		payload["task_id"] = *run.TaskID
	}
	if err := e.Events.Append(ctx, tx, "gate.run", g.ProjectID, "gate", g.Name, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GateStatuses returns each configured gate with its latest run, optionally
// scoped to one task.
func (e Engine) GateStatuses(ctx context.Context, projectID string, taskID *string) ([]domain.GateStatus, error) {
	gates, err := e.Repo.ListGates(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.GateStatus, 0, len(gates))
	for _, g := range gates {
		st := domain.GateStatus{Gate: g}
		run, err := e.Repo.LatestGateRun(ctx, g.ID, taskID)
		if err == nil {
			st.LatestRun = &run
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

// GateWaiveOptions parameterize a waiver.
type GateWaiveOptions struct {
	ProjectID  string
	Name       string
	TaskID     *string
	DecisionID string
	Rationale  string
	CreatedBy  string
	Context    constraint.Context
	ActorID    string
}

// WaiveGate records a decision-linked bypass of a gate. The constraint
// evaluation performed here is frozen onto the waiver. Once a gate has a
// prior waiver, waiving in the face of violations demands a longer
// rationale.
func (e Engine) WaiveGate(ctx context.Context, opts GateWaiveOptions) (domain.GateWaiver, error) {
	rationale := strings.TrimSpace(opts.Rationale)
	if rationale == "" {
		return domain.GateWaiver{}, invalidf("a rationale is required")
	}
	if len(rationale) > maxRationaleLen {
		return domain.GateWaiver{}, invalidf("rationale exceeds %d characters", maxRationaleLen)
	}
	if opts.CreatedBy != "agent" && opts.CreatedBy != "human" {
		return domain.GateWaiver{}, invalidf("created_by must be agent or human")
	}
	g, err := e.Repo.GetGate(ctx, opts.ProjectID, opts.Name)
	if err != nil {
		return domain.GateWaiver{}, err
	}
	d, err := e.Repo.GetDecision(ctx, opts.DecisionID)
	if err != nil {
		return domain.GateWaiver{}, err
	}
	if d.ProjectID != opts.ProjectID {
		return domain.GateWaiver{}, invalidf("decision %s belongs to a different project", opts.DecisionID)
	}

	cctx := opts.Context
	if cctx.Gate == "" {
		cctx.Gate = g.Name
	}
	eval, err := e.EvaluateConstraints(ctx, opts.ProjectID, cctx)
	if err != nil {
		return domain.GateWaiver{}, err
	}
	prior, err := e.Repo.CountGateWaivers(ctx, g.ID)
	if err != nil {
		return domain.GateWaiver{}, err
	}
	if prior >= 1 && len(eval.Violations) >= 1 && len(rationale) < escalatedRationaleLen {
		return domain.GateWaiver{}, ValidationError{
			Message: "gate has prior waivers and constraints are violated; rationale must be at least 100 characters",
			Details: map[string]any{"prior_waivers": prior, "violations": len(eval.Violations)},
		}
	}
	evalJSON, err := json.Marshal(eval)
	if err != nil {
		return domain.GateWaiver{}, err
	}

	w := domain.GateWaiver{
		ID:             uuid.New().String(),
		GateID:         g.ID,
		TaskID:         opts.TaskID,
		DecisionID:     d.ID,
		Rationale:      rationale,
		EvaluationJSON: string(evalJSON),
		CreatedBy:      opts.CreatedBy,
		CreatedAt:      e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGateWaiver(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "gate.waived", g.ProjectID, "gate", g.Name, opts.ActorID, events.EventPayload{
		"decision_id": d.ID,
		"violations":  len(eval.Violations),
		"warnings":    len(eval.Warnings),
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// CanWaive is the read-only pre-check: it evaluates constraints with the
// gate's own name as context and denies when any violation would result.
func (e Engine) CanWaive(ctx context.Context, projectID, name string) (bool, constraint.Result, error) {
	g, err := e.Repo.GetGate(ctx, projectID, name)
	if err != nil {
		return false, constraint.Result{}, err
	}
	eval, err := e.EvaluateConstraints(ctx, projectID, constraint.Context{
		Gate:     g.Name,
		Keywords: []string{g.Name},
	})
	if err != nil {
		return false, constraint.Result{}, err
	}
	return len(eval.Violations) == 0, eval, nil
}
