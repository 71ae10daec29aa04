package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/repo"
)

// PickOptions select a task for an agent.
type PickOptions struct {
	ProjectID string
	AgentID   string
	Strategy  string
}

// PickTask selects one ready, unlocked task and acquires its lock. Lock
// acquisition is a conditional update; losing the race to a concurrent
// picker moves on to the next candidate instead of failing.
func (e Engine) PickTask(ctx context.Context, opts PickOptions) (domain.Task, error) {
	if opts.ProjectID == "" {
		return domain.Task{}, invalidf("project is required")
	}
	if opts.AgentID == "" {
		return domain.Task{}, invalidf("agent is required")
	}
	strategy := opts.Strategy
	if strategy == "" && e.Config != nil {
		strategy = e.Config.PickStrategy()
	}
	candidates, err := e.Repo.ListPickCandidates(ctx, opts.ProjectID, strategy)
	if err != nil {
		return domain.Task{}, err
	}
	attempts := 0
	for _, cand := range candidates {
		ready, err := e.taskReady(ctx, cand.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if !ready {
			continue
		}
		if attempts >= pickRetryBound {
			break
		}
		attempts++
		now := e.nowStr()
		acquired, err := e.Repo.AcquireTaskLock(ctx, cand.ID, opts.AgentID, now)
		if err != nil {
			return domain.Task{}, err
		}
		if !acquired {
			// lost the race; next candidate
			continue
		}
		// a pick is only complete once its task.picked event is recorded;
		// on a failed audit write the lock is handed back
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			e.Repo.ReleaseTaskLock(ctx, cand.ID, opts.AgentID, e.nowStr())
			return domain.Task{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.picked", cand.ProjectID, "task", cand.ID, opts.AgentID, events.EventPayload{
			"strategy": strategy,
		}); err != nil {
			tx.Rollback()
			e.Repo.ReleaseTaskLock(ctx, cand.ID, opts.AgentID, e.nowStr())
			return domain.Task{}, err
		}
		if err := tx.Commit(); err != nil {
			e.Repo.ReleaseTaskLock(ctx, cand.ID, opts.AgentID, e.nowStr())
			return domain.Task{}, err
		}
		return e.Repo.GetTask(ctx, cand.ID)
	}
	return domain.Task{}, ErrNoTaskAvailable
}

// taskReady applies the dependency gate. A dependency whose status cannot
// be resolved counts as not done.
func (e Engine) taskReady(ctx context.Context, taskID string) (bool, error) {
	statuses, err := e.Repo.DependencyStatuses(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, status := range statuses {
		if status != domain.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// StartTask transitions a locked task into in_progress.
func (e Engine) StartTask(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Terminal() {
		return t, invalidf("task %s is %s", t.ID, t.Status)
	}
	if !t.Locked() {
		return t, invalidf("task %s is not locked; pick it first", t.ID)
	}
	if agentID != "" && *t.LockOwner != agentID {
		return t, ConflictError{Message: fmt.Sprintf("task %s is locked by %s", t.ID, *t.LockOwner)}
	}
	if t.Status != domain.StatusTodo && t.Status != domain.StatusInProgress {
		return t, invalidf("cannot start task in status %s", t.Status)
	}
	t.Status = domain.StatusInProgress
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", t.ProjectID, "task", t.ID, agentID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// BlockTask marks a task blocked with a reason and releases its lock so
// another agent or a human can take over.
func (e Engine) BlockTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Task{}, invalidf("a blocking reason is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Terminal() {
		return t, invalidf("task %s is %s", t.ID, t.Status)
	}
	t.Status = domain.StatusBlocked
	t.BlockedReason = &reason
	t.LockOwner = nil
	t.LockAcquiredAt = nil
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.blocked", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"reason":      reason,
		"needs_human": true,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ResumeTask returns a blocked task to the todo pool.
func (e Engine) ResumeTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusBlocked {
		return t, invalidf("task %s is not blocked", t.ID)
	}
	t.Status = domain.StatusTodo
	t.BlockedReason = nil
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.resumed", t.ProjectID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CancelTask terminates a task without completion and releases its lock.
func (e Engine) CancelTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Terminal() {
		return t, invalidf("task %s is %s", t.ID, t.Status)
	}
	t.Status = domain.StatusCancelled
	t.BlockedReason = nil
	t.LockOwner = nil
	t.LockAcquiredAt = nil
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", t.ProjectID, "task", t.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteOptions parameterize task completion.
type CompleteOptions struct {
	TaskID      string
	ArtifactIDs []string
	ActorID     string
}

// CompleteTask closes out a task: every gate named on the task must have a
// passing latest run (or a recorded waiver), and at least one artifact must
// be attached. On success the lock is released and two events are written,
// one for the gate evaluation and one for the completion itself.
func (e Engine) CompleteTask(ctx context.Context, opts CompleteOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.Terminal() {
		return t, invalidf("task %s is already %s", t.ID, t.Status)
	}

	evaluation, failures, err := e.evaluateTaskGates(ctx, t)
	if err != nil {
		return t, err
	}
	if len(failures) > 0 {
		return t, ValidationError{
			Message: "gates did not pass: " + strings.Join(failures, "; "),
			Details: map[string]any{"gates": evaluation},
		}
	}

	artifactIDs := opts.ArtifactIDs
	if len(artifactIDs) > 0 {
		for _, id := range artifactIDs {
			a, err := e.Repo.GetArtifact(ctx, id)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return t, invalidf("artifact %s does not exist", id)
				}
				return t, err
			}
			if a.TaskID != t.ID {
				return t, invalidf("artifact %s belongs to a different task", id)
			}
		}
	} else {
		attached, err := e.Repo.ListArtifactsByTask(ctx, t.ID)
		if err != nil {
			return t, err
		}
		if len(attached) == 0 {
			return t, invalidf("no artifacts attached to task %s", t.ID)
		}
		for _, a := range attached {
			artifactIDs = append(artifactIDs, a.ID)
		}
	}

	now := e.nowStr()
	t.Status = domain.StatusDone
	t.BlockedReason = nil
	t.LockOwner = nil
	t.LockAcquiredAt = nil
	t.UpdatedAt = now
	t.CompletedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.gates.evaluated", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"gates":  evaluation,
		"result": "passing",
	}); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"artifacts": artifactIDs,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// evaluateTaskGates checks every gate named on the task. A gate counts as
// satisfied when its latest run is passing or a waiver covers it. The
// returned failure list is empty when completion may proceed.
func (e Engine) evaluateTaskGates(ctx context.Context, t domain.Task) (map[string]string, []string, error) {
	evaluation := map[string]string{}
	var failures []string
	for _, name := range t.Gates {
		g, err := e.Repo.GetGate(ctx, t.ProjectID, name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				evaluation[name] = "unconfigured"
				failures = append(failures, fmt.Sprintf("gate %s is not configured", name))
				continue
			}
			return nil, nil, err
		}
		waived, err := e.Repo.HasGateWaiver(ctx, g.ID, &t.ID)
		if err != nil {
			return nil, nil, err
		}
		if waived {
			evaluation[name] = "waived"
			continue
		}
		run, err := e.Repo.LatestGateRun(ctx, g.ID, &t.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				evaluation[name] = "never_run"
				if g.IsRequired {
					failures = append(failures, fmt.Sprintf("gate %s has never run", name))
				}
				continue
			}
			return nil, nil, err
		}
		evaluation[name] = run.Status
		if run.Status != domain.RunPassing {
			failures = append(failures, fmt.Sprintf("gate %s latest run is %s", name, run.Status))
		}
	}
	return evaluation, failures, nil
}
