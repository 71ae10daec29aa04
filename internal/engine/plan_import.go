package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/plan"
	"foreman/internal/repo"
)

// planTaskID derives a stable task id from the project and plan key, so
// re-importing a plan into a fresh project yields the same ids.
func planTaskID(projectID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("foreman://"+projectID+"/"+key)).String()
}

// ImportResult reports what a plan import did.
type ImportResult struct {
	Created  int               `json:"created"`
	Updated  int               `json:"updated"`
	Keys     map[string]string `json:"keys"`
	Warnings []string          `json:"warnings,omitempty"`
}

// ImportPlan parses and validates a plan document, then reconciles it with
// the project's tasks, matching on the stable plan key. Dependency edges
// are written in a second pass over the whole plan so a task may depend on
// one defined later in the same document.
func (e Engine) ImportPlan(ctx context.Context, projectID, text, actorID string) (ImportResult, error) {
	p, err := plan.Parse(text)
	if err != nil {
		return ImportResult{}, ValidationError{Message: err.Error()}
	}
	v := plan.Validate(p)
	if !v.OK() {
		return ImportResult{}, ValidationError{
			Message: "plan validation failed: " + v.Err().Error(),
			Details: map[string]any{"errors": v.Errors, "warnings": v.Warnings},
		}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Keys: map[string]string{}, Warnings: v.Warnings}
	now := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	// first pass: create or update every task so all keys have ids
	for _, def := range p.Tasks {
		existing, err := e.Repo.GetTaskByKey(ctx, projectID, def.Key)
		switch {
		case err == nil:
			existing.Title = def.Title
			existing.Goal = def.Goal
			existing.Type = def.Type
			existing.Context = def.Context
			existing.ExpectedFiles = def.ExpectedFiles
			existing.Subtasks = def.Subtasks
			existing.Gates = def.Gates
			if def.Risk != "" {
				existing.Risk = def.Risk
			}
			existing.TimeboxMinutes = optionalInt(def.TimeboxMinutes())
			existing.UpdatedAt = now
			if err := e.Repo.UpdateTask(ctx, tx, existing); err != nil {
				return res, err
			}
			res.Keys[def.Key] = existing.ID
			res.Updated++
		case errors.Is(err, repo.ErrNotFound):
			risk := def.Risk
			if risk == "" {
				risk = "medium"
			}
			t := domain.Task{
				ID:             planTaskID(projectID, def.Key),
				ProjectID:      projectID,
				Key:            optionalString(def.Key),
				Title:          def.Title,
				Goal:           def.Goal,
				Type:           def.Type,
				Context:        def.Context,
				Status:         domain.StatusTodo,
				Risk:           risk,
				TimeboxMinutes: optionalInt(def.TimeboxMinutes()),
				ExpectedFiles:  def.ExpectedFiles,
				Subtasks:       def.Subtasks,
				Gates:          def.Gates,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return res, err
			}
			res.Keys[def.Key] = t.ID
			res.Created++
		default:
			return res, err
		}
	}

	// second pass: resolve dependency keys, forward references included
	for _, def := range p.Tasks {
		var depIDs []string
		for _, depKey := range def.Dependencies {
			id, ok := res.Keys[depKey]
			if !ok {
				// Validate guarantees in-plan keys, so this only fires on
				// a key collision with an existing task outside the plan
				return res, fmt.Errorf("dependency key %s did not resolve", depKey)
			}
			depIDs = append(depIDs, id)
		}
		if err := e.Repo.ReplaceDependencies(ctx, tx, res.Keys[def.Key], depIDs); err != nil {
			return res, err
		}
	}

	if err := e.Events.Append(ctx, tx, "plan.imported", projectID, "plan", p.Title, actorID, events.EventPayload{
		"created": res.Created,
		"updated": res.Updated,
		"tasks":   len(p.Tasks),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ExportPlan renders the project's keyed, non-cancelled tasks back into the
// plan document format. Tasks created outside a plan, without a key, are
// left out.
func (e Engine) ExportPlan(ctx context.Context, projectID string) (string, error) {
	proj, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return "", err
	}
	idToKey := map[string]string{}
	for _, t := range tasks {
		if t.Key != nil {
			idToKey[t.ID] = *t.Key
		}
	}
	p := &plan.Plan{
		Title:       proj.ID,
		Description: proj.Description,
	}
	for _, t := range tasks {
		if t.Key == nil || t.Status == domain.StatusCancelled {
			continue
		}
		deps, err := e.Repo.ListTaskDependencies(ctx, t.ID)
		if err != nil {
			return "", err
		}
		var depKeys []string
		for _, depID := range deps {
			if key, ok := idToKey[depID]; ok {
				depKeys = append(depKeys, key)
			}
		}
		def := plan.TaskDef{
			Key:           *t.Key,
			Title:         t.Title,
			Goal:          t.Goal,
			Type:          t.Type,
			Context:       t.Context,
			Risk:          t.Risk,
			Dependencies:  depKeys,
			ExpectedFiles: t.ExpectedFiles,
			Subtasks:      t.Subtasks,
			Gates:         t.Gates,
		}
		if t.TimeboxMinutes != nil {
			def.Timebox = strconv.Itoa(*t.TimeboxMinutes)
		}
		p.Tasks = append(p.Tasks, def)
	}
	return plan.ToMarkdown(p), nil
}
