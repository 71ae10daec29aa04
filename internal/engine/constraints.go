package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/engine/constraint"
	"foreman/internal/events"
)

// ConstraintCreateOptions parameterize constraint creation. Constraints
// are never edited in place; delete and recreate instead.
type ConstraintCreateOptions struct {
	ProjectID        string
	Scope            string
	ScopeValue       string
	Trigger          string
	TriggerValue     string
	RuleText         string
	EnforcementLevel string
	ActorID          string
}

func (e Engine) CreateConstraint(ctx context.Context, opts ConstraintCreateOptions) (domain.Constraint, error) {
	if strings.TrimSpace(opts.RuleText) == "" {
		return domain.Constraint{}, invalidf("rule text is required")
	}
	switch opts.Scope {
	case domain.ScopeProject, domain.ScopeRepo, domain.ScopeDirectory, domain.ScopeTaskType:
	default:
		return domain.Constraint{}, invalidf("unknown scope %q", opts.Scope)
	}
	switch opts.Trigger {
	case domain.TriggerAlways, domain.TriggerFilesMatch, domain.TriggerTaskTag, domain.TriggerGate, domain.TriggerKeyword:
	default:
		return domain.Constraint{}, invalidf("unknown trigger %q", opts.Trigger)
	}
	switch opts.EnforcementLevel {
	case domain.EnforceWarn, domain.EnforceBlock:
	default:
		return domain.Constraint{}, invalidf("enforcement_level must be warn or block")
	}
	if opts.Trigger != domain.TriggerAlways && strings.TrimSpace(opts.TriggerValue) == "" {
		return domain.Constraint{}, invalidf("trigger %s requires a trigger value", opts.Trigger)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Constraint{}, err
	}

	c := domain.Constraint{
		ID:               uuid.New().String(),
		ProjectID:        opts.ProjectID,
		Scope:            opts.Scope,
		ScopeValue:       optionalString(opts.ScopeValue),
		Trigger:          opts.Trigger,
		TriggerValue:     optionalString(opts.TriggerValue),
		RuleText:         opts.RuleText,
		EnforcementLevel: opts.EnforcementLevel,
		CreatedAt:        e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertConstraint(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "constraint.created", c.ProjectID, "constraint", c.ID, opts.ActorID, events.EventPayload{
		"scope":       c.Scope,
		"trigger":     c.Trigger,
		"enforcement": c.EnforcementLevel,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) DeleteConstraint(ctx context.Context, id, actorID string) error {
	c, err := e.Repo.GetConstraint(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteConstraint(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "constraint.deleted", c.ProjectID, "constraint", c.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// EvaluateConstraints loads a project's constraints and evaluates them
// against the supplied context.
func (e Engine) EvaluateConstraints(ctx context.Context, projectID string, cctx constraint.Context) (constraint.Result, error) {
	constraints, err := e.Repo.ListConstraints(ctx, projectID)
	if err != nil {
		return constraint.Result{}, err
	}
	return constraint.Evaluate(constraints, cctx), nil
}

// TaskConstraintContext derives an evaluation context from a task's own
// metadata.
func TaskConstraintContext(t domain.Task) constraint.Context {
	return constraint.Context{
		Files:    t.ExpectedFiles,
		Tags:     t.Tags,
		Keywords: t.Gates,
		TaskType: t.Type,
	}
}
