// Package constraint evaluates project policy rules against an action
// context. Evaluation is pure: callers load constraints and decide what to
// do with violations.
package constraint

import (
	"fmt"
	"strings"

	"foreman/internal/domain"
)

// Context describes the action being checked. All fields are optional; a
// trigger that needs a field which is absent simply does not fire.
type Context struct {
	Files     []string `json:"files,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Gate      string   `json:"gate,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	TaskType  string   `json:"task_type,omitempty"`
	Directory string   `json:"directory,omitempty"`
}

// Match records one triggered constraint with an audit reason.
type Match struct {
	Constraint domain.Constraint `json:"constraint"`
	Reason     string            `json:"reason"`
}

// Result is the outcome of evaluating a constraint set against a context.
type Result struct {
	Violations []Match `json:"violations,omitempty"`
	Warnings   []Match `json:"warnings,omitempty"`
	Passed     bool    `json:"passed"`
}

// Evaluate applies each constraint to the context. A constraint fires only
// when both its scope and its trigger match; block-level matches become
// violations, warn-level matches become warnings. Warnings never fail the
// result.
func Evaluate(constraints []domain.Constraint, ctx Context) Result {
	res := Result{Passed: true}
	for _, c := range constraints {
		if !scopeMatches(c, ctx) {
			continue
		}
		reason, ok := triggerMatches(c, ctx)
		if !ok {
			continue
		}
		m := Match{Constraint: c, Reason: reason}
		if c.EnforcementLevel == domain.EnforceBlock {
			res.Violations = append(res.Violations, m)
		} else {
			res.Warnings = append(res.Warnings, m)
		}
	}
	res.Passed = len(res.Violations) == 0
	return res
}

func scopeMatches(c domain.Constraint, ctx Context) bool {
	switch c.Scope {
	case domain.ScopeProject, domain.ScopeRepo:
		return true
	case domain.ScopeDirectory:
		if c.ScopeValue == nil || *c.ScopeValue == "" {
			return true
		}
		want := strings.ToLower(*c.ScopeValue)
		if strings.Contains(strings.ToLower(ctx.Directory), want) {
			return true
		}
		for _, f := range ctx.Files {
			if strings.Contains(strings.ToLower(f), want) {
				return true
			}
		}
		return false
	case domain.ScopeTaskType:
		if c.ScopeValue == nil || *c.ScopeValue == "" {
			return true
		}
		return strings.EqualFold(*c.ScopeValue, ctx.TaskType)
	default:
		return false
	}
}

// triggerMatches returns the audit reason and whether the trigger fired.
// Triggers other than "always" fail closed: with no trigger value or no
// matching context data the constraint is not applied.
func triggerMatches(c domain.Constraint, ctx Context) (string, bool) {
	switch c.Trigger {
	case domain.TriggerAlways:
		return c.RuleText, true
	case domain.TriggerFilesMatch:
		want, ok := triggerValue(c)
		if !ok || len(ctx.Files) == 0 {
			return "", false
		}
		var matched []string
		for _, f := range ctx.Files {
			if strings.Contains(strings.ToLower(f), strings.ToLower(want)) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			return "", false
		}
		return fmt.Sprintf("%s (files: %s)", c.RuleText, strings.Join(matched, ", ")), true
	case domain.TriggerTaskTag:
		want, ok := triggerValue(c)
		if !ok || len(ctx.Tags) == 0 {
			return "", false
		}
		for _, tag := range ctx.Tags {
			if strings.EqualFold(tag, want) {
				return fmt.Sprintf("%s (tag: %s)", c.RuleText, tag), true
			}
		}
		return "", false
	case domain.TriggerGate:
		want, ok := triggerValue(c)
		if !ok || ctx.Gate == "" {
			return "", false
		}
		if strings.EqualFold(ctx.Gate, want) {
			return fmt.Sprintf("%s (gate: %s)", c.RuleText, ctx.Gate), true
		}
		return "", false
	case domain.TriggerKeyword:
		want, ok := triggerValue(c)
		if !ok || len(ctx.Keywords) == 0 {
			return "", false
		}
		for _, kw := range ctx.Keywords {
			if strings.Contains(strings.ToLower(kw), strings.ToLower(want)) {
				return fmt.Sprintf("%s (keyword: %s)", c.RuleText, kw), true
			}
		}
		return "", false
	default:
		return "", false
	}
}

func triggerValue(c domain.Constraint) (string, bool) {
	if c.TriggerValue == nil || *c.TriggerValue == "" {
		return "", false
	}
	return *c.TriggerValue, true
}
