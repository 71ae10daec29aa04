package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"foreman/internal/domain"
)

func strptr(s string) *string { return &s }

func mk(scope, scopeValue, trigger, triggerValue, level string) domain.Constraint {
	c := domain.Constraint{
		ID:               "c1",
		ProjectID:        "proj-1",
		Scope:            scope,
		Trigger:          trigger,
		RuleText:         "follow the rule",
		EnforcementLevel: level,
	}
	if scopeValue != "" {
		c.ScopeValue = strptr(scopeValue)
	}
	if triggerValue != "" {
		c.TriggerValue = strptr(triggerValue)
	}
	return c
}

func TestAlwaysProjectMatchesEmptyContext(t *testing.T) {
	res := Evaluate([]domain.Constraint{mk("project", "", "always", "", "block")}, Context{})
	assert.False(t, res.Passed)
	assert.Len(t, res.Violations, 1)
	assert.Equal(t, "follow the rule", res.Violations[0].Reason)
}

func TestWarnNeverBlocks(t *testing.T) {
	res := Evaluate([]domain.Constraint{mk("project", "", "always", "", "warn")}, Context{})
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings, 1)
	assert.Empty(t, res.Violations)
}

func TestFilesMatchTrigger(t *testing.T) {
	c := mk("repo", "", "files_match", "Migrations/", "block")

	res := Evaluate([]domain.Constraint{c}, Context{Files: []string{"db/migrations/001.sql", "main.go"}})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Violations[0].Reason, "db/migrations/001.sql")

	// no file data: fails closed, constraint not applied
	res = Evaluate([]domain.Constraint{c}, Context{})
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
}

func TestTriggerWithoutValueNeverFires(t *testing.T) {
	c := mk("project", "", "files_match", "", "block")
	res := Evaluate([]domain.Constraint{c}, Context{Files: []string{"anything.go"}})
	assert.True(t, res.Passed)
}

func TestTaskTagTriggerExactFold(t *testing.T) {
	c := mk("project", "", "task_tag", "Security", "block")
	res := Evaluate([]domain.Constraint{c}, Context{Tags: []string{"security"}})
	assert.Len(t, res.Violations, 1)

	res = Evaluate([]domain.Constraint{c}, Context{Tags: []string{"security-adjacent"}})
	assert.Empty(t, res.Violations, "tag match is equality, not substring")
}

func TestGateTrigger(t *testing.T) {
	c := mk("project", "", "gate", "tests", "warn")
	res := Evaluate([]domain.Constraint{c}, Context{Gate: "TESTS"})
	assert.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Reason, "gate: TESTS")

	res = Evaluate([]domain.Constraint{c}, Context{Gate: "lint"})
	assert.Empty(t, res.Warnings)
}

func TestKeywordTriggerSubstring(t *testing.T) {
	c := mk("project", "", "keyword", "deploy", "block")
	res := Evaluate([]domain.Constraint{c}, Context{Keywords: []string{"redeployment"}})
	assert.Len(t, res.Violations, 1)
}

func TestDirectoryScope(t *testing.T) {
	c := mk("directory", "internal/", "always", "", "block")

	res := Evaluate([]domain.Constraint{c}, Context{Directory: "Internal/engine"})
	assert.Len(t, res.Violations, 1)

	res = Evaluate([]domain.Constraint{c}, Context{Files: []string{"internal/repo/repo.go"}})
	assert.Len(t, res.Violations, 1)

	res = Evaluate([]domain.Constraint{c}, Context{Directory: "cmd/fm"})
	assert.Empty(t, res.Violations)

	// scope without a value matches everything
	res = Evaluate([]domain.Constraint{mk("directory", "", "always", "", "block")}, Context{})
	assert.Len(t, res.Violations, 1)
}

func TestTaskTypeScope(t *testing.T) {
	c := mk("task_type", "implement", "always", "", "block")
	res := Evaluate([]domain.Constraint{c}, Context{TaskType: "Implement"})
	assert.Len(t, res.Violations, 1)

	res = Evaluate([]domain.Constraint{c}, Context{TaskType: "docs"})
	assert.Empty(t, res.Violations)
}

func TestMixedViolationsAndWarnings(t *testing.T) {
	res := Evaluate([]domain.Constraint{
		mk("project", "", "always", "", "warn"),
		mk("project", "", "keyword", "drop", "block"),
		mk("project", "", "gate", "tests", "block"),
	}, Context{Keywords: []string{"drop column"}})
	assert.False(t, res.Passed)
	assert.Len(t, res.Violations, 1)
	assert.Len(t, res.Warnings, 1)
}
