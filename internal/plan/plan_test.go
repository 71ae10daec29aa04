package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# Ship the importer

Bring the plan importer up to parity.
This paragraph is free-form description.

## Definition of Done

- importer creates and updates tasks
- round-trip keeps every field

### task-001: Parse documents

Goal: Build the section parser
Type: implement
Context: grammar is the wire format
Timebox: 90
Risk: medium
Expected Files: internal/plan/plan.go, internal/plan/plan_test.go

#### Subtasks
- tokenize headings
- collect labeled fields

#### Gates
- tests
- lint

### task-002: Validate documents

Goal: Reject malformed plans
Type: verify
Risk: low
Dependencies: task-001

Some stray commentary the parser should ignore.

### task-003: Write docs

Goal: Document the grammar
Type: docs
`

func TestParseSample(t *testing.T) {
	p, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "Ship the importer", p.Title)
	assert.Contains(t, p.Description, "free-form description")
	assert.Contains(t, p.DefinitionOfDone, "round-trip keeps every field")
	require.Len(t, p.Tasks, 3)

	t1 := p.Tasks[0]
	assert.Equal(t, "task-001", t1.Key)
	assert.Equal(t, "Parse documents", t1.Title)
	assert.Equal(t, "Build the section parser", t1.Goal)
	assert.Equal(t, "implement", t1.Type)
	assert.Equal(t, "grammar is the wire format", t1.Context)
	assert.Equal(t, "90", t1.Timebox)
	assert.Equal(t, 90, t1.TimeboxMinutes())
	assert.Equal(t, "medium", t1.Risk)
	assert.Equal(t, []string{"internal/plan/plan.go", "internal/plan/plan_test.go"}, t1.ExpectedFiles)
	assert.Equal(t, []string{"tokenize headings", "collect labeled fields"}, t1.Subtasks)
	assert.Equal(t, []string{"tests", "lint"}, t1.Gates)

	t2 := p.Tasks[1]
	assert.Equal(t, []string{"task-001"}, t2.Dependencies)
	assert.Empty(t, t2.Subtasks, "stray lines must not leak into lists")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("no title here\n")
	assert.Error(t, err)

	_, err = Parse("# Title only\n\njust prose, no tasks\n")
	assert.Error(t, err)

	_, err = Parse("")
	assert.Error(t, err)
}

func TestParseLenientUnknownLines(t *testing.T) {
	p, err := Parse("# T\n\n### task-001: A\n\nGoal: g\nWeird-Field: ignored\n<!-- comment -->\n")
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "g", p.Tasks[0].Goal)
}

func TestValidate(t *testing.T) {
	p, err := Parse(sample)
	require.NoError(t, err)
	res := Validate(p)
	assert.True(t, res.OK())
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Warnings)
}

func TestValidateFailures(t *testing.T) {
	p := &Plan{Title: "x", Tasks: []TaskDef{
		{Key: "task-001", Title: "a", Goal: "g", Type: "invent"},
		{Key: "task-002", Title: "b", Goal: "g", Type: "docs", Risk: "extreme"},
		{Key: "task-003", Title: "c", Goal: "g", Type: "docs", Timebox: "soon"},
		{Key: "task-004", Title: "d", Goal: "g", Type: "docs", Dependencies: []string{"task-999"}},
		{Key: "task-005", Title: "e", Goal: "g", Type: "docs", Dependencies: []string{"task-005"}},
		{Key: "task-006", Title: "f", Goal: "", Type: "docs"},
	}}
	res := Validate(p)
	require.False(t, res.OK())
	assert.Len(t, res.Errors, 6)
	assert.Error(t, res.Err())
}

func TestValidateRequiresType(t *testing.T) {
	p, err := Parse("# Plan\n\n### task-001: Do it\n\nGoal: something\n")
	require.NoError(t, err)
	res := Validate(p)
	require.False(t, res.OK())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "type is required")
}

func TestValidateKeyConventionWarnsOnly(t *testing.T) {
	p := &Plan{Title: "x", Tasks: []TaskDef{
		{Key: "step-one", Title: "a", Goal: "g", Type: "docs"},
	}}
	res := Validate(p)
	assert.True(t, res.OK())
	assert.Len(t, res.Warnings, 1)
}

func TestValidateDuplicateKeys(t *testing.T) {
	p := &Plan{Title: "x", Tasks: []TaskDef{
		{Key: "task-001", Title: "a", Goal: "g", Type: "docs"},
		{Key: "task-001", Title: "b", Goal: "g", Type: "docs"},
	}}
	res := Validate(p)
	assert.False(t, res.OK())
}

func TestRoundTrip(t *testing.T) {
	first, err := Parse(sample)
	require.NoError(t, err)
	second, err := Parse(ToMarkdown(first))
	require.NoError(t, err)

	require.Equal(t, len(first.Tasks), len(second.Tasks))
	assert.Equal(t, first.Title, second.Title)
	for i := range first.Tasks {
		a, b := first.Tasks[i], second.Tasks[i]
		assert.Equal(t, a.Key, b.Key)
		assert.Equal(t, a.Title, b.Title)
		assert.Equal(t, a.Goal, b.Goal)
		assert.Equal(t, a.Type, b.Type)
		assert.Equal(t, a.Context, b.Context)
		assert.Equal(t, a.Timebox, b.Timebox)
		assert.Equal(t, a.Risk, b.Risk)
		assert.Equal(t, a.Dependencies, b.Dependencies)
		assert.Equal(t, a.ExpectedFiles, b.ExpectedFiles)
		assert.Equal(t, a.Subtasks, b.Subtasks)
		assert.Equal(t, a.Gates, b.Gates)
	}
	// serialization is deterministic
	assert.Equal(t, ToMarkdown(first), ToMarkdown(second))
}
