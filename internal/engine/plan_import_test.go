package engine_test

import (
	"errors"
	"strings"
	"testing"

	"foreman/internal/engine"
	"foreman/internal/plan"
)

const importDoc = `# Payment integration

Wire the billing provider into checkout.

## Definition of Done

All checkout paths charge through the new provider.

### task-001: Research provider APIs
Goal: Compare the two candidate providers
Type: research
Risk: low
Timebox: 120

### task-002: Implement charge flow
Goal: Charge cards through the selected provider
Type: implement
Risk: high
Dependencies: task-001, task-003
Expected Files: internal/billing/charge.go

#### Gates
- tests
- review

### task-003: Set up provider sandbox
Goal: Provision sandbox credentials
Type: research
Risk: low
`

func TestImportPlanCreatesTasksAndResolvesForwardDeps(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ImportPlan(env.Ctx, "proj-1", importDoc, "human-1")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Created != 3 || res.Updated != 0 {
		t.Fatalf("expected 3 created, got %+v", res)
	}

	// task-002 depends on task-003, declared later in the document
	implID := res.Keys["task-002"]
	deps, err := env.Engine.Repo.ListTaskDependencies(env.Ctx, implID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{res.Keys["task-001"]: true, res.Keys["task-003"]: true}
	if len(deps) != 2 || !want[deps[0]] || !want[deps[1]] {
		t.Fatalf("forward reference not resolved: %v", deps)
	}

	impl, err := env.Engine.Repo.GetTask(env.Ctx, implID)
	if err != nil {
		t.Fatal(err)
	}
	if impl.Risk != "high" || impl.Type != "implement" {
		t.Fatalf("task fields not projected: %+v", impl)
	}
	if len(impl.Gates) != 2 || impl.Gates[0] != "tests" {
		t.Fatalf("gates not imported: %v", impl.Gates)
	}
}

func TestImportPlanIsIdempotentAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportPlan(env.Ctx, "proj-1", importDoc, "human-1"); err != nil {
		t.Fatal(err)
	}
	updated := strings.Replace(importDoc, "Charge cards through the selected provider", "Charge and refund through the provider", 1)
	res, err := env.Engine.ImportPlan(env.Ctx, "proj-1", updated, "human-1")
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res.Created != 0 || res.Updated != 3 {
		t.Fatalf("expected 3 updated on re-import, got %+v", res)
	}
	impl, err := env.Engine.Repo.GetTaskByKey(env.Ctx, "proj-1", "task-002")
	if err != nil {
		t.Fatal(err)
	}
	if impl.Goal != "Charge and refund through the provider" {
		t.Fatalf("goal not updated: %q", impl.Goal)
	}
}

func TestImportPlanRejectsInvalidDocument(t *testing.T) {
	env := newTestEnv(t)
	cases := []string{
		"no title here\n\n### task-001: x\nGoal: y\nType: docs\n",
		"# Title only, no tasks\n",
		"# Bad dep\n\n### task-001: a\nGoal: g\nType: docs\nDependencies: task-404\n",
		"# No type\n\n### task-001: a\nGoal: g\n",
	}
	for i, doc := range cases {
		_, err := env.Engine.ImportPlan(env.Ctx, "proj-1", doc, "human-1")
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestExportPlanRoundTripsImportedTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportPlan(env.Ctx, "proj-1", importDoc, "human-1"); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.ExportPlan(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	p, err := plan.Parse(out)
	if err != nil {
		t.Fatalf("exported document must parse: %v\n%s", err, out)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks in export, got %d", len(p.Tasks))
	}
	byKey := map[string]plan.TaskDef{}
	for _, def := range p.Tasks {
		byKey[def.Key] = def
	}
	research := byKey["task-001"]
	if research.Type != "research" || research.Risk != "low" || research.Timebox != "120" {
		t.Fatalf("recognized fields lost on export: %+v", research)
	}
	impl := byKey["task-002"]
	if len(impl.Dependencies) != 2 {
		t.Fatalf("dependency keys lost on export: %v", impl.Dependencies)
	}
}
