package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/engine/constraint"
	"foreman/internal/exec"
)

// stubRunner satisfies exec.CommandRunner without spawning processes.
type stubRunner struct {
	result      exec.Result
	err         error
	lastCommand string
	lastWorkdir string
	calls       int
}

func (s *stubRunner) RunShell(_ context.Context, workdir, command string, _ time.Duration) (exec.Result, error) {
	s.calls++
	s.lastCommand = command
	s.lastWorkdir = workdir
	return s.result, s.err
}

func mustConfigureGate(t *testing.T, env testEnv, name, mode, command string) domain.Gate {
	t.Helper()
	g, err := env.Engine.ConfigureGate(env.Ctx, engine.GateConfigureOptions{
		ProjectID:  "proj-1",
		Name:       name,
		IsRequired: true,
		RunnerMode: mode,
		Command:    command,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("configure gate %s: %v", name, err)
	}
	return g
}

func mustDecision(t *testing.T, env testEnv, title string) domain.Decision {
	t.Helper()
	d, err := env.Engine.CreateDecision(env.Ctx, domain.Decision{
		ProjectID: "proj-1",
		Title:     title,
		Decision:  "accepted",
	}, "human-1")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	return d
}

func TestConfigureGateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.GateConfigureOptions
	}{
		{"empty name", engine.GateConfigureOptions{ProjectID: "proj-1", RunnerMode: "manual"}},
		{"long name", engine.GateConfigureOptions{ProjectID: "proj-1", Name: strings.Repeat("x", 101), RunnerMode: "manual"}},
		{"bad mode", engine.GateConfigureOptions{ProjectID: "proj-1", Name: "g", RunnerMode: "cron"}},
		{"command mode without command", engine.GateConfigureOptions{ProjectID: "proj-1", Name: "g", RunnerMode: "command"}},
		{"long command", engine.GateConfigureOptions{ProjectID: "proj-1", Name: "g", RunnerMode: "command", Command: strings.Repeat("x", 1001)}},
		{"dangerous command", engine.GateConfigureOptions{ProjectID: "proj-1", Name: "g", RunnerMode: "command", Command: "rm -rf /"}},
	}
	for _, tc := range cases {
		_, err := env.Engine.ConfigureGate(env.Ctx, tc.opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestConfigureGateUpsert(t *testing.T) {
	env := newTestEnv(t)
	first := mustConfigureGate(t, env, "tests", "command", "go test ./...")
	second, err := env.Engine.ConfigureGate(env.Ctx, engine.GateConfigureOptions{
		ProjectID:  "proj-1",
		Name:       "tests",
		RunnerMode: "command",
		Command:    "make test",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must keep the gate id")
	}
	if second.Command != "make test" {
		t.Fatalf("expected command updated, got %q", second.Command)
	}
	if second.IsRequired {
		t.Fatalf("expected is_required updated to false")
	}
}

func TestRunGateCommandOutcomes(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{result: exec.Result{Stdout: "ok\n", ExitCode: 0}}
	env.Engine.Runner = runner
	mustConfigureGate(t, env, "tests", "command", "go test ./...")

	run, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunPassing || run.ExitCode != 0 {
		t.Fatalf("expected passing run, got %+v", run)
	}
	if runner.lastCommand != "go test ./..." {
		t.Fatalf("runner saw %q", runner.lastCommand)
	}

	runner.result = exec.Result{Stderr: "FAIL", ExitCode: 1}
	run, err = env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("failing run is recorded, not an error: %v", err)
	}
	if run.Status != domain.RunFailing || run.ExitCode != 1 {
		t.Fatalf("expected failing run, got %+v", run)
	}

	runner.result = exec.Result{TimedOut: true, ExitCode: -1}
	run, err = env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("timed out run: %v", err)
	}
	if run.Status != domain.RunFailing || !strings.Contains(run.Stderr, "timed out") {
		t.Fatalf("expected timeout noted in stderr, got %+v", run)
	}
}

func TestRunGateManualRecordsPassing(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{}
	env.Engine.Runner = runner
	mustConfigureGate(t, env, "review", "manual", "")

	run, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "review", ActorID: "human-1"})
	if err != nil {
		t.Fatalf("manual run: %v", err)
	}
	if run.Status != domain.RunPassing {
		t.Fatalf("manual runs record passing, got %s", run.Status)
	}
	if runner.calls != 0 {
		t.Fatalf("manual gates must not execute anything")
	}
}

func TestRunGateBlocksDangerousCommandWithAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{}
	env.Engine.Runner = runner
	g := mustConfigureGate(t, env, "deploy", "command", "./deploy.sh")

	// command turned dangerous after configuration
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE gates SET command='rm -rf / --no-preserve-root' WHERE id=?`, g.ID); err != nil {
		t.Fatalf("rewrite command: %v", err)
	}

	run, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "deploy", ActorID: "agent-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("blocked command must never reach the runner")
	}
	// the failing run is durable even though the call errored
	stored, lerr := env.Engine.Repo.LatestGateRun(env.Ctx, g.ID, nil)
	if lerr != nil {
		t.Fatalf("load run: %v", lerr)
	}
	if stored.ID != run.ID || stored.Status != domain.RunFailing {
		t.Fatalf("expected persisted failing run, got %+v", stored)
	}
}

func TestRunGateRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{result: exec.Result{Stdout: "token=sk-abcdefghijklmnopqrst done", ExitCode: 0}}
	env.Engine.Runner = runner
	mustConfigureGate(t, env, "tests", "command", "go test ./...")

	run, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(run.Stdout, "sk-abcdefghijklmnopqrst") {
		t.Fatalf("secret survived redaction: %q", run.Stdout)
	}
	if !strings.Contains(run.Stdout, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", run.Stdout)
	}
}

func TestGateStatuses(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{result: exec.Result{ExitCode: 0}}
	env.Engine.Runner = runner
	mustConfigureGate(t, env, "tests", "command", "go test ./...")
	mustConfigureGate(t, env, "review", "manual", "")

	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", ActorID: "a"}); err != nil {
		t.Fatal(err)
	}
	statuses, err := env.Engine.GateStatuses(env.Ctx, "proj-1", nil)
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 gates, got %d", len(statuses))
	}
	byName := map[string]domain.GateStatus{}
	for _, st := range statuses {
		byName[st.Gate.Name] = st
	}
	if byName["tests"].LatestRun == nil || byName["tests"].LatestRun.Status != domain.RunPassing {
		t.Fatalf("expected latest passing run for tests")
	}
	if byName["review"].LatestRun != nil {
		t.Fatalf("never-run gate must report a nil latest run")
	}
}

func TestCompletionGatedOnGateRuns(t *testing.T) {
	env := newTestEnv(t)
	runner := &stubRunner{result: exec.Result{Stderr: "FAIL", ExitCode: 1}}
	env.Engine.Runner = runner
	mustConfigureGate(t, env, "tests", "command", "go test ./...")

	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "gated", Gates: []string{"tests"}})
	attachArtifact(t, env, task.ID)

	taskID := task.ID
	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", TaskID: &taskID, ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error while gate failing, got %v", err)
	}
	if !strings.Contains(ve.Message, "tests") {
		t.Fatalf("error should name the failing gate: %s", ve.Message)
	}

	runner.result = exec.Result{ExitCode: 0}
	if _, err := env.Engine.RunGate(env.Ctx, engine.GateRunOptions{ProjectID: "proj-1", Name: "tests", TaskID: &taskID, ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("complete after passing run: %v", err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}
}

func TestCompletionHonorsWaiver(t *testing.T) {
	env := newTestEnv(t)
	mustConfigureGate(t, env, "tests", "command", "go test ./...")
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "waived", Gates: []string{"tests"}})
	attachArtifact(t, env, task.ID)

	// gate never ran; completion blocked
	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}

	d := mustDecision(t, env, "skip tests for prototype")
	taskID := task.ID
	if _, err := env.Engine.WaiveGate(env.Ctx, engine.GateWaiveOptions{
		ProjectID:  "proj-1",
		Name:       "tests",
		TaskID:     &taskID,
		DecisionID: d.ID,
		Rationale:  "prototype milestone, tests tracked separately",
		CreatedBy:  "human",
		ActorID:    "human-1",
	}); err != nil {
		t.Fatalf("waive: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"}); err != nil {
		t.Fatalf("complete after waiver: %v", err)
	}
}

func TestWaiveGateRequiresMatchingDecision(t *testing.T) {
	env := newTestEnv(t)
	mustConfigureGate(t, env, "tests", "command", "go test ./...")

	_, err := env.Engine.WaiveGate(env.Ctx, engine.GateWaiveOptions{
		ProjectID:  "proj-1",
		Name:       "tests",
		DecisionID: "missing",
		Rationale:  "because",
		CreatedBy:  "human",
		ActorID:    "human-1",
	})
	if err == nil {
		t.Fatalf("expected not found for missing decision")
	}
}

func TestWaiverEscalation(t *testing.T) {
	env := newTestEnv(t)
	mustConfigureGate(t, env, "deploy-check", "manual", "")
	d := mustDecision(t, env, "deployment exceptions")

	// five prior waivers, no violating constraints yet
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.WaiveGate(env.Ctx, engine.GateWaiveOptions{
			ProjectID:  "proj-1",
			Name:       "deploy-check",
			DecisionID: d.ID,
			Rationale:  "temporary exception during rollout",
			CreatedBy:  "human",
			ActorID:    "human-1",
		}); err != nil {
			t.Fatalf("prior waiver %d: %v", i, err)
		}
	}

	// a blocking constraint that fires on this gate
	if _, err := env.Engine.CreateConstraint(env.Ctx, engine.ConstraintCreateOptions{
		ProjectID:        "proj-1",
		Scope:            domain.ScopeProject,
		Trigger:          domain.TriggerGate,
		TriggerValue:     "deploy-check",
		RuleText:         "deploy checks may not be skipped",
		EnforcementLevel: domain.EnforceBlock,
		ActorID:          "human-1",
	}); err != nil {
		t.Fatalf("create constraint: %v", err)
	}

	short := strings.Repeat("x", 40)
	long := strings.Repeat("y", 120)

	_, err := env.Engine.WaiveGate(env.Ctx, engine.GateWaiveOptions{
		ProjectID:  "proj-1",
		Name:       "deploy-check",
		DecisionID: d.ID,
		Rationale:  short,
		CreatedBy:  "human",
		ActorID:    "human-1",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected escalation rejection for short rationale, got %v", err)
	}

	w, err := env.Engine.WaiveGate(env.Ctx, engine.GateWaiveOptions{
		ProjectID:  "proj-1",
		Name:       "deploy-check",
		DecisionID: d.ID,
		Rationale:  long,
		CreatedBy:  "human",
		ActorID:    "human-1",
	})
	if err != nil {
		t.Fatalf("long rationale should pass escalation: %v", err)
	}
	if !strings.Contains(w.EvaluationJSON, "deploy checks may not be skipped") {
		t.Fatalf("waiver must freeze the evaluation snapshot: %s", w.EvaluationJSON)
	}
}

func TestCanWaive(t *testing.T) {
	env := newTestEnv(t)
	mustConfigureGate(t, env, "lint", "manual", "")

	ok, _, err := env.Engine.CanWaive(env.Ctx, "proj-1", "lint")
	if err != nil || !ok {
		t.Fatalf("expected waivable with no constraints: ok=%v err=%v", ok, err)
	}

	if _, err := env.Engine.CreateConstraint(env.Ctx, engine.ConstraintCreateOptions{
		ProjectID:        "proj-1",
		Scope:            domain.ScopeProject,
		Trigger:          domain.TriggerGate,
		TriggerValue:     "lint",
		RuleText:         "lint is mandatory",
		EnforcementLevel: domain.EnforceBlock,
		ActorID:          "human-1",
	}); err != nil {
		t.Fatal(err)
	}
	ok, eval, err := env.Engine.CanWaive(env.Ctx, "proj-1", "lint")
	if err != nil {
		t.Fatal(err)
	}
	if ok || len(eval.Violations) == 0 {
		t.Fatalf("expected waiver denied by blocking constraint")
	}
}

func TestEvaluateConstraintsWarnDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateConstraint(env.Ctx, engine.ConstraintCreateOptions{
		ProjectID:        "proj-1",
		Scope:            domain.ScopeProject,
		Trigger:          domain.TriggerAlways,
		RuleText:         "prefer small commits",
		EnforcementLevel: domain.EnforceWarn,
		ActorID:          "human-1",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.EvaluateConstraints(env.Ctx, "proj-1", constraint.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || len(res.Warnings) != 1 {
		t.Fatalf("warn constraint must warn without blocking: %+v", res)
	}
}
