package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	// each clock read advances one second so created_at ordering is stable
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	eng.Now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "tester", "test project"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreateTask(t *testing.T, env testEnv, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %q: %v", opts.Title, err)
	}
	return task
}

func attachArtifact(t *testing.T, env testEnv, taskID string) domain.Artifact {
	t.Helper()
	a, err := env.Engine.AddArtifact(env.Ctx, domain.Artifact{
		TaskID: taskID,
		Kind:   "file",
		URI:    "src/main.go",
	}, "agent-1")
	if err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	return a
}

func TestPickStartCompleteFlow(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "build feature"})

	picked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.ID != task.ID {
		t.Fatalf("picked wrong task: %s", picked.ID)
	}
	if !picked.Locked() || *picked.LockOwner != "agent-1" {
		t.Fatalf("expected lock held by agent-1, got %+v", picked.LockOwner)
	}

	started, err := env.Engine.StartTask(env.Ctx, task.ID, "agent-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}

	attachArtifact(t, env, task.ID)
	done, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}
	if done.Locked() {
		t.Fatalf("completion must release the lock")
	}
	if done.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
}

func TestReleaseTaskLockIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "handoff"})

	picked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}

	// a stranger's release leaves the lock alone
	if err := env.Engine.Repo.ReleaseTaskLock(env.Ctx, picked.ID, "agent-2", "2025-01-01T00:00:30Z"); err != nil {
		t.Fatal(err)
	}
	held, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !held.Locked() || *held.LockOwner != "agent-1" {
		t.Fatalf("lock must survive a foreign release, got %+v", held.LockOwner)
	}

	if err := env.Engine.Repo.ReleaseTaskLock(env.Ctx, picked.ID, "agent-1", "2025-01-01T00:00:31Z"); err != nil {
		t.Fatal(err)
	}
	freed, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if freed.Locked() {
		t.Fatalf("owner release must clear the lock")
	}

	// the task goes back into the pick pool
	repicked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-2"})
	if err != nil {
		t.Fatalf("re-pick: %v", err)
	}
	if repicked.ID != task.ID || *repicked.LockOwner != "agent-2" {
		t.Fatalf("expected agent-2 to take over, got %+v", repicked)
	}
}

func TestStartRequiresLock(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "unlocked"})
	_, err := env.Engine.StartTask(env.Ctx, task.ID, "agent-1")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartRejectsForeignLock(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "claimed"})
	if _, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("pick: %v", err)
	}
	_, err := env.Engine.StartTask(env.Ctx, task.ID, "agent-2")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for foreign lock, got %v", err)
	}
}

func TestDependencyGatingOnPick(t *testing.T) {
	env := newTestEnv(t)
	dep := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "dep", Risk: "low"})
	main := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "main", Risk: "high", DependsOn: []string{dep.ID}})

	// high risk would win under the priority strategy, but its dependency
	// is unfinished, so the pick lands on the dependency itself
	picked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.ID != dep.ID {
		t.Fatalf("expected dependency to be picked, got %s", picked.Title)
	}

	if _, err := env.Engine.StartTask(env.Ctx, dep.ID, "agent-1"); err != nil {
		t.Fatalf("start dep: %v", err)
	}
	attachArtifact(t, env, dep.ID)
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: dep.ID, ActorID: "agent-1"}); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	picked, err = env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("pick after dep done: %v", err)
	}
	if picked.ID != main.ID {
		t.Fatalf("expected main task after dependency completed, got %s", picked.Title)
	}
}

func TestPickMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "only one"})

	// the conditional update is the race arbiter: second acquire loses
	ok, err := env.Engine.Repo.AcquireTaskLock(env.Ctx, task.ID, "agent-1", "2025-01-01T00:00:10Z")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = env.Engine.Repo.AcquireTaskLock(env.Ctx, task.ID, "agent-2", "2025-01-01T00:00:11Z")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("second acquire must lose the race")
	}

	// a full pick by another agent finds nothing left
	_, err = env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-2"})
	if !errors.Is(err, engine.ErrNoTaskAvailable) {
		t.Fatalf("expected no task available, got %v", err)
	}
}

func TestPickSkipsLockedAndMovesOn(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "first"})
	second := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "second"})

	if ok, _ := env.Engine.Repo.AcquireTaskLock(env.Ctx, first.ID, "agent-1", "2025-01-01T00:00:10Z"); !ok {
		t.Fatalf("setup lock failed")
	}
	picked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-2", Strategy: "oldest"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.ID != second.ID {
		t.Fatalf("expected the unlocked task, got %s", picked.Title)
	}
}

func TestPickStrategies(t *testing.T) {
	env := newTestEnv(t)
	low := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "low", Risk: "low"})
	high := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "high", Risk: "high"})

	picked, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "a1", Strategy: "priority"})
	if err != nil || picked.ID != high.ID {
		t.Fatalf("priority should pick high risk first: %v %s", err, picked.Title)
	}
	picked, err = env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "a2", Strategy: "oldest"})
	if err != nil || picked.ID != low.ID {
		t.Fatalf("oldest should pick the earlier task: %v %s", err, picked.Title)
	}
}

func TestBlockReleasesLockAndEmitsReason(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "blockable"})
	if _, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("pick: %v", err)
	}

	_, err := env.Engine.BlockTask(env.Ctx, task.ID, "", "agent-1")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty reason, got %v", err)
	}

	blocked, err := env.Engine.BlockTask(env.Ctx, task.ID, "missing credentials", "agent-1")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.Status != domain.StatusBlocked {
		t.Fatalf("expected blocked, got %s", blocked.Status)
	}
	if blocked.Locked() {
		t.Fatalf("blocking must release the lock")
	}
	if blocked.BlockedReason == nil || *blocked.BlockedReason != "missing credentials" {
		t.Fatalf("expected blocked_reason recorded")
	}

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(*) FROM events WHERE type='task.blocked' AND entity_id=? AND payload_json LIKE '%needs_human%'`, task.ID)
	if err := row.Scan(&count); err != nil || count != 1 {
		t.Fatalf("expected one task.blocked event with needs_human, got %d (%v)", count, err)
	}

	resumed, err := env.Engine.ResumeTask(env.Ctx, task.ID, "human-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.StatusTodo || resumed.BlockedReason != nil {
		t.Fatalf("expected task back in todo with reason cleared")
	}
}

func TestCompleteRequiresArtifact(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "no proof"})
	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing artifacts, got %v", err)
	}
}

func TestCompleteWithExplicitArtifactList(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "explicit artifacts"})
	other := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "other"})
	a := attachArtifact(t, env, task.ID)
	b := attachArtifact(t, env, other.ID)

	_, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ArtifactIDs: []string{b.ID}, ActorID: "agent-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for foreign artifact, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ArtifactIDs: []string{a.ID}, ActorID: "agent-1"}); err != nil {
		t.Fatalf("complete with own artifact: %v", err)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "doomed"})
	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, "descoped", "human-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "agent-1"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error starting cancelled task, got %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "again", "human-1"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error cancelling twice, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "evented"})
	if _, err := env.Engine.PickTask(env.Ctx, engine.PickOptions{ProjectID: "proj-1", AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	attachArtifact(t, env, task.ID)
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: task.ID, ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		seen[typ] = true
	}
	for _, want := range []string{"task.created", "task.picked", "task.started", "task.gates.evaluated", "task.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
