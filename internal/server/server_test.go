package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/engine"
	"foreman/internal/migrate"
)

const testProject = "demo"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerAuth(t, AuthConfig{AllowAnonymous: true})
}

func newTestServerAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "tester", "test project"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTask(t *testing.T, srv *testServer, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTask(t, srv, map[string]any{
		"title": "Wire config loader",
		"type":  "implement",
	})
	if created.Status != "todo" {
		t.Fatalf("expected todo, got %s", created.Status)
	}

	pickRes, pickBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/pick", map[string]any{
		"agent_id": "agent-1",
	}, nil)
	if pickRes.StatusCode != http.StatusOK {
		t.Fatalf("pick status %d: %s", pickRes.StatusCode, string(pickBody))
	}
	var picked TaskResponse
	if err := json.Unmarshal(pickBody, &picked); err != nil {
		t.Fatalf("unmarshal picked: %v", err)
	}
	if picked.ID != created.ID {
		t.Fatalf("picked wrong task %s", picked.ID)
	}
	if picked.LockOwner == nil || *picked.LockOwner != "agent-1" {
		t.Fatalf("expected lock owner agent-1, got %+v", picked.LockOwner)
	}

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/start", map[string]any{
		"agent_id": "agent-1",
	}, nil)
	if startRes.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startBody))
	}

	artRes, artBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/artifacts", map[string]any{
		"kind": "commit",
		"uri":  "git:abc123",
	}, nil)
	if artRes.StatusCode != http.StatusCreated {
		t.Fatalf("artifact status %d: %s", artRes.StatusCode, string(artBody))
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/done", map[string]any{}, nil)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done TaskResponse
	if err := json.Unmarshal(doneBody, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "done" {
		t.Fatalf("expected done, got %s", done.Status)
	}
	if done.LockOwner != nil {
		t.Fatalf("expected lock released, got %v", *done.LockOwner)
	}
}

func TestCompleteBlockedByUnsatisfiedGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	gateRes, gateBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+testProject+"/gates/tests", map[string]any{
		"is_required": true,
		"runner_mode": "manual",
	}, nil)
	if gateRes.StatusCode != http.StatusOK {
		t.Fatalf("configure gate status %d: %s", gateRes.StatusCode, string(gateBody))
	}

	created := createTask(t, srv, map[string]any{
		"title": "Guarded work",
		"gates": []string{"tests"},
	})

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/artifacts", map[string]any{
		"kind": "commit",
		"uri":  "git:def456",
	}, nil)

	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/done", map[string]any{}, nil)
	if doneRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(doneBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", envelope.Error.Code)
	}

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/gates/tests/run", map[string]any{
		"task_id": created.ID,
	}, nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run gate status %d: %s", runRes.StatusCode, string(runBody))
	}
	var run GateRunResponse
	if err := json.Unmarshal(runBody, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != "passing" {
		t.Fatalf("expected passing manual run, got %s", run.Status)
	}

	doneRes2, doneBody2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/done", map[string]any{}, nil)
	if doneRes2.StatusCode != http.StatusOK {
		t.Fatalf("done after gate run status %d: %s", doneRes2.StatusCode, string(doneBody2))
	}
}

func TestGateWaiverRequiresDecision(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+testProject+"/gates/security", map[string]any{
		"is_required": true,
		"runner_mode": "manual",
	}, nil)

	waiveRes, waiveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/gates/security/waive", map[string]any{
		"decision_id": "missing",
		"rationale":   "known false positive in scanner",
		"created_by":  "human",
	}, nil)
	if waiveRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing decision, got %d: %s", waiveRes.StatusCode, string(waiveBody))
	}

	decRes, decBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions", map[string]any{
		"title":     "Accept scanner noise",
		"decision":  "Waive the security gate for release 1.2",
		"rationale": "Finding is a false positive, tracked separately",
	}, nil)
	if decRes.StatusCode != http.StatusCreated {
		t.Fatalf("create decision status %d: %s", decRes.StatusCode, string(decBody))
	}
	var dec DecisionResponse
	if err := json.Unmarshal(decBody, &dec); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}

	created := createTask(t, srv, map[string]any{
		"title": "Release prep",
		"gates": []string{"security"},
	})
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/artifacts", map[string]any{
		"kind": "commit",
		"uri":  "git:rel12",
	}, nil)

	waiveRes2, waiveBody2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/gates/security/waive", map[string]any{
		"task_id":     created.ID,
		"decision_id": dec.ID,
		"rationale":   "known false positive in scanner",
		"created_by":  "human",
	}, nil)
	if waiveRes2.StatusCode != http.StatusOK {
		t.Fatalf("waive status %d: %s", waiveRes2.StatusCode, string(waiveBody2))
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/tasks/"+created.ID+"/done", map[string]any{}, nil)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("done with waiver status %d: %s", doneRes.StatusCode, string(doneBody))
	}
}

func TestConstraintEvaluation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	conRes, conBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/constraints", map[string]any{
		"scope":             "project",
		"trigger":           "files_match",
		"trigger_value":     "migrations/",
		"rule_text":         "Schema changes need a migration review",
		"enforcement_level": "block",
	}, nil)
	if conRes.StatusCode != http.StatusCreated {
		t.Fatalf("create constraint status %d: %s", conRes.StatusCode, string(conBody))
	}

	evalRes, evalBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/constraints/evaluate", map[string]any{
		"files": []string{"migrations/0042_add_index.sql"},
	}, nil)
	if evalRes.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", evalRes.StatusCode, string(evalBody))
	}
	var eval ConstraintEvalResponse
	if err := json.Unmarshal(evalBody, &eval); err != nil {
		t.Fatalf("unmarshal evaluation: %v", err)
	}
	if eval.Passed {
		t.Fatalf("expected violation, got pass: %s", string(evalBody))
	}
	if len(eval.Violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(eval.Violations))
	}

	evalRes2, evalBody2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/constraints/evaluate", map[string]any{
		"files": []string{"internal/server/server.go"},
	}, nil)
	if evalRes2.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", evalRes2.StatusCode, string(evalBody2))
	}
	var eval2 ConstraintEvalResponse
	_ = json.Unmarshal(evalBody2, &eval2)
	if !eval2.Passed {
		t.Fatalf("expected pass for unrelated files: %s", string(evalBody2))
	}
}

func TestEventsCursorPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"one", "two", "three"} {
		createTask(t, srv, map[string]any{"title": title})
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res2.StatusCode, string(data2))
	}
	var page2 paginatedEvents
	_ = json.Unmarshal(data2, &page2)
	if len(page2.Items) == 0 {
		t.Fatalf("expected more events after cursor")
	}
	for _, evt := range page2.Items {
		if evt.ID >= page.Items[len(page.Items)-1].ID {
			t.Fatalf("cursor did not advance: %d", evt.ID)
		}
	}
}

func TestProjectScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTask(t, srv, map[string]any{"title": "scoped"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong project, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredWithoutAnonymous(t *testing.T) {
	srv, cleanup := newTestServerAuth(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(meBody, &me)
	if me.ActorID != "dev-user" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, map[string]string{"X-Actor-Id": "ci-bot"})
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", createRes.StatusCode, string(createBody))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(createBody, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected plaintext key on creation")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me with api key status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(meBody, &me)
	if me.ActorID != "ci-bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, map[string]string{"X-Actor-Id": "ci-bot"})
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list api keys status %d: %s", listRes.StatusCode, string(listBody))
	}
	var keys []APIKeyResponse
	_ = json.Unmarshal(listBody, &keys)
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].Key != "" {
		t.Fatalf("plaintext key must not be listed")
	}
}

func TestPlanImportExport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := "# Demo plan\n\nSmall two step plan.\n\n### task-setup: Set up repo\n\ngoal: Initialize the repository layout\ntype: implement\nrisk: low\n\n### task-ci: Add CI\n\ngoal: Wire the verification pipeline\ntype: verify\ndependencies: task-setup\n"
	impRes, impBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/plan/import", map[string]any{
		"markdown": plan,
	}, nil)
	if impRes.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", impRes.StatusCode, string(impBody))
	}
	var imp ImportPlanResponse
	if err := json.Unmarshal(impBody, &imp); err != nil {
		t.Fatalf("unmarshal import: %v", err)
	}
	if imp.Created != 2 {
		t.Fatalf("expected 2 created, got %d (%s)", imp.Created, string(impBody))
	}

	expRes, expBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/plan/export", nil, nil)
	if expRes.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", expRes.StatusCode, string(expBody))
	}
	var exp ExportPlanResponse
	if err := json.Unmarshal(expBody, &exp); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if !bytes.Contains([]byte(exp.Markdown), []byte("task-setup")) || !bytes.Contains([]byte(exp.Markdown), []byte("task-ci")) {
		t.Fatalf("export missing task keys: %s", exp.Markdown)
	}
}
