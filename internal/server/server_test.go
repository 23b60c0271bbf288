package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"curricord/internal/config"
	"curricord/internal/db"
	"curricord/internal/domain"
	"curricord/internal/engine"
	"curricord/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("curricord")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any) (*http.Response, []byte) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %s, want unauthorized", envelope.Error.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", "not-a-jwt", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, data)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	token := mintToken(t, "alice")

	// quick-scan: parse-documents (document-parser) then accreditation-check.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"target_id": "program-42",
		"workflow":  "quick-scan",
		"input":     map[string]any{"document": "syllabus.pdf"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, data)
	}
	var session domain.AnalysisSession
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Status != domain.ExecutionRunning {
		t.Fatalf("session status = %s, want running", session.Status)
	}

	for _, agent := range []struct{ id, typ string }{
		{"parser-1", "document-parser"},
		{"accred-1", "accreditation-analyzer"},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", token, map[string]any{
			"id": agent.id, "type": agent.typ,
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s status %d: %s", agent.id, res.StatusCode, data)
		}

		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", token, map[string]any{
			"agent_id": agent.id, "agent_type": agent.typ,
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("claim status %d: %s", res.StatusCode, data)
		}
		var claim ClaimTaskResponse
		if err := json.Unmarshal(data, &claim); err != nil {
			t.Fatalf("unmarshal claim: %v", err)
		}
		if claim.Task == nil {
			t.Fatalf("agent %s claimed no task", agent.id)
		}

		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+claim.Task.ID+"/complete", token, map[string]any{
			"agent_id": agent.id,
			"result":   map[string]any{"ok": true},
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete status %d: %s", res.StatusCode, data)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+session.ID, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, data)
	}
	var status engine.SessionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Session.Status != domain.ExecutionCompleted {
		t.Fatalf("session = %s, want completed", status.Session.Status)
	}
	if status.Session.Progress != 100 {
		t.Fatalf("progress = %d, want 100", status.Session.Progress)
	}

	// Cancelling a finished session conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/cancel", token, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel completed session status %d, want 409: %s", res.StatusCode, data)
	}

	// Events were recorded for the whole run.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?session_id="+session.ID, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, data)
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) == 0 {
		t.Fatal("no events recorded")
	}
}

func TestClaimEmptyQueueReturnsNullTask(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents", token, map[string]any{
		"id": "parser-1", "type": "document-parser",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/claim", token, map[string]any{
		"agent_id": "parser-1", "agent_type": "document-parser",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, data)
	}
	var claim ClaimTaskResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claim.Task != nil {
		t.Fatalf("claimed task %s from an empty queue", claim.Task.ID)
	}
}

func TestClaimUnregisteredAgentReturns404(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/claim", token, map[string]any{
		"agent_id": "ghost-1", "agent_type": "document-parser",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("claim status %d, want 404: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %s, want not_found", envelope.Error.Code)
	}
}

func TestSessionListPaginatesWithoutSkips(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")

	for _, target := range []string{"program-1", "program-2", "program-3"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
			"target_id": target, "workflow": "quick-scan",
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("start %s status %d: %s", target, res.StatusCode, data)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 5; page++ {
		u := srv.URL + "/v0/sessions?limit=1"
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, u, token, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, data)
		}
		var body paginatedSessions
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, s := range body.Items {
			if seen[s.ID] {
				t.Fatalf("session %s returned twice", s.ID)
			}
			seen[s.ID] = true
		}
		cursor = body.NextCursor
		if cursor == "" {
			break
		}
	}
	if len(seen) != 3 {
		t.Fatalf("paged through %d sessions, want 3", len(seen))
	}
}

func TestStartSessionValidation(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"workflow": "quick-scan",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing target status %d, want 400: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"target_id": "program-42",
		"workflow":  "no-such-workflow",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown workflow status %d, want 404: %s", res.StatusCode, data)
	}
}

func TestSessionCapacityReturns429(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")
	srv.Engine.Config.Scheduler.MaxConcurrentSessions = 1

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"target_id": "program-42", "workflow": "quick-scan",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first session status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"target_id": "program-43", "workflow": "quick-scan",
	})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second session status %d, want 429: %s", res.StatusCode, data)
	}
}

func TestWorkflowSnapshotExposed(t *testing.T) {
	srv := newTestServer(t)
	token := mintToken(t, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", token, map[string]any{
		"target_id": "program-42", "workflow": "quick-scan",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows/quick-scan/versions/1", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status %d: %s", res.StatusCode, data)
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(wf.Steps))
	}
}
