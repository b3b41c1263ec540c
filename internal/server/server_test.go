package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/dialogue"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/metrics"
	"crewline/internal/migrate"
)

const (
	testSecret       = "test-secret"
	adminID    int64 = 1
	workerID   int64 = 2
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []dialogue.Event
}

func (s *sinkRecorder) Post(_ context.Context, ev dialogue.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Admins *config.AdminSet
	Sink   *sinkRecorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "crewline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	admins := config.NewAdminSet([]int64{adminID})
	e := engine.New(conn, admins, nil, nil)
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC) }
	if _, _, err := e.RegisterUser(ctx, adminID, "ann", "Ann Admin"); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if _, _, err := e.RegisterUser(ctx, workerID, "will", "Will Worker"); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	sink := &sinkRecorder{}
	handler, err := New(Config{
		Engine:   e,
		Events:   sink,
		Metrics:  metrics.New(),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e, Admins: admins, Sink: sink}
}

func tokenFor(t *testing.T, id int64) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, id, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, body)
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin-tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin-tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, body)
	}
	if !strings.Contains(string(body), "invalid_credentials") {
		t.Fatalf("expected error envelope, got %s", body)
	}
}

func TestAdminTaskListing(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	first, _, err := srv.Engine.AssignTask(ctx, adminID, workerID, "Pour foundation slab")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, _, err := srv.Engine.AssignTask(ctx, adminID, workerID, "Install rebar cages"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, _, err := srv.Engine.AcceptTask(ctx, workerID, first.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin-tasks", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	var list AdminTaskList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].Text != "Install rebar cages" {
		t.Fatalf("expected newest first, got %+v", list.Items)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin-tasks?status=accepted", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filter status %d: %s", res.StatusCode, body)
	}
	list = AdminTaskList{}
	_ = json.Unmarshal(body, &list)
	if len(list.Items) != 1 || list.Items[0].WorkerName != "Will Worker" {
		t.Fatalf("unexpected filtered list %+v", list.Items)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users", nil, tokenFor(t, workerID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for worker, got %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("users status %d: %s", res.StatusCode, body)
	}
	var users UsersResponse
	_ = json.Unmarshal(body, &users)
	if users.Admins != 1 || users.Workers != 1 || len(users.Items) != 2 {
		t.Fatalf("unexpected users %+v", users)
	}

	// Revocation applies to the next request.
	srv.Admins.Replace(nil)
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after revocation, got %d: %s", res.StatusCode, body)
	}
}

func TestGetAdminTask(t *testing.T) {
	srv := newTestServer(t)
	task, _, err := srv.Engine.AssignTask(context.Background(), adminID, workerID, "Pour foundation slab")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	url := srv.URL + "/v0/admin-tasks/" + strconv.FormatInt(task.ID, 10)

	res, body := doJSON(t, srv.Client(), http.MethodGet, url, nil, tokenFor(t, workerID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker read status %d: %s", res.StatusCode, body)
	}
	var got domain.AdminTaskView
	_ = json.Unmarshal(body, &got)
	if got.Status != domain.AdminTaskPending || got.ReadAt != nil || got.WorkerComment != nil {
		t.Fatalf("unexpected task %+v", got)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin-tasks/999", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, body)
	}
}

func TestWorkerTaskQueueIsOldestFirst(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for _, text := range []string{"Order cement", "Order gravel"} {
		if _, _, err := srv.Engine.SubmitRequest(ctx, workerID, text); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/worker-tasks?status=pending", nil, tokenFor(t, adminID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	var list WorkerTaskList
	_ = json.Unmarshal(body, &list)
	if len(list.Items) != 2 || list.Items[0].Text != "Order cement" {
		t.Fatalf("expected oldest first, got %+v", list.Items)
	}
}

func TestPostEventQueuesForCaller(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"kind":    "callback",
		"payload": "accept_task:3",
	}, tokenFor(t, workerID))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("post event status %d: %s", res.StatusCode, body)
	}
	if len(srv.Sink.events) != 1 {
		t.Fatalf("expected one queued event, got %d", len(srv.Sink.events))
	}
	ev := srv.Sink.events[0]
	if ev.Sender != workerID || ev.Kind != dialogue.KindCallback || ev.ID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"kind":    "callback",
		"payload": "accept_task",
	}, tokenFor(t, workerID))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed callback, got %d: %s", res.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected go collector output")
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{engine.ValidationError{Field: "text", Reason: "too short"}, http.StatusBadRequest},
		{engine.NotFoundError{Kind: "task", ID: 1}, http.StatusNotFound},
		{engine.IllegalTransitionError{Kind: "task", ID: 1, Current: "accepted", Target: "commented"}, http.StatusConflict},
		{engine.PersistenceError{Op: "commit", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := handleError(tc.err).GetStatus()
		if got != tc.status {
			t.Fatalf("%T: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}
