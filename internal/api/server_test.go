package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/models"
	"agentnet/internal/monitor"
	"agentnet/internal/protocol"
	"agentnet/internal/store"
)

func protocolAssignment() (protocol.Envelope, error) {
	now := time.Now().UTC()
	return protocol.NewAssignment("manager", "developer", models.Task{
		ID:          "task_1755940009_0000000a",
		Description: "queued work",
		Status:      models.StatusAssigned,
		CreatedAt:   now,
		AssignedAt:  &now,
	})
}

func testConfig() config.Config {
	return config.Config{
		Broker: config.Broker{
			ManagerQueue:   "manager-queue",
			DeveloperQueue: "developer-queue",
		},
		ManagerID:     "manager",
		DeveloperID:   "developer",
		ActiveWindow:  time.Hour,
		ActivityLimit: 10,
	}
}

func newTestServer(t *testing.T) (http.Handler, store.Store, *broker.Memory) {
	t.Helper()
	cfg := testConfig()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "agentnet.db"), cfg.ActivityLimit)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m := broker.NewMemory()
	t.Cleanup(func() { m.Close() })
	srv := New(cfg, st, m, monitor.New(cfg, st, m, nil))
	return srv.Router(), st, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newTestServer(t)

	now := time.Now().UTC()
	if err := st.PutAgentStatus(ctx, models.AgentStatus{
		AgentID: "manager", State: models.StateReady, LastHeartbeat: now,
	}); err != nil {
		t.Fatalf("seed manager: %v", err)
	}
	if err := st.PutAgentStatus(ctx, models.AgentStatus{
		AgentID: "developer", State: models.StateIdle, LastHeartbeat: now.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("seed developer: %v", err)
	}

	rec := get(t, h, "/api/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Agents []monitor.AgentReport `json:"agents"`
	}
	decode(t, rec, &body)
	if len(body.Agents) != 2 {
		t.Fatalf("agent count = %d, want 2", len(body.Agents))
	}
	for _, a := range body.Agents {
		switch a.AgentID {
		case "manager":
			if !a.Active {
				t.Error("manager with fresh heartbeat reported stale")
			}
		case "developer":
			if a.Active {
				t.Error("developer with 2h-old heartbeat reported active")
			}
		}
	}
}

func TestAgentEndpoint(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newTestServer(t)

	if err := st.PutAgentStatus(ctx, models.AgentStatus{
		AgentID: "developer", State: models.StateReady, LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := get(t, h, "/api/agents/developer")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report monitor.AgentReport
	decode(t, rec, &report)
	if report.AgentID != "developer" || !report.Active {
		t.Fatalf("report = %+v", report)
	}

	if rec := get(t, h, "/api/agents/ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d, want 404", rec.Code)
	}
}

func TestAgentActivityEndpoint(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newTestServer(t)

	if err := st.PutAgentStatus(ctx, models.AgentStatus{
		AgentID: "developer", State: models.StateReady, LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := st.AppendActivity(ctx, models.Activity{
			AgentID:   "developer",
			Type:      models.ActivityStateChange,
			Detail:    "tick",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed activity: %v", err)
		}
	}

	rec := get(t, h, "/api/agents/developer/activity?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Activities []models.Activity `json:"activities"`
	}
	decode(t, rec, &body)
	if len(body.Activities) != 2 {
		t.Fatalf("activity count = %d, want 2", len(body.Activities))
	}

	if rec := get(t, h, "/api/agents/ghost/activity"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d, want 404", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newTestServer(t)

	now := time.Now().UTC()
	done := now.Add(-time.Minute)
	seed := []models.Task{
		{ID: "task_1755940001_00000001", Description: "active work", Status: models.StatusPending, CreatedAt: now},
		{ID: "task_1755940002_00000002", Description: "archived work", Status: models.StatusCompleted, AssignedAgent: "developer", CreatedAt: now.Add(-time.Hour), CompletedAt: &done},
	}
	for _, task := range seed {
		if err := st.PutTask(ctx, task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}

	var body struct {
		Tasks []models.Task `json:"tasks"`
	}
	rec := get(t, h, "/api/tasks/active")
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if len(body.Tasks) != 1 || body.Tasks[0].ID != seed[0].ID {
		t.Fatalf("active tasks = %+v", body.Tasks)
	}

	rec = get(t, h, "/api/tasks/completed")
	if rec.Code != http.StatusOK {
		t.Fatalf("completed status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if len(body.Tasks) != 1 || body.Tasks[0].ID != seed[1].ID {
		t.Fatalf("completed tasks = %+v", body.Tasks)
	}

	rec = get(t, h, "/api/tasks/"+seed[0].ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("task status = %d", rec.Code)
	}
	var task models.Task
	decode(t, rec, &task)
	if task.ID != seed[0].ID {
		t.Fatalf("task = %+v", task)
	}

	if rec := get(t, h, "/api/tasks/task_0000000000_ffffffff"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rec.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	ctx := context.Background()
	h, _, m := newTestServer(t)

	env, err := protocolAssignment()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := m.Publish(ctx, "developer-queue", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rec := get(t, h, "/api/queues/developer-queue")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info broker.QueueInfo
	decode(t, rec, &info)
	if info.MessageCount != 1 {
		t.Fatalf("message count = %d, want 1", info.MessageCount)
	}

	// A disconnected broker must not report stale numbers.
	m.Close()
	if rec := get(t, h, "/api/queues/developer-queue"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected status = %d, want 503", rec.Code)
	}
}
