package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/collab"
	"github.com/steward-dao/steward/internal/core/orchestrator"
	"github.com/steward-dao/steward/internal/core/registry"
	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/core/workflow"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewStore(":memory:", log)
	if err := s.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	agents := store.NewAgentStore(s)
	tasks := store.NewTaskStore(s)
	audit := store.NewAuditStore(s)
	cfg := types.OrchestratorConfig{}

	agentRegistry := registry.NewRegistry(agents, tasks, audit, cfg, log)
	taskManager := task.NewManager(s, agents, tasks, audit, cfg, log)
	orchEngine := orchestrator.NewEngine(s, agents, tasks, audit, taskManager, cfg, log)
	runner := workflow.NewRunner(collab.Set{}, taskManager, audit, log)

	return NewRouter(agentRegistry, taskManager, orchEngine, runner, audit)
}

func doJSON(t *testing.T, router *Router, method, path string, body any) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.Handler().ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v\n%s", err, w.Body.String())
	}
	return w, &env
}

func TestSpawnAgentEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/agents", types.SpawnRequest{
		Name: "helios",
		Role: types.RoleDeveloper,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got %+v", env)
	}

	var result types.SpawnResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Agent.Name != "helios" || result.AlreadyExisted {
		t.Fatalf("unexpected result: %+v", result)
	}

	// A repeat spawn is idempotent and reported as 200.
	w, env = doJSON(t, router, http.MethodPost, "/api/v1/agents", types.SpawnRequest{
		Name: "helios",
		Role: types.RoleDeveloper,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat spawn, got %d", w.Code)
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !result.AlreadyExisted {
		t.Fatalf("expected already existed, got %+v", result)
	}
}

func TestErrorMapping(t *testing.T) {
	router := newTestRouter(t)

	// Unknown agent: 404 with the error code in the envelope.
	w, env := doJSON(t, router, http.MethodGet, "/api/v1/agents/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if env.OK || env.Error == nil || env.Error.Code != string(types.CodeNotFound) {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	// Bad enum: 400 invalid_argument.
	w, env = doJSON(t, router, http.MethodPost, "/api/v1/agents", types.SpawnRequest{
		Name: "x",
		Role: "wizard",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Code != string(types.CodeInvalidArgument) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	_, env := doJSON(t, router, http.MethodPost, "/api/v1/agents", types.SpawnRequest{
		Name: "worker",
		Role: types.RoleDeveloper,
	})
	var spawned types.SpawnResult
	if err := json.Unmarshal(env.Data, &spawned); err != nil {
		t.Fatalf("failed to decode spawn: %v", err)
	}

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/tasks", types.AssignRequest{
		Title:      "wire the vote relay",
		Category:   "governance",
		Priority:   7,
		AssigneeID: spawned.Agent.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var assigned types.AssignResult
	if err := json.Unmarshal(env.Data, &assigned); err != nil {
		t.Fatalf("failed to decode assign: %v", err)
	}

	// The assignee shows up BUSY.
	_, env = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+spawned.Agent.ID, nil)
	var agent types.Agent
	if err := json.Unmarshal(env.Data, &agent); err != nil {
		t.Fatalf("failed to decode agent: %v", err)
	}
	if agent.Status != types.AgentBusy {
		t.Fatalf("expected BUSY assignee, got %s", agent.Status)
	}

	w, env = doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+assigned.Task.ID+"/status",
		map[string]string{"status": string(types.TaskDone)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var closed types.Task
	if err := json.Unmarshal(env.Data, &closed); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if closed.Status != types.TaskDone {
		t.Fatalf("expected DONE, got %s", closed.Status)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+spawned.Agent.ID, nil)
	if err := json.Unmarshal(env.Data, &agent); err != nil {
		t.Fatalf("failed to decode agent: %v", err)
	}
	if agent.Status != types.AgentIdle {
		t.Fatalf("expected IDLE after close, got %s", agent.Status)
	}
}

func TestAuditFeedOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/agents", types.SpawnRequest{
		Name: "audited",
		Role: types.RoleGeneric,
	})

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/audit/activity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []types.ActivityEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatalf("failed to decode entries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one activity entry after a spawn")
	}
}
