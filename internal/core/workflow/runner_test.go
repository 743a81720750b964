package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/steward-dao/steward/internal/collab"
	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

type fakeReasoner struct {
	reply string
	err   error
	calls int
}

func (f *fakeReasoner) Analyze(ctx context.Context, prompt string, opts collab.ReasonOptions) (string, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, f.err
}

type fakeKnowledge struct {
	entries []collab.KnowledgeEntry
}

func (f *fakeKnowledge) Query(ctx context.Context, query, category string) ([]collab.KnowledgeEntry, error) {
	return f.entries, nil
}

type fixture struct {
	runner  *Runner
	audit   *store.AuditStore
	agents  *store.AgentStore
	manager *task.Manager
}

func newFixture(t *testing.T, collaborators collab.Set) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewStore(":memory:", log)
	if err := s.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	agents := store.NewAgentStore(s)
	tasks := store.NewTaskStore(s)
	audit := store.NewAuditStore(s)
	manager := task.NewManager(s, agents, tasks, audit, types.OrchestratorConfig{}, log)
	runner := NewRunner(collaborators, manager, audit, log)
	return &fixture{runner: runner, audit: audit, agents: agents, manager: manager}
}

func TestRunAccumulatesContext(t *testing.T) {
	f := newFixture(t, collab.Set{
		Reasoner:  &fakeReasoner{reply: "looks safe"},
		Knowledge: &fakeKnowledge{entries: []collab.KnowledgeEntry{{Title: "doc", Score: 0.9}}},
	})

	result, err := f.runner.Run(context.Background(), []Step{
		{Action: ActionAnalyze, Prompt: "evaluate proposal"},
		{Action: ActionQueryKnowledge, Query: "treasury policy"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Aborted {
		t.Fatal("run should not abort")
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(result.Steps))
	}

	if got, ok := result.Context["step_0"].(string); !ok || got != "looks safe" {
		t.Fatalf("expected analyze result under step_0, got %v", result.Context["step_0"])
	}
	entries, ok := result.Context["step_1"].([]collab.KnowledgeEntry)
	if !ok || len(entries) != 1 || entries[0].Title != "doc" {
		t.Fatalf("expected knowledge result under step_1, got %v", result.Context["step_1"])
	}
}

func TestCriticalFailureAborts(t *testing.T) {
	reasoner := &fakeReasoner{err: errors.New("model unavailable")}
	f := newFixture(t, collab.Set{Reasoner: reasoner})

	result, err := f.runner.Run(context.Background(), []Step{
		{Action: ActionAnalyze, Prompt: "first", Critical: true},
		{Action: ActionAnalyze, Prompt: "never runs"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Aborted {
		t.Fatal("expected aborted run")
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected trace to stop at the critical step, got %d records", len(result.Steps))
	}
	if result.Steps[0].OK || result.Steps[0].Error == "" {
		t.Fatalf("expected failure marker, got %+v", result.Steps[0])
	}
	if reasoner.calls != 1 {
		t.Fatalf("expected 1 call, got %d", reasoner.calls)
	}
}

func TestNonCriticalFailureContinues(t *testing.T) {
	f := newFixture(t, collab.Set{Reasoner: &fakeReasoner{reply: "ok"}})

	result, err := f.runner.Run(context.Background(), []Step{
		{Action: ActionQueryKnowledge, Query: "anything"}, // no knowledge collaborator
		{Action: ActionAnalyze, Prompt: "still runs"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Aborted {
		t.Fatal("non-critical failure must not abort")
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(result.Steps))
	}
	if result.Steps[0].OK {
		t.Fatal("expected first step to fail")
	}
	if !result.Steps[1].OK {
		t.Fatalf("expected second step to succeed: %+v", result.Steps[1])
	}
	if _, ok := result.Context["step_0"]; ok {
		t.Fatal("failed step must not write to the context")
	}
}

func TestDeadlineCutsRunBetweenSteps(t *testing.T) {
	f := newFixture(t, collab.Set{Reasoner: &fakeReasoner{reply: "ok"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.runner.Run(ctx, []Step{
		{Action: ActionAnalyze, Prompt: "never runs"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Aborted {
		t.Fatal("expected aborted run on dead context")
	}
	if len(result.Steps) != 1 || result.Steps[0].OK {
		t.Fatalf("expected one failed record, got %+v", result.Steps)
	}
}

func TestCreateSubtaskStep(t *testing.T) {
	f := newFixture(t, collab.Set{})

	agent := &types.Agent{Name: "helios", Role: types.RoleDeveloper, Status: types.AgentIdle}
	if err := f.agents.Create(agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	result, err := f.runner.Run(context.Background(), []Step{
		{
			Action: ActionCreateSubtask,
			Subtask: &types.AssignRequest{
				Title:      "follow-up audit",
				AssigneeID: agent.ID,
			},
		},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Steps[0].OK {
		t.Fatalf("expected subtask step to succeed: %+v", result.Steps[0])
	}

	assign, ok := result.Context["step_0"].(*types.AssignResult)
	if !ok {
		t.Fatalf("expected assign result in context, got %T", result.Context["step_0"])
	}
	created, err := f.manager.Get(assign.Task.ID)
	if err != nil {
		t.Fatalf("subtask not persisted: %v", err)
	}
	if created.Title != "follow-up audit" {
		t.Fatalf("unexpected subtask: %+v", created)
	}
}

func TestLogDecisionStep(t *testing.T) {
	f := newFixture(t, collab.Set{})

	result, err := f.runner.Run(context.Background(), []Step{
		{
			Action:    ActionLogDecision,
			AgentID:   "agent-1",
			Decision:  "escalate to operators",
			Rationale: "budget exceeded",
		},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Steps[0].OK {
		t.Fatalf("expected decision step to succeed: %+v", result.Steps[0])
	}

	decisions, err := f.audit.ListDecisions(10, 0)
	if err != nil {
		t.Fatalf("list decisions failed: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Decision != "escalate to operators" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func TestStepTraceLandsInAuditLog(t *testing.T) {
	f := newFixture(t, collab.Set{Reasoner: &fakeReasoner{reply: "ok"}})

	if _, err := f.runner.Run(context.Background(), []Step{
		{Action: ActionAnalyze, Prompt: "one"},
		{Action: ActionAnalyze, Prompt: "two"},
	}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	entries, err := f.audit.ListActivity(10, 0)
	if err != nil {
		t.Fatalf("list activity failed: %v", err)
	}
	steps := 0
	for _, e := range entries {
		if e.ActivityType == "workflow_step" {
			steps++
		}
	}
	if steps != 2 {
		t.Fatalf("expected 2 workflow_step entries, got %d", steps)
	}
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, collab.Set{})

	if _, err := f.runner.Run(context.Background(), nil); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty steps, got %v", err)
	}
	if _, err := f.runner.Run(context.Background(), []Step{{Action: "teleport"}}); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown action, got %v", err)
	}

	// A generous deadline leaves the run untouched.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := f.runner.Run(ctx, []Step{
		{Action: ActionLogDecision, Decision: "noop check"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Aborted {
		t.Fatal("run should complete within the deadline")
	}
}
