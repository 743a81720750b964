package task

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

type fixture struct {
	manager *Manager
	agents  *store.AgentStore
	tasks   *store.TaskStore
	audit   *store.AuditStore
}

func newFixture(t *testing.T) *fixture {
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
	manager := NewManager(s, agents, tasks, audit, types.OrchestratorConfig{}, log)
	return &fixture{manager: manager, agents: agents, tasks: tasks, audit: audit}
}

func (f *fixture) spawnAgent(t *testing.T, name string) *types.Agent {
	t.Helper()
	agent := &types.Agent{
		Name:   name,
		Role:   types.RoleDeveloper,
		Status: types.AgentIdle,
	}
	if err := f.agents.Create(agent); err != nil {
		t.Fatalf("failed to create agent %s: %v", name, err)
	}
	return agent
}

func (f *fixture) agentStatus(t *testing.T, id string) types.AgentStatus {
	t.Helper()
	agent, err := f.agents.Get(id)
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if agent == nil {
		t.Fatalf("agent %s not found", id)
	}
	return agent.Status
}

func TestAssignMarksAgentBusy(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{
		Title:      "review proposal 42",
		Category:   "governance",
		Stage:      "plan",
		Priority:   9,
		AssigneeID: agent.ID,
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if result.AlreadyExisted || result.StatusSyncFailed {
		t.Fatalf("unexpected result flags: %+v", result)
	}
	if result.Task.Status != types.TaskPending {
		t.Fatalf("expected PENDING, got %s", result.Task.Status)
	}
	if result.Task.Category != types.CategoryGovernance || result.Task.Stage != types.StagePlan {
		t.Fatalf("unexpected normalization: %s / %s", result.Task.Category, result.Task.Stage)
	}

	if got := f.agentStatus(t, agent.ID); got != types.AgentBusy {
		t.Fatalf("expected agent BUSY after assign, got %s", got)
	}
}

func TestAssignDuplicateReturnsExisting(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	req := &types.AssignRequest{Title: "fix indexer", AssigneeID: agent.ID}
	first, err := f.manager.Assign(req)
	if err != nil {
		t.Fatalf("first assign failed: %v", err)
	}

	second, err := f.manager.Assign(req)
	if err != nil {
		t.Fatalf("second assign failed: %v", err)
	}
	if !second.AlreadyExisted {
		t.Fatal("expected already existed on duplicate assign")
	}
	if second.Task.ID != first.Task.ID {
		t.Fatalf("expected same task, got %s and %s", first.Task.ID, second.Task.ID)
	}

	all, err := f.manager.List(nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 task, got %d", len(all))
	}
}

func TestAssignConcurrentDuplicatesCreateOne(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	const callers = 8
	results := make([]*types.AssignResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.Assign(&types.AssignRequest{
				Title:      "race for one slot",
				AssigneeID: agent.ID,
			})
		}(i)
	}
	wg.Wait()

	// Exactly one caller wins the creation; the rest get the same task
	// back with already_existed set.
	created := 0
	ids := make(map[string]bool)
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("assign %d failed: %v", i, errs[i])
		}
		if !results[i].AlreadyExisted {
			created++
		}
		ids[results[i].Task.ID] = true
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one task ID across all callers, got %d", len(ids))
	}

	tasks, err := f.manager.List(nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one stored task, got %d", len(tasks))
	}
}

func TestStatusChangeLandsOnActivityFeed(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "observed", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	ch := f.audit.Subscribe("feed-test")
	t.Cleanup(func() { f.audit.Unsubscribe("feed-test") })

	if _, err := f.manager.UpdateStatus(result.Task.ID, types.TaskInProgress, nil, ""); err != nil {
		t.Fatalf("status change failed: %v", err)
	}

	select {
	case entry := <-ch:
		if entry.ActivityType != "task_status_changed" {
			t.Fatalf("unexpected activity type: %s", entry.ActivityType)
		}
		if entry.ID == 0 {
			t.Fatal("expected the feed entry to be persisted before notification")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a feed notification after the status change")
	}

	entries, err := f.audit.ListActivity(10, 0)
	if err != nil {
		t.Fatalf("list activity failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ActivityType == "task_status_changed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the status change in the stored activity log")
	}
}

func TestAssignCoercesAliases(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{
		Title:      "ship the dashboard",
		Category:   "development",
		Stage:      "implementation-ish",
		AssigneeID: agent.ID,
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if !result.Coerced {
		t.Fatal("expected coercion flag")
	}
	if result.Task.Category != types.CategoryCode {
		t.Fatalf("expected code category, got %s", result.Task.Category)
	}
	// Unknown stage falls back to PLAN rather than failing.
	if result.Task.Stage != types.StagePlan {
		t.Fatalf("expected PLAN fallback, got %s", result.Task.Stage)
	}
}

func TestAssignValidation(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	cases := []struct {
		name string
		req  *types.AssignRequest
		code types.ErrorCode
	}{
		{"missing title", &types.AssignRequest{AssigneeID: agent.ID}, types.CodeInvalidArgument},
		{"missing assignee", &types.AssignRequest{Title: "x"}, types.CodeInvalidArgument},
		{"priority too high", &types.AssignRequest{Title: "x", AssigneeID: agent.ID, Priority: 11}, types.CodeInvalidArgument},
		{"unknown agent", &types.AssignRequest{Title: "x", AssigneeID: "nope"}, types.CodeNotFound},
	}
	for _, tc := range cases {
		if _, err := f.manager.Assign(tc.req); !types.IsCode(err, tc.code) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestAssignRejectsArchivedAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	archived := types.AgentArchived
	if err := f.agents.Update(agent.ID, agent.Version, &types.AgentUpdate{Status: &archived}); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	_, err := f.manager.Assign(&types.AssignRequest{Title: "x", AssigneeID: agent.ID})
	if !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTerminalStatusFreesAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "only task", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if _, err := f.manager.UpdateStatus(result.Task.ID, types.TaskDone, nil, ""); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	if got := f.agentStatus(t, agent.ID); got != types.AgentIdle {
		t.Fatalf("expected agent IDLE after last task closed, got %s", got)
	}
}

func TestTerminalStatusKeepsBusyAgentWithOpenWork(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	first, err := f.manager.Assign(&types.AssignRequest{Title: "task one", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign one failed: %v", err)
	}
	if _, err := f.manager.Assign(&types.AssignRequest{Title: "task two", AssigneeID: agent.ID}); err != nil {
		t.Fatalf("assign two failed: %v", err)
	}

	if _, err := f.manager.UpdateStatus(first.Task.ID, types.TaskDone, nil, ""); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	// One open task remains, so the agent stays BUSY.
	if got := f.agentStatus(t, agent.ID); got != types.AgentBusy {
		t.Fatalf("expected agent BUSY with open work, got %s", got)
	}
}

func TestBlockedStatusAndReason(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "stuck task", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	// A blocking reason outside BLOCKED is rejected.
	if _, err := f.manager.UpdateStatus(result.Task.ID, types.TaskInProgress, nil, "waiting"); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	blocked, err := f.manager.UpdateStatus(result.Task.ID, types.TaskBlocked, nil, "waiting on multisig")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if blocked.BlockingReason != "waiting on multisig" {
		t.Fatalf("expected blocking reason, got %q", blocked.BlockingReason)
	}

	// Leaving BLOCKED clears the stale reason.
	resumed, err := f.manager.UpdateStatus(result.Task.ID, types.TaskInProgress, nil, "")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.BlockingReason != "" {
		t.Fatalf("expected cleared blocking reason, got %q", resumed.BlockingReason)
	}
}

func TestUpdateDetailsDoesNotTouchLifecycle(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "old title", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	title := "new title"
	priority := 8
	category := types.TaskCategory("infrastructure")
	done := types.TaskDone
	updated, coerced, err := f.manager.UpdateDetails(result.Task.ID, &types.TaskUpdate{
		Title:    &title,
		Priority: &priority,
		Category: &category,
		Status:   &done, // must be ignored
	})
	if err != nil {
		t.Fatalf("update details failed: %v", err)
	}
	if !coerced {
		t.Fatal("expected coercion flag for category alias")
	}
	if updated.Title != "new title" || updated.Priority != 8 {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if updated.Category != types.CategoryInfra {
		t.Fatalf("expected infra, got %s", updated.Category)
	}
	if updated.Status != types.TaskPending {
		t.Fatalf("details update must not change status, got %s", updated.Status)
	}
}

func TestReassignHandsOffAgentStatus(t *testing.T) {
	f := newFixture(t)
	from := f.spawnAgent(t, "from")
	to := f.spawnAgent(t, "to")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "moving task", AssigneeID: from.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	moved, err := f.manager.Reassign(result.Task.ID, to.ID, "load balancing")
	if err != nil {
		t.Fatalf("reassign failed: %v", err)
	}
	if moved.AssigneeID == nil || *moved.AssigneeID != to.ID {
		t.Fatalf("expected new assignee, got %+v", moved.AssigneeID)
	}

	if got := f.agentStatus(t, from.ID); got != types.AgentIdle {
		t.Fatalf("expected old agent IDLE, got %s", got)
	}
	if got := f.agentStatus(t, to.ID); got != types.AgentBusy {
		t.Fatalf("expected new agent BUSY, got %s", got)
	}
}

func TestReassignRejectsTerminalTask(t *testing.T) {
	f := newFixture(t)
	from := f.spawnAgent(t, "from")
	to := f.spawnAgent(t, "to")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "done task", AssigneeID: from.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := f.manager.UpdateStatus(result.Task.ID, types.TaskDone, nil, ""); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	_, err = f.manager.Reassign(result.Task.ID, to.ID, "")
	if !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDeleteFreesAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	result, err := f.manager.Assign(&types.AssignRequest{Title: "doomed task", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := f.manager.Delete(result.Task.ID, "obsolete"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := f.manager.Get(result.Task.ID); !types.IsCode(err, types.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if got := f.agentStatus(t, agent.ID); got != types.AgentIdle {
		t.Fatalf("expected agent IDLE after delete, got %s", got)
	}
}

func TestSearchNormalizesAndFilters(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	for _, spec := range []struct {
		title    string
		category string
		priority int
	}{
		{"gov low", "governance", 3},
		{"gov high", "dao", 9},
		{"code task", "code", 9},
	} {
		if _, err := f.manager.Assign(&types.AssignRequest{
			Title:      spec.title,
			Category:   spec.category,
			Priority:   spec.priority,
			AssigneeID: agent.ID,
		}); err != nil {
			t.Fatalf("assign %s failed: %v", spec.title, err)
		}
	}

	// "dao" coerces to governance, so both governance tasks match.
	results, err := f.manager.Search(&types.TaskSearch{Category: "dao"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 governance tasks, got %d", len(results))
	}

	results, err = f.manager.Search(&types.TaskSearch{Category: "governance", MinPriority: 5})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].Title != "gov high" {
		t.Fatalf("unexpected search result: %+v", results)
	}

	if _, err := f.manager.Search(&types.TaskSearch{Status: "NAPPING"}); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown status, got %v", err)
	}
	if _, err := f.manager.Search(&types.TaskSearch{MinPriority: 8, MaxPriority: 2}); !types.IsCode(err, types.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for inverted range, got %v", err)
	}
}

func TestBulkUpdateSkipsFailures(t *testing.T) {
	f := newFixture(t)
	agent := f.spawnAgent(t, "helios")

	first, err := f.manager.Assign(&types.AssignRequest{Title: "bulk one", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	second, err := f.manager.Assign(&types.AssignRequest{Title: "bulk two", AssigneeID: agent.ID})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	priority := 10
	updated, err := f.manager.BulkUpdate(
		[]string{first.Task.ID, "no-such-task", second.Task.ID},
		&types.TaskUpdate{Priority: &priority},
	)
	if err != nil {
		t.Fatalf("bulk update failed: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 updated tasks, got %d", len(updated))
	}
	for _, u := range updated {
		if u.Priority != 10 {
			t.Fatalf("expected priority 10, got %d", u.Priority)
		}
	}
}
