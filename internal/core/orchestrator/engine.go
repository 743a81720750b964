// Package orchestrator provides the scheduling heuristics layered on
// the agent registry and task manager: auto-assignment, workload
// rebalancing, blocker detection, and performance reporting.
package orchestrator

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

// Engine runs the background optimizer heuristics. All four operations
// are best-effort: a failure on one item is logged and skipped, never
// raised to the caller.
type Engine struct {
	entityStore *store.Store
	agents      *store.AgentStore
	tasks       *store.TaskStore
	audit       *store.AuditStore
	taskMgr     *task.Manager
	cfg         types.OrchestratorConfig
	log         *slog.Logger
}

// NewEngine creates an orchestration Engine.
func NewEngine(entityStore *store.Store, agents *store.AgentStore, tasks *store.TaskStore, audit *store.AuditStore, taskMgr *task.Manager, cfg types.OrchestratorConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RebalanceSpread <= 0 {
		cfg.RebalanceSpread = 2
	}
	if cfg.StaleAfterHours <= 0 {
		cfg.StaleAfterHours = 6
	}
	if cfg.ReportWindowHrs <= 0 {
		cfg.ReportWindowHrs = 24
	}
	return &Engine{
		entityStore: entityStore,
		agents:      agents,
		tasks:       tasks,
		audit:       audit,
		taskMgr:     taskMgr,
		cfg:         cfg,
		log:         log,
	}
}

// Assignment is one (task, agent) pairing made by auto-assignment.
type Assignment struct {
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// AutoAssignPending greedily pairs unassigned PENDING tasks (most
// urgent first, oldest first within a priority) with IDLE agents, one
// task per agent, stopping when either side is exhausted. Archived
// agents never appear; skill matching, if wanted, is a filter the
// caller applies before invoking this.
func (e *Engine) AutoAssignPending() ([]Assignment, error) {
	pending, err := e.tasks.ListPendingUnassigned()
	if err != nil {
		return nil, err
	}
	idle, err := e.agents.List(&types.AgentFilter{Status: types.AgentIdle})
	if err != nil {
		return nil, err
	}

	var made []Assignment
	next := 0
	for _, t := range pending {
		if next >= len(idle) {
			break
		}
		agent := idle[next]

		if err := e.assignPair(t, agent); err != nil {
			// Per-item failure: skip the task, keep the agent for the
			// next candidate.
			e.log.Warn("auto-assign skipped task", "task_id", t.ID,
				"agent_id", agent.ID, "error", err)
			continue
		}
		next++

		made = append(made, Assignment{
			TaskID:    t.ID,
			TaskTitle: t.Title,
			AgentID:   agent.ID,
			AgentName: agent.Name,
		})

		taskID := t.ID
		e.recordDecision(agent.ID, &taskID,
			fmt.Sprintf("auto-assigned task %q to agent %s", t.Title, agent.Name),
			fmt.Sprintf("priority %d, agent idle", t.Priority))
		e.recordActivity("task_auto_assigned",
			fmt.Sprintf("Auto-assigned %q to %s", t.Title, agent.Name),
			map[string]string{"task_id": t.ID, "agent_id": agent.ID})
	}

	e.log.Info("auto-assign complete", "pending", len(pending),
		"idle_agents", len(idle), "assigned", len(made))
	return made, nil
}

// assignPair claims a task for an agent in one transaction.
func (e *Engine) assignPair(t *types.Task, agent *types.Agent) error {
	return e.entityStore.Transact(func(tx *sql.Tx) error {
		assignee := agent.ID
		status := types.TaskInProgress
		update := &types.TaskUpdate{Status: &status, AssigneeID: &assignee}
		if err := e.tasks.UpdateTx(tx, t.ID, t.Version, update); err != nil {
			return err
		}
		busy := types.AgentBusy
		return e.agents.UpdateTx(tx, agent.ID, agent.Version,
			&types.AgentUpdate{Status: &busy})
	})
}

// AgentLoad is one agent's open task count in a rebalance report.
type AgentLoad struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Open      int    `json:"open"`
}

// Move is one executed rebalance transfer.
type Move struct {
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
}

// RebalanceReport describes agent load before and after rebalancing.
type RebalanceReport struct {
	Before []AgentLoad `json:"before"`
	After  []AgentLoad `json:"after"`
	Moves  []Move      `json:"moves"`
}

// RebalanceWorkload moves open tasks from the busiest agent to the
// least busy one when the spread exceeds the configured threshold,
// newest task first, never dropping the donor below the recipient's
// post-move load. Failed moves are logged and skipped.
func (e *Engine) RebalanceWorkload() (*RebalanceReport, error) {
	loads, err := e.currentLoads()
	if err != nil {
		return nil, err
	}
	report := &RebalanceReport{Before: loads}
	if len(loads) < 2 {
		report.After = loads
		return report, nil
	}

	// Working copy of the counts, adjusted as moves land.
	counts := make(map[string]int, len(loads))
	names := make(map[string]string, len(loads))
	for _, l := range loads {
		counts[l.AgentID] = l.Open
		names[l.AgentID] = l.AgentName
	}

	// Tasks whose move failed and donors with nothing movable left are
	// excluded from further attempts, so one bad candidate never stops
	// the rest of the run.
	skipped := make(map[string]bool)
	exhausted := make(map[string]bool)

	for {
		busiest, least := extremes(counts, exhausted)
		if busiest == "" || counts[busiest]-counts[least] <= e.cfg.RebalanceSpread {
			break
		}
		// No overshoot: a move must not leave the donor with less than
		// the recipient ends up holding.
		if counts[busiest]-1 < counts[least]+1 {
			break
		}

		open, err := e.tasks.OpenTasksForAgent(busiest)
		if err != nil {
			break
		}
		var candidate *types.Task
		for _, t := range open { // newest first
			if !skipped[t.ID] {
				candidate = t
				break
			}
		}
		if candidate == nil {
			exhausted[busiest] = true
			continue
		}

		if _, err := e.taskMgr.Reassign(candidate.ID, least,
			"workload rebalance"); err != nil {
			e.log.Warn("rebalance move failed", "task_id", candidate.ID,
				"from", busiest, "to", least, "error", err)
			skipped[candidate.ID] = true
			continue
		}

		counts[busiest]--
		counts[least]++
		report.Moves = append(report.Moves, Move{
			TaskID:    candidate.ID,
			TaskTitle: candidate.Title,
			FromAgent: busiest,
			ToAgent:   least,
		})
	}

	after := make([]AgentLoad, 0, len(loads))
	for _, l := range loads {
		after = append(after, AgentLoad{
			AgentID:   l.AgentID,
			AgentName: names[l.AgentID],
			Open:      counts[l.AgentID],
		})
	}
	report.After = after

	if len(report.Moves) > 0 {
		e.recordActivity("workload_rebalanced",
			fmt.Sprintf("Rebalanced %d task(s)", len(report.Moves)),
			map[string]string{"moves": fmt.Sprintf("%d", len(report.Moves))})
	}
	return report, nil
}

// currentLoads returns every non-archived agent with its open task count.
func (e *Engine) currentLoads() ([]AgentLoad, error) {
	agents, err := e.agents.List(nil)
	if err != nil {
		return nil, err
	}
	counts, err := e.tasks.OpenCountsByAgent()
	if err != nil {
		return nil, err
	}

	var loads []AgentLoad
	for _, a := range agents {
		if a.Status == types.AgentArchived {
			continue
		}
		loads = append(loads, AgentLoad{
			AgentID:   a.ID,
			AgentName: a.Name,
			Open:      counts[a.ID],
		})
	}
	return loads, nil
}

// extremes returns the busiest and least-busy agent IDs. Exhausted
// donors are never picked as busiest but stay eligible as recipients.
func extremes(counts map[string]int, exhausted map[string]bool) (busiest, least string) {
	for id, c := range counts {
		if !exhausted[id] && (busiest == "" || c > counts[busiest]) {
			busiest = id
		}
		if least == "" || c < counts[least] {
			least = id
		}
	}
	return busiest, least
}

// BlockerReport separates confirmed blockers from suspected ones, so
// callers can tell an explicit BLOCKED mark from a staleness guess.
type BlockerReport struct {
	Blocked    []*types.Task `json:"blocked"`
	Suspected  []*types.Task `json:"suspected"`
	StaleAfter string        `json:"stale_after"`
}

// IdentifyBlockers returns tasks explicitly in BLOCKED status, plus
// CLAIMED/IN_PROGRESS tasks whose last update is older than the
// staleness threshold.
func (e *Engine) IdentifyBlockers() (*BlockerReport, error) {
	blocked, err := e.tasks.List(&types.TaskFilter{
		Status: []types.TaskStatus{types.TaskBlocked},
		Limit:  task.MaxListLimit,
	})
	if err != nil {
		return nil, err
	}

	staleAfter := time.Duration(e.cfg.StaleAfterHours) * time.Hour
	suspected, err := e.tasks.StaleOpenTasks(time.Now().Add(-staleAfter))
	if err != nil {
		return nil, err
	}

	return &BlockerReport{
		Blocked:    blocked,
		Suspected:  suspected,
		StaleAfter: staleAfter.String(),
	}, nil
}

// AgentPerformance is one agent's terminal-task outcome counts within
// the report window. SuccessRate is nil, not zero, when the agent had
// no terminal tasks, so callers cannot mistake "no data" for "always
// failing".
type AgentPerformance struct {
	AgentID     string   `json:"agent_id"`
	AgentName   string   `json:"agent_name"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

// PerformanceReport counts tasks that reached a terminal status within
// the window, per agent, split into success (DONE/COMPLETED) and
// failure (FAILED/CANCELLED).
func (e *Engine) PerformanceReport(windowHours int) (map[string]*AgentPerformance, error) {
	if windowHours <= 0 {
		windowHours = e.cfg.ReportWindowHrs
	}
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	agents, err := e.agents.List(nil)
	if err != nil {
		return nil, err
	}
	rows, err := e.tasks.TerminalSince(cutoff)
	if err != nil {
		return nil, err
	}

	report := make(map[string]*AgentPerformance, len(agents))
	for _, a := range agents {
		if a.Status == types.AgentArchived {
			continue
		}
		report[a.ID] = &AgentPerformance{AgentID: a.ID, AgentName: a.Name}
	}

	for _, row := range rows {
		perf, ok := report[row.AgentID]
		if !ok {
			continue
		}
		switch row.Status {
		case types.TaskDone, types.TaskCompleted:
			perf.Succeeded += row.Count
		case types.TaskFailed, types.TaskCancelled:
			perf.Failed += row.Count
		}
	}

	for _, perf := range report {
		total := perf.Succeeded + perf.Failed
		if total > 0 {
			rate := float64(perf.Succeeded) / float64(total)
			perf.SuccessRate = &rate
		}
	}
	return report, nil
}

func (e *Engine) recordDecision(agentID string, taskID *string, decision, rationale string) {
	err := e.audit.RecordDecision(&types.Decision{
		AgentID:   agentID,
		TaskID:    taskID,
		Decision:  decision,
		Rationale: rationale,
	})
	if err != nil {
		e.log.Error("failed to record decision", "agent_id", agentID, "error", err)
	}
}

func (e *Engine) recordActivity(activityType, title string, metadata map[string]string) {
	err := e.audit.RecordActivity(&types.ActivityEntry{
		ActivityType: activityType,
		Title:        title,
		Metadata:     metadata,
		Status:       types.ActivityCompleted,
	})
	if err != nil {
		e.log.Error("failed to record activity", "type", activityType, "error", err)
	}
}
