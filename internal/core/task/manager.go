// Package task provides task lifecycle management.
package task

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

const (
	// MaxListLimit bounds a single page of tasks.
	MaxListLimit = 1000
	// DefaultListLimit applies when the caller leaves limit unset.
	DefaultListLimit = 100
)

// Manager handles task lifecycle operations. The IDLE/BUSY handoff
// between a task and its assignee always runs in the same transaction
// as the task write, so no caller observes half of a reassignment.
type Manager struct {
	entityStore *store.Store
	agents      *store.AgentStore
	tasks       *store.TaskStore
	audit       *store.AuditStore
	cfg         types.OrchestratorConfig
	log         *slog.Logger
}

// NewManager creates a task Manager.
func NewManager(entityStore *store.Store, agents *store.AgentStore, tasks *store.TaskStore, audit *store.AuditStore, cfg types.OrchestratorConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}
	return &Manager{
		entityStore: entityStore,
		agents:      agents,
		tasks:       tasks,
		audit:       audit,
		cfg:         cfg,
		log:         log,
	}
}

// Assign creates a task against an agent. Category and stage are
// coerced through the alias tables (surfaced via the Coerced flag); an
// open task with the same title and assignee is returned unchanged
// instead of creating a duplicate. On success the assignee is marked
// BUSY; if that flip fails the result reports StatusSyncFailed rather
// than pretending full success.
func (m *Manager) Assign(req *types.AssignRequest) (*types.AssignResult, error) {
	if req.Title == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "task title is required")
	}
	if req.AssigneeID == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "assignee_agent_id is required")
	}
	if req.Priority != 0 && (req.Priority < 1 || req.Priority > 10) {
		return nil, types.NewError(types.CodeInvalidArgument,
			"priority must be between 1 and 10, got %d", req.Priority)
	}

	agent, err := m.agents.Get(req.AssigneeID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, types.NewError(types.CodeNotFound, "agent not found: %s", req.AssigneeID)
	}
	if agent.Status == types.AgentArchived {
		return nil, types.NewError(types.CodeInvalidArgument,
			"cannot assign to archived agent: %s", agent.Name)
	}

	category, catCoerced := types.NormalizeCategory(req.Category)
	stage, stageCoerced := types.NormalizeStage(req.Stage)
	coerced := catCoerced || stageCoerced

	if dup, err := m.tasks.FindOpenDuplicate(req.Title, req.AssigneeID); err != nil {
		return nil, err
	} else if dup != nil {
		return &types.AssignResult{Task: dup, AlreadyExisted: true, Coerced: coerced}, nil
	}

	priority := req.Priority
	if priority == 0 {
		priority = m.cfg.DefaultPriority
	}

	assignee := req.AssigneeID
	newTask := &types.Task{
		Title:       req.Title,
		Description: req.Description,
		Repo:        req.Repo,
		Category:    category,
		Stage:       stage,
		Status:      types.TaskPending,
		Priority:    priority,
		AssigneeID:  &assignee,
	}

	if err := m.tasks.Create(newTask); err != nil {
		// The partial unique index closes the race between two
		// concurrent assigns for the same (title, assignee).
		if types.IsCode(err, types.CodeConflict) {
			dup, getErr := m.tasks.FindOpenDuplicate(req.Title, req.AssigneeID)
			if getErr == nil && dup != nil {
				return &types.AssignResult{Task: dup, AlreadyExisted: true, Coerced: coerced}, nil
			}
		}
		return nil, err
	}

	result := &types.AssignResult{Task: newTask, Coerced: coerced}

	if err := m.markBusy(req.AssigneeID); err != nil {
		m.log.Error("agent status sync failed after task create",
			"task_id", newTask.ID, "agent_id", req.AssigneeID, "error", err)
		result.StatusSyncFailed = true
		m.recordActivity("task_assigned", fmt.Sprintf("Assigned task %q", newTask.Title),
			types.ActivityPartial, map[string]string{
				"task_id":  newTask.ID,
				"agent_id": req.AssigneeID,
				"detail":   "agent status flip failed",
			})
		return result, nil
	}

	taskID := newTask.ID
	m.recordDecision(req.AssigneeID, &taskID,
		fmt.Sprintf("assigned task %q to agent %s", newTask.Title, agent.Name), "")
	m.recordActivity("task_assigned", fmt.Sprintf("Assigned task %q", newTask.Title),
		types.ActivityCompleted, map[string]string{
			"task_id":  newTask.ID,
			"agent_id": req.AssigneeID,
			"coerced":  fmt.Sprintf("%t", coerced),
		})

	m.log.Info("task assigned", "task_id", newTask.ID, "agent_id", req.AssigneeID,
		"priority", priority)
	return result, nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(id string) (*types.Task, error) {
	t, err := m.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, types.NewError(types.CodeNotFound, "task not found: %s", id)
	}
	return t, nil
}

// List returns a page of tasks.
func (m *Manager) List(filter *types.TaskFilter) ([]*types.Task, error) {
	if filter == nil {
		filter = &types.TaskFilter{}
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit < 1 || filter.Limit > MaxListLimit {
		return nil, types.NewError(types.CodeInvalidArgument,
			"limit must be between 1 and %d, got %d", MaxListLimit, filter.Limit)
	}
	if filter.Offset < 0 {
		return nil, types.NewError(types.CodeInvalidArgument,
			"offset must be non-negative, got %d", filter.Offset)
	}
	for _, s := range filter.Status {
		if !types.ValidTaskStatus(s) {
			return nil, types.NewError(types.CodeInvalidArgument, "unknown status: %s", s)
		}
	}
	return m.tasks.List(filter)
}

// UpdateStatus transitions a task's status (and optionally stage). A
// transition into a terminal status runs the assignee handoff: the
// agent goes back to IDLE only when it holds no other open task.
func (m *Manager) UpdateStatus(id string, status types.TaskStatus, stage *types.TaskStage, blockingReason string) (*types.Task, error) {
	if !types.ValidTaskStatus(status) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown status: %s", status)
	}
	if stage != nil && !types.ValidTaskStage(*stage) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown stage: %s", *stage)
	}
	if status != types.TaskBlocked && blockingReason != "" {
		return nil, types.NewError(types.CodeInvalidArgument,
			"blocking_reason only applies to BLOCKED status")
	}

	var oldStatus types.TaskStatus
	var entry *types.ActivityEntry

	err := m.withRetry(func() error {
		current, err := m.Get(id)
		if err != nil {
			return err
		}
		oldStatus = current.Status

		update := &types.TaskUpdate{Status: &status}
		if stage != nil {
			update.Stage = stage
		}
		reason := blockingReason
		if status == types.TaskBlocked {
			update.BlockingReason = &reason
		} else if current.BlockingReason != "" {
			empty := ""
			update.BlockingReason = &empty
		}

		// The activity entry commits with the transition, so the audit
		// trail never shows a change that was rolled back.
		entry = &types.ActivityEntry{
			ActivityType: "task_status_changed",
			Title:        fmt.Sprintf("Task %q: %s -> %s", current.Title, oldStatus, status),
			Status:       types.ActivityCompleted,
			Metadata:     map[string]string{"task_id": id},
		}

		return m.entityStore.Transact(func(tx *sql.Tx) error {
			if err := m.tasks.UpdateTx(tx, id, current.Version, update); err != nil {
				return err
			}
			if status.IsTerminal() && current.AssigneeID != nil {
				if err := m.reconcileTx(tx, *current.AssigneeID); err != nil {
					return err
				}
			}
			return m.audit.RecordActivityTx(tx, entry)
		})
	})
	if err != nil {
		return nil, err
	}
	m.audit.Notify(entry)

	updated, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	m.log.Info("task status changed", "task_id", id, "from", oldStatus, "to", status)
	return updated, nil
}

// UpdateDetails applies a partial triage update. Status and assignee
// are never touched here; use UpdateStatus and Reassign for those.
func (m *Manager) UpdateDetails(id string, update *types.TaskUpdate) (*types.Task, bool, error) {
	if update == nil {
		return nil, false, types.NewError(types.CodeInvalidArgument, "update is required")
	}
	if update.Priority != nil && (*update.Priority < 1 || *update.Priority > 10) {
		return nil, false, types.NewError(types.CodeInvalidArgument,
			"priority must be between 1 and 10, got %d", *update.Priority)
	}

	coerced := false
	details := &types.TaskUpdate{
		Title:       update.Title,
		Description: update.Description,
		Repo:        update.Repo,
		Priority:    update.Priority,
	}
	if update.Category != nil {
		category, c := types.NormalizeCategory(string(*update.Category))
		details.Category = &category
		coerced = coerced || c
	}
	if update.Stage != nil {
		stage, c := types.NormalizeStage(string(*update.Stage))
		details.Stage = &stage
		coerced = coerced || c
	}

	err := m.withRetry(func() error {
		current, err := m.Get(id)
		if err != nil {
			return err
		}
		return m.tasks.Update(id, current.Version, details)
	})
	if err != nil {
		return nil, false, err
	}

	updated, err := m.Get(id)
	if err != nil {
		return nil, false, err
	}

	m.recordActivity("task_details_updated",
		fmt.Sprintf("Updated task %q", updated.Title),
		types.ActivityCompleted, map[string]string{
			"task_id": id,
			"coerced": fmt.Sprintf("%t", coerced),
		})
	return updated, coerced, nil
}

// Reassign moves a task to another agent in one transaction: the new
// assignee goes BUSY, the old one goes IDLE unless it still holds open
// work.
func (m *Manager) Reassign(id, newAgentID, reason string) (*types.Task, error) {
	newAgent, err := m.agents.Get(newAgentID)
	if err != nil {
		return nil, err
	}
	if newAgent == nil {
		return nil, types.NewError(types.CodeNotFound, "agent not found: %s", newAgentID)
	}
	if newAgent.Status == types.AgentArchived {
		return nil, types.NewError(types.CodeInvalidArgument,
			"cannot reassign to archived agent: %s", newAgent.Name)
	}

	var oldAssignee *string

	err = m.withRetry(func() error {
		current, err := m.Get(id)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return types.NewError(types.CodeInvalidArgument,
				"cannot reassign task in terminal status %s", current.Status)
		}
		oldAssignee = current.AssigneeID

		return m.entityStore.Transact(func(tx *sql.Tx) error {
			assignee := newAgentID
			update := &types.TaskUpdate{AssigneeID: &assignee}
			if err := m.tasks.UpdateTx(tx, id, current.Version, update); err != nil {
				return err
			}
			if err := m.markBusyTx(tx, newAgentID); err != nil {
				return err
			}
			if oldAssignee != nil && *oldAssignee != newAgentID {
				return m.reconcileTx(tx, *oldAssignee)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	updated, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	taskID := id
	m.recordDecision(newAgentID, &taskID,
		fmt.Sprintf("reassigned task %q to agent %s", updated.Title, newAgent.Name), reason)
	meta := map[string]string{"task_id": id, "to_agent": newAgentID}
	if oldAssignee != nil {
		meta["from_agent"] = *oldAssignee
	}
	m.recordActivity("task_reassigned",
		fmt.Sprintf("Reassigned task %q", updated.Title), types.ActivityCompleted, meta)

	m.log.Info("task reassigned", "task_id", id, "to", newAgentID)
	return updated, nil
}

// Delete hard-removes a task, freeing the assignee if it has no other
// open work. Intended for cleanup of completed or obsolete records.
func (m *Manager) Delete(id, reason string) error {
	current, err := m.Get(id)
	if err != nil {
		return err
	}

	err = m.entityStore.Transact(func(tx *sql.Tx) error {
		if err := m.tasks.DeleteTx(tx, id); err != nil {
			return err
		}
		if current.AssigneeID != nil {
			return m.reconcileTx(tx, *current.AssigneeID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.recordActivity("task_deleted",
		fmt.Sprintf("Deleted task %q", current.Title),
		types.ActivityCompleted, map[string]string{"task_id": id, "reason": reason})

	m.log.Info("task deleted", "task_id", id, "reason", reason)
	return nil
}

// Search runs the ad hoc filtered query. Category and stage inputs go
// through the alias tables; an unknown status is rejected rather than
// coerced.
func (m *Manager) Search(search *types.TaskSearch) ([]*types.Task, error) {
	if search == nil {
		search = &types.TaskSearch{}
	}
	normalized := *search
	if search.Category != "" {
		category, _ := types.NormalizeCategory(search.Category)
		normalized.Category = string(category)
	}
	if search.Stage != "" {
		stage, _ := types.NormalizeStage(search.Stage)
		normalized.Stage = string(stage)
	}
	if search.Status != "" && !types.ValidTaskStatus(types.TaskStatus(search.Status)) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown status: %s", search.Status)
	}
	if search.MinPriority > 0 && search.MaxPriority > 0 && search.MinPriority > search.MaxPriority {
		return nil, types.NewError(types.CodeInvalidArgument, "min_priority exceeds max_priority")
	}
	return m.tasks.Search(&normalized)
}

// BulkUpdate applies the same partial update to every listed task.
// Category and stage are normalized once and reused for all rows. A
// row that fails is skipped and logged; the updated set is returned.
func (m *Manager) BulkUpdate(ids []string, update *types.TaskUpdate) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, types.NewError(types.CodeInvalidArgument, "task_ids is required")
	}
	if update == nil {
		return nil, types.NewError(types.CodeInvalidArgument, "updates is required")
	}
	if update.Priority != nil && (*update.Priority < 1 || *update.Priority > 10) {
		return nil, types.NewError(types.CodeInvalidArgument,
			"priority must be between 1 and 10, got %d", *update.Priority)
	}

	details := &types.TaskUpdate{
		Title:       update.Title,
		Description: update.Description,
		Repo:        update.Repo,
		Priority:    update.Priority,
	}
	if update.Category != nil {
		category, _ := types.NormalizeCategory(string(*update.Category))
		details.Category = &category
	}
	if update.Stage != nil {
		stage, _ := types.NormalizeStage(string(*update.Stage))
		details.Stage = &stage
	}

	var updated []*types.Task
	for _, id := range ids {
		err := m.withRetry(func() error {
			current, err := m.Get(id)
			if err != nil {
				return err
			}
			return m.tasks.Update(id, current.Version, details)
		})
		if err != nil {
			m.log.Warn("bulk update skipped task", "task_id", id, "error", err)
			continue
		}
		t, err := m.Get(id)
		if err != nil {
			m.log.Warn("bulk update could not re-read task", "task_id", id, "error", err)
			continue
		}
		updated = append(updated, t)
	}

	m.recordActivity("tasks_bulk_updated",
		fmt.Sprintf("Bulk updated %d of %d tasks", len(updated), len(ids)),
		types.ActivityCompleted, map[string]string{"requested": fmt.Sprintf("%d", len(ids))})
	return updated, nil
}

// markBusy flips an agent to BUSY with one retry on a lost race.
func (m *Manager) markBusy(agentID string) error {
	return m.withRetry(func() error {
		return m.entityStore.Transact(func(tx *sql.Tx) error {
			return m.markBusyTx(tx, agentID)
		})
	})
}

func (m *Manager) markBusyTx(tx *sql.Tx, agentID string) error {
	agent, err := m.agents.GetTx(tx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return types.NewError(types.CodeNotFound, "agent not found: %s", agentID)
	}
	if agent.Status == types.AgentBusy || agent.Status == types.AgentArchived {
		return nil
	}
	busy := types.AgentBusy
	return m.agents.UpdateTx(tx, agentID, agent.Version, &types.AgentUpdate{Status: &busy})
}

// reconcileTx settles an agent's IDLE/BUSY status against its open
// task count, inside the caller's transaction. Only a BUSY agent is
// flipped back to IDLE; ERROR/OFFLINE/ARCHIVED are operator states the
// handoff does not own.
func (m *Manager) reconcileTx(tx *sql.Tx, agentID string) error {
	agent, err := m.agents.GetTx(tx, agentID)
	if err != nil {
		return err
	}
	if agent == nil || agent.Status != types.AgentBusy {
		return nil
	}
	open, err := m.tasks.CountOpenTasksForAgentTx(tx, agentID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	idle := types.AgentIdle
	return m.agents.UpdateTx(tx, agentID, agent.Version, &types.AgentUpdate{Status: &idle})
}

// withRetry retries fn once when the optimistic version check loses a
// concurrent race; all other errors surface immediately.
func (m *Manager) withRetry(fn func() error) error {
	err := fn()
	if err != nil && types.IsCode(err, types.CodeConflict) {
		return fn()
	}
	return err
}

func (m *Manager) recordDecision(agentID string, taskID *string, decision, rationale string) {
	err := m.audit.RecordDecision(&types.Decision{
		AgentID:   agentID,
		TaskID:    taskID,
		Decision:  decision,
		Rationale: rationale,
	})
	if err != nil {
		m.log.Error("failed to record decision", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) recordActivity(activityType, title string, status types.ActivityStatus, metadata map[string]string) {
	err := m.audit.RecordActivity(&types.ActivityEntry{
		ActivityType: activityType,
		Title:        title,
		Metadata:     metadata,
		Status:       status,
	})
	if err != nil {
		m.log.Error("failed to record activity", "type", activityType, "error", err)
	}
}
