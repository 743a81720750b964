// Package registry provides agent lifecycle management.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

const (
	// MaxListLimit bounds a single page of agents.
	MaxListLimit = 1000
	// DefaultListLimit applies when the caller leaves limit unset.
	DefaultListLimit = 100
)

// Registry handles agent lifecycle operations. Every mutation appends
// an activity entry; spawn also records a decision.
type Registry struct {
	agents *store.AgentStore
	tasks  *store.TaskStore
	audit  *store.AuditStore
	cfg    types.OrchestratorConfig
	log    *slog.Logger
}

// NewRegistry creates an agent Registry.
func NewRegistry(agents *store.AgentStore, tasks *store.TaskStore, audit *store.AuditStore, cfg types.OrchestratorConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 100
	}
	if cfg.DefaultMaxTasks <= 0 {
		cfg.DefaultMaxTasks = 3
	}
	return &Registry{agents: agents, tasks: tasks, audit: audit, cfg: cfg, log: log}
}

// List returns a page of agents, newest first.
func (r *Registry) List(filter *types.AgentFilter) ([]*types.Agent, error) {
	if filter == nil {
		filter = &types.AgentFilter{}
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
	if filter.Status != "" && !types.ValidAgentStatus(filter.Status) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown status: %s", filter.Status)
	}
	if filter.Role != "" && !types.ValidAgentRole(filter.Role) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown role: %s", filter.Role)
	}
	return r.agents.List(filter)
}

// Spawn creates a new agent, or returns the existing one unchanged when
// an agent with the same name is already live. Fails with
// CapacityExceeded once the non-archived agent count reaches the ceiling.
func (r *Registry) Spawn(req *types.SpawnRequest) (*types.SpawnResult, error) {
	if req.Name == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "agent name is required")
	}
	if !types.ValidAgentRole(req.Role) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown role: %s", req.Role)
	}

	if existing, err := r.agents.GetByName(req.Name); err != nil {
		return nil, err
	} else if existing != nil {
		return &types.SpawnResult{Agent: existing, AlreadyExisted: true}, nil
	}

	count, err := r.agents.CountActive()
	if err != nil {
		return nil, err
	}
	if count >= r.cfg.MaxAgents {
		return nil, types.NewError(types.CodeCapacityExceeded,
			"agent ceiling reached (%d)", r.cfg.MaxAgents)
	}

	maxTasks := req.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = r.cfg.DefaultMaxTasks
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Reason != "" {
		metadata["spawn_reason"] = req.Reason
	}
	if req.SpawnedBy != "" {
		metadata["spawned_by"] = req.SpawnedBy
	}

	agent := &types.Agent{
		Name:               req.Name,
		Role:               req.Role,
		Status:             types.AgentIdle,
		Skills:             dedupe(req.Skills),
		MaxConcurrentTasks: maxTasks,
		Metadata:           metadata,
	}

	if err := r.agents.Create(agent); err != nil {
		// Two concurrent spawns with the same name: the loser adopts
		// the winner's row, keeping spawn idempotent.
		if types.IsCode(err, types.CodeConflict) {
			existing, getErr := r.agents.GetByName(req.Name)
			if getErr == nil && existing != nil {
				return &types.SpawnResult{Agent: existing, AlreadyExisted: true}, nil
			}
		}
		return nil, err
	}

	r.recordDecision(agent.ID, nil,
		fmt.Sprintf("spawned agent %q with role %s", agent.Name, agent.Role),
		req.Reason)
	r.recordActivity("agent_spawned", fmt.Sprintf("Spawned agent %s", agent.Name),
		map[string]string{"agent_id": agent.ID, "role": string(agent.Role)})

	r.log.Info("agent spawned", "agent_id", agent.ID, "name", agent.Name, "role", agent.Role)
	return &types.SpawnResult{Agent: agent}, nil
}

// Get retrieves an agent by ID.
func (r *Registry) Get(id string) (*types.Agent, error) {
	agent, err := r.agents.Get(id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, types.NewError(types.CodeNotFound, "agent not found: %s", id)
	}
	return agent, nil
}

// UpdateStatus sets an agent's status. It does not touch tasks.
func (r *Registry) UpdateStatus(id string, status types.AgentStatus) (*types.Agent, error) {
	if !types.ValidAgentStatus(status) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown status: %s", status)
	}
	return r.apply(id, "agent_status_updated", func(agent *types.Agent) *types.AgentUpdate {
		return &types.AgentUpdate{Status: &status}
	})
}

// UpdateSkills replaces an agent's skill set. Duplicates are ignored.
func (r *Registry) UpdateSkills(id string, skills []string) (*types.Agent, error) {
	deduped := dedupe(skills)
	if deduped == nil {
		deduped = []string{}
	}
	return r.apply(id, "agent_skills_updated", func(agent *types.Agent) *types.AgentUpdate {
		return &types.AgentUpdate{Skills: deduped}
	})
}

// UpdateRole changes an agent's role.
func (r *Registry) UpdateRole(id string, role types.AgentRole) (*types.Agent, error) {
	if !types.ValidAgentRole(role) {
		return nil, types.NewError(types.CodeInvalidArgument, "unknown role: %s", role)
	}
	return r.apply(id, "agent_role_updated", func(agent *types.Agent) *types.AgentUpdate {
		return &types.AgentUpdate{Role: &role}
	})
}

// Archive soft-deletes an agent. Archived agents remain queryable for
// audit but are excluded from scheduling.
func (r *Registry) Archive(id, reason string) (*types.Agent, error) {
	now := time.Now()
	status := types.AgentArchived
	agent, err := r.apply(id, "agent_archived", func(agent *types.Agent) *types.AgentUpdate {
		return &types.AgentUpdate{
			Status:         &status,
			ArchivedAt:     &now,
			ArchivedReason: &reason,
		}
	})
	if err != nil {
		return nil, err
	}
	r.recordDecision(id, nil, "archived agent "+agent.Name, reason)
	return agent, nil
}

// Delete hard-removes an agent. Intended only for cleaning up true
// duplicates; it does not cascade to tasks.
func (r *Registry) Delete(id string) error {
	agent, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.agents.Delete(id); err != nil {
		return err
	}
	r.recordActivity("agent_deleted", fmt.Sprintf("Deleted agent %s", agent.Name),
		map[string]string{"agent_id": id})
	r.log.Info("agent deleted", "agent_id", id, "name", agent.Name)
	return nil
}

// Workload returns the agent's non-terminal tasks and their count.
func (r *Registry) Workload(id string) (*types.Workload, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	tasks, err := r.tasks.OpenTasksForAgent(id)
	if err != nil {
		return nil, err
	}
	return &types.Workload{AgentID: id, Count: len(tasks), Tasks: tasks}, nil
}

// apply runs a read-modify-write with one automatic retry when the
// optimistic version check loses a race.
func (r *Registry) apply(id, activityType string, build func(*types.Agent) *types.AgentUpdate) (*types.Agent, error) {
	var agent *types.Agent
	for attempt := 0; attempt < 2; attempt++ {
		current, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		err = r.agents.Update(id, current.Version, build(current))
		if err == nil {
			agent, err = r.Get(id)
			if err != nil {
				return nil, err
			}
			break
		}
		if types.IsCode(err, types.CodeConflict) && attempt == 0 {
			continue
		}
		return nil, err
	}

	r.recordActivity(activityType, fmt.Sprintf("Updated agent %s", agent.Name),
		map[string]string{"agent_id": id, "status": string(agent.Status)})
	return agent, nil
}

func (r *Registry) recordDecision(agentID string, taskID *string, decision, rationale string) {
	err := r.audit.RecordDecision(&types.Decision{
		AgentID:   agentID,
		TaskID:    taskID,
		Decision:  decision,
		Rationale: rationale,
	})
	if err != nil {
		r.log.Error("failed to record decision", "agent_id", agentID, "error", err)
	}
}

func (r *Registry) recordActivity(activityType, title string, metadata map[string]string) {
	err := r.audit.RecordActivity(&types.ActivityEntry{
		ActivityType: activityType,
		Title:        title,
		Metadata:     metadata,
		Status:       types.ActivityCompleted,
	})
	if err != nil {
		r.log.Error("failed to record activity", "type", activityType, "error", err)
	}
}

// dedupe returns skills with duplicates removed, order preserved.
func dedupe(skills []string) []string {
	if len(skills) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(skills))
	var out []string
	for _, s := range skills {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
