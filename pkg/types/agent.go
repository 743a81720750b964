// Package types provides shared type definitions for the Steward system.
package types

import (
	"time"
)

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "IDLE"     // Available for work
	AgentBusy     AgentStatus = "BUSY"     // Has at least one open task
	AgentArchived AgentStatus = "ARCHIVED" // Soft-deleted, excluded from scheduling
	AgentError    AgentStatus = "ERROR"    // Faulted, needs operator attention
	AgentOffline  AgentStatus = "OFFLINE"  // Temporarily unavailable
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentIdle, AgentBusy, AgentArchived, AgentError, AgentOffline:
		return true
	}
	return false
}

// AgentRole classifies what kind of work an agent takes on.
type AgentRole string

const (
	RoleManager    AgentRole = "manager"
	RolePlanner    AgentRole = "planner"
	RoleAnalyst    AgentRole = "analyst"
	RoleDeveloper  AgentRole = "developer"
	RoleIntegrator AgentRole = "integrator"
	RoleValidator  AgentRole = "validator"
	RoleMiner      AgentRole = "miner"
	RoleDevice     AgentRole = "device"
	RoleGeneric    AgentRole = "generic"
)

// ValidAgentRole reports whether r is a known agent role.
func ValidAgentRole(r AgentRole) bool {
	switch r {
	case RoleManager, RolePlanner, RoleAnalyst, RoleDeveloper,
		RoleIntegrator, RoleValidator, RoleMiner, RoleDevice, RoleGeneric:
		return true
	}
	return false
}

// Agent represents a worker capable of owning tasks.
type Agent struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"` // unique across non-archived agents
	Role               AgentRole         `json:"role"`
	Status             AgentStatus       `json:"status"`
	Skills             []string          `json:"skills"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ArchivedAt         *time.Time        `json:"archived_at,omitempty"`
	ArchivedReason     string            `json:"archived_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`

	// Version backs the optimistic write check; callers treat it as opaque.
	Version int `json:"version"`
}

// AgentFilter defines criteria for listing agents.
type AgentFilter struct {
	Status AgentStatus `json:"status,omitempty"`
	Role   AgentRole   `json:"role,omitempty"`
	Skill  string      `json:"skill,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// AgentUpdate contains fields that can be updated on an agent.
type AgentUpdate struct {
	Status         *AgentStatus `json:"status,omitempty"`
	Role           *AgentRole   `json:"role,omitempty"`
	Skills         []string     `json:"skills,omitempty"`
	ArchivedAt     *time.Time   `json:"archived_at,omitempty"`
	ArchivedReason *string      `json:"archived_reason,omitempty"`
}

// SpawnRequest is the payload for creating an agent.
type SpawnRequest struct {
	Name               string            `json:"name"`
	Role               AgentRole         `json:"role"`
	Skills             []string          `json:"skills,omitempty"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SpawnedBy          string            `json:"spawned_by,omitempty"`
	Reason             string            `json:"reason,omitempty"`
}

// SpawnResult is the outcome of a spawn call.
type SpawnResult struct {
	Agent          *Agent `json:"agent"`
	AlreadyExisted bool   `json:"already_existed"`
}

// Workload describes an agent's open tasks.
type Workload struct {
	AgentID string  `json:"agent_id"`
	Count   int     `json:"count"`
	Tasks   []*Task `json:"tasks"`
}
