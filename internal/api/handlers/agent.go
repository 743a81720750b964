package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/core/registry"
	"github.com/steward-dao/steward/pkg/types"
)

// AgentHandler handles agent-related requests.
type AgentHandler struct {
	registry *registry.Registry
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(reg *registry.Registry) *AgentHandler {
	return &AgentHandler{registry: reg}
}

// List returns a page of agents matching the filter.
func (h *AgentHandler) List(c *gin.Context) {
	filter := &types.AgentFilter{
		Status: types.AgentStatus(c.Query("status")),
		Role:   types.AgentRole(c.Query("role")),
		Skill:  c.Query("skill"),
	}
	var err error
	if filter.Limit, err = intQuery(c, "limit", 0); err != nil {
		respondBadRequest(c, err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		respondBadRequest(c, err)
		return
	}

	agents, err := h.registry.List(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, agents)
}

// Spawn creates an agent, or returns the existing one on a name match.
func (h *AgentHandler) Spawn(c *gin.Context) {
	var req types.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	result, err := h.registry.Spawn(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyExisted {
		status = http.StatusOK
	}
	respond(c, status, result)
}

// Get retrieves an agent by ID.
func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

// Update applies status, skills, or role changes. Fields are applied
// in that order; the response carries the final state.
func (h *AgentHandler) Update(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Status *types.AgentStatus `json:"status,omitempty"`
		Skills []string           `json:"skills,omitempty"`
		Role   *types.AgentRole   `json:"role,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if req.Status == nil && req.Skills == nil && req.Role == nil {
		respondError(c, types.NewError(types.CodeInvalidArgument, "no fields to update"))
		return
	}

	var agent *types.Agent
	var err error
	if req.Status != nil {
		if agent, err = h.registry.UpdateStatus(id, *req.Status); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Skills != nil {
		if agent, err = h.registry.UpdateSkills(id, req.Skills); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Role != nil {
		if agent, err = h.registry.UpdateRole(id, *req.Role); err != nil {
			respondError(c, err)
			return
		}
	}
	respond(c, http.StatusOK, agent)
}

// Archive soft-deletes an agent.
func (h *AgentHandler) Archive(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	agent, err := h.registry.Archive(c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

// Delete hard-removes an agent.
func (h *AgentHandler) Delete(c *gin.Context) {
	if err := h.registry.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// Workload returns the agent's open tasks.
func (h *AgentHandler) Workload(c *gin.Context) {
	workload, err := h.registry.Workload(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, workload)
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
