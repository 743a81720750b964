package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/pkg/types"
)

// TaskHandler handles task-related requests.
type TaskHandler struct {
	taskManager *task.Manager
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskManager *task.Manager) *TaskHandler {
	return &TaskHandler{taskManager: taskManager}
}

// List returns a page of tasks matching the filter.
func (h *TaskHandler) List(c *gin.Context) {
	filter := &types.TaskFilter{
		AgentID: c.Query("agent_id"),
		OrderBy: c.Query("order_by"),
	}
	for _, s := range c.QueryArray("status") {
		filter.Status = append(filter.Status, types.TaskStatus(s))
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

	tasks, err := h.taskManager.List(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

// Create assigns a new task to an agent.
func (h *TaskHandler) Create(c *gin.Context) {
	var req types.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	result, err := h.taskManager.Assign(&req)
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

// Get retrieves a task by ID.
func (h *TaskHandler) Get(c *gin.Context) {
	t, err := h.taskManager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

// UpdateStatus moves a task through its lifecycle.
func (h *TaskHandler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status         types.TaskStatus `json:"status"`
		Stage          *types.TaskStage `json:"stage,omitempty"`
		BlockingReason string           `json:"blocking_reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	t, err := h.taskManager.UpdateStatus(c.Param("id"), req.Status, req.Stage, req.BlockingReason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

// UpdateDetails edits task fields that do not touch the lifecycle.
func (h *TaskHandler) UpdateDetails(c *gin.Context) {
	var update types.TaskUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondBadRequest(c, err)
		return
	}

	t, coerced, err := h.taskManager.UpdateDetails(c.Param("id"), &update)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task": t, "coerced": coerced})
}

// Reassign moves a task to another agent.
func (h *TaskHandler) Reassign(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	t, err := h.taskManager.Reassign(c.Param("id"), req.AgentID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, t)
}

// Delete removes a task.
func (h *TaskHandler) Delete(c *gin.Context) {
	if err := h.taskManager.Delete(c.Param("id"), c.Query("reason")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// Search runs an ad hoc task search.
func (h *TaskHandler) Search(c *gin.Context) {
	search := &types.TaskSearch{
		Category: c.Query("category"),
		Repo:     c.Query("repo"),
		Stage:    c.Query("stage"),
		Status:   c.Query("status"),
	}
	var err error
	if search.MinPriority, err = intQuery(c, "min_priority", 0); err != nil {
		respondBadRequest(c, err)
		return
	}
	if search.MaxPriority, err = intQuery(c, "max_priority", 0); err != nil {
		respondBadRequest(c, err)
		return
	}

	tasks, err := h.taskManager.Search(search)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

// Bulk applies one update to several tasks, skipping failures.
func (h *TaskHandler) Bulk(c *gin.Context) {
	var req struct {
		IDs    []string          `json:"ids"`
		Update *types.TaskUpdate `json:"update"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if req.Update == nil {
		respondError(c, types.NewError(types.CodeInvalidArgument, "update payload is required"))
		return
	}

	updated, err := h.taskManager.BulkUpdate(req.IDs, req.Update)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"requested": len(req.IDs),
		"updated":   updated,
	})
}
