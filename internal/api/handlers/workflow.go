package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/core/workflow"
)

// MaxWorkflowTimeout caps a caller-supplied run deadline.
const MaxWorkflowTimeout = 10 * time.Minute

// WorkflowHandler executes workflows over HTTP.
type WorkflowHandler struct {
	runner *workflow.Runner
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(runner *workflow.Runner) *WorkflowHandler {
	return &WorkflowHandler{runner: runner}
}

// Run executes the posted steps. An optional timeout_seconds bounds
// the whole run; otherwise the request context is the only deadline.
func (h *WorkflowHandler) Run(c *gin.Context) {
	var req struct {
		Steps          []workflow.Step `json:"steps"`
		TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if req.TimeoutSeconds > 0 {
		timeout := time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > MaxWorkflowTimeout {
			timeout = MaxWorkflowTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h.runner.Run(ctx, req.Steps)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}
