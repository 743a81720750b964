package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/core/orchestrator"
)

// OrchestratorHandler exposes the scheduling heuristics.
type OrchestratorHandler struct {
	engine *orchestrator.Engine
}

// NewOrchestratorHandler creates a new OrchestratorHandler.
func NewOrchestratorHandler(engine *orchestrator.Engine) *OrchestratorHandler {
	return &OrchestratorHandler{engine: engine}
}

// AutoAssign pairs pending tasks with idle agents.
func (h *OrchestratorHandler) AutoAssign(c *gin.Context) {
	assignments, err := h.engine.AutoAssignPending()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"assigned":    len(assignments),
		"assignments": assignments,
	})
}

// Rebalance levels open task counts across agents.
func (h *OrchestratorHandler) Rebalance(c *gin.Context) {
	report, err := h.engine.RebalanceWorkload()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}

// Blockers reports blocked and suspected-stale tasks.
func (h *OrchestratorHandler) Blockers(c *gin.Context) {
	report, err := h.engine.IdentifyBlockers()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}

// Report returns per-agent terminal task counts for the window.
func (h *OrchestratorHandler) Report(c *gin.Context) {
	window, err := intQuery(c, "window_hours", 0)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	report, err := h.engine.PerformanceReport(window)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}
