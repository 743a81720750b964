package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/internal/store"
)

// AuditHandler serves the decision and activity logs.
type AuditHandler struct {
	audit *store.AuditStore
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audit *store.AuditStore) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// Decisions returns a page of decision records, newest first.
func (h *AuditHandler) Decisions(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	decisions, err := h.audit.ListDecisions(limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, decisions)
}

// Activity returns a page of activity entries, newest first.
func (h *AuditHandler) Activity(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	entries, err := h.audit.ListActivity(limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}

func (h *AuditHandler) page(c *gin.Context) (limit, offset int, ok bool) {
	var err error
	if limit, err = intQuery(c, "limit", 100); err != nil {
		respondBadRequest(c, err)
		return 0, 0, false
	}
	if offset, err = intQuery(c, "offset", 0); err != nil {
		respondBadRequest(c, err)
		return 0, 0, false
	}
	return limit, offset, true
}
