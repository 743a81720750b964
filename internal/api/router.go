// Package api provides the REST API for Steward.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/steward-dao/steward/internal/api/handlers"
	"github.com/steward-dao/steward/internal/core/orchestrator"
	"github.com/steward-dao/steward/internal/core/registry"
	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/core/workflow"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

// Router holds all API dependencies and routes.
type Router struct {
	engine        *gin.Engine
	agentRegistry *registry.Registry
	taskManager   *task.Manager
	orchEngine    *orchestrator.Engine
	runner        *workflow.Runner
	audit         *store.AuditStore

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// WebSocket clients
	wsClientsMu sync.RWMutex
	wsClients   map[*websocket.Conn]bool
}

// NewRouter creates a new API router.
func NewRouter(
	agentRegistry *registry.Registry,
	taskManager *task.Manager,
	orchEngine *orchestrator.Engine,
	runner *workflow.Runner,
	audit *store.AuditStore,
) *Router {
	r := &Router{
		engine:        gin.Default(),
		agentRegistry: agentRegistry,
		taskManager:   taskManager,
		orchEngine:    orchEngine,
		runner:        runner,
		audit:         audit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		wsClients: make(map[*websocket.Conn]bool),
	}

	r.setupRoutes()

	if audit != nil {
		go r.broadcastActivity()
	}

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, types.OKEnvelope(gin.H{"status": "ok"}))
	})

	// API v1 group
	v1 := r.engine.Group("/api/v1")
	{
		// Agents
		agents := v1.Group("/agents")
		{
			agents.GET("", r.listAgents)
			agents.POST("", r.spawnAgent)
			agents.GET("/:id", r.getAgent)
			agents.PUT("/:id", r.updateAgent)
			agents.DELETE("/:id", r.deleteAgent)
			agents.POST("/:id/archive", r.archiveAgent)
			agents.GET("/:id/workload", r.agentWorkload)
		}

		// Tasks
		tasks := v1.Group("/tasks")
		{
			tasks.GET("", r.listTasks)
			tasks.POST("", r.createTask)
			tasks.GET("/search", r.searchTasks)
			tasks.PUT("/bulk", r.bulkUpdateTasks)
			tasks.GET("/:id", r.getTask)
			tasks.DELETE("/:id", r.deleteTask)
			tasks.PUT("/:id/status", r.updateTaskStatus)
			tasks.PUT("/:id/details", r.updateTaskDetails)
			tasks.POST("/:id/reassign", r.reassignTask)
		}

		// Orchestrator
		orch := v1.Group("/orchestrator")
		{
			orch.POST("/auto-assign", r.autoAssign)
			orch.POST("/rebalance", r.rebalance)
			orch.GET("/blockers", r.blockers)
			orch.GET("/report", r.performanceReport)
		}

		// Workflows
		v1.POST("/workflows/run", r.runWorkflow)

		// Audit
		audit := v1.Group("/audit")
		{
			audit.GET("/decisions", r.listDecisions)
			audit.GET("/activity", r.listActivity)
		}
	}

	// WebSocket for real-time updates
	r.engine.GET("/ws", r.handleWebSocket)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Agent handlers

func (r *Router) listAgents(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.List(c)
}

func (r *Router) spawnAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Spawn(c)
}

func (r *Router) getAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Get(c)
}

func (r *Router) updateAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Update(c)
}

func (r *Router) deleteAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Delete(c)
}

func (r *Router) archiveAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Archive(c)
}

func (r *Router) agentWorkload(c *gin.Context) {
	h := handlers.NewAgentHandler(r.agentRegistry)
	h.Workload(c)
}

// Task handlers

func (r *Router) listTasks(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.List(c)
}

func (r *Router) createTask(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Create(c)
}

func (r *Router) getTask(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Get(c)
}

func (r *Router) deleteTask(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Delete(c)
}

func (r *Router) updateTaskStatus(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.UpdateStatus(c)
}

func (r *Router) updateTaskDetails(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.UpdateDetails(c)
}

func (r *Router) reassignTask(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Reassign(c)
}

func (r *Router) searchTasks(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Search(c)
}

func (r *Router) bulkUpdateTasks(c *gin.Context) {
	h := handlers.NewTaskHandler(r.taskManager)
	h.Bulk(c)
}

// Orchestrator handlers

func (r *Router) autoAssign(c *gin.Context) {
	h := handlers.NewOrchestratorHandler(r.orchEngine)
	h.AutoAssign(c)
}

func (r *Router) rebalance(c *gin.Context) {
	h := handlers.NewOrchestratorHandler(r.orchEngine)
	h.Rebalance(c)
}

func (r *Router) blockers(c *gin.Context) {
	h := handlers.NewOrchestratorHandler(r.orchEngine)
	h.Blockers(c)
}

func (r *Router) performanceReport(c *gin.Context) {
	h := handlers.NewOrchestratorHandler(r.orchEngine)
	h.Report(c)
}

// Workflow handler

func (r *Router) runWorkflow(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.runner)
	h.Run(c)
}

// Audit handlers

func (r *Router) listDecisions(c *gin.Context) {
	h := handlers.NewAuditHandler(r.audit)
	h.Decisions(c)
}

func (r *Router) listActivity(c *gin.Context) {
	h := handlers.NewAuditHandler(r.audit)
	h.Activity(c)
}

// WebSocket handler

func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Register client
	r.wsClientsMu.Lock()
	r.wsClients[conn] = true
	r.wsClientsMu.Unlock()

	defer func() {
		r.wsClientsMu.Lock()
		delete(r.wsClients, conn)
		r.wsClientsMu.Unlock()
		conn.Close()
	}()

	// Send recent activity so a new client has context
	if r.audit != nil {
		recent, err := r.audit.ListActivity(20, 0)
		if err == nil {
			msg := types.WebSocketMessage{
				Type:    "recent_activity",
				Payload: recent,
			}
			data, _ := json.Marshal(msg)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	// Drain incoming messages until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastActivity pushes new activity entries to all WebSocket clients.
func (r *Router) broadcastActivity() {
	eventCh := r.audit.Subscribe("api_broadcaster")
	defer r.audit.Unsubscribe("api_broadcaster")

	for entry := range eventCh {
		r.BroadcastMessage("activity", entry)
	}
}

// BroadcastMessage sends a message to all WebSocket clients.
func (r *Router) BroadcastMessage(msgType string, payload any) {
	msg := types.WebSocketMessage{
		Type:    msgType,
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.wsClientsMu.RLock()
	defer r.wsClientsMu.RUnlock()

	for conn := range r.wsClients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
