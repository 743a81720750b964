package types

import (
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"     // Unassigned or waiting to start
	TaskClaimed    TaskStatus = "CLAIMED"     // An agent has claimed it
	TaskInProgress TaskStatus = "IN_PROGRESS" // Being worked on
	TaskBlocked    TaskStatus = "BLOCKED"     // Stuck, see blocking_reason
	TaskDone       TaskStatus = "DONE"        // Closed successfully
	TaskCompleted  TaskStatus = "COMPLETED"   // Closed successfully (legacy alias kept distinct)
	TaskCancelled  TaskStatus = "CANCELLED"   // Closed without finishing
	TaskFailed     TaskStatus = "FAILED"      // Closed with error
)

// TerminalStatuses are the statuses from which no further transition is expected.
var TerminalStatuses = []TaskStatus{TaskDone, TaskCompleted, TaskCancelled, TaskFailed}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskClaimed, TaskInProgress, TaskBlocked,
		TaskDone, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal task status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDone, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// TaskStage is the workflow phase of a task, distinct from its status.
type TaskStage string

const (
	StageDiscuss   TaskStage = "DISCUSS"
	StagePlan      TaskStage = "PLAN"
	StageExecute   TaskStage = "EXECUTE"
	StageVerify    TaskStage = "VERIFY"
	StageIntegrate TaskStage = "INTEGRATE"
)

// ValidTaskStage reports whether s is a canonical stage.
func ValidTaskStage(s TaskStage) bool {
	switch s {
	case StageDiscuss, StagePlan, StageExecute, StageVerify, StageIntegrate:
		return true
	}
	return false
}

// TaskCategory groups tasks by the kind of work involved.
type TaskCategory string

const (
	CategoryCode       TaskCategory = "code"
	CategoryInfra      TaskCategory = "infra"
	CategoryResearch   TaskCategory = "research"
	CategoryGovernance TaskCategory = "governance"
	CategoryMining     TaskCategory = "mining"
	CategoryDevice     TaskCategory = "device"
	CategoryOps        TaskCategory = "ops"
	CategoryOther      TaskCategory = "other"
)

// ValidTaskCategory reports whether c is a canonical category.
func ValidTaskCategory(c TaskCategory) bool {
	switch c {
	case CategoryCode, CategoryInfra, CategoryResearch, CategoryGovernance,
		CategoryMining, CategoryDevice, CategoryOps, CategoryOther:
		return true
	}
	return false
}

// stageAliases maps loose caller spellings onto canonical stages.
var stageAliases = map[string]TaskStage{
	"discuss":      StageDiscuss,
	"discussion":   StageDiscuss,
	"plan":         StagePlan,
	"planning":     StagePlan,
	"execute":      StageExecute,
	"execution":    StageExecute,
	"implement":    StageExecute,
	"verify":       StageVerify,
	"verification": StageVerify,
	"test":         StageVerify,
	"integrate":    StageIntegrate,
	"integration":  StageIntegrate,
}

// categoryAliases maps loose caller spellings onto canonical categories.
var categoryAliases = map[string]TaskCategory{
	"code":           CategoryCode,
	"coding":         CategoryCode,
	"development":    CategoryCode,
	"dev":            CategoryCode,
	"infra":          CategoryInfra,
	"infrastructure": CategoryInfra,
	"research":       CategoryResearch,
	"analysis":       CategoryResearch,
	"governance":     CategoryGovernance,
	"dao":            CategoryGovernance,
	"mining":         CategoryMining,
	"device":         CategoryDevice,
	"hardware":       CategoryDevice,
	"ops":            CategoryOps,
	"operations":     CategoryOps,
	"other":          CategoryOther,
}

// NormalizeStage coerces s to a canonical stage. Unrecognized values fall
// back to PLAN; the second return reports whether a coercion happened, so
// callers can surface it instead of hiding the leniency.
func NormalizeStage(s string) (TaskStage, bool) {
	if s == "" {
		return StagePlan, false
	}
	key := strings.ToLower(strings.TrimSpace(s))
	if stage, ok := stageAliases[key]; ok {
		return stage, !strings.EqualFold(string(stage), s)
	}
	return StagePlan, true
}

// NormalizeCategory coerces c to a canonical category, falling back to
// "other". The second return reports whether a coercion happened.
func NormalizeCategory(c string) (TaskCategory, bool) {
	if c == "" {
		return CategoryOther, false
	}
	key := strings.ToLower(strings.TrimSpace(c))
	if cat, ok := categoryAliases[key]; ok {
		return cat, !strings.EqualFold(string(cat), c)
	}
	return CategoryOther, true
}

// Task represents a unit of work with a lifecycle, optionally owned by one agent.
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Repo           string       `json:"repo,omitempty"` // logical grouping, free text
	Category       TaskCategory `json:"category"`
	Stage          TaskStage    `json:"stage"`
	Status         TaskStatus   `json:"status"`
	Priority       int          `json:"priority"` // 1-10, 10 most urgent
	AssigneeID     *string      `json:"assignee_agent_id,omitempty"`
	BlockingReason string       `json:"blocking_reason,omitempty"` // set only when BLOCKED
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	Version int `json:"version"`
}

// TaskFilter defines criteria for listing tasks.
type TaskFilter struct {
	Status  []TaskStatus `json:"status,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
	// OrderBy selects the sort: "created" (default, newest first) or
	// "priority" (most urgent first, oldest first within a priority).
	OrderBy string `json:"order_by,omitempty"`
}

// TaskSearch defines the ad hoc search criteria.
type TaskSearch struct {
	Category    string `json:"category,omitempty"`
	Repo        string `json:"repo,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Status      string `json:"status,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
	MaxPriority int    `json:"max_priority,omitempty"`
}

// TaskUpdate contains fields that can be updated on a task.
type TaskUpdate struct {
	Title          *string       `json:"title,omitempty"`
	Description    *string       `json:"description,omitempty"`
	Repo           *string       `json:"repo,omitempty"`
	Category       *TaskCategory `json:"category,omitempty"`
	Stage          *TaskStage    `json:"stage,omitempty"`
	Status         *TaskStatus   `json:"status,omitempty"`
	Priority       *int          `json:"priority,omitempty"`
	AssigneeID     *string       `json:"assignee_agent_id,omitempty"`
	BlockingReason *string       `json:"blocking_reason,omitempty"`
}

// AssignRequest is the payload for creating a task against an agent.
type AssignRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Repo        string `json:"repo,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	AssigneeID  string `json:"assignee_agent_id"`
}

// AssignResult is the outcome of a task assignment.
type AssignResult struct {
	Task           *Task `json:"task"`
	AlreadyExisted bool  `json:"already_existed"`
	Coerced        bool  `json:"coerced,omitempty"` // category or stage was alias-mapped
	// StatusSyncFailed is set when the task was written but the agent's
	// BUSY flip could not be applied; the caller sees partial success
	// rather than a silent one.
	StatusSyncFailed bool `json:"status_sync_failed,omitempty"`
}
