// Package workflow executes ordered step lists against a shared
// context map, delegating the actual work to external collaborators
// and the task manager.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-dao/steward/internal/collab"
	"github.com/steward-dao/steward/internal/core/task"
	"github.com/steward-dao/steward/internal/store"
	"github.com/steward-dao/steward/pkg/types"
)

// Step actions.
const (
	ActionAnalyze           = "analyze"
	ActionExternalOperation = "external_operation"
	ActionCreateSubtask     = "create_subtask"
	ActionQueryKnowledge    = "query_knowledge"
	ActionLogDecision       = "log_decision"
)

// Step is one unit of a workflow. Only the fields matching its Action
// are read; the rest are ignored.
type Step struct {
	Action   string `json:"action"`
	Critical bool   `json:"critical,omitempty"`

	// analyze
	Prompt      string  `json:"prompt,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// external_operation: either code execution (Source set) or a
	// source-control call (Operation set).
	Source    string         `json:"source,omitempty"`
	Purpose   string         `json:"purpose,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// create_subtask
	Subtask *types.AssignRequest `json:"subtask,omitempty"`

	// query_knowledge
	Query    string `json:"query,omitempty"`
	Category string `json:"category,omitempty"`

	// log_decision
	AgentID   string `json:"agent_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// StepResult is the trace record for one executed step.
type StepResult struct {
	Index     int       `json:"index"`
	Action    string    `json:"action"`
	OK        bool      `json:"ok"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResult holds the full trace and the final context map. Aborted is
// set when a critical step failed or the caller's deadline expired;
// the trace then covers only the steps reached.
type RunResult struct {
	Steps   []StepResult   `json:"steps"`
	Context map[string]any `json:"context"`
	Aborted bool           `json:"aborted,omitempty"`
}

// Runner executes workflows. Collaborators may be partially populated;
// a step needing a missing one fails like any other step error.
type Runner struct {
	collaborators collab.Set
	taskMgr       *task.Manager
	audit         *store.AuditStore
	log           *slog.Logger
}

// NewRunner creates a workflow Runner.
func NewRunner(collaborators collab.Set, taskMgr *task.Manager, audit *store.AuditStore, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{collaborators: collaborators, taskMgr: taskMgr, audit: audit, log: log}
}

// Run executes the steps in order. Each result lands in the context
// map under step_<i> so later steps can build on it. The caller's
// deadline is honored between steps; a critical failure stops the run
// with the partial trace collected so far.
func (r *Runner) Run(ctx context.Context, steps []Step) (*RunResult, error) {
	if len(steps) == 0 {
		return nil, types.NewError(types.CodeInvalidArgument, "workflow has no steps")
	}
	for i, step := range steps {
		if !validAction(step.Action) {
			return nil, types.NewError(types.CodeInvalidArgument,
				"step %d: unknown action %q", i, step.Action)
		}
	}

	run := &RunResult{Context: make(map[string]any, len(steps))}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			// Deadline hit between steps: stop here, the trace shows
			// where the run was cut short.
			run.Steps = append(run.Steps, StepResult{
				Index:     i,
				Action:    step.Action,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			run.Aborted = true
			break
		}

		result, err := r.execute(ctx, step)
		record := StepResult{
			Index:     i,
			Action:    step.Action,
			OK:        err == nil,
			Result:    result,
			Timestamp: time.Now(),
		}
		if err != nil {
			record.Error = err.Error()
		} else {
			run.Context[fmt.Sprintf("step_%d", i)] = result
		}
		run.Steps = append(run.Steps, record)
		r.recordStep(record, step.Critical)

		if err != nil && step.Critical {
			run.Aborted = true
			r.log.Warn("workflow aborted on critical step",
				"step", i, "action", step.Action, "error", err)
			break
		}
		if err != nil {
			r.log.Warn("workflow step failed, continuing",
				"step", i, "action", step.Action, "error", err)
		}
	}
	return run, nil
}

func (r *Runner) execute(ctx context.Context, step Step) (any, error) {
	switch step.Action {
	case ActionAnalyze:
		if r.collaborators.Reasoner == nil {
			return nil, fmt.Errorf("no reasoning collaborator configured")
		}
		if step.Prompt == "" {
			return nil, fmt.Errorf("analyze step requires a prompt")
		}
		return r.collaborators.Reasoner.Analyze(ctx, step.Prompt, collab.ReasonOptions{
			Temperature: step.Temperature,
			MaxTokens:   step.MaxTokens,
		})

	case ActionExternalOperation:
		if step.Source != "" {
			if r.collaborators.CodeRunner == nil {
				return nil, fmt.Errorf("no code-execution collaborator configured")
			}
			return r.collaborators.CodeRunner.Run(ctx, step.Source, step.Purpose)
		}
		if step.Operation == "" {
			return nil, fmt.Errorf("external_operation step requires source or operation")
		}
		if r.collaborators.SourceControl == nil {
			return nil, fmt.Errorf("no source-control collaborator configured")
		}
		return r.collaborators.SourceControl.Do(ctx, step.Operation, step.Params)

	case ActionCreateSubtask:
		if step.Subtask == nil {
			return nil, fmt.Errorf("create_subtask step requires a subtask payload")
		}
		if r.taskMgr == nil {
			return nil, fmt.Errorf("no task manager configured")
		}
		return r.taskMgr.Assign(step.Subtask)

	case ActionQueryKnowledge:
		if r.collaborators.Knowledge == nil {
			return nil, fmt.Errorf("no knowledge collaborator configured")
		}
		if step.Query == "" {
			return nil, fmt.Errorf("query_knowledge step requires a query")
		}
		return r.collaborators.Knowledge.Query(ctx, step.Query, step.Category)

	case ActionLogDecision:
		if step.Decision == "" {
			return nil, fmt.Errorf("log_decision step requires a decision")
		}
		d := &types.Decision{
			AgentID:   step.AgentID,
			Decision:  step.Decision,
			Rationale: step.Rationale,
		}
		if err := r.audit.RecordDecision(d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown action: %s", step.Action)
}

// recordStep appends one audit entry per executed step.
func (r *Runner) recordStep(record StepResult, critical bool) {
	status := types.ActivityCompleted
	title := fmt.Sprintf("Workflow step %d (%s) completed", record.Index, record.Action)
	if !record.OK {
		status = types.ActivityFailed
		title = fmt.Sprintf("Workflow step %d (%s) failed", record.Index, record.Action)
	}
	metadata := map[string]string{
		"action": record.Action,
		"index":  fmt.Sprintf("%d", record.Index),
	}
	if critical {
		metadata["critical"] = "true"
	}
	if record.Error != "" {
		metadata["error"] = record.Error
	}
	err := r.audit.RecordActivity(&types.ActivityEntry{
		ActivityType: "workflow_step",
		Title:        title,
		Metadata:     metadata,
		Status:       status,
	})
	if err != nil {
		r.log.Error("failed to record workflow step", "index", record.Index, "error", err)
	}
}

func validAction(action string) bool {
	switch action {
	case ActionAnalyze, ActionExternalOperation, ActionCreateSubtask,
		ActionQueryKnowledge, ActionLogDecision:
		return true
	}
	return false
}
