package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steward-dao/steward/pkg/types"
)

// TaskStore handles task persistence.
type TaskStore struct {
	store *Store
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(store *Store) *TaskStore {
	return &TaskStore{store: store}
}

// Create inserts a new task row. A duplicate-guard violation (same
// title and assignee with a non-terminal status) surfaces as Conflict.
func (ts *TaskStore) Create(task *types.Task) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	return ts.CreateTx(ts.store.db, task)
}

// CreateTx is Create against an explicit transaction.
func (ts *TaskStore) CreateTx(q querier, task *types.Task) error {
	now := time.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Version = 1

	var assignee any
	if task.AssigneeID != nil {
		assignee = *task.AssigneeID
	}

	_, err := q.Exec(`
		INSERT INTO tasks (
			id, title, description, repo, category, stage, status,
			priority, assignee_agent_id, blocking_reason,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Title,
		task.Description,
		task.Repo,
		string(task.Category),
		string(task.Stage),
		string(task.Status),
		task.Priority,
		assignee,
		task.BlockingReason,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		task.Version,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return types.WrapError(types.CodeConflict, err,
				"open task with same title already assigned: %s", task.Title)
		}
		return types.WrapError(types.CodeInternal, err, "failed to create task")
	}
	return nil
}

const taskColumns = `
	id, title, description, repo, category, stage, status,
	priority, assignee_agent_id, blocking_reason,
	created_at, updated_at, version`

// Get retrieves a task by ID, nil when absent.
func (ts *TaskStore) Get(id string) (*types.Task, error) {
	return ts.GetTx(ts.store.db, id)
}

// GetTx is Get against an explicit transaction.
func (ts *TaskStore) GetTx(q querier, id string) (*types.Task, error) {
	row := q.QueryRow(`SELECT`+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// FindOpenDuplicate returns the non-terminal task with the same title
// assigned to the same agent, nil when there is none.
func (ts *TaskStore) FindOpenDuplicate(title, agentID string) (*types.Task, error) {
	row := ts.store.db.QueryRow(`
		SELECT`+taskColumns+` FROM tasks
		WHERE title = ? AND assignee_agent_id = ?
		  AND status NOT IN (`+terminalPlaceholders+`)
		LIMIT 1
	`, append([]any{title, agentID}, terminalArgs()...)...)
	return scanTask(row)
}

// List retrieves tasks matching the filter.
func (ts *TaskStore) List(filter *types.TaskFilter) ([]*types.Task, error) {
	var whereClauses []string
	var args []any

	if filter != nil {
		if len(filter.Status) > 0 {
			placeholders := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				placeholders[i] = "?"
				args = append(args, string(s))
			}
			whereClauses = append(whereClauses,
				fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		}
		if filter.AgentID != "" {
			whereClauses = append(whereClauses, "assignee_agent_id = ?")
			args = append(args, filter.AgentID)
		}
	}

	query := `SELECT` + taskColumns + ` FROM tasks`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}

	switch {
	case filter != nil && filter.OrderBy == "priority":
		query += " ORDER BY priority DESC, created_at ASC"
	default:
		query += " ORDER BY created_at DESC"
	}

	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	return ts.queryTasks(query, args...)
}

// ListPendingUnassigned returns PENDING tasks with no assignee, most
// urgent first, oldest first within a priority.
func (ts *TaskStore) ListPendingUnassigned() ([]*types.Task, error) {
	return ts.queryTasks(`
		SELECT`+taskColumns+` FROM tasks
		WHERE status = ? AND assignee_agent_id IS NULL
		ORDER BY priority DESC, created_at ASC
	`, string(types.TaskPending))
}

// Update applies a partial update guarded by the row version.
func (ts *TaskStore) Update(id string, version int, update *types.TaskUpdate) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	return ts.UpdateTx(ts.store.db, id, version, update)
}

// UpdateTx is Update against an explicit transaction.
func (ts *TaskStore) UpdateTx(q querier, id string, version int, update *types.TaskUpdate) error {
	var setClauses []string
	var args []any

	if update.Title != nil {
		setClauses = append(setClauses, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Description != nil {
		setClauses = append(setClauses, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Repo != nil {
		setClauses = append(setClauses, "repo = ?")
		args = append(args, *update.Repo)
	}
	if update.Category != nil {
		setClauses = append(setClauses, "category = ?")
		args = append(args, string(*update.Category))
	}
	if update.Stage != nil {
		setClauses = append(setClauses, "stage = ?")
		args = append(args, string(*update.Stage))
	}
	if update.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Priority != nil {
		setClauses = append(setClauses, "priority = ?")
		args = append(args, *update.Priority)
	}
	if update.AssigneeID != nil {
		setClauses = append(setClauses, "assignee_agent_id = ?")
		if *update.AssigneeID == "" {
			args = append(args, nil)
		} else {
			args = append(args, *update.AssigneeID)
		}
	}
	if update.BlockingReason != nil {
		setClauses = append(setClauses, "blocking_reason = ?")
		args = append(args, *update.BlockingReason)
	}

	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "updated_at = ?", "version = version + 1")
	args = append(args, formatTime(time.Now()), id, version)

	query := fmt.Sprintf(
		"UPDATE tasks SET %s WHERE id = ? AND version = ?",
		strings.Join(setClauses, ", "))

	result, err := q.Exec(query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return types.WrapError(types.CodeConflict, err, "task update violates duplicate guard")
		}
		return types.WrapError(types.CodeInternal, err, "failed to update task")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, err := ts.GetTx(q, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.NewError(types.CodeNotFound, "task not found: %s", id)
		}
		return types.NewError(types.CodeConflict, "task %s changed concurrently", id)
	}
	return nil
}

// Delete hard-removes a task row.
func (ts *TaskStore) Delete(id string) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	return ts.DeleteTx(ts.store.db, id)
}

// DeleteTx is Delete against an explicit transaction.
func (ts *TaskStore) DeleteTx(q querier, id string) error {
	result, err := q.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to delete task")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return types.NewError(types.CodeNotFound, "task not found: %s", id)
	}
	return nil
}

// Search runs the ad hoc filtered query. Ordering follows the store
// default (newest first); no paging guarantee.
func (ts *TaskStore) Search(search *types.TaskSearch) ([]*types.Task, error) {
	var whereClauses []string
	var args []any

	if search != nil {
		if search.Category != "" {
			whereClauses = append(whereClauses, "category = ?")
			args = append(args, search.Category)
		}
		if search.Repo != "" {
			whereClauses = append(whereClauses, "repo = ?")
			args = append(args, search.Repo)
		}
		if search.Stage != "" {
			whereClauses = append(whereClauses, "stage = ?")
			args = append(args, search.Stage)
		}
		if search.Status != "" {
			whereClauses = append(whereClauses, "status = ?")
			args = append(args, search.Status)
		}
		if search.MinPriority > 0 {
			whereClauses = append(whereClauses, "priority >= ?")
			args = append(args, search.MinPriority)
		}
		if search.MaxPriority > 0 {
			whereClauses = append(whereClauses, "priority <= ?")
			args = append(args, search.MaxPriority)
		}
	}

	query := `SELECT` + taskColumns + ` FROM tasks`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	return ts.queryTasks(query, args...)
}

// OpenTasksForAgent returns the agent's non-terminal tasks, newest first.
func (ts *TaskStore) OpenTasksForAgent(agentID string) ([]*types.Task, error) {
	return ts.queryTasks(`
		SELECT`+taskColumns+` FROM tasks
		WHERE assignee_agent_id = ?
		  AND status NOT IN (`+terminalPlaceholders+`)
		ORDER BY created_at DESC
	`, append([]any{agentID}, terminalArgs()...)...)
}

// CountOpenTasksForAgentTx counts the agent's non-terminal tasks inside
// a transaction, for the IDLE/BUSY handoff.
func (ts *TaskStore) CountOpenTasksForAgentTx(q querier, agentID string) (int, error) {
	var count int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE assignee_agent_id = ?
		  AND status NOT IN (`+terminalPlaceholders+`)
	`, append([]any{agentID}, terminalArgs()...)...).Scan(&count)
	if err != nil {
		return 0, types.WrapError(types.CodeInternal, err, "failed to count open tasks")
	}
	return count, nil
}

// OpenCountsByAgent returns the non-terminal task count per assignee.
func (ts *TaskStore) OpenCountsByAgent() (map[string]int, error) {
	rows, err := ts.store.db.Query(`
		SELECT assignee_agent_id, COUNT(*) FROM tasks
		WHERE assignee_agent_id IS NOT NULL
		  AND status NOT IN (`+terminalPlaceholders+`)
		GROUP BY assignee_agent_id
	`, terminalArgs()...)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to count open tasks")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "failed to scan counts")
		}
		counts[agentID] = count
	}
	return counts, rows.Err()
}

// StaleOpenTasks returns CLAIMED/IN_PROGRESS tasks not updated since
// the cutoff.
func (ts *TaskStore) StaleOpenTasks(cutoff time.Time) ([]*types.Task, error) {
	return ts.queryTasks(`
		SELECT`+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(types.TaskClaimed), string(types.TaskInProgress), formatTime(cutoff))
}

// TerminalRow is one aggregation bucket for the performance report.
type TerminalRow struct {
	AgentID string
	Status  types.TaskStatus
	Count   int
}

// TerminalSince aggregates tasks that reached a terminal status within
// the window, grouped by assignee and status.
func (ts *TaskStore) TerminalSince(cutoff time.Time) ([]TerminalRow, error) {
	rows, err := ts.store.db.Query(`
		SELECT assignee_agent_id, status, COUNT(*) FROM tasks
		WHERE assignee_agent_id IS NOT NULL
		  AND status IN (`+terminalPlaceholders+`)
		  AND updated_at >= ?
		GROUP BY assignee_agent_id, status
	`, append(terminalArgs(), formatTime(cutoff))...)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to aggregate terminal tasks")
	}
	defer rows.Close()

	var result []TerminalRow
	for rows.Next() {
		var r TerminalRow
		var status string
		if err := rows.Scan(&r.AgentID, &status, &r.Count); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "failed to scan terminal row")
		}
		r.Status = types.TaskStatus(status)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (ts *TaskStore) queryTasks(query string, args ...any) ([]*types.Task, error) {
	rows, err := ts.store.db.Query(query, args...)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to query tasks")
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const terminalPlaceholders = "?, ?, ?, ?"

func terminalArgs() []any {
	args := make([]any, 0, len(types.TerminalStatuses))
	for _, s := range types.TerminalStatuses {
		args = append(args, string(s))
	}
	return args
}

func scanTask(row scanner) (*types.Task, error) {
	var task types.Task
	var description, repo, blockingReason, assignee sql.NullString
	var category, stage, status string
	var createdAt, updatedAt string

	err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&repo,
		&category,
		&stage,
		&status,
		&task.Priority,
		&assignee,
		&blockingReason,
		&createdAt,
		&updatedAt,
		&task.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to scan task")
	}

	task.Description = description.String
	task.Repo = repo.String
	task.Category = types.TaskCategory(category)
	task.Stage = types.TaskStage(stage)
	task.Status = types.TaskStatus(status)
	task.BlockingReason = blockingReason.String
	if assignee.Valid && assignee.String != "" {
		task.AssigneeID = &assignee.String
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)

	return &task, nil
}
