package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steward-dao/steward/pkg/types"
)

// AgentStore handles agent persistence.
type AgentStore struct {
	store *Store
}

// NewAgentStore creates a new AgentStore.
func NewAgentStore(store *Store) *AgentStore {
	return &AgentStore{store: store}
}

// Create inserts a new agent row. A uniqueness violation on the live
// name index surfaces as Conflict so callers can fall back to the
// existing agent.
func (as *AgentStore) Create(agent *types.Agent) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()
	return as.createIn(as.store.db, agent)
}

func (as *AgentStore) createIn(q querier, agent *types.Agent) error {
	now := time.Now()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	agent.Version = 1

	skillsJSON, _ := json.Marshal(agent.Skills)
	metadataJSON, _ := json.Marshal(agent.Metadata)

	var archivedAt any
	if agent.ArchivedAt != nil {
		archivedAt = formatTime(*agent.ArchivedAt)
	}

	_, err := q.Exec(`
		INSERT INTO agents (
			id, name, role, status, skills, max_concurrent_tasks,
			metadata, archived_at, archived_reason,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.Name,
		string(agent.Role),
		string(agent.Status),
		string(skillsJSON),
		agent.MaxConcurrentTasks,
		string(metadataJSON),
		archivedAt,
		agent.ArchivedReason,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
		agent.Version,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return types.WrapError(types.CodeConflict, err, "agent name already in use: %s", agent.Name)
		}
		return types.WrapError(types.CodeInternal, err, "failed to create agent")
	}
	return nil
}

const agentColumns = `
	id, name, role, status, skills, max_concurrent_tasks,
	metadata, archived_at, archived_reason,
	created_at, updated_at, version`

// Get retrieves an agent by ID, nil when absent.
func (as *AgentStore) Get(id string) (*types.Agent, error) {
	return as.GetTx(as.store.db, id)
}

// GetTx is Get against an explicit transaction.
func (as *AgentStore) GetTx(q querier, id string) (*types.Agent, error) {
	row := q.QueryRow(`SELECT`+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetByName retrieves a non-archived agent by exact name, nil when absent.
func (as *AgentStore) GetByName(name string) (*types.Agent, error) {
	row := as.store.db.QueryRow(`
		SELECT`+agentColumns+` FROM agents
		WHERE name = ? AND status != ?
	`, name, string(types.AgentArchived))
	return scanAgent(row)
}

// List retrieves agents matching the filter, newest first.
func (as *AgentStore) List(filter *types.AgentFilter) ([]*types.Agent, error) {
	var whereClauses []string
	var args []any

	if filter != nil {
		if filter.Status != "" {
			whereClauses = append(whereClauses, "status = ?")
			args = append(args, string(filter.Status))
		}
		if filter.Role != "" {
			whereClauses = append(whereClauses, "role = ?")
			args = append(args, string(filter.Role))
		}
		if filter.Skill != "" {
			// Skills are stored as a JSON array of strings.
			whereClauses = append(whereClauses, "skills LIKE ?")
			args = append(args, fmt.Sprintf(`%%%q%%`, filter.Skill))
		}
	}

	query := `SELECT` + agentColumns + ` FROM agents`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := as.store.db.Query(query, args...)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to query agents")
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Update applies a partial update guarded by the row version. Returns
// NotFound when the agent does not exist and Conflict when the version
// check lost a concurrent race.
func (as *AgentStore) Update(id string, version int, update *types.AgentUpdate) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()
	return as.UpdateTx(as.store.db, id, version, update)
}

// UpdateTx is Update against an explicit transaction. The caller holds
// the store lock via Transact.
func (as *AgentStore) UpdateTx(q querier, id string, version int, update *types.AgentUpdate) error {
	var setClauses []string
	var args []any

	if update.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Role != nil {
		setClauses = append(setClauses, "role = ?")
		args = append(args, string(*update.Role))
	}
	if update.Skills != nil {
		data, _ := json.Marshal(update.Skills)
		setClauses = append(setClauses, "skills = ?")
		args = append(args, string(data))
	}
	if update.ArchivedAt != nil {
		setClauses = append(setClauses, "archived_at = ?")
		args = append(args, formatTime(*update.ArchivedAt))
	}
	if update.ArchivedReason != nil {
		setClauses = append(setClauses, "archived_reason = ?")
		args = append(args, *update.ArchivedReason)
	}

	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "updated_at = ?", "version = version + 1")
	args = append(args, formatTime(time.Now()), id, version)

	query := fmt.Sprintf(
		"UPDATE agents SET %s WHERE id = ? AND version = ?",
		strings.Join(setClauses, ", "))

	result, err := q.Exec(query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return types.WrapError(types.CodeConflict, err, "agent update collides on name")
		}
		return types.WrapError(types.CodeInternal, err, "failed to update agent")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing row from a lost version race.
		existing, err := as.GetTx(q, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.NewError(types.CodeNotFound, "agent not found: %s", id)
		}
		return types.NewError(types.CodeConflict, "agent %s changed concurrently", id)
	}
	return nil
}

// Delete hard-removes an agent row.
func (as *AgentStore) Delete(id string) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()

	result, err := as.store.db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to delete agent")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return types.NewError(types.CodeNotFound, "agent not found: %s", id)
	}
	return nil
}

// CountActive counts non-archived agents.
func (as *AgentStore) CountActive() (int, error) {
	var count int
	err := as.store.db.QueryRow(
		"SELECT COUNT(*) FROM agents WHERE status != ?",
		string(types.AgentArchived),
	).Scan(&count)
	if err != nil {
		return 0, types.WrapError(types.CodeInternal, err, "failed to count agents")
	}
	return count, nil
}

func scanAgent(row scanner) (*types.Agent, error) {
	var agent types.Agent
	var role, status string
	var skillsJSON, metadataJSON, archivedAt, archivedReason sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&role,
		&status,
		&skillsJSON,
		&agent.MaxConcurrentTasks,
		&metadataJSON,
		&archivedAt,
		&archivedReason,
		&createdAt,
		&updatedAt,
		&agent.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to scan agent")
	}

	agent.Role = types.AgentRole(role)
	agent.Status = types.AgentStatus(status)
	if skillsJSON.Valid && skillsJSON.String != "" {
		json.Unmarshal([]byte(skillsJSON.String), &agent.Skills)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &agent.Metadata)
	}
	if archivedAt.Valid && archivedAt.String != "" {
		t := parseTime(archivedAt.String)
		agent.ArchivedAt = &t
	}
	if archivedReason.Valid {
		agent.ArchivedReason = archivedReason.String
	}
	agent.CreatedAt = parseTime(createdAt)
	agent.UpdatedAt = parseTime(updatedAt)

	return &agent, nil
}
