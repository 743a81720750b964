package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steward-dao/steward/pkg/types"
)

// AuditStore handles the append-only decisions and activity_log tables.
// Decisions are immutable once written; activity entries are write-once
// and never read back by the engine itself.
type AuditStore struct {
	store *Store

	subsMu sync.RWMutex
	subs   map[string]chan *types.ActivityEntry
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(store *Store) *AuditStore {
	return &AuditStore{
		store: store,
		subs:  make(map[string]chan *types.ActivityEntry),
	}
}

// RecordDecision appends a decision record.
func (au *AuditStore) RecordDecision(d *types.Decision) error {
	au.store.mu.Lock()
	defer au.store.mu.Unlock()
	return au.RecordDecisionTx(au.store.db, d)
}

// RecordDecisionTx is RecordDecision against an explicit transaction.
func (au *AuditStore) RecordDecisionTx(q querier, d *types.Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	var taskID any
	if d.TaskID != nil {
		taskID = *d.TaskID
	}

	_, err := q.Exec(`
		INSERT INTO decisions (id, agent_id, decision, rationale, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.AgentID, d.Decision, d.Rationale, taskID, formatTime(d.CreatedAt))
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to record decision")
	}
	return nil
}

// ListDecisions returns decisions newest first.
func (au *AuditStore) ListDecisions(limit, offset int) ([]*types.Decision, error) {
	query := `
		SELECT id, agent_id, decision, rationale, task_id, created_at
		FROM decisions ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	rows, err := au.store.db.Query(query)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to query decisions")
	}
	defer rows.Close()

	var decisions []*types.Decision
	for rows.Next() {
		var d types.Decision
		var rationale, taskID sql.NullString
		var createdAt string
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Decision, &rationale, &taskID, &createdAt); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "failed to scan decision")
		}
		d.Rationale = rationale.String
		if taskID.Valid && taskID.String != "" {
			d.TaskID = &taskID.String
		}
		d.CreatedAt = parseTime(createdAt)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// RecordActivity appends an activity entry and notifies subscribers.
func (au *AuditStore) RecordActivity(e *types.ActivityEntry) error {
	au.store.mu.Lock()
	err := au.recordActivityIn(au.store.db, e)
	au.store.mu.Unlock()
	if err != nil {
		return err
	}
	au.notify(e)
	return nil
}

// RecordActivityTx appends an activity entry inside a transaction.
// Subscribers are not notified until the transaction commits; callers
// should use Notify afterwards if the feed matters for the entry.
func (au *AuditStore) RecordActivityTx(q querier, e *types.ActivityEntry) error {
	return au.recordActivityIn(q, e)
}

func (au *AuditStore) recordActivityIn(q querier, e *types.ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = types.ActivityCompleted
	}

	metadataJSON := ""
	if len(e.Metadata) > 0 {
		data, _ := json.Marshal(e.Metadata)
		metadataJSON = string(data)
	}

	result, err := q.Exec(`
		INSERT INTO activity_log (activity_type, title, description, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ActivityType, e.Title, e.Description, metadataJSON, string(e.Status), formatTime(e.CreatedAt))
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to record activity")
	}

	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListActivity returns activity entries newest first.
func (au *AuditStore) ListActivity(limit, offset int) ([]*types.ActivityEntry, error) {
	query := `
		SELECT id, activity_type, title, description, metadata, status, created_at
		FROM activity_log ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	rows, err := au.store.db.Query(query)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to query activity")
	}
	defer rows.Close()

	var entries []*types.ActivityEntry
	for rows.Next() {
		var e types.ActivityEntry
		var description, metadataJSON sql.NullString
		var status, createdAt string
		if err := rows.Scan(&e.ID, &e.ActivityType, &e.Title, &description, &metadataJSON, &status, &createdAt); err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "failed to scan activity")
		}
		e.Description = description.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		e.Status = types.ActivityStatus(status)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Subscribe returns a channel of new activity entries for the given
// subscriber ID. The channel is buffered; slow consumers drop entries.
func (au *AuditStore) Subscribe(id string) <-chan *types.ActivityEntry {
	au.subsMu.Lock()
	defer au.subsMu.Unlock()

	ch := make(chan *types.ActivityEntry, 64)
	au.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (au *AuditStore) Unsubscribe(id string) {
	au.subsMu.Lock()
	defer au.subsMu.Unlock()

	if ch, ok := au.subs[id]; ok {
		delete(au.subs, id)
		close(ch)
	}
}

// Notify pushes an entry to all subscribers without persisting it
// again; used after RecordActivityTx commits.
func (au *AuditStore) Notify(e *types.ActivityEntry) {
	au.notify(e)
}

func (au *AuditStore) notify(e *types.ActivityEntry) {
	au.subsMu.RLock()
	defer au.subsMu.RUnlock()

	for _, ch := range au.subs {
		select {
		case ch <- e:
		default:
			// Feed is best-effort observability; drop when full.
		}
	}
}
