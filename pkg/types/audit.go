package types

import (
	"time"
)

// Decision is an immutable audit record of a scheduling or lifecycle choice.
type Decision struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale"`
	TaskID    *string   `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityStatus marks how far an activity got.
type ActivityStatus string

const (
	ActivityInProgress ActivityStatus = "in_progress"
	ActivityCompleted  ActivityStatus = "completed"
	ActivityFailed     ActivityStatus = "failed"
	ActivityPartial    ActivityStatus = "partial"
)

// ActivityEntry is a write-once observability record. The engine never
// reads these back; they exist for operators and the websocket feed.
type ActivityEntry struct {
	ID           int64             `json:"id"`
	ActivityType string            `json:"activity_type"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       ActivityStatus    `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}
