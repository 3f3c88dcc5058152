package domain

import "github.com/bytedance/sonic"

// Activity event types published to the activity queue after successful
// mutations. Consumers use them for notification fan-out; delivery is best
// effort and never gates the write path.
const (
	EventBoardCreated   = "board-created"
	EventBoardArchived  = "board-archived"
	EventBoardRestored  = "board-restored"
	EventColumnCreated  = "column-created"
	EventColumnMoved    = "column-moved"
	EventTaskCreated    = "task-created"
	EventTaskMoved      = "task-moved"
	EventTaskUpdated    = "task-updated"
	EventTaskDeleted    = "task-deleted"
	EventTaskArchived   = "task-archived"
	EventTaskRestored   = "task-restored"
)

// Event describes one board mutation for the activity stream.
type Event struct {
	ID         string                 `json:"id"`
	BoardID    string                 `json:"boardId"`
	EntityID   string                 `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// EventEnvelope wraps an event with the user who caused it.
type EventEnvelope struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}
