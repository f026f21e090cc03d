package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event written to the event log.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionFinished EventType = "session_finished"
	EventBatchStarted    EventType = "batch_started"
	EventBatchFinished   EventType = "batch_finished"
	EventTaskStarted     EventType = "task_started"
	EventTaskFinished    EventType = "task_finished"
	EventRecoveryAttempt EventType = "recovery_attempt"
	EventValidationIssue EventType = "validation_issue"
)

// Event is one structured lifecycle record. Events are append-only and
// never mutated after creation.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	TaskName  string         `json:"task_name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and UTC timestamp.
func NewEvent(eventType EventType, sessionID, taskName string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		TaskName:  taskName,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

// SetPayload attaches a key/value pair to the event.
func (e *Event) SetPayload(key string, value any) {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON parses a single JSONL event line.
func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
