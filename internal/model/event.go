package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the observability event types emitted per analysis.
type EventKind string

const (
	EventRunStart        EventKind = "RunStart"
	EventStageStart      EventKind = "StageStart"
	EventStageEnd        EventKind = "StageEnd"
	EventToolCallStart   EventKind = "ToolCallStart"
	EventToolCallEnd     EventKind = "ToolCallEnd"
	EventDecisionEmitted EventKind = "DecisionEmitted"
	EventError           EventKind = "Error"
	EventStatusUpdate    EventKind = "StatusUpdate"
)

// ObservabilityEvent is an append-only record of something that happened
// during one analysis thread. Events are per-thread ordered by Timestamp
// and globally ordered by EventID (a monotonically assigned sequence, not
// just a random UUID, so Poll can do a strict-suffix comparison).
type ObservabilityEvent struct {
	EventID   uint64         `json:"event_id"`
	ThreadID  uuid.UUID      `json:"thread_id"`
	RunID     string         `json:"run_id,omitempty"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
