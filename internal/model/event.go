package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a run event.
type EventType string

const (
	EventAgentStart       EventType = "agent_start"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventAgentNote        EventType = "agent_note"
	EventPartialOutput    EventType = "partial_output"
	EventCheckpointRaised EventType = "checkpoint_raised"
	EventArtifactReady    EventType = "artifact_ready"
	EventRunComplete      EventType = "run_complete"
	EventRunError         EventType = "run_error"
)

// Terminal reports whether the event closes a run's log.
func (t EventType) Terminal() bool {
	return t == EventRunComplete || t == EventRunError
}

// Valid reports whether t is one of the nine wire event types.
func (t EventType) Valid() bool {
	switch t {
	case EventAgentStart, EventToolCall, EventToolResult, EventAgentNote, EventPartialOutput,
		EventCheckpointRaised, EventArtifactReady, EventRunComplete, EventRunError:
		return true
	}
	return false
}

// RunEvent is an append-only entry in a run's event log.
// Seq starts at 1 and is gapless per run. Never mutated or deleted.
type RunEvent struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Seq       int64          `json:"seq"`
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// StreamMessage is the wire shape of one event on the live stream.
type StreamMessage struct {
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Seq       int64          `json:"seq"`
}

// Message converts an event to its stream representation.
func (e RunEvent) Message() StreamMessage {
	return StreamMessage{EventType: e.EventType, Payload: e.Payload, Seq: e.Seq}
}

// Note severities carried in agent_note payloads.
const (
	NoteInfo          = "info"
	NoteLowConfidence = "low_confidence"
	NoteDegraded      = "degraded_input"
	NoteRetry         = "retry"
)
