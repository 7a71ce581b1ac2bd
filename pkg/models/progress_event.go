package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a progress event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// ProgressEvent is pushed to session subscribers on every state entry and
// after every committed chunk. Sequence is monotonic per session.
type ProgressEvent struct {
	SessionID        uuid.UUID    `json:"session_id"`
	Sequence         int64        `json:"sequence"`
	Type             EventType    `json:"type"`
	Step             ImportStatus `json:"step"`
	Percentage       int          `json:"percentage"`
	Message          string       `json:"message,omitempty"`
	Processed        int          `json:"processed,omitempty"`
	Total            int          `json:"total,omitempty"`
	RecordsPerSecond float64      `json:"records_per_second,omitempty"`
	ETAMs            int64        `json:"eta_ms,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}
