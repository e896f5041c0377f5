package domain

import "time"

// EventKind enumerates the event stream's vocabulary.
type EventKind string

const (
	EventPhaseStarted   EventKind = "PhaseStarted"
	EventProgress       EventKind = "Progress"
	EventReasoning      EventKind = "Reasoning"
	EventHITLRequired   EventKind = "HITLRequired"
	EventPhaseEnded     EventKind = "PhaseEnded"
	EventCompleted      EventKind = "Completed"
	EventFailed         EventKind = "Failed"
	EventCancelled      EventKind = "Cancelled"
	EventSkillPublished EventKind = "SkillPublished"
	EventLagged         EventKind = "Lagged"
)

// Event is one entry in a job's ordered event stream.
type Event struct {
	JobID     string
	Sequence  uint64
	Kind      EventKind
	Timestamp time.Time
	Payload   map[string]interface{}
}
