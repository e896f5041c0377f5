package domain

import "time"

// HITLInteractionStatus tracks one request/response cycle's lifecycle.
type HITLInteractionStatus string

const (
	HITLInteractionPending   HITLInteractionStatus = "Pending"
	HITLInteractionAnswered  HITLInteractionStatus = "Answered"
	HITLInteractionTimedOut  HITLInteractionStatus = "TimedOut"
	HITLInteractionCancelled HITLInteractionStatus = "Cancelled"
)

// HITLResponse is what an external actor posts back through Deliver.
type HITLResponse struct {
	Action  HITLAction
	Payload map[string]interface{}
}

// HITLInteraction is one request/response cycle, keyed by (JobID, Round).
// It is created on suspension and mutated exactly once (response or
// timeout), then sealed.
type HITLInteraction struct {
	JobID      string
	Round      int
	Type       HITLType
	Prompt     map[string]interface{}
	Response   *HITLResponse
	CreatedAt  time.Time
	RespondedAt *time.Time
	TimeoutAt  time.Time
	Status     HITLInteractionStatus

	// IdempotencyKey identifies the exact suspension that created this
	// interaction (phase, attempt, prompt). A phase re-entering Suspend
	// after a restart presents the same key and reattaches to this row; a
	// later, different suspension presents a new key and opens a new round.
	IdempotencyKey string
}
