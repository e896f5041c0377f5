package domain

// validTransitions enumerates the allowed JobStatus edges.
// Cancellation is allowed from any non-terminal state, so Cancelled is
// listed as a target of every non-terminal source state.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:     {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:     {JobStatusPendingHITL, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPendingHITL: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states never transition; everything else follows validTransitions.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
