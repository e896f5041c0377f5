// Package hitl implements the human-in-the-loop rendezvous protocol: a
// running phase calls Suspend and blocks on a future that an external
// actor completes later through Deliver, or that a timeout resolves. The
// future is a buffered channel stashed in an in-memory map, rebuilt from
// the persisted interaction row on restart instead of being lost with the
// process.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// Repository is the narrow persistence contract the coordinator depends on.
// internal/persist.HITLRepo satisfies it.
type Repository interface {
	Insert(interaction *domain.HITLInteraction) error
	Respond(jobID string, round int, response *domain.HITLResponse, respondedAt time.Time) error
	Seal(jobID string, round int, status domain.HITLInteractionStatus) error
	Get(jobID string, round int) (*domain.HITLInteraction, error)
	Latest(jobID string) (*domain.HITLInteraction, error)
	ListPending() ([]*domain.HITLInteraction, error)
}

// JobUpdater is the slice of the Job Manager the coordinator needs to flip
// job status around a suspension.
type JobUpdater interface {
	Update(jobID string, mutator func(job *domain.Job) error) (*domain.Job, error)
}

// Clock is the time source the coordinator stamps rows with.
type Clock func() time.Time

// Outcome is what a blocked Suspend call eventually receives.
type Outcome struct {
	Response *domain.HITLResponse
	Err      error
}

type pendingFuture struct {
	round int
	ch    chan Outcome
	timer *time.Timer
	done  bool
}

// Coordinator pairs suspended phases with external responses.
type Coordinator struct {
	repo Repository
	jobs JobUpdater
	now  Clock
	grp  singleflight.Group

	mu      sync.Mutex
	pending map[string]*pendingFuture
}

// New constructs a Coordinator.
func New(repo Repository, jobs JobUpdater, clock Clock) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{repo: repo, jobs: jobs, now: clock, pending: make(map[string]*pendingFuture)}
}

// Suspend persists a new interaction, flips the job to PendingHITL, and
// blocks until Deliver, timeout, or Cancel resolves the future. key
// identifies this exact suspension: when the latest persisted interaction
// carries the same key, the caller is re-entering after a restart and
// Suspend reattaches to (or immediately resolves from) that row instead of
// opening a new round.
func (c *Coordinator) Suspend(ctx context.Context, jobID, key string, hitlType domain.HITLType, prompt map[string]interface{}, timeout time.Duration) (*domain.HITLResponse, error) {
	latest, err := c.repo.Latest(jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "load latest hitl interaction", err)
	}

	if latest != nil && latest.IdempotencyKey == key {
		switch latest.Status {
		case domain.HITLInteractionAnswered:
			// The phase crashed or restarted after a response arrived but
			// before it resumed. Re-entry into Suspend is the idempotent
			// anchor: return the stored response immediately.
			return latest.Response, nil
		case domain.HITLInteractionTimedOut:
			return nil, apperrors.New(apperrors.KindHITLTimeout, "hitl interaction timed out")
		case domain.HITLInteractionCancelled:
			return nil, apperrors.New(apperrors.KindCancelled, "hitl interaction was cancelled")
		case domain.HITLInteractionPending:
			// Attach a fresh future to the still-pending row.
			return c.awaitLocked(ctx, jobID, latest.Round, latest.TimeoutAt)
		}
	}

	round := 1
	if latest != nil {
		round = latest.Round + 1
		if latest.Status == domain.HITLInteractionPending {
			// A pending round with a different key means the suspending
			// phase produced a different prompt than the one on record
			// (only one interaction per job may be pending). Supersede it.
			if err := c.repo.Seal(jobID, latest.Round, domain.HITLInteractionCancelled); err != nil {
				return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "supersede pending interaction", err)
			}
			c.resolve(jobID, latest.Round, Outcome{Err: apperrors.New(apperrors.KindCancelled, "superseded by a newer suspension")})
		}
	}

	now := c.now()
	timeoutAt := now.Add(timeout)
	interaction := &domain.HITLInteraction{
		JobID:          jobID,
		Round:          round,
		Type:           hitlType,
		Prompt:         prompt,
		CreatedAt:      now,
		TimeoutAt:      timeoutAt,
		Status:         domain.HITLInteractionPending,
		IdempotencyKey: key,
	}
	if err := c.repo.Insert(interaction); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "persist hitl interaction", err)
	}

	if _, err := c.jobs.Update(jobID, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return apperrors.New(apperrors.KindConflictingState, "job is already terminal")
		}
		job.Status = domain.JobStatusPendingHITL
		job.HITL = &domain.HITLState{Type: hitlType, Payload: prompt, Deadline: timeoutAt, Round: round}
		return nil
	}); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryHITL).Info("job %s suspended round=%d type=%s", jobID, round, hitlType)
	return c.awaitLocked(ctx, jobID, round, timeoutAt)
}

// awaitLocked registers the in-memory future for (jobID, round) and blocks
// the caller until it resolves.
func (c *Coordinator) awaitLocked(ctx context.Context, jobID string, round int, timeoutAt time.Time) (*domain.HITLResponse, error) {
	c.mu.Lock()
	future, ok := c.pending[jobID]
	if !ok || future.round != round {
		future = &pendingFuture{round: round, ch: make(chan Outcome, 1)}
		c.pending[jobID] = future
		delay := time.Until(timeoutAt)
		if delay < 0 {
			delay = 0
		}
		future.timer = time.AfterFunc(delay, func() { c.fireTimeout(jobID, round) })
	}
	c.mu.Unlock()

	select {
	case outcome := <-future.ch:
		return outcome.Response, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetPrompt returns the job's current pending interaction, or nil if none
// is outstanding. Concurrent callers for the same job collapse onto one
// repository read via singleflight.
func (c *Coordinator) GetPrompt(jobID string) (*domain.HITLInteraction, error) {
	v, err, _ := c.grp.Do(jobID, func() (interface{}, error) {
		return c.repo.Latest(jobID)
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "get prompt", err)
	}
	interaction, _ := v.(*domain.HITLInteraction)
	if interaction == nil {
		return nil, nil
	}
	if interaction.Status != domain.HITLInteractionPending {
		return nil, nil
	}
	return interaction, nil
}

// Deliver validates and records a human response, then resumes whatever
// phase is blocked in Suspend. The response always answers the job's latest
// interaction; when that interaction is not Pending (none exists, or it was
// already answered, timed out or cancelled) Deliver returns ConflictingState.
func (c *Coordinator) Deliver(jobID string, response *domain.HITLResponse) error {
	latest, err := c.repo.Latest(jobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable, "load latest hitl interaction", err)
	}
	if latest == nil || latest.Status != domain.HITLInteractionPending {
		return apperrors.New(apperrors.KindConflictingState, "no pending hitl interaction for job")
	}
	if err := validateResponseShape(latest.Type, response); err != nil {
		return err
	}

	now := c.now()
	if err := c.repo.Respond(jobID, latest.Round, response, now); err != nil {
		if apperrors.Is(err, apperrors.KindConflictingState) {
			return err
		}
		return apperrors.Wrap(apperrors.KindStorageUnavailable, "respond to hitl interaction", err)
	}

	if _, err := c.jobs.Update(jobID, func(job *domain.Job) error {
		job.Status = domain.JobStatusRunning
		job.HITL = nil
		return nil
	}); err != nil {
		return err
	}

	c.resolve(jobID, latest.Round, Outcome{Response: response})
	logging.Get(logging.CategoryHITL).Info("job %s delivered round=%d action=%s", jobID, latest.Round, response.Action)
	return nil
}

// Cancel fails the outstanding future with Cancelled and seals the
// interaction so any subsequent Deliver for that round is rejected.
func (c *Coordinator) Cancel(jobID string) error {
	latest, err := c.repo.Latest(jobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable, "load latest hitl interaction", err)
	}
	if latest == nil || latest.Status != domain.HITLInteractionPending {
		return nil
	}
	if err := c.repo.Seal(jobID, latest.Round, domain.HITLInteractionCancelled); err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable, "seal cancelled interaction", err)
	}
	c.resolve(jobID, latest.Round, Outcome{Err: apperrors.New(apperrors.KindCancelled, "hitl interaction cancelled")})
	return nil
}

// Recover rearms timeout timers for interactions left pending across a
// restart. Their jobs stay parked until a response arrives; an interaction
// whose deadline passed while the process was down times out immediately.
func (c *Coordinator) Recover() error {
	pending, err := c.repo.ListPending()
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorageUnavailable, "list pending hitl interactions", err)
	}
	for _, interaction := range pending {
		jobID, round := interaction.JobID, interaction.Round
		c.mu.Lock()
		if _, ok := c.pending[jobID]; !ok {
			future := &pendingFuture{round: round, ch: make(chan Outcome, 1)}
			delay := time.Until(interaction.TimeoutAt)
			if delay < 0 {
				delay = 0
			}
			future.timer = time.AfterFunc(delay, func() { c.fireTimeout(jobID, round) })
			c.pending[jobID] = future
		}
		c.mu.Unlock()
	}
	if len(pending) > 0 {
		logging.Get(logging.CategoryHITL).Info("rearmed %d pending hitl timeouts", len(pending))
	}
	return nil
}

// fireTimeout seals the interaction and fails both the in-memory future
// and the job record. The job update matters when no phase goroutine is
// blocked on the future (a restart left the job parked); when one is, its
// own terminal transition finds the job already sealed and is a no-op.
func (c *Coordinator) fireTimeout(jobID string, round int) {
	if err := c.repo.Seal(jobID, round, domain.HITLInteractionTimedOut); err != nil {
		logging.Get(logging.CategoryHITL).Error("seal timeout %s/%d: %v", jobID, round, err)
	}
	c.resolve(jobID, round, Outcome{Err: apperrors.New(apperrors.KindHITLTimeout, "hitl interaction timed out")})

	now := c.now()
	if _, err := c.jobs.Update(jobID, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return nil
		}
		job.Status = domain.JobStatusFailed
		job.Error = &domain.JobError{Kind: string(apperrors.KindHITLTimeout), Message: "hitl interaction timed out"}
		job.HITL = nil
		job.CompletedAt = &now
		return nil
	}); err != nil {
		logging.Get(logging.CategoryHITL).Error("fail job %s on timeout: %v", jobID, err)
	}
	logging.Get(logging.CategoryHITL).Warn("job %s round=%d timed out", jobID, round)
}

// resolve delivers outcome to the in-memory future for (jobID, round), if
// one is registered, and removes it. A future may legitimately be absent
// (e.g. the process restarted between Suspend calls); the caller's next
// Suspend re-entry picks up the sealed row instead.
func (c *Coordinator) resolve(jobID string, round int, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	future, ok := c.pending[jobID]
	if !ok || future.round != round || future.done {
		return
	}
	future.done = true
	if future.timer != nil {
		future.timer.Stop()
	}
	future.ch <- outcome
	delete(c.pending, jobID)
}

// validateResponseShape rejects a response whose action does not fit the
// prompt type it answers.
func validateResponseShape(promptType domain.HITLType, response *domain.HITLResponse) error {
	if response == nil {
		return apperrors.New(apperrors.KindInvalidInput, "response must not be empty")
	}
	switch response.Action {
	case domain.HITLActionProceed, domain.HITLActionRevise, domain.HITLActionRefine, domain.HITLActionCancel:
	default:
		return apperrors.New(apperrors.KindInvalidInput, fmt.Sprintf("unknown hitl action %q", response.Action))
	}
	if response.Action == domain.HITLActionCancel {
		return nil
	}
	switch promptType {
	case domain.HITLTypeConfirm:
		if response.Action != domain.HITLActionProceed && response.Action != domain.HITLActionRevise {
			return apperrors.New(apperrors.KindInvalidInput, "Confirm accepts only Proceed or Revise")
		}
	case domain.HITLTypePreview, domain.HITLTypeValidate:
		if response.Action != domain.HITLActionProceed && response.Action != domain.HITLActionRefine {
			return apperrors.New(apperrors.KindInvalidInput, "Preview/Validate accept only Proceed or Refine")
		}
	case domain.HITLTypeClarify, domain.HITLTypeStructureFix:
		if response.Action != domain.HITLActionProceed {
			return apperrors.New(apperrors.KindInvalidInput, "Clarify/StructureFix accept only Proceed")
		}
	}
	return nil
}
