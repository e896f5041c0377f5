package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/eventbus"
	"skillforge/internal/logging"
)

// JobStore is the slice of the Job Manager the engine needs.
type JobStore interface {
	Get(jobID string) (*domain.Job, error)
	Update(jobID string, mutator func(job *domain.Job) error) (*domain.Job, error)
}

// PhaseRunStore is the slice of internal/persist.PhaseRunRepo the engine
// needs to keep an append-only audit trail of every phase attempt.
type PhaseRunStore interface {
	Start(run *domain.PhaseRun) error
	Seal(jobID string, phase domain.Phase, attempt int, outcome domain.PhaseOutcome, endedAt time.Time, outputDigest string) error
	NextAttempt(jobID string, phase domain.Phase) (int, error)
}

// HITLCoordinator is the slice of internal/hitl.Coordinator the engine needs.
type HITLCoordinator interface {
	Suspend(ctx context.Context, jobID, key string, hitlType domain.HITLType, prompt map[string]interface{}, timeout time.Duration) (*domain.HITLResponse, error)
	Cancel(jobID string) error
}

// TaxonomyStore is the slice of internal/taxonomy.Store the engine needs:
// writing the draft at the end of Generate and running the non-LLM
// Promote phase after Validate.
type TaxonomyStore interface {
	WriteDraft(jobID string, plan, draft map[string]interface{}) (string, error)
	Promote(ctx context.Context, job *domain.Job, overwrite, force bool) (canonicalPath string, skillID string, version string, err error)
}

var phaseSequence = []domain.Phase{domain.PhaseUnderstand, domain.PhaseGenerate, domain.PhaseValidate}

// Config carries the engine's tunables; zero values fall back to the
// defaults applied in New.
type Config struct {
	PhaseLLMTimeout    time.Duration
	HITLDefaultTimeout time.Duration
	WorkerConcurrency  int
	CancelGracePeriod  time.Duration
}

// Engine drives jobs through the phase pipeline.
type Engine struct {
	jobs  JobStore
	runs  PhaseRunStore
	coord HITLCoordinator
	bus   *eventbus.Bus
	steps Steps
	tax   TaxonomyStore
	cfg   Config

	group *errgroup.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	cancels  map[string]context.CancelFunc
}

// New constructs an Engine. The returned Engine bounds concurrent phase
// executions at cfg.WorkerConcurrency.
func New(jobs JobStore, runs PhaseRunStore, coord HITLCoordinator, bus *eventbus.Bus, steps Steps, tax TaxonomyStore, cfg Config) *Engine {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.PhaseLLMTimeout <= 0 {
		cfg.PhaseLLMTimeout = 300 * time.Second
	}
	if cfg.HITLDefaultTimeout <= 0 {
		cfg.HITLDefaultTimeout = 3600 * time.Second
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = 30 * time.Second
	}
	group := &errgroup.Group{}
	group.SetLimit(cfg.WorkerConcurrency)
	return &Engine{
		jobs: jobs, runs: runs, coord: coord, bus: bus, steps: steps, tax: tax, cfg: cfg,
		group:    group,
		inflight: make(map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start dispatches a freshly created job onto the scheduler. It returns
// as soon as the job is queued; phase execution is asynchronous.
func (e *Engine) Start(jobID string) {
	e.dispatch(jobID)
}

// Resume hands a job already loaded from storage back to the scheduler
// during startup recovery. It is also the re-entry point after an HITL
// Deliver: if no in-process goroutine is already blocked on this job's
// suspension, Resume starts one, whose first PhaseStep invocation re-enters
// Suspend idempotently and receives the already-persisted response.
func (e *Engine) Resume(jobID string) {
	e.dispatch(jobID)
}

// dispatch is a no-op if jobID already has a goroutine running it.
func (e *Engine) dispatch(jobID string) {
	e.mu.Lock()
	if _, busy := e.inflight[jobID]; busy {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.inflight[jobID] = struct{}{}
	e.cancels[jobID] = cancel
	e.mu.Unlock()

	e.group.Go(func() error {
		defer func() {
			e.mu.Lock()
			delete(e.inflight, jobID)
			delete(e.cancels, jobID)
			e.mu.Unlock()
			cancel()
		}()
		e.runJob(ctx, jobID)
		return nil
	})
}

// Cancel requests termination of jobID. A job with no in-process runner is
// cancelled immediately; a running job's context is cancelled and the grace
// period in cfg.CancelGracePeriod bounds how long the engine waits for it
// to seal its current PhaseRun before forcing the terminal state.
func (e *Engine) Cancel(jobID string) error {
	job, err := e.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Status == domain.JobStatusPendingHITL {
		_ = e.coord.Cancel(jobID)
	}

	e.mu.Lock()
	cancel, running := e.cancels[jobID]
	e.mu.Unlock()
	if running {
		cancel()
		// The phase has the grace period to observe its context and seal
		// cleanly; after that the job is forced terminal either way.
		time.AfterFunc(e.cfg.CancelGracePeriod, func() {
			e.seal(jobID, domain.JobStatusCancelled, nil)
		})
		return nil
	}

	_, err = e.jobs.Update(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = domain.JobStatusCancelled
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	return err
}

// runJob drives jobID through every phase it has not yet completed. Phases
// preceding job.CurrentPhase are recomputed quietly (no events, no PhaseRun
// rows) to rebuild their output in memory — safe because phases are
// idempotent on their inputs — then execution continues for
// real from CurrentPhase onward.
func (e *Engine) runJob(ctx context.Context, jobID string) {
	job, err := e.jobs.Get(jobID)
	if err != nil {
		logging.Get(logging.CategoryWorkflow).Error("runJob: load %s: %v", jobID, err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	if job.Status == domain.JobStatusPending {
		if _, err := e.jobs.Update(jobID, func(j *domain.Job) error {
			j.Status = domain.JobStatusRunning
			j.CurrentPhase = domain.PhaseUnderstand
			return nil
		}); err != nil {
			logging.Get(logging.CategoryWorkflow).Error("runJob: start %s: %v", jobID, err)
			return
		}
		job, _ = e.jobs.Get(jobID)
	}

	startIdx := phaseIndex(job.CurrentPhase)
	if startIdx < 0 {
		startIdx = 0
	}

	var understandOut, generateOut map[string]interface{}

	for i, phase := range phaseSequence {
		audit := i >= startIdx
		step := e.stepFor(phase)

		if audit {
			e.bus.Emit(jobID, domain.EventPhaseStarted, map[string]interface{}{"phase": string(phase)})
		}

		result, failErr := e.runPhase(ctx, job, phase, step, understandOut, generateOut, audit)
		if failErr != nil {
			if ctx.Err() != nil {
				e.seal(jobID, domain.JobStatusCancelled, nil)
				return
			}
			logging.Get(logging.CategoryWorkflow).Error("runJob: phase %s for %s: %v", phase, jobID, failErr)
			e.seal(jobID, domain.JobStatusFailed, &domain.JobError{Kind: string(apperrors.KindOf(failErr)), Message: failErr.Error()})
			return
		}

		switch result.Kind {
		case PhaseResultFail:
			if result.FailKind == apperrors.KindCancelled {
				e.seal(jobID, domain.JobStatusCancelled, nil)
				return
			}
			e.seal(jobID, domain.JobStatusFailed, &domain.JobError{Kind: string(result.FailKind), Message: result.FailMessage})
			return
		case PhaseResultSucceed:
			switch phase {
			case domain.PhaseUnderstand:
				understandOut = result.Output
			case domain.PhaseGenerate:
				generateOut = result.Output
			}
			if audit {
				var draftLocation string
				if phase == domain.PhaseGenerate {
					draftLocation, err = e.tax.WriteDraft(jobID, understandOut, result.Output)
					if err != nil {
						logging.Get(logging.CategoryWorkflow).Error("runJob: write draft for %s: %v", jobID, err)
						e.seal(jobID, domain.JobStatusFailed, &domain.JobError{Kind: string(apperrors.KindOf(err)), Message: err.Error()})
						return
					}
				}
				e.bus.Emit(jobID, domain.EventPhaseEnded, map[string]interface{}{"phase": string(phase)})
				next := nextPhase(phase)
				if _, err := e.jobs.Update(jobID, func(j *domain.Job) error {
					j.CurrentPhase = next
					if draftLocation != "" {
						j.DraftLocation = draftLocation
					}
					return nil
				}); err != nil {
					logging.Get(logging.CategoryWorkflow).Error("runJob: advance phase for %s: %v", jobID, err)
					return
				}
				job, _ = e.jobs.Get(jobID)
			}
		default:
			e.seal(jobID, domain.JobStatusFailed, &domain.JobError{Kind: string(apperrors.KindLLMError), Message: "phase returned an unrecognized result"})
			return
		}
	}

	e.promote(ctx, jobID)
}

// promote executes the non-LLM Promote phase once Validate has succeeded.
func (e *Engine) promote(ctx context.Context, jobID string) {
	job, err := e.jobs.Get(jobID)
	if err != nil {
		logging.Get(logging.CategoryWorkflow).Error("promote: load %s: %v", jobID, err)
		return
	}

	if _, err := e.jobs.Update(jobID, func(j *domain.Job) error { j.CurrentPhase = domain.PhasePromote; return nil }); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("promote: mark phase for %s: %v", jobID, err)
		return
	}
	e.bus.Emit(jobID, domain.EventPhaseStarted, map[string]interface{}{"phase": string(domain.PhasePromote)})

	// force=true: reaching this point already means Validate either passed
	// or a human explicitly proceeded past a failing report: the taxonomy
	// store's own passing-report gate only matters for the manual
	// /drafts/{job_id}/promote admin path, not this automatic one.
	canonicalPath, skillID, version, err := e.tax.Promote(ctx, job, false, true)
	if err != nil {
		e.bus.Emit(jobID, domain.EventPhaseEnded, map[string]interface{}{"phase": string(domain.PhasePromote), "error": err.Error()})
		e.seal(jobID, domain.JobStatusFailed, &domain.JobError{Kind: string(apperrors.KindOf(err)), Message: err.Error()})
		return
	}

	e.bus.Emit(jobID, domain.EventPhaseEnded, map[string]interface{}{"phase": string(domain.PhasePromote)})
	e.bus.Emit(jobID, domain.EventSkillPublished, map[string]interface{}{"canonical_path": canonicalPath, "skill_id": skillID})

	now := time.Now()
	if _, err := e.jobs.Update(jobID, func(j *domain.Job) error {
		j.Status = domain.JobStatusCompleted
		j.Promoted = true
		j.CompletedAt = &now
		j.Result = &domain.JobResult{CanonicalPath: canonicalPath, SkillID: skillID, Version: version}
		return nil
	}); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("promote: finalize %s: %v", jobID, err)
	}
}

// seal transitions jobID to a terminal state with an optional error.
func (e *Engine) seal(jobID string, status domain.JobStatus, jobErr *domain.JobError) {
	now := time.Now()
	if _, err := e.jobs.Update(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = status
		j.Error = jobErr
		j.CompletedAt = &now
		return nil
	}); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("seal %s as %s: %v", jobID, status, err)
	}
}

func (e *Engine) stepFor(phase domain.Phase) PhaseStep {
	switch phase {
	case domain.PhaseUnderstand:
		return e.steps.Understand
	case domain.PhaseGenerate:
		return e.steps.Generate
	case domain.PhaseValidate:
		return e.steps.Validate
	default:
		return nil
	}
}

// runPhase runs one phase to completion, including its HITL suspend/resume
// loop. audit controls whether PhaseRun rows and progress
// events are written; it is false only while quietly recomputing a phase
// that already succeeded, to rebuild in-memory state after a restart.
func (e *Engine) runPhase(ctx context.Context, job *domain.Job, phase domain.Phase, step PhaseStep, understandOut, generateOut map[string]interface{}, audit bool) (PhaseResult, error) {
	attempt := 1
	if audit {
		var err error
		attempt, err = e.runs.NextAttempt(job.JobID, phase)
		if err != nil {
			return PhaseResult{}, apperrors.Wrap(apperrors.KindStorageUnavailable, "next phase attempt", err)
		}
	}

	var feedback map[string]interface{}
	sink := newSink(e.bus, job.JobID, audit)

	for {
		in := PhaseInput{
			JobID: job.JobID, UserID: job.UserID, TaskDescription: job.TaskDescription,
			AutoApprove: job.AutoApprove, Attempt: attempt,
			Understand: understandOut, Generate: generateOut, Feedback: feedback,
		}
		inputDigest := digest(in)

		if audit {
			if err := e.runs.Start(&domain.PhaseRun{
				JobID: job.JobID, Phase: phase, Attempt: attempt,
				StartedAt: time.Now(), Outcome: domain.PhaseOutcomeSuspended, InputDigest: inputDigest,
			}); err != nil {
				return PhaseResult{}, apperrors.Wrap(apperrors.KindStorageUnavailable, "start phase run", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseLLMTimeout)
		result, err := step.Run(callCtx, in, sink)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return PhaseResult{}, ctx.Err()
			}
			result = PhaseResult{Kind: PhaseResultFail, FailKind: apperrors.KindLLMError, FailMessage: err.Error()}
			if callCtx.Err() == context.DeadlineExceeded {
				result.FailKind = apperrors.KindLLMTimeout
			}
		}

		switch result.Kind {
		case PhaseResultSucceed:
			if audit {
				e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeSucceeded, result.Output)
			}
			return result, nil

		case PhaseResultFail:
			if audit {
				e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeFailed, nil)
			}
			return result, nil

		case PhaseResultSuspend:
			timeout := e.cfg.HITLDefaultTimeout
			key := digest(map[string]interface{}{
				"phase": string(phase), "attempt": attempt,
				"type": string(result.SuspendType), "prompt": result.SuspendPrompt,
			})
			response, err := e.coord.Suspend(ctx, job.JobID, key, result.SuspendType, result.SuspendPrompt, timeout)
			if err != nil {
				if audit {
					outcome := domain.PhaseOutcomeFailed
					if apperrors.Is(err, apperrors.KindCancelled) {
						outcome = domain.PhaseOutcomeCancelled
					}
					e.sealRun(job.JobID, phase, attempt, outcome, nil)
				}
				kind := apperrors.KindOf(err)
				if kind == "" {
					kind = apperrors.KindLLMError
				}
				return PhaseResult{Kind: PhaseResultFail, FailKind: kind, FailMessage: err.Error()}, nil
			}

			switch response.Action {
			case domain.HITLActionCancel:
				if audit {
					e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeCancelled, nil)
				}
				return PhaseResult{Kind: PhaseResultFail, FailKind: apperrors.KindCancelled, FailMessage: "cancelled during hitl"}, nil
			case domain.HITLActionProceed:
				if result.SuspendType == domain.HITLTypeClarify || result.SuspendType == domain.HITLTypeStructureFix {
					// Proceed here doesn't finalize anything by itself: the
					// phase needs the human's answers folded back in before
					// it can produce a real plan, so this re-enters the
					// phase exactly like Refine/Revise.
					if audit {
						e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeSucceeded, nil)
					}
					attempt++
					feedback = response.Payload
					continue
				}
				if audit {
					e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeSucceeded, result.Output)
				}
				return PhaseResult{Kind: PhaseResultSucceed, Output: result.Output}, nil
			case domain.HITLActionRefine, domain.HITLActionRevise:
				if audit {
					e.sealRun(job.JobID, phase, attempt, domain.PhaseOutcomeFailed, nil)
				}
				attempt++
				feedback = response.Payload
				continue
			default:
				return PhaseResult{Kind: PhaseResultFail, FailKind: apperrors.KindConflictingState, FailMessage: "unrecognized hitl action"}, nil
			}

		default:
			return PhaseResult{Kind: PhaseResultFail, FailKind: apperrors.KindLLMError, FailMessage: "phase returned no result kind"}, nil
		}
	}
}

func (e *Engine) sealRun(jobID string, phase domain.Phase, attempt int, outcome domain.PhaseOutcome, output map[string]interface{}) {
	if err := e.runs.Seal(jobID, phase, attempt, outcome, time.Now(), digest(output)); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("seal phase run %s/%s/%d: %v", jobID, phase, attempt, err)
	}
}

func phaseIndex(phase domain.Phase) int {
	for i, p := range phaseSequence {
		if p == phase {
			return i
		}
	}
	return -1
}

func nextPhase(phase domain.Phase) domain.Phase {
	idx := phaseIndex(phase)
	if idx < 0 || idx+1 >= len(phaseSequence) {
		return domain.PhasePromote
	}
	return phaseSequence[idx+1]
}

// digest returns a stable content hash of v's JSON encoding, used for
// PhaseRun.InputDigest/OutputDigest.
// encoding/json marshals map keys in sorted order, so equal maps always
// produce equal digests.
func digest(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
