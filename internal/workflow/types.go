// Package workflow drives every job through the Understand -> Generate ->
// Validate -> Promote pipeline. It owns phase suspension, resume,
// cancellation, and per-phase event streaming, dispatching each Running
// job onto a worker pool bounded with golang.org/x/sync/errgroup.
package workflow

import (
	"context"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
)

// PhaseResultKind is the tagged outcome a PhaseStep reports: Succeed with
// an output, Suspend with a prompt, or Fail with an error kind.
type PhaseResultKind string

const (
	PhaseResultSucceed PhaseResultKind = "Succeed"
	PhaseResultSuspend PhaseResultKind = "Suspend"
	PhaseResultFail    PhaseResultKind = "Fail"
)

// PhaseInput is what a PhaseStep receives on every invocation, including
// re-invocations after a suspension resolves or a crash-safe restart.
type PhaseInput struct {
	JobID           string
	UserID          string
	TaskDescription string
	AutoApprove     bool
	Attempt         int

	// Understand is the structured plan produced by the Understand phase;
	// populated for Generate and Validate.
	Understand map[string]interface{}
	// Generate is the draft produced by the Generate phase; populated for
	// Validate.
	Generate map[string]interface{}

	// Feedback carries the payload of whatever HITL response most recently
	// resumed this phase (a Refine/Revise/Proceed answer), nil on a phase's
	// very first invocation.
	Feedback map[string]interface{}
}

// PhaseResult is the value a PhaseStep returns for the engine to branch on.
// The engine never introspects a phase's internals beyond this value.
type PhaseResult struct {
	Kind PhaseResultKind

	// Output is set on Succeed. On Suspend it carries the tentative output
	// the phase would finalize if the human simply proceeds: show work in
	// progress, let the human accept it as-is or ask for changes.
	Output map[string]interface{}

	SuspendType   domain.HITLType
	SuspendPrompt map[string]interface{}

	FailKind    apperrors.Kind
	FailMessage string
}

// ProgressSink lets a PhaseStep report progress and reasoning traces without
// knowing about the event bus.
type ProgressSink interface {
	Progress(percent int, message string)
	Reasoning(message string)
}

// PhaseStep is the abstract interface every phase implementation
// satisfies; LLM-backed deployments implement it against their model
// client, and the engine never sees past this boundary.
type PhaseStep interface {
	Run(ctx context.Context, in PhaseInput, sink ProgressSink) (PhaseResult, error)
}

// Steps bundles the three phase implementations the engine dispatches by
// name; each may be LLM-backed or rule-based behind PhaseStep.
type Steps struct {
	Understand PhaseStep
	Generate   PhaseStep
	Validate   PhaseStep
}
