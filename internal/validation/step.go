package validation

import (
	"context"
	"path/filepath"
	"strings"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/workflow"
)

// Step adapts the rule-based validator into the pipeline's Validate
// phase. It checks the on-disk draft written at the end of Generate and
// decides between finalizing, suspending for a human verdict, and failing
// outright:
//   - report passes, auto-approve  -> Succeed, promotion follows.
//   - report passes, manual        -> Suspend(Validate), human must Proceed.
//   - report fails,  auto-approve  -> Fail(ValidationFailed), nobody to ask.
//   - report fails,  manual        -> Suspend(Validate), human may Refine or Proceed anyway.
type Step struct {
	validator   *Validator
	storageRoot string
}

// NewStep builds the Validate phase over a validator and the storage root
// the drafts live under.
func NewStep(v *Validator, storageRoot string) *Step {
	return &Step{validator: v, storageRoot: storageRoot}
}

func (s *Step) Run(ctx context.Context, in workflow.PhaseInput, sink workflow.ProgressSink) (workflow.PhaseResult, error) {
	sink.Progress(30, "running draft validation")

	name, _ := in.Generate["skill_name"].(string)
	if name == "" {
		return workflow.PhaseResult{
			Kind: workflow.PhaseResultFail, FailKind: apperrors.KindValidationFailed,
			FailMessage: "generate phase produced no skill name",
		}, nil
	}

	draftDir := filepath.Join(s.storageRoot, "_drafts", in.JobID, name)
	report, err := s.validator.ValidateDraft(draftDir, in.TaskDescription)
	if err != nil {
		return workflow.PhaseResult{}, err
	}

	reportMap := map[string]interface{}{
		"passed":   report.Passed,
		"score":    report.Score,
		"errors":   findingMessages(report.Errors),
		"warnings": findingMessages(report.Warnings),
	}
	output := map[string]interface{}{"validation_report": reportMap, "score": report.Score}
	sink.Progress(90, "validation report ready")

	if report.Passed {
		if in.AutoApprove {
			return workflow.PhaseResult{Kind: workflow.PhaseResultSucceed, Output: output}, nil
		}
		return workflow.PhaseResult{
			Kind: workflow.PhaseResultSuspend, SuspendType: domain.HITLTypeValidate,
			SuspendPrompt: reportMap, Output: output,
		}, nil
	}

	sink.Reasoning("validation failed: " + strings.Join(findingMessages(report.Errors), "; "))
	if in.AutoApprove {
		return workflow.PhaseResult{
			Kind: workflow.PhaseResultFail, FailKind: apperrors.KindValidationFailed,
			FailMessage: strings.Join(findingMessages(report.Errors), "; "),
		}, nil
	}
	return workflow.PhaseResult{
		Kind: workflow.PhaseResultSuspend, SuspendType: domain.HITLTypeValidate,
		SuspendPrompt: reportMap, Output: output,
	}, nil
}

func findingMessages(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Code+": "+f.Message)
	}
	return out
}
