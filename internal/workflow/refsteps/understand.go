package refsteps

import (
	"context"

	"skillforge/internal/domain"
	"skillforge/internal/workflow"
)

// Understand derives a structured plan from a task description. It
// suspends Clarify when the description flags itself as ambiguous,
// StructureFix when it would produce an invalid skill name, and Confirm
// when it asks for an explicit sign-off before Generate — otherwise it
// succeeds straight away.
type Understand struct{}

func (Understand) Run(ctx context.Context, in workflow.PhaseInput, sink workflow.ProgressSink) (workflow.PhaseResult, error) {
	sink.Progress(10, "reading task description")

	if in.Feedback == nil {
		if contains(in.TaskDescription, "ambiguous") {
			sink.Reasoning("task description is underspecified, requesting clarification")
			return workflow.PhaseResult{
				Kind:        workflow.PhaseResultSuspend,
				SuspendType: domain.HITLTypeClarify,
				SuspendPrompt: map[string]interface{}{
					"questions": []string{
						"Which component does this skill document?",
						"Should the skill cover configuration as well as usage?",
					},
				},
			}, nil
		}
		if contains(in.TaskDescription, "badname") {
			sink.Reasoning("derived skill name would be invalid, requesting a structure fix")
			return workflow.PhaseResult{
				Kind:        workflow.PhaseResultSuspend,
				SuspendType: domain.HITLTypeStructureFix,
				SuspendPrompt: map[string]interface{}{
					"issue":       "derived skill name is not valid kebab-case",
					"suggestions": []string{"dependency-resolver-retries", "retry-policy-overview"},
				},
			}, nil
		}
	}

	name := deriveSkillName(in.TaskDescription, in.Feedback)
	category := deriveCategory(in.TaskDescription, in.Feedback)

	plan := map[string]interface{}{
		"taxonomy_path": category + "/" + name,
		"capabilities":  []string{"documentation"},
		"dependencies":  []string{},
		"metadata": map[string]interface{}{
			"name":        name,
			"description": firstWords(in.TaskDescription, 40),
		},
	}
	sink.Progress(60, "derived taxonomy path "+category+"/"+name)

	if in.Feedback == nil && contains(in.TaskDescription, "confirm") {
		sink.Reasoning("plan ready, requesting confirmation before generation")
		return workflow.PhaseResult{
			Kind:          workflow.PhaseResultSuspend,
			SuspendType:   domain.HITLTypeConfirm,
			SuspendPrompt: plan,
			Output:        plan,
		}, nil
	}

	return workflow.PhaseResult{Kind: workflow.PhaseResultSucceed, Output: plan}, nil
}

func deriveSkillName(taskDescription string, feedback map[string]interface{}) string {
	if feedback != nil {
		if suggestions, ok := feedback["suggestions"].([]interface{}); ok && len(suggestions) > 0 {
			if s, ok := suggestions[0].(string); ok {
				return slugify(s, 64)
			}
		}
		if name, ok := feedback["skill_name"].(string); ok && name != "" {
			return slugify(name, 64)
		}
	}
	return slugify(firstWords(taskDescription, 6), 64)
}

func deriveCategory(taskDescription string, feedback map[string]interface{}) string {
	switch {
	case contains(taskDescription, "test"):
		return "testing"
	case contains(taskDescription, "deploy"):
		return "operations"
	case contains(taskDescription, "security"):
		return "security"
	default:
		return "general"
	}
}
