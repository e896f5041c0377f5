package refsteps

import (
	"context"
	"fmt"

	"skillforge/internal/domain"
	"skillforge/internal/workflow"
)

// Generate renders plan into a SKILL.md body and suspends Preview when the
// task description asks for an explicit look before validation.
type Generate struct{}

func (Generate) Run(ctx context.Context, in workflow.PhaseInput, sink workflow.ProgressSink) (workflow.PhaseResult, error) {
	sink.Progress(20, "rendering draft content")

	metadata, _ := in.Understand["metadata"].(map[string]interface{})
	name, _ := metadata["name"].(string)
	description, _ := metadata["description"].(string)
	taxonomyPath, _ := in.Understand["taxonomy_path"].(string)

	if in.Feedback != nil {
		if note, ok := in.Feedback["note"].(string); ok && note != "" {
			description = description + " " + note
		}
	}

	content := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n\n# %s\n\n## When to Use\n\nUse this skill when working on: %s\n\n## Overview\n\n%s\n",
		name, description, name, description, in.TaskDescription)
	highlights := []string{
		"documents " + taxonomyPath,
		"derived from the submitted task description",
	}

	output := map[string]interface{}{
		"skill_name":    name,
		"draft_content": content,
		"highlights":    highlights,
	}
	sink.Progress(80, "draft rendered")

	if in.Feedback == nil && contains(in.TaskDescription, "preview") {
		sink.Reasoning("draft ready for human preview before validation")
		return workflow.PhaseResult{
			Kind:          workflow.PhaseResultSuspend,
			SuspendType:   domain.HITLTypePreview,
			SuspendPrompt: map[string]interface{}{"highlights": highlights},
			Output:        output,
		}, nil
	}

	return workflow.PhaseResult{Kind: workflow.PhaseResultSucceed, Output: output}, nil
}
