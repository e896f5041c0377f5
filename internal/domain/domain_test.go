package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusPending:     false,
		JobStatusRunning:     false,
		JobStatusPendingHITL: false,
		JobStatusCompleted:   true,
		JobStatusFailed:      true,
		JobStatusCancelled:   true,
	}
	for status, want := range cases {
		assert.Equal(t, want, status.Terminal(), "status=%s", status)
	}
}

func TestJobResumable(t *testing.T) {
	for _, status := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPendingHITL} {
		j := &Job{Status: status}
		assert.True(t, j.Resumable(), "status=%s", status)
	}
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		j := &Job{Status: status}
		assert.False(t, j.Resumable(), "status=%s", status)
	}
}

func TestJobCloneIsIndependent(t *testing.T) {
	completedAt := time.Now()
	original := &Job{
		JobID:  "job-1",
		Status: JobStatusPendingHITL,
		HITL: &HITLState{
			Type:    HITLTypeClarify,
			Payload: map[string]interface{}{"question": "which language?"},
		},
		Result:      &JobResult{SkillID: "skill-1"},
		Error:       &JobError{Kind: "InvalidInput"},
		CompletedAt: &completedAt,
	}

	clone := original.Clone()
	require.NotNil(t, clone)

	clone.HITL.Payload["question"] = "mutated"
	clone.Result.SkillID = "mutated"
	clone.Error.Kind = "mutated"
	*clone.CompletedAt = completedAt.Add(time.Hour)

	assert.Equal(t, "which language?", original.HITL.Payload["question"])
	assert.Equal(t, "skill-1", original.Result.SkillID)
	assert.Equal(t, "InvalidInput", original.Error.Kind)
	assert.Equal(t, completedAt, *original.CompletedAt)
}

func TestJobCloneNil(t *testing.T) {
	var j *Job
	assert.Nil(t, j.Clone())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobStatusPending, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusPendingHITL))
	assert.True(t, CanTransition(JobStatusPendingHITL, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusCompleted))

	assert.False(t, CanTransition(JobStatusPending, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusCompleted, JobStatusRunning))
	assert.False(t, CanTransition(JobStatusFailed, JobStatusRunning))
}

func TestValidateTaskDescription(t *testing.T) {
	assert.NoError(t, ValidateTaskDescription("write a skill for parsing CSV files"))
	assert.Error(t, ValidateTaskDescription("short"))
	assert.Error(t, ValidateTaskDescription(string(make([]byte, 5001))))
}

func TestValidateSkillName(t *testing.T) {
	assert.NoError(t, ValidateSkillName("csv-parser"))
	assert.Error(t, ValidateSkillName("CSV_Parser"))
	assert.Error(t, ValidateSkillName(""))
}

func TestValidateCanonicalPath(t *testing.T) {
	assert.NoError(t, ValidateCanonicalPath("data/parsing/csv"))
	assert.Error(t, ValidateCanonicalPath("Data/Parsing"))
	assert.Error(t, ValidateCanonicalPath("a/b/c/d/e/f/g/h/i"))
}

func TestValidateAliasPath(t *testing.T) {
	assert.NoError(t, ValidateAliasPath("legacy.path/csv"))
	assert.Error(t, ValidateAliasPath(""))
}
