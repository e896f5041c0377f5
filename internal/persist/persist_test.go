package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skillforge.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillforge.db")
	db1, err := Open(path)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	var count int
	require.NoError(t, db2.Conn().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='jobs'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestJobRepoInsertGetUpdate(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)

	now := time.Now().UTC().Truncate(time.Second)
	job := &domain.Job{
		JobID:           "job-1",
		UserID:          "user-1",
		TaskDescription: "write a skill for parsing logs",
		Status:          domain.JobStatusPending,
		CurrentPhase:    domain.PhaseNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, repo.Insert(job))

	got, err := repo.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.TaskDescription, got.TaskDescription)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Nil(t, got.HITL)

	got.Status = domain.JobStatusRunning
	got.CurrentPhase = domain.PhaseUnderstand
	got.HITL = &domain.HITLState{Type: domain.HITLTypeClarify, Payload: map[string]interface{}{"q": "which language?"}}
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.Update(got))

	reloaded, err := repo.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, reloaded.Status)
	require.NotNil(t, reloaded.HITL)
	assert.Equal(t, "which language?", reloaded.HITL.Payload["q"])
}

func TestJobRepoGetMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)

	_, err := repo.Get("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestJobRepoListResumable(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	now := time.Now().UTC()

	statuses := []domain.JobStatus{
		domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusPendingHITL,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled,
	}
	for i, status := range statuses {
		job := &domain.Job{
			JobID: "job-" + string(rune('a'+i)), UserID: "u", TaskDescription: "task enough chars",
			Status: status, CurrentPhase: domain.PhaseNone, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, repo.Insert(job))
	}

	resumable, err := repo.ListResumable()
	require.NoError(t, err)
	assert.Len(t, resumable, 3)
}

func TestHITLRepoInsertRespondSeal(t *testing.T) {
	db := openTestDB(t)
	repo := NewHITLRepo(db)
	now := time.Now().UTC()

	interaction := &domain.HITLInteraction{
		JobID: "job-1", Round: 1, Type: domain.HITLTypeClarify,
		Prompt: map[string]interface{}{"question": "which language?"},
		CreatedAt: now, TimeoutAt: now.Add(time.Hour), Status: domain.HITLInteractionPending,
	}
	require.NoError(t, repo.Insert(interaction))

	got, err := repo.Get("job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.HITLInteractionPending, got.Status)

	response := &domain.HITLResponse{Action: domain.HITLActionProceed}
	require.NoError(t, repo.Respond("job-1", 1, response, now.Add(time.Minute)))

	got, err = repo.Get("job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.HITLInteractionAnswered, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, domain.HITLActionProceed, got.Response.Action)

	// Responding again must fail: the interaction is already sealed.
	err = repo.Respond("job-1", 1, response, now.Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))
}

func TestHITLRepoListPending(t *testing.T) {
	db := openTestDB(t)
	repo := NewHITLRepo(db)
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(&domain.HITLInteraction{
		JobID: "job-a", Round: 1, Type: domain.HITLTypeConfirm, Prompt: map[string]interface{}{},
		CreatedAt: now, TimeoutAt: now.Add(time.Hour), Status: domain.HITLInteractionPending,
	}))
	require.NoError(t, repo.Insert(&domain.HITLInteraction{
		JobID: "job-b", Round: 1, Type: domain.HITLTypeConfirm, Prompt: map[string]interface{}{},
		CreatedAt: now, TimeoutAt: now.Add(time.Hour), Status: domain.HITLInteractionPending,
	}))
	require.NoError(t, repo.Seal("job-b", 1, domain.HITLInteractionCancelled))

	pending, err := repo.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-a", pending[0].JobID)
}

func TestPhaseRunRepoLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewPhaseRunRepo(db)
	now := time.Now().UTC()

	attempt, err := repo.NextAttempt("job-1", domain.PhaseGenerate)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	run := &domain.PhaseRun{JobID: "job-1", Phase: domain.PhaseGenerate, Attempt: attempt,
		StartedAt: now, Outcome: domain.PhaseOutcomeSucceeded, InputDigest: "digest-a"}
	require.NoError(t, repo.Start(run))
	require.NoError(t, repo.Seal("job-1", domain.PhaseGenerate, attempt, domain.PhaseOutcomeSucceeded, now.Add(time.Second), "digest-out"))

	latest, err := repo.LatestSucceeded("job-1", domain.PhaseGenerate)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "digest-out", latest.OutputDigest)

	next, err := repo.NextAttempt("job-1", domain.PhaseGenerate)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestSkillRepoPublishDeprecatesPrevious(t *testing.T) {
	db := openTestDB(t)
	repo := NewSkillRepo(db)
	now := time.Now().UTC()

	v1 := &domain.Skill{SkillID: "skill-v1", CanonicalPath: "data/csv", Version: "1",
		Metadata: domain.SkillMetadata{Name: "csv-parser", Description: "parses csv"},
		Content: "# csv", Status: domain.SkillStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Publish(v1))

	v2 := &domain.Skill{SkillID: "skill-v2", CanonicalPath: "data/csv", Version: "2",
		Metadata: domain.SkillMetadata{Name: "csv-parser", Description: "parses csv, v2"},
		Content: "# csv v2", Status: domain.SkillStatusActive, ParentVersionID: "skill-v1",
		CreatedAt: now, UpdatedAt: now.Add(time.Minute)}
	require.NoError(t, repo.Publish(v2))

	active, err := repo.GetActiveByPath("data/csv")
	require.NoError(t, err)
	assert.Equal(t, "skill-v2", active.SkillID)

	old, err := repo.GetByID("skill-v1")
	require.NoError(t, err)
	assert.Equal(t, domain.SkillStatusDeprecated, old.Status)
}

func TestSkillRepoAlias(t *testing.T) {
	db := openTestDB(t)
	repo := NewSkillRepo(db)
	require.NoError(t, repo.SetAlias("legacy/path", "skill-v1"))

	resolved, err := repo.ResolveAlias("legacy/path")
	require.NoError(t, err)
	assert.Equal(t, "skill-v1", resolved)

	require.NoError(t, repo.SetAlias("legacy/path", "skill-v2"))
	resolved, err = repo.ResolveAlias("legacy/path")
	require.NoError(t, err)
	assert.Equal(t, "skill-v2", resolved)
}

func TestClosureRepoAncestryAndCycleDetection(t *testing.T) {
	db := openTestDB(t)
	repo := NewTaxonomyClosureRepo(db)

	for _, node := range []string{"data", "data/csv", "data/csv/parsing"} {
		require.NoError(t, repo.AddNode(node))
	}
	require.NoError(t, repo.AddEdge("data", "data/csv"))
	require.NoError(t, repo.AddEdge("data/csv", "data/csv/parsing"))

	descendants, err := repo.Descendants("data")
	require.NoError(t, err)
	assert.Len(t, descendants, 3)

	ancestors, err := repo.Ancestors("data/csv/parsing")
	require.NoError(t, err)
	assert.Len(t, ancestors, 3)

	hasPath, err := repo.HasPath("data", "data/csv/parsing")
	require.NoError(t, err)
	assert.True(t, hasPath)

	err = repo.AddEdge("data/csv/parsing", "data")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDependencyCycle, apperrors.KindOf(err))
}

func TestClosureRepoDirectChildren(t *testing.T) {
	db := openTestDB(t)
	repo := NewTaxonomyClosureRepo(db)

	require.NoError(t, repo.AddNode("data"))
	require.NoError(t, repo.AddNode("data/csv"))
	require.NoError(t, repo.AddNode("data/json"))
	require.NoError(t, repo.AddEdge("data", "data/csv"))
	require.NoError(t, repo.AddEdge("data", "data/json"))

	children, err := repo.DirectChildren("data")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"data/csv", "data/json"}, children)
}
