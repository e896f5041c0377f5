package taxonomy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/persist"
)

func newTestStore(t *testing.T) (*Store, *persist.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := persist.Open(filepath.Join(dir, "skillforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := New(filepath.Join(dir, "skills"), persist.NewSkillRepo(db),
		persist.NewTaxonomyClosureRepo(db), persist.NewSkillDependencyClosureRepo(db), db)
	require.NoError(t, err)
	return store, db
}

func insertJob(t *testing.T, db *persist.DB, job *domain.Job) {
	t.Helper()
	repo := persist.NewJobRepo(db)
	require.NoError(t, repo.Insert(job))
}

func completedJob(jobID, draftLocation string) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		JobID: jobID, UserID: "u1", TaskDescription: "document the retry policy of the resolver",
		Status: domain.JobStatusCompleted, CurrentPhase: domain.PhasePromote,
		DraftLocation: draftLocation, CreatedAt: now, UpdatedAt: now,
	}
}

func writeTestDraft(t *testing.T, store *Store, jobID, name, path string, deps []string) string {
	t.Helper()
	depList := make([]interface{}, 0, len(deps))
	for _, d := range deps {
		depList = append(depList, d)
	}
	plan := map[string]interface{}{
		"taxonomy_path": path,
		"dependencies":  depList,
		"metadata":      map[string]interface{}{"name": name, "description": "a test skill"},
	}
	draft := map[string]interface{}{
		"skill_name": name,
		"draft_content": "---\nname: " + name + "\ndescription: a test skill\n---\n\n# " + name +
			"\n\n## When to Use\n\nUse when testing promotion.\n",
	}
	rel, err := store.WriteDraft(jobID, plan, draft)
	require.NoError(t, err)
	return rel
}

func TestSanitizerRejectsUnsafePaths(t *testing.T) {
	san, err := NewSanitizer(t.TempDir())
	require.NoError(t, err)

	for _, raw := range []string{
		"", "/absolute/path", "../escape", "a/../../b", "a//b", "a/./b",
		"a\x00b", "a\\b",
	} {
		_, err := san.Sanitize(raw)
		require.Error(t, err, "expected rejection for %q", raw)
		assert.Equal(t, apperrors.KindPathUnsafe, apperrors.KindOf(err), "path %q", raw)
	}

	sp, err := san.Sanitize("data/csv")
	require.NoError(t, err)
	assert.Equal(t, "data/csv", sp.Rel())
	assert.True(t, filepath.IsAbs(sp.Abs()))
}

func TestSanitizerRejectsSymlinkedInput(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	san, err := NewSanitizer(root)
	require.NoError(t, err)

	_, err = san.Sanitize("link/skill")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPathUnsafe, apperrors.KindOf(err))
}

func TestParseSkillDoc(t *testing.T) {
	fm, body, err := ParseSkillDoc("---\nname: csv-parser\ndescription: parses csv\ndependencies:\n  - data/formats\n---\n\n# Body\n")
	require.NoError(t, err)
	assert.Equal(t, "csv-parser", fm.Name)
	assert.Equal(t, []string{"data/formats"}, fm.Dependencies)
	assert.Equal(t, "# Body\n", body)

	_, _, err = ParseSkillDoc("no frontmatter here")
	require.Error(t, err)
}

func TestWriteDraftThenPromote(t *testing.T) {
	store, db := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "csv-parser", "data/csv-parser", nil)
	assert.Equal(t, "_drafts/job-1/csv-parser", rel)

	// Sentinel written last makes the draft complete.
	_, err := os.Stat(filepath.Join(store.Root(), filepath.FromSlash(rel), sentinelFile))
	require.NoError(t, err)

	job := completedJob("job-1", rel)
	insertJob(t, db, job)

	path, skillID, version, err := store.Promote(context.Background(), job, false, false)
	require.NoError(t, err)
	assert.Equal(t, "data/csv-parser", path)
	assert.NotEmpty(t, skillID)
	assert.Equal(t, "1.0.0", version)

	// Published on disk, bookkeeping files stripped.
	published := filepath.Join(store.Root(), "data", "csv-parser")
	_, err = os.Stat(filepath.Join(published, skillFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(published, sentinelFile))
	assert.True(t, os.IsNotExist(err))

	resolved, err := store.Resolve("data/csv-parser")
	require.NoError(t, err)
	assert.Equal(t, skillID, resolved.SkillID)

	var promoted int
	require.NoError(t, db.Conn().QueryRow("SELECT promoted FROM jobs WHERE job_id='job-1'").Scan(&promoted))
	assert.Equal(t, 1, promoted)
}

func TestPromoteRejectsIncompleteDraft(t *testing.T) {
	store, _ := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "csv-parser", "data/csv-parser", nil)
	require.NoError(t, os.Remove(filepath.Join(store.Root(), filepath.FromSlash(rel), sentinelFile)))

	_, _, _, err := store.Promote(context.Background(), completedJob("job-1", rel), false, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))
}

func TestPromoteConflictsUnlessOverwrite(t *testing.T) {
	store, db := newTestStore(t)

	relA := writeTestDraft(t, store, "job-a", "conflicting", "a/b", nil)
	jobA := completedJob("job-a", relA)
	insertJob(t, db, jobA)
	_, firstID, _, err := store.Promote(context.Background(), jobA, false, false)
	require.NoError(t, err)

	relB := writeTestDraft(t, store, "job-b", "conflicting", "a/b", nil)
	jobB := completedJob("job-b", relB)
	insertJob(t, db, jobB)

	_, _, _, err = store.Promote(context.Background(), jobB, false, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))

	path, secondID, version, err := store.Promote(context.Background(), jobB, true, false)
	require.NoError(t, err)
	assert.Equal(t, "a/b", path)
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, "1.1.0", version)

	second, err := store.Resolve("a/b")
	require.NoError(t, err)
	assert.Equal(t, firstID, second.ParentVersionID)
}

func TestPromoteIsIdempotentForPromotedJob(t *testing.T) {
	store, db := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "csv-parser", "data/csv-parser", nil)
	job := completedJob("job-1", rel)
	insertJob(t, db, job)

	path, skillID, version, err := store.Promote(context.Background(), job, false, false)
	require.NoError(t, err)

	job.Promoted = true
	job.Result = &domain.JobResult{CanonicalPath: path, SkillID: skillID, Version: version}

	again, againID, againVersion, err := store.Promote(context.Background(), job, false, false)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, skillID, againID)
	assert.Equal(t, version, againVersion)
}

func TestPromoteRejectsSelfDependency(t *testing.T) {
	store, db := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "selfish", "a/selfish", []string{"a/selfish"})
	job := completedJob("job-1", rel)
	insertJob(t, db, job)

	_, _, _, err := store.Promote(context.Background(), job, false, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))
}

func TestPromoteRejectsUnknownDependency(t *testing.T) {
	store, db := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "needy", "a/needy", []string{"missing/skill"})
	job := completedJob("job-1", rel)
	insertJob(t, db, job)

	_, _, _, err := store.Promote(context.Background(), job, false, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))
}

func TestPromoteRejectsDependencyCycle(t *testing.T) {
	store, db := newTestStore(t)

	// x published with no deps, then y depending on x.
	relX := writeTestDraft(t, store, "job-x", "x-skill", "graph/x", nil)
	jobX := completedJob("job-x", relX)
	insertJob(t, db, jobX)
	_, _, _, err := store.Promote(context.Background(), jobX, false, false)
	require.NoError(t, err)

	relY := writeTestDraft(t, store, "job-y", "y-skill", "graph/y", []string{"graph/x"})
	jobY := completedJob("job-y", relY)
	insertJob(t, db, jobY)
	_, _, _, err = store.Promote(context.Background(), jobY, false, false)
	require.NoError(t, err)

	// Re-publishing x with a dependency on y would close the cycle.
	relX2 := writeTestDraft(t, store, "job-x2", "x-skill", "graph/x", []string{"graph/y"})
	jobX2 := completedJob("job-x2", relX2)
	insertJob(t, db, jobX2)

	_, _, _, err = store.Promote(context.Background(), jobX2, true, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDependencyCycle, apperrors.KindOf(err))

	// Nothing was published for the rejected attempt.
	active, err := store.Resolve("graph/x")
	require.NoError(t, err)
	assert.Empty(t, active.Metadata.Dependencies)
}

func TestPromoteRequiresCompletedJobUnlessForced(t *testing.T) {
	store, db := newTestStore(t)
	rel := writeTestDraft(t, store, "job-1", "early", "a/early", nil)
	job := completedJob("job-1", rel)
	job.Status = domain.JobStatusRunning
	insertJob(t, db, job)

	_, _, _, err := store.Promote(context.Background(), job, false, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflictingState, apperrors.KindOf(err))

	_, _, _, err = store.Promote(context.Background(), job, false, true)
	require.NoError(t, err)
}

func TestResolveOrderAliasAndLegacy(t *testing.T) {
	store, db := newTestStore(t)
	skills := persist.NewSkillRepo(db)

	rel := writeTestDraft(t, store, "job-1", "csv-parser", "data/csv-parser", nil)
	job := completedJob("job-1", rel)
	insertJob(t, db, job)
	_, skillID, _, err := store.Promote(context.Background(), job, false, false)
	require.NoError(t, err)

	// By id, by canonical path, by alias.
	byID, err := store.Resolve(skillID)
	require.NoError(t, err)
	assert.Equal(t, "data/csv-parser", byID.CanonicalPath)

	require.NoError(t, skills.SetAlias("legacy/old.name", skillID))
	byAlias, err := store.Resolve("legacy/old.name")
	require.NoError(t, err)
	assert.Equal(t, skillID, byAlias.SkillID)

	// Legacy on-disk directory with no index row.
	legacyDir := filepath.Join(store.Root(), "legacy-dir")
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "SKILL.md"),
		[]byte("---\nname: legacy-skill\ndescription: from disk\n---\n\n# Legacy\n"), 0o644))
	byDir, err := store.Resolve("legacy-dir")
	require.NoError(t, err)
	assert.Equal(t, "legacy-skill", byDir.Metadata.Name)

	// Legacy single-file .json record.
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "oldstyle.json"),
		[]byte(`{"name":"old-style","description":"json record","content":"body"}`), 0o644))
	byJSON, err := store.Resolve("oldstyle")
	require.NoError(t, err)
	assert.Equal(t, "old-style", byJSON.Metadata.Name)

	_, err = store.Resolve("never/was")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestResolveNeverSeesDrafts(t *testing.T) {
	store, _ := newTestStore(t)
	writeTestDraft(t, store, "job-1", "hidden", "a/hidden", nil)

	_, err := store.Resolve("_drafts/job-1/hidden")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAlwaysLoadedScanAndRescan(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "skills")
	coreDir := filepath.Join(root, "_core", "bootstrap")
	require.NoError(t, os.MkdirAll(coreDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(coreDir, "SKILL.md"),
		[]byte("---\nname: bootstrap\ndescription: core skill\n---\n\n# Bootstrap\n"), 0o644))

	db, err := persist.Open(filepath.Join(dir, "skillforge.db"))
	require.NoError(t, err)
	defer db.Close()

	store, err := New(root, persist.NewSkillRepo(db),
		persist.NewTaxonomyClosureRepo(db), persist.NewSkillDependencyClosureRepo(db), db)
	require.NoError(t, err)

	skill, err := store.Resolve("_core/bootstrap")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap", skill.Metadata.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(coreDir, "SKILL.md"),
		[]byte("---\nname: bootstrap-v2\ndescription: edited on disk\n---\n\n# Bootstrap\n"), 0o644))

	require.Eventually(t, func() bool {
		skill, err := store.Resolve("_core/bootstrap")
		return err == nil && skill.Metadata.Name == "bootstrap-v2"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTreeCountsSkillsPerSubtree(t *testing.T) {
	store, db := newTestStore(t)

	for i, target := range []string{"data/csv", "data/json", "ops/deploy"} {
		jobID := "job-" + string(rune('a'+i))
		name := "skill-" + string(rune('a'+i))
		rel := writeTestDraft(t, store, jobID, name, target, nil)
		job := completedJob(jobID, rel)
		insertJob(t, db, job)
		_, _, _, err := store.Promote(context.Background(), job, false, false)
		require.NoError(t, err)
	}

	tree, err := store.Tree()
	require.NoError(t, err)
	assert.Equal(t, 3, tree.SkillCount)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "data", tree.Children[0].Path)
	assert.Equal(t, 2, tree.Children[0].SkillCount)
	assert.Equal(t, "ops", tree.Children[1].Path)
	assert.Equal(t, 1, tree.Children[1].SkillCount)
}
