package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/eventbus"
)

// fakeRepo is an in-memory Repository used so these tests never touch SQLite.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	failUpdates bool
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: make(map[string]*domain.Job)} }

func (f *fakeRepo) Insert(job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job.Clone()
	return nil
}

func (f *fakeRepo) Update(job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates {
		return assert.AnError
	}
	if _, ok := f.jobs[job.JobID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "not found")
	}
	f.jobs[job.JobID] = job.Clone()
	return nil
}

func (f *fakeRepo) Get(jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "not found")
	}
	return job.Clone(), nil
}

func (f *fakeRepo) ListResumable() ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, job := range f.jobs {
		if job.Resumable() {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByUser(userID string, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, job := range f.jobs {
		if job.UserID == userID {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func newTestManager(repo Repository) *Manager {
	return New(repo, eventbus.New(0), Options{TTL: time.Hour, SweepInterval: time.Hour})
}

func TestCreateAndGet(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	id, err := m.Create("document the retry policy for widgets", "user-1", domain.CreateJobOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "user-1", job.UserID)
}

func TestCreateRejectsShortDescription(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	_, err := m.Create("short", "user-1", domain.CreateJobOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidInput, apperrors.KindOf(err))
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	id, err := m.Create("document the retry policy for widgets", "user-1", domain.CreateJobOptions{})
	require.NoError(t, err)

	updated, err := m.Update(id, func(j *domain.Job) error {
		j.Status = domain.JobStatusRunning
		j.CurrentPhase = domain.PhaseUnderstand
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, updated.Status)

	persisted, err := repo.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, persisted.Status)
}

func TestUpdateOnMissingJobReturnsNotFound(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	_, err := m.Update("missing", func(j *domain.Job) error { return nil })
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestUpdateSurfacesStorageErrorButKeepsMemory(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	id, err := m.Create("document the retry policy for widgets", "user-1", domain.CreateJobOptions{})
	require.NoError(t, err)

	repo.failUpdates = true
	_, err = m.Update(id, func(j *domain.Job) error {
		j.Status = domain.JobStatusRunning
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindStorageUnavailable, apperrors.KindOf(err))

	// Memory tier already reflects the new status even though the DB write
	// failed: memory keeps the new state, the call surfaces the error.
	job, getErr := m.Get(id)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}

func TestResumableReturnsNonTerminalJobs(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	id1, _ := m.Create("document the retry policy for widgets", "u1", domain.CreateJobOptions{})
	id2, _ := m.Create("document another retry policy for gadgets", "u1", domain.CreateJobOptions{})
	_, err := m.Update(id2, func(j *domain.Job) error {
		j.Status = domain.JobStatusCompleted
		return nil
	})
	require.NoError(t, err)

	jobs, err := m.Resumable()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id1, jobs[0].JobID)
}

func TestListByUser(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	_, _ = m.Create("document the retry policy for widgets", "u1", domain.CreateJobOptions{})
	_, _ = m.Create("document a different thing entirely", "u2", domain.CreateJobOptions{})

	jobs, err := m.ListByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestDeleteEvictsFromMemoryOnly(t *testing.T) {
	repo := newFakeRepo()
	m := newTestManager(repo)
	defer m.Close()

	id, _ := m.Create("document the retry policy for widgets", "u1", domain.CreateJobOptions{})
	m.Delete(id)

	// Still present via DB fallback.
	job, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, job.JobID)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	repo := newFakeRepo()
	clockTime := time.Now()
	clock := func() time.Time { return clockTime }
	m := New(repo, eventbus.New(0), Options{TTL: time.Millisecond, SweepInterval: time.Hour, Clock: clock})
	defer m.Close()

	id, _ := m.Create("document the retry policy for widgets", "u1", domain.CreateJobOptions{})

	clockTime = clockTime.Add(time.Second)
	m.sweep()

	m.mu.RLock()
	_, cached := m.cache[id]
	m.mu.RUnlock()
	assert.False(t, cached, "expected expired entry to be swept from memory")
}
