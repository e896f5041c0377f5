// Package jobmanager implements skillforge's durable job store with a hot
// in-memory tier: a per-job mutex serializes mutation, writes go through
// memory then the database within that lock, and a background sweeper
// evicts entries whose TTL has lapsed.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/eventbus"
	"skillforge/internal/logging"
)

// Repository is the narrow persistence contract the Job Manager depends on.
// internal/persist.JobRepo satisfies it; tests may supply a fake.
type Repository interface {
	Insert(job *domain.Job) error
	Update(job *domain.Job) error
	Get(jobID string) (*domain.Job, error)
	ListResumable() ([]*domain.Job, error)
	ListByUser(userID string, limit int) ([]*domain.Job, error)
}

// Clock is the time source the manager stamps records with; overridable in
// tests so CreatedAt/UpdatedAt are deterministic.
type Clock func() time.Time

type cacheEntry struct {
	job       *domain.Job
	lastTouch time.Time
}

// Manager owns job records and their in-memory cache entries.
type Manager struct {
	repo Repository
	bus  *eventbus.Bus
	now  Clock

	ttl           time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configures a Manager. Zero values fall back to the defaults.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         Clock
}

// New constructs a Manager and starts its background sweeper. Callers must
// call Close to stop the sweeper goroutine.
func New(repo Repository, bus *eventbus.Bus, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 3600 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 300 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		repo:          repo,
		bus:           bus,
		now:           opts.Clock,
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		cache:         make(map[string]*cacheEntry),
		locks:         make(map[string]*sync.Mutex),
		stopCh:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	evicted := 0
	for id, entry := range m.cache {
		if entry.lastTouch.Before(cutoff) {
			delete(m.cache, id)
			evicted++
		}
	}
	m.mu.Unlock()
	if evicted > 0 {
		logging.Get(logging.CategoryJob).Debug("sweeper evicted %d expired job entries", evicted)
	}
}

func (m *Manager) lockFor(jobID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[jobID] = l
	}
	return l
}

// Create assigns a job id, validates the task description, writes to both
// tiers, and returns the new job's id.
func (m *Manager) Create(taskDescription, userID string, opts domain.CreateJobOptions) (string, error) {
	if err := domain.ValidateTaskDescription(taskDescription); err != nil {
		return "", err
	}
	if err := domain.ValidateUserID(userID); err != nil {
		return "", err
	}

	now := m.now()
	job := &domain.Job{
		JobID:           uuid.NewString(),
		UserID:          userID,
		TaskDescription: taskDescription,
		Status:          domain.JobStatusPending,
		CurrentPhase:    domain.PhaseNone,
		AutoApprove:     opts.AutoApprove,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	lock := m.lockFor(job.JobID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.cache[job.JobID] = &cacheEntry{job: job.Clone(), lastTouch: now}
	m.mu.Unlock()

	if err := m.repo.Insert(job); err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageUnavailable, "create job", err)
	}

	logging.Get(logging.CategoryJob).Info("created job %s for user %s", job.JobID, userID)
	return job.JobID, nil
}

// Get returns a job, memory-first with a database fallback that warms the
// cache on a hit.
func (m *Manager) Get(jobID string) (*domain.Job, error) {
	m.mu.RLock()
	entry, ok := m.cache[jobID]
	m.mu.RUnlock()
	if ok {
		m.touch(jobID)
		return entry.job.Clone(), nil
	}

	job, err := m.repo.Get(jobID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[jobID] = &cacheEntry{job: job.Clone(), lastTouch: m.now()}
	m.mu.Unlock()
	return job, nil
}

func (m *Manager) touch(jobID string) {
	m.mu.Lock()
	if entry, ok := m.cache[jobID]; ok {
		entry.lastTouch = m.now()
	}
	m.mu.Unlock()
}

// Update applies mutator to the current job record under its per-job lock,
// persists the result write-through (memory then database), and publishes
// a status-change event if the status actually changed.
// mutator must not retain a reference to job beyond the call.
func (m *Manager) Update(jobID string, mutator func(job *domain.Job) error) (*domain.Job, error) {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	prevStatus := current.Status
	if err := mutator(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = m.now()

	m.mu.Lock()
	m.cache[jobID] = &cacheEntry{job: current.Clone(), lastTouch: current.UpdatedAt}
	m.mu.Unlock()

	if err := m.repo.Update(current); err != nil {
		return current.Clone(), apperrors.Wrap(apperrors.KindStorageUnavailable, "update job", err)
	}

	if m.bus != nil && current.Status != prevStatus {
		m.bus.Emit(jobID, statusEventKind(current.Status), map[string]interface{}{
			"status": string(current.Status),
			"phase":  string(current.CurrentPhase),
		})
	}

	return current.Clone(), nil
}

func statusEventKind(status domain.JobStatus) domain.EventKind {
	switch status {
	case domain.JobStatusPendingHITL:
		return domain.EventHITLRequired
	case domain.JobStatusCompleted:
		return domain.EventCompleted
	case domain.JobStatusFailed:
		return domain.EventFailed
	case domain.JobStatusCancelled:
		return domain.EventCancelled
	default:
		return domain.EventProgress
	}
}

// Delete evicts a job from the memory tier only.
func (m *Manager) Delete(jobID string) {
	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()
}

// Resumable returns every job whose status is non-terminal, for startup
// recovery.
func (m *Manager) Resumable() ([]*domain.Job, error) {
	jobs, err := m.repo.ListResumable()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "list resumable jobs", err)
	}
	now := m.now()
	m.mu.Lock()
	for _, job := range jobs {
		m.cache[job.JobID] = &cacheEntry{job: job.Clone(), lastTouch: now}
	}
	m.mu.Unlock()
	return jobs, nil
}

// ListByUser returns a user's jobs, most recent first.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	jobs, err := m.repo.ListByUser(userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, fmt.Sprintf("list jobs for %s", userID), err)
	}
	return jobs, nil
}
