package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// JobRepo persists domain.Job records. A single mutex serializes writes;
// SQLite itself only allows one writer at a time regardless, but taking
// the lock in Go avoids busy-retry churn under contention.
type JobRepo struct {
	db *DB
	mu sync.Mutex
}

// NewJobRepo wraps an open DB for job persistence.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Insert writes a newly created job. job_id must not already exist.
func (r *JobRepo) Insert(job *domain.Job) error {
	timer := logging.StartTimer(logging.CategoryPersist, "JobRepo.Insert")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	hitlJSON, err := marshalOrNil(job.HITL)
	if err != nil {
		return fmt.Errorf("marshal hitl state: %w", err)
	}
	resultJSON, err := marshalOrNil(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	errorJSON, err := marshalOrNil(job.Error)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}

	_, err = r.db.Conn().Exec(
		`INSERT INTO jobs (job_id, user_id, task_description, status, current_phase,
			progress_percent, hitl_json, result_json, error_json, draft_location,
			promoted, auto_approve, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.UserID, job.TaskDescription, string(job.Status), string(job.CurrentPhase),
		job.ProgressPercent, hitlJSON, resultJSON, errorJSON, job.DraftLocation,
		boolToInt(job.Promoted), boolToInt(job.AutoApprove), job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return nil
}

// Update rewrites every mutable column of an existing job row.
func (r *JobRepo) Update(job *domain.Job) error {
	timer := logging.StartTimer(logging.CategoryPersist, "JobRepo.Update")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	hitlJSON, err := marshalOrNil(job.HITL)
	if err != nil {
		return fmt.Errorf("marshal hitl state: %w", err)
	}
	resultJSON, err := marshalOrNil(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	errorJSON, err := marshalOrNil(job.Error)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}

	res, err := r.db.Conn().Exec(
		`UPDATE jobs SET status=?, current_phase=?, progress_percent=?, hitl_json=?,
			result_json=?, error_json=?, draft_location=?, promoted=?, updated_at=?, completed_at=?
		 WHERE job_id=?`,
		string(job.Status), string(job.CurrentPhase), job.ProgressPercent, hitlJSON,
		resultJSON, errorJSON, job.DraftLocation, boolToInt(job.Promoted), job.UpdatedAt, job.CompletedAt,
		job.JobID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.JobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.KindNotFound, "job "+job.JobID+" not found")
	}
	return nil
}

// Get loads a single job by id.
func (r *JobRepo) Get(jobID string) (*domain.Job, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "JobRepo.Get")
	defer timer.Stop()

	row := r.db.Conn().QueryRow(
		`SELECT job_id, user_id, task_description, status, current_phase, progress_percent,
			hitl_json, result_json, error_json, draft_location, promoted, auto_approve,
			created_at, updated_at, completed_at
		 FROM jobs WHERE job_id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "job "+jobID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListResumable returns every job whose status is non-terminal, for startup
// recovery.
func (r *JobRepo) ListResumable() ([]*domain.Job, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "JobRepo.ListResumable")
	defer timer.Stop()

	rows, err := r.db.Conn().Query(
		`SELECT job_id, user_id, task_description, status, current_phase, progress_percent,
			hitl_json, result_json, error_json, draft_location, promoted, auto_approve,
			created_at, updated_at, completed_at
		 FROM jobs WHERE status IN (?, ?, ?)`,
		string(domain.JobStatusPending), string(domain.JobStatusRunning), string(domain.JobStatusPendingHITL),
	)
	if err != nil {
		return nil, fmt.Errorf("list resumable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resumable job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListByUser returns every job owned by userID, most recent first.
func (r *JobRepo) ListByUser(userID string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn().Query(
		`SELECT job_id, user_id, task_description, status, current_phase, progress_percent,
			hitl_json, result_json, error_json, draft_location, promoted, auto_approve,
			created_at, updated_at, completed_at
		 FROM jobs WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var status, phase string
	var hitlJSON, resultJSON, errorJSON sql.NullString
	var completedAt sql.NullTime
	var promoted, autoApprove int

	err := row.Scan(
		&job.JobID, &job.UserID, &job.TaskDescription, &status, &phase, &job.ProgressPercent,
		&hitlJSON, &resultJSON, &errorJSON, &job.DraftLocation, &promoted, &autoApprove,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.CurrentPhase = domain.Phase(phase)
	job.Promoted = promoted != 0
	job.AutoApprove = autoApprove != 0
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	if hitlJSON.Valid && hitlJSON.String != "" {
		var hitl domain.HITLState
		if err := json.Unmarshal([]byte(hitlJSON.String), &hitl); err != nil {
			return nil, fmt.Errorf("unmarshal hitl state: %w", err)
		}
		job.HITL = &hitl
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result domain.JobResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	if errorJSON.Valid && errorJSON.String != "" {
		var jobErr domain.JobError
		if err := json.Unmarshal([]byte(errorJSON.String), &jobErr); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
		job.Error = &jobErr
	}

	return &job, nil
}

func marshalOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *domain.HITLState:
		if t == nil {
			return nil, nil
		}
	case *domain.JobResult:
		if t == nil {
			return nil, nil
		}
	case *domain.JobError:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
