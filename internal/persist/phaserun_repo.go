package persist

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// PhaseRunRepo persists the append-only execution history of each phase
// attempt, used to detect whether a resumed phase already produced output
// for a given input digest.
type PhaseRunRepo struct {
	db *DB
	mu sync.Mutex
}

// NewPhaseRunRepo wraps an open DB for phase run persistence.
func NewPhaseRunRepo(db *DB) *PhaseRunRepo {
	return &PhaseRunRepo{db: db}
}

// Start records the beginning of a phase attempt. Re-starting an attempt
// that already has a row (a restarted process resuming an unsealed run)
// keeps the original row untouched.
func (r *PhaseRunRepo) Start(run *domain.PhaseRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Conn().Exec(
		`INSERT OR IGNORE INTO phase_runs (job_id, phase, attempt, started_at, ended_at, outcome, input_digest, output_digest)
		 VALUES (?, ?, ?, ?, NULL, ?, ?, NULL)`,
		run.JobID, string(run.Phase), run.Attempt, run.StartedAt, string(run.Outcome), run.InputDigest,
	)
	if err != nil {
		return fmt.Errorf("start phase run %s/%s/%d: %w", run.JobID, run.Phase, run.Attempt, err)
	}
	return nil
}

// Seal records the outcome of a finished phase attempt.
func (r *PhaseRunRepo) Seal(jobID string, phase domain.Phase, attempt int, outcome domain.PhaseOutcome, endedAt time.Time, outputDigest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Conn().Exec(
		`UPDATE phase_runs SET ended_at=?, outcome=?, output_digest=? WHERE job_id=? AND phase=? AND attempt=?`,
		endedAt, string(outcome), outputDigest, jobID, string(phase), attempt,
	)
	if err != nil {
		return fmt.Errorf("seal phase run %s/%s/%d: %w", jobID, phase, attempt, err)
	}
	return nil
}

// LatestSucceeded returns the most recent Succeeded run for (job, phase), or
// nil if the phase has never completed successfully. Callers use this to
// skip re-running work whose input digest has not changed.
func (r *PhaseRunRepo) LatestSucceeded(jobID string, phase domain.Phase) (*domain.PhaseRun, error) {
	row := r.db.Conn().QueryRow(
		`SELECT job_id, phase, attempt, started_at, ended_at, outcome, input_digest, output_digest
		 FROM phase_runs WHERE job_id=? AND phase=? AND outcome=? ORDER BY attempt DESC LIMIT 1`,
		jobID, string(phase), string(domain.PhaseOutcomeSucceeded),
	)
	run, err := scanPhaseRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest succeeded phase run %s/%s: %w", jobID, phase, err)
	}
	return run, nil
}

// NextAttempt returns the attempt number to use for the next run of phase.
// An attempt left unsealed by a crashed process is resumed rather than
// abandoned, so re-entry lands on the same (attempt, suspension) identity
// it held before the restart.
func (r *PhaseRunRepo) NextAttempt(jobID string, phase domain.Phase) (int, error) {
	var open sql.NullInt64
	err := r.db.Conn().QueryRow(
		`SELECT MAX(attempt) FROM phase_runs WHERE job_id=? AND phase=? AND ended_at IS NULL`,
		jobID, string(phase),
	).Scan(&open)
	if err != nil {
		return 0, fmt.Errorf("open attempt %s/%s: %w", jobID, phase, err)
	}
	if open.Valid {
		return int(open.Int64), nil
	}

	var max sql.NullInt64
	err = r.db.Conn().QueryRow(
		`SELECT MAX(attempt) FROM phase_runs WHERE job_id=? AND phase=?`, jobID, string(phase),
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next attempt %s/%s: %w", jobID, phase, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// History returns every recorded attempt for a job, oldest first.
func (r *PhaseRunRepo) History(jobID string) ([]*domain.PhaseRun, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "PhaseRunRepo.History")
	defer timer.Stop()

	rows, err := r.db.Conn().Query(
		`SELECT job_id, phase, attempt, started_at, ended_at, outcome, input_digest, output_digest
		 FROM phase_runs WHERE job_id=? ORDER BY started_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("phase run history %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*domain.PhaseRun
	for rows.Next() {
		run, err := scanPhaseRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPhaseRun(row rowScanner) (*domain.PhaseRun, error) {
	var run domain.PhaseRun
	var phase, outcome string
	var endedAt sql.NullTime
	var outputDigest sql.NullString

	err := row.Scan(&run.JobID, &phase, &run.Attempt, &run.StartedAt, &endedAt, &outcome, &run.InputDigest, &outputDigest)
	if err != nil {
		return nil, err
	}
	run.Phase = domain.Phase(phase)
	run.Outcome = domain.PhaseOutcome(outcome)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	run.OutputDigest = outputDigest.String
	return &run, nil
}
