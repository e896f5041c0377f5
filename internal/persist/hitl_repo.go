package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// HITLRepo persists domain.HITLInteraction rows, keyed by (job_id, round).
type HITLRepo struct {
	db *DB
	mu sync.Mutex
}

// NewHITLRepo wraps an open DB for HITL interaction persistence.
func NewHITLRepo(db *DB) *HITLRepo {
	return &HITLRepo{db: db}
}

// Insert records a newly suspended interaction. (job_id, round) must be new.
func (r *HITLRepo) Insert(interaction *domain.HITLInteraction) error {
	timer := logging.StartTimer(logging.CategoryPersist, "HITLRepo.Insert")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	promptJSON, err := json.Marshal(interaction.Prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	_, err = r.db.Conn().Exec(
		`INSERT INTO hitl_interactions (job_id, round, type, prompt_json, response_json,
			created_at, responded_at, timeout_at, status, idempotency_key)
		 VALUES (?, ?, ?, ?, NULL, ?, NULL, ?, ?, ?)`,
		interaction.JobID, interaction.Round, string(interaction.Type), string(promptJSON),
		interaction.CreatedAt, interaction.TimeoutAt, string(interaction.Status), interaction.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("insert hitl interaction %s/%d: %w", interaction.JobID, interaction.Round, err)
	}
	return nil
}

// Respond records the human's answer and seals the interaction as Answered.
func (r *HITLRepo) Respond(jobID string, round int, response *domain.HITLResponse, respondedAt time.Time) error {
	timer := logging.StartTimer(logging.CategoryPersist, "HITLRepo.Respond")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	res, err := r.db.Conn().Exec(
		`UPDATE hitl_interactions SET response_json=?, responded_at=?, status=?
		 WHERE job_id=? AND round=? AND status=?`,
		string(responseJSON), respondedAt, string(domain.HITLInteractionAnswered),
		jobID, round, string(domain.HITLInteractionPending),
	)
	if err != nil {
		return fmt.Errorf("respond hitl interaction %s/%d: %w", jobID, round, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.KindConflictingState, "interaction already resolved or missing")
	}
	return nil
}

// Seal marks an interaction TimedOut or Cancelled without a human response.
func (r *HITLRepo) Seal(jobID string, round int, status domain.HITLInteractionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Conn().Exec(
		`UPDATE hitl_interactions SET status=? WHERE job_id=? AND round=? AND status=?`,
		string(status), jobID, round, string(domain.HITLInteractionPending),
	)
	if err != nil {
		return fmt.Errorf("seal hitl interaction %s/%d: %w", jobID, round, err)
	}
	return nil
}

// Get loads one interaction by (job_id, round).
func (r *HITLRepo) Get(jobID string, round int) (*domain.HITLInteraction, error) {
	row := r.db.Conn().QueryRow(
		`SELECT job_id, round, type, prompt_json, response_json, created_at, responded_at, timeout_at, status, idempotency_key
		 FROM hitl_interactions WHERE job_id=? AND round=?`, jobID, round)
	interaction, err := scanHITL(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "hitl interaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get hitl interaction %s/%d: %w", jobID, round, err)
	}
	return interaction, nil
}

// Latest returns the most recent interaction for a job, or nil if none
// exist yet.
func (r *HITLRepo) Latest(jobID string) (*domain.HITLInteraction, error) {
	row := r.db.Conn().QueryRow(
		`SELECT job_id, round, type, prompt_json, response_json, created_at, responded_at, timeout_at, status, idempotency_key
		 FROM hitl_interactions WHERE job_id=? ORDER BY round DESC LIMIT 1`, jobID)
	interaction, err := scanHITL(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest hitl interaction for %s: %w", jobID, err)
	}
	return interaction, nil
}

// ListPending returns every interaction still awaiting a response, used at
// startup to rearm timeout timers.
func (r *HITLRepo) ListPending() ([]*domain.HITLInteraction, error) {
	rows, err := r.db.Conn().Query(
		`SELECT job_id, round, type, prompt_json, response_json, created_at, responded_at, timeout_at, status, idempotency_key
		 FROM hitl_interactions WHERE status=?`, string(domain.HITLInteractionPending))
	if err != nil {
		return nil, fmt.Errorf("list pending hitl interactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.HITLInteraction
	for rows.Next() {
		interaction, err := scanHITL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending hitl interaction: %w", err)
		}
		out = append(out, interaction)
	}
	return out, rows.Err()
}

func scanHITL(row rowScanner) (*domain.HITLInteraction, error) {
	var i domain.HITLInteraction
	var typ, status string
	var promptJSON string
	var responseJSON sql.NullString
	var respondedAt sql.NullTime

	err := row.Scan(&i.JobID, &i.Round, &typ, &promptJSON, &responseJSON,
		&i.CreatedAt, &respondedAt, &i.TimeoutAt, &status, &i.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	i.Type = domain.HITLType(typ)
	i.Status = domain.HITLInteractionStatus(status)
	if err := json.Unmarshal([]byte(promptJSON), &i.Prompt); err != nil {
		return nil, fmt.Errorf("unmarshal prompt: %w", err)
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		i.RespondedAt = &t
	}
	if responseJSON.Valid && responseJSON.String != "" {
		var resp domain.HITLResponse
		if err := json.Unmarshal([]byte(responseJSON.String), &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		i.Response = &resp
	}
	return &i, nil
}
