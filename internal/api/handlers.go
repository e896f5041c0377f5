package api

import (
	"fmt"
	"net/http"
	"time"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
)

type createSkillRequest struct {
	TaskDescription string `json:"task_description"`
	UserID          string `json:"user_id"`
	AutoApprove     bool   `json:"auto_approve"`
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var req createSkillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	jobID, err := s.jobs.Create(req.TaskDescription, req.UserID, domain.CreateJobOptions{AutoApprove: req.AutoApprove})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	s.eng.Start(jobID)

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "accepted"})
}

type refineSkillRequest struct {
	Feedback   string   `json:"feedback"`
	FocusAreas []string `json:"focus_areas"`
}

// handleRefineSkill starts a fresh authoring job whose task description
// names an existing published skill's canonical path and description plus
// the feedback. The job's Understand phase derives the draft's canonical
// path from that text as for any other job; nothing here ties it to the
// existing skill's path.
func (s *Server) handleRefineSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.tax.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if skill.Status != domain.SkillStatusActive {
		writeError(w, apperrors.New(apperrors.KindConflictingState, "only an active skill can be refined"), nil)
		return
	}

	var req refineSkillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	if req.Feedback == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidInput, "feedback must not be empty"), nil)
		return
	}

	task := fmt.Sprintf("Revise the existing skill at %s (%s). Feedback: %s",
		skill.CanonicalPath, skill.Metadata.Description, req.Feedback)
	if len(req.FocusAreas) > 0 {
		task += " Focus on: "
		for i, area := range req.FocusAreas {
			if i > 0 {
				task += ", "
			}
			task += area
		}
	}

	jobID, err := s.jobs.Create(task, "", domain.CreateJobOptions{})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	s.eng.Start(jobID)

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type skillView struct {
	SkillID       string               `json:"skill_id"`
	CanonicalPath string               `json:"canonical_path"`
	Version       string               `json:"version"`
	Status        string               `json:"status"`
	Metadata      domain.SkillMetadata `json:"metadata"`
	Content       string               `json:"content"`
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.tax.Resolve(r.PathValue("identifier"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, skillView{
		SkillID:       skill.SkillID,
		CanonicalPath: skill.CanonicalPath,
		Version:       skill.Version,
		Status:        string(skill.Status),
		Metadata:      skill.Metadata,
		Content:       skill.Content,
	})
}

type jobView struct {
	JobID           string                 `json:"job_id"`
	Status          string                 `json:"status"`
	CurrentPhase    string                 `json:"current_phase"`
	ProgressPercent int                    `json:"progress_percent"`
	Promoted        bool                   `json:"promoted"`
	HITL            map[string]interface{} `json:"hitl,omitempty"`
	Result          *domain.JobResult      `json:"result,omitempty"`
	Error           *domain.JobError       `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

func viewOf(job *domain.Job) jobView {
	view := jobView{
		JobID:           job.JobID,
		Status:          string(job.Status),
		CurrentPhase:    string(job.CurrentPhase),
		ProgressPercent: job.ProgressPercent,
		Promoted:        job.Promoted,
		Result:          job.Result,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.HITL != nil {
		view.HITL = map[string]interface{}{
			"type":     string(job.HITL.Type),
			"payload":  job.HITL.Payload,
			"deadline": job.HITL.Deadline,
			"round":    job.HITL.Round,
		}
	}
	return view
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("job_id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if _, err := s.jobs.Get(jobID); err != nil {
		writeError(w, err, nil)
		return
	}

	interaction, err := s.coord.GetPrompt(jobID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if interaction == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"has_prompt": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"has_prompt": true,
		"type":       string(interaction.Type),
		"payload":    interaction.Prompt,
		"round":      interaction.Round,
		"timeout_at": interaction.TimeoutAt,
	})
}

type hitlResponseRequest struct {
	Action   string                 `json:"action"`
	Response map[string]interface{} `json:"response"`
}

func (s *Server) handleDeliverResponse(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if _, err := s.jobs.Get(jobID); err != nil {
		writeError(w, err, nil)
		return
	}

	var req hitlResponseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	response := &domain.HITLResponse{Action: domain.HITLAction(req.Action), Payload: req.Response}
	if err := s.coord.Deliver(jobID, response); err != nil {
		// A response whose shape does not fit the outstanding prompt is the
		// client's bug, answered with 422 rather than the generic 400.
		writeError(w, err, map[apperrors.Kind]int{apperrors.KindInvalidInput: http.StatusUnprocessableEntity})
		return
	}

	// If the suspended goroutine is gone (restart), this restarts one; if
	// it is still parked, Resume is a no-op.
	s.eng.Resume(jobID)

	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type promoteRequest struct {
	Overwrite bool `json:"overwrite"`
	Force     bool `json:"force"`
}

func (s *Server) handlePromoteDraft(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var req promoteRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err, nil)
			return
		}
	}

	alreadyPromoted := job.Promoted
	canonicalPath, skillID, version, err := s.tax.Promote(r.Context(), job, req.Overwrite, req.Force)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	if !alreadyPromoted {
		if _, err := s.jobs.Update(jobID, func(j *domain.Job) error {
			j.Promoted = true
			j.Result = &domain.JobResult{CanonicalPath: canonicalPath, SkillID: skillID, Version: version}
			// A force-promote is an administrative completion: the record
			// must not stay Failed once its artifact is published.
			if j.Status != domain.JobStatusCompleted {
				j.Status = domain.JobStatusCompleted
				j.Error = nil
				now := time.Now()
				j.CompletedAt = &now
			}
			return nil
		}); err != nil {
			writeError(w, err, nil)
			return
		}
		s.bus.Emit(jobID, domain.EventSkillPublished, map[string]interface{}{
			"canonical_path": canonicalPath, "skill_id": skillID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"canonical_path": canonicalPath})
}

func (s *Server) handleTaxonomy(w http.ResponseWriter, r *http.Request) {
	tree, err := s.tax.Tree()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}
