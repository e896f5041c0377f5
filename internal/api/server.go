// Package api exposes skillforge over HTTP: job submission, job status,
// HITL prompt/response exchange, draft promotion, taxonomy listing, and a
// per-job SSE event stream. Handlers translate the shared error taxonomy
// into status codes at this boundary; nothing below it knows about HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"skillforge/internal/apperrors"
	"skillforge/internal/eventbus"
	"skillforge/internal/hitl"
	"skillforge/internal/jobmanager"
	"skillforge/internal/logging"
	"skillforge/internal/taxonomy"
	"skillforge/internal/workflow"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	jobs  *jobmanager.Manager
	eng   *workflow.Engine
	coord *hitl.Coordinator
	tax   *taxonomy.Store
	bus   *eventbus.Bus

	corsOrigins []string
}

// NewServer constructs the HTTP layer.
func NewServer(jobs *jobmanager.Manager, eng *workflow.Engine, coord *hitl.Coordinator, tax *taxonomy.Store, bus *eventbus.Bus, corsOrigins []string) *Server {
	return &Server{jobs: jobs, eng: eng, coord: coord, tax: tax, bus: bus, corsOrigins: corsOrigins}
}

// Routes returns the fully assembled handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/skills", s.handleCreateSkill)
	mux.HandleFunc("POST /api/v1/skills/{id}/refine", s.handleRefineSkill)
	mux.HandleFunc("GET /api/v1/skills/{identifier...}", s.handleGetSkill)
	mux.HandleFunc("GET /api/v1/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{job_id}/events", s.handleJobEvents)
	mux.HandleFunc("GET /api/v1/hitl/{job_id}/prompt", s.handleGetPrompt)
	mux.HandleFunc("POST /api/v1/hitl/{job_id}/response", s.handleDeliverResponse)
	mux.HandleFunc("POST /api/v1/drafts/{job_id}/promote", s.handlePromoteDraft)
	mux.HandleFunc("GET /api/v1/taxonomy", s.handleTaxonomy)

	return s.cors(s.requestID(mux))
}

// requestID tags every request with a correlation id, echoed back in the
// X-Request-ID header and threaded into the structured log line.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		logging.Get(logging.CategoryAPI).WithRequest(reqID, "INFO", r.Method+" "+r.URL.Path, nil)
		next.ServeHTTP(w, r)
	})
}

// cors applies the configured origin allow-list and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error's Kind to a status code. Overrides let a
// handler tighten the mapping where its endpoint contract differs (the
// HITL response endpoint answers shape mismatches with 422, not 400).
func writeError(w http.ResponseWriter, err error, overrides map[apperrors.Kind]int) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	if override, ok := overrides[kind]; ok {
		status = override
	}

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if kind == "" {
		kind = "Internal"
		message = "internal error"
		logging.Get(logging.CategoryAPI).Error("unclassified handler error: %v", err)
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"kind": string(kind), "message": message},
	})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalidInput:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflictingState:
		return http.StatusConflict
	case apperrors.KindPathUnsafe, apperrors.KindValidationFailed, apperrors.KindDependencyCycle:
		return http.StatusUnprocessableEntity
	case apperrors.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.KindInvalidInput, "request body does not parse", err)
	}
	return nil
}
