package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// handleJobEvents streams a job's events as text/event-stream. The client
// passes ?since=<seq> to replay everything after the last sequence it saw;
// the stream ends after a terminal event, or with a Lagged event if the
// subscriber falls behind the bus's high-water mark.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if _, err := s.jobs.Get(jobID); err != nil {
		writeError(w, err, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(jobID, since)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Lagged():
			fmt.Fprintf(w, "event: Lagged\ndata: {\"job_id\":%q}\n\n", jobID)
			flusher.Flush()
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logging.Get(logging.CategoryAPI).Error("marshal event %s/%d: %v", jobID, event.Sequence, err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Kind, payload)
			flusher.Flush()
			if isTerminal(event.Kind) {
				return
			}
		}
	}
}

func isTerminal(kind domain.EventKind) bool {
	switch kind {
	case domain.EventCompleted, domain.EventFailed, domain.EventCancelled:
		return true
	default:
		return false
	}
}
