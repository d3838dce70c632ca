package api

import (
	"net/http"
	"strconv"

	"github.com/wardenlabs/warden/internal/audit"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// verifyForCurrentPhase checks a token against the task's current phase in
// the registry, writing the 403 itself on failure.
func (s *Server) verifyForCurrentPhase(w http.ResponseWriter, taskID, phaseToken string) bool {
	entry, err := s.registry.Get(taskID)
	if err != nil {
		HandleError(w, err)
		return false
	}
	if !s.tokens.Verify(phaseToken, taskID, entry.CurrentPhase) {
		HandleError(w, wardenerrors.ErrTokenInvalid())
		return false
	}
	return true
}

// handleSnapshot returns the task's read-only coordination projection.
// The task is identified through the phase token.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("phase_token")
	claims, err := s.tokens.Decode(raw)
	if err != nil || !s.tokens.Verify(raw, claims.TaskID, claims.Phase) {
		HandleError(w, wardenerrors.ErrTokenInvalid())
		return
	}

	snapshot, err := s.registry.Snapshot(claims.TaskID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, snapshot)
}

// handleAuditQuery returns audit entries matching the query parameters.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := audit.Query{
		TaskID: params.Get("task_id"),
		Phase:  params.Get("phase"),
		Tool:   params.Get("tool_name"),
	}
	if v := params.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			JSONError(w, "success must be a boolean", http.StatusBadRequest)
			return
		}
		q.Success = &success
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			JSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		q.Limit = limit
	}

	entries, err := s.audit.Query(q)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"entries": entries, "count": len(entries)})
}

// handleAuditStats returns aggregate audit statistics.
func (s *Server) handleAuditStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.audit.Stats()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, stats)
}

// handleEventHistory returns the bus's bounded history, newest-first.
func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			JSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	history := s.bus.History(topic, limit)
	JSONResponse(w, map[string]any{"events": history, "count": len(history)})
}
