package api

import (
	"encoding/json"
	"net/http"

	"github.com/wardenlabs/warden/internal/broker"
	"github.com/wardenlabs/warden/internal/machine"
)

type executeRequest struct {
	TaskID     string         `json:"task_id"`
	PhaseToken string         `json:"phase_token"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
}

type executeResponse struct {
	Result any  `json:"result"`
	Logged bool `json:"logged"`
}

// handleExecute proxies a tool call through the broker. Authorization,
// audit, and event publication all live there.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.broker.Execute(r.Context(), broker.Request{
		TaskID: req.TaskID,
		Token:  req.PhaseToken,
		Tool:   req.ToolName,
		Args:   req.Args,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, executeResponse{Result: result, Logged: true})
}

type completeItemRequest struct {
	TaskID     string         `json:"task_id"`
	PhaseToken string         `json:"phase_token"`
	ItemID     string         `json:"item_id"`
	Notes      string         `json:"notes,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

// handleCompleteItem completes a checklist item in the current phase.
func (s *Server) handleCompleteItem(w http.ResponseWriter, r *http.Request) {
	var req completeItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.verifyForCurrentPhase(w, req.TaskID, req.PhaseToken) {
		return
	}

	err := s.machine.CompleteItem(r.Context(), req.ItemID, machine.CompleteOptions{
		Notes:    req.Notes,
		Evidence: req.Evidence,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"completed": true, "item_id": req.ItemID})
}

type skipItemRequest struct {
	TaskID     string `json:"task_id"`
	PhaseToken string `json:"phase_token"`
	ItemID     string `json:"item_id"`
	Reason     string `json:"reason"`
	Context    string `json:"context,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// handleSkipItem skips a checklist item, subject to step-type skip rules.
func (s *Server) handleSkipItem(w http.ResponseWriter, r *http.Request) {
	var req skipItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.verifyForCurrentPhase(w, req.TaskID, req.PhaseToken) {
		return
	}

	if err := s.machine.SkipItem(req.ItemID, req.Reason, req.Context, req.Force); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"skipped": true, "item_id": req.ItemID})
}
