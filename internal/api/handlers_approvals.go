package api

import (
	"encoding/json"
	"net/http"
)

// Approval endpoints are the operator surface for supervised workflows: a
// human unblocks manual gates here, so they carry an approver name rather
// than an agent's phase token.

type approvePhaseRequest struct {
	Approver string `json:"approver"`
}

// handleApprovePhase records a human approval of the workflow's current
// phase, satisfying its manual-gate items for advancement.
func (s *Server) handleApprovePhase(w http.ResponseWriter, r *http.Request) {
	var req approvePhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Approver == "" {
		JSONError(w, "approver is required", http.StatusBadRequest)
		return
	}

	if err := s.machine.ApprovePhase(req.Approver); err != nil {
		HandleError(w, err)
		return
	}
	s.logger.Info("phase approved", "approver", req.Approver)
	JSONResponse(w, map[string]any{"approved": true})
}

type approveItemRequest struct {
	ItemID   string `json:"item_id"`
	Approver string `json:"approver"`
}

// handleApproveItem records a human approval of one item in the current
// phase, unblocking a subsequent complete call.
func (s *Server) handleApproveItem(w http.ResponseWriter, r *http.Request) {
	var req approveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ItemID == "" || req.Approver == "" {
		JSONError(w, "item_id and approver are required", http.StatusBadRequest)
		return
	}

	if err := s.machine.ApproveItem(req.ItemID, req.Approver); err != nil {
		HandleError(w, err)
		return
	}
	s.logger.Info("item approved", "item", req.ItemID, "approver", req.Approver)
	JSONResponse(w, map[string]any{"approved": true, "item_id": req.ItemID})
}
