package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/machine"
	"github.com/wardenlabs/warden/internal/registry"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

type claimRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type claimResponse struct {
	Task       *registry.Entry `json:"task"`
	Phase      string          `json:"phase"`
	PhaseToken string          `json:"phase_token"`
}

// handleClaim registers a task for an agent and issues the initial phase
// token. The task id may be supplied by a coordinator; otherwise one is
// generated.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		JSONError(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = "task-" + uuid.NewString()[:8]
	}

	// The session's workflow instance is the phase authority; a claim joins
	// it wherever it currently stands.
	first := s.def.FirstPhase()
	if in := s.workflowInstance(); in != nil {
		first = in.CurrentPhase
	}
	entry, err := s.registry.Register(taskID, req.AgentID, req.Dependencies)
	if err != nil {
		HandleError(w, err)
		return
	}
	if err := s.registry.SetPhase(taskID, first); err != nil {
		HandleError(w, err)
		return
	}
	entry.CurrentPhase = first

	phase := s.def.PhaseByID(first)
	tok, err := s.tokens.Issue(taskID, first, phase.AllowedTools)
	if err != nil {
		HandleError(w, err)
		return
	}

	s.bus.Publish(events.New(events.TopicTaskClaimed, taskID, map[string]any{
		"agent_id": req.AgentID,
		"phase":    first,
	}))
	s.logger.Info("task claimed", "task", taskID, "agent", req.AgentID, "phase", first)

	JSONResponse(w, claimResponse{Task: entry, Phase: first, PhaseToken: tok})
}

type transitionRequest struct {
	TaskID       string         `json:"task_id"`
	CurrentPhase string         `json:"current_phase"`
	TargetPhase  string         `json:"target_phase"`
	PhaseToken   string         `json:"phase_token"`
	Artifacts    map[string]any `json:"artifacts,omitempty"`
}

type transitionResponse struct {
	Allowed  bool     `json:"allowed"`
	NewToken string   `json:"new_token,omitempty"`
	Blockers []string `json:"blockers"`
}

// handleTransition validates artifacts and the transition gate, then rotates
// the phase token. A blocked transition is a normal 200 outcome with
// allowed=false; the old state stands untouched.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.tokens.Verify(req.PhaseToken, req.TaskID, req.CurrentPhase) {
		HandleError(w, wardenerrors.ErrTokenInvalid())
		return
	}

	// A token for a phase the task has already left is spent.
	entry, err := s.registry.Get(req.TaskID)
	if err != nil {
		HandleError(w, err)
		return
	}
	if entry.CurrentPhase != req.CurrentPhase {
		HandleError(w, wardenerrors.ErrTokenInvalid())
		return
	}

	transition := s.def.TransitionBetween(req.CurrentPhase, req.TargetPhase)
	if transition == nil {
		HandleError(w, wardenerrors.ErrTransitionUnknown(req.CurrentPhase, req.TargetPhase))
		return
	}

	blockers, err := s.validateArtifacts(req.CurrentPhase, req.Artifacts)
	if err != nil {
		HandleError(w, err)
		return
	}

	if transition.Gate != "" {
		g := s.def.GateByID(transition.Gate)
		if g == nil {
			HandleError(w, wardenerrors.ErrTransitionUnknown(req.CurrentPhase, req.TargetPhase))
			return
		}
		result, err := s.gates.Evaluate(g, req.Artifacts)
		if err != nil {
			HandleError(w, err)
			return
		}
		blockers = append(blockers, result.Blockers...)
		for _, warning := range result.Warnings {
			s.logger.Warn("gate warning", "task", req.TaskID, "gate", g.ID, "warning", warning)
		}
	}

	// The workflow instance's checklist gates the transition too: a phase
	// with incomplete required items does not advance.
	instance := s.workflowInstance()
	machineGates := instance != nil && instance.CurrentPhase == req.CurrentPhase
	if machineGates {
		if ok, itemBlockers, _ := s.machine.CanAdvance(); !ok {
			blockers = append(blockers, itemBlockers...)
		}
	}

	if len(blockers) > 0 {
		s.bus.Publish(events.New(events.TopicGateBlocked, req.TaskID, events.GateData{
			Phase:    req.CurrentPhase,
			Gate:     transition.Gate,
			Blockers: blockers,
		}))
		JSONResponse(w, transitionResponse{Allowed: false, Blockers: blockers})
		return
	}

	// Advance the workflow instance first; the registry mirrors its phase.
	if machineGates {
		if err := s.machine.AdvanceTo(req.TargetPhase, false); err != nil {
			HandleError(w, err)
			return
		}
	}
	if err := s.registry.SetPhase(req.TaskID, req.TargetPhase); err != nil {
		HandleError(w, err)
		return
	}

	target := s.def.PhaseByID(req.TargetPhase)
	newToken, err := s.tokens.Issue(req.TaskID, req.TargetPhase, target.AllowedTools)
	if err != nil {
		HandleError(w, err)
		return
	}

	s.bus.Publish(events.New(events.TopicGatePassed, req.TaskID, events.GateData{
		Phase: req.CurrentPhase,
		Gate:  transition.Gate,
	}))
	s.bus.Publish(events.New(events.TopicTaskTransitioned, req.TaskID, events.TransitionData{
		From: req.CurrentPhase,
		To:   req.TargetPhase,
	}))
	s.logger.Info("task transitioned", "task", req.TaskID, "from", req.CurrentPhase, "to", req.TargetPhase)

	JSONResponse(w, transitionResponse{Allowed: true, NewToken: newToken, Blockers: []string{}})
}

// workflowInstance returns the session's active workflow instance, or nil.
func (s *Server) workflowInstance() *machine.Instance {
	if s.machine == nil {
		return nil
	}
	in := s.machine.Instance()
	if in == nil || in.Status != machine.WorkflowActive {
		return nil
	}
	return in
}

// validateArtifacts checks the phase's required artifacts: presence first,
// then schema conformance. Missing artifacts report distinctly from schema
// violations. An unknown schema reference is a server-side error, not a
// blocker the agent could fix.
func (s *Server) validateArtifacts(phaseID string, artifacts map[string]any) ([]string, error) {
	phase := s.def.PhaseByID(phaseID)
	if phase == nil {
		return []string{fmt.Sprintf("phase %q is not in the workflow", phaseID)}, nil
	}

	var blockers []string
	for _, required := range phase.RequiredArtifacts {
		payload, ok := artifacts[required.Type]
		if !ok {
			blockers = append(blockers, fmt.Sprintf("required artifact %q is missing", required.Type))
			continue
		}
		if required.Schema == "" {
			continue
		}
		fieldErrs, err := s.artifacts.Validate(required.Schema, payload)
		if err != nil {
			return nil, err
		}
		for _, fe := range fieldErrs {
			blockers = append(blockers, fmt.Sprintf("%s: %s", required.Type, fe.String()))
		}
	}
	return blockers, nil
}
