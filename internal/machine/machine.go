package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/artifact"
	"github.com/wardenlabs/warden/internal/broker"
	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/session"
	"github.com/wardenlabs/warden/internal/util"
	"github.com/wardenlabs/warden/internal/workflow"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// Machine drives one session's workflow instance. All mutations happen under
// the machine's mutex and persist via atomic rename under an exclusive file
// lock before any event is published.
type Machine struct {
	statePath string
	sessionID string
	workDir   string
	runner    *broker.CommandRunner
	artifacts *artifact.Registry
	bus       *events.Bus
	logger    *slog.Logger

	mu       sync.Mutex
	instance *Instance
}

// Option configures a Machine.
type Option func(*Machine)

// WithWorkDir sets the directory file_exists verifications resolve against.
func WithWorkDir(dir string) Option {
	return func(m *Machine) {
		m.workDir = dir
	}
}

// NewMachine creates a state machine for one session, loading any instance
// already persisted at the session's state path.
func NewMachine(layout *session.Layout, sessionID string, runner *broker.CommandRunner, artifacts *artifact.Registry, bus *events.Bus, logger *slog.Logger, opts ...Option) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		statePath: layout.StatePath(sessionID),
		sessionID: sessionID,
		workDir:   ".",
		runner:    runner,
		artifacts: artifacts,
		bus:       bus,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteOptions carries the optional inputs to CompleteItem.
type CompleteOptions struct {
	Notes            string
	Evidence         map[string]any
	FilesModified    []string
	SkipVerification bool
}

// StartWorkflow creates a new instance from the definition, freezing a copy
// of it into the state, and activates the first phase. Refuses when the
// session already holds an active workflow.
func (m *Machine) StartWorkflow(def *workflow.Definition, task string, constraints []string, overrides map[string]string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instance != nil && m.instance.Status == WorkflowActive {
		return nil, wardenerrors.ErrWorkflowActive(m.sessionID)
	}

	frozen, err := freezeDefinition(def)
	if err != nil {
		return nil, err
	}

	settings := make(map[string]string, len(frozen.Settings)+len(overrides))
	for k, v := range frozen.Settings {
		settings[k] = v
	}
	for k, v := range overrides {
		settings[k] = v
	}

	now := time.Now()
	first := frozen.FirstPhase()
	in := &Instance{
		ID:              uuid.NewString(),
		WorkflowName:    frozen.Name,
		WorkflowVersion: frozen.Version,
		Task:            task,
		Constraints:     constraints,
		CurrentPhase:    first,
		Phases:          make(map[string]*PhaseState, len(frozen.Phases)),
		Status:          WorkflowActive,
		Definition:      frozen,
		Settings:        settings,
		Metadata:        make(map[string]any),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, p := range frozen.Phases {
		ps := &PhaseState{
			Status: PhasePending,
			Items:  make(map[string]*ItemState, len(p.Items)),
		}
		for _, item := range p.Items {
			ps.Items[item.ID] = &ItemState{Status: ItemPending}
		}
		in.Phases[p.ID] = ps
	}
	started := now
	in.Phases[first].Status = PhaseActive
	in.Phases[first].StartedAt = &started

	m.instance = in
	if err := m.save(); err != nil {
		m.instance = nil
		return nil, err
	}
	m.publish(events.New(events.TopicPhaseStarted, in.ID, events.PhaseData{Phase: first}))
	m.logger.Info("workflow started", "instance", in.ID, "workflow", frozen.Name, "phase", first)
	return m.snapshotLocked(), nil
}

// Instance returns a deep copy of the current instance, or nil when no
// workflow has been started.
func (m *Machine) Instance() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instance == nil {
		return nil
	}
	return m.snapshotLocked()
}

// CompleteItem completes a checklist item in the current phase, dispatching
// on its step type. Gate items run their verification command; documented
// items require schema-valid, substantive evidence.
func (m *Machine) CompleteItem(ctx context.Context, itemID string, opts CompleteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, item, state, err := m.currentItem(itemID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return wardenerrors.ErrItemTerminal(itemID, string(state.Status))
	}

	if item.Verification.Type == workflow.VerifyManualGate && !opts.SkipVerification && state.ApprovedBy == "" {
		return m.handleManualGate(in, itemID, state)
	}

	switch item.EffectiveStepType() {
	case workflow.StepGate:
		if !opts.SkipVerification && state.ApprovedBy == "" {
			if err := m.runGateVerification(ctx, in, item, state); err != nil {
				return err
			}
		}
	case workflow.StepDocumented:
		if err := m.validateEvidence(item, opts.Evidence); err != nil {
			return err
		}
		state.Evidence = opts.Evidence
	case workflow.StepRequired, workflow.StepFlexible:
		if item.Verification.Type == workflow.VerifyFileExists && !opts.SkipVerification {
			if err := m.verifyFileExists(item); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	if state.StartedAt == nil {
		state.StartedAt = &now
	}
	state.Status = ItemCompleted
	state.CompletedAt = &now
	state.Notes = opts.Notes
	if len(opts.FilesModified) > 0 {
		state.FilesModified = opts.FilesModified
	}
	in.UpdatedAt = now
	if err := m.save(); err != nil {
		return err
	}
	m.publish(events.New(events.TopicItemCompleted, in.ID, events.ItemData{Phase: in.CurrentPhase, ItemID: itemID}))
	return nil
}

// SkipItem skips a checklist item, enforcing step-type skip rules. Gate
// items can only be force-skipped with a substantial reason; required items
// never skip.
func (m *Machine) SkipItem(itemID, reason, skipContext string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, item, state, err := m.currentItem(itemID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return wardenerrors.ErrItemTerminal(itemID, string(state.Status))
	}

	switch item.EffectiveStepType() {
	case workflow.StepRequired:
		return wardenerrors.ErrSkipRefused(itemID, "required items must be completed, never skipped")
	case workflow.StepGate:
		if !force {
			return wardenerrors.ErrSkipRefused(itemID, "gate items verify with a command; use force with a substantial reason to override")
		}
		if phase := in.Definition.PhaseByID(in.CurrentPhase); phase != nil && phase.PhaseType == workflow.PhaseTypeStrict {
			return wardenerrors.ErrSkipRefused(itemID, fmt.Sprintf("phase %q is strict; gate items cannot be force-skipped", in.CurrentPhase))
		}
		if len(strings.TrimSpace(reason)) < minForceSkipReason {
			return wardenerrors.ErrSkipRefused(itemID, fmt.Sprintf("force-skipping a gate requires a reason of at least %d characters", minForceSkipReason))
		}
	case workflow.StepDocumented:
		if err := validateSkipReason(reason, true); err != nil {
			return wardenerrors.ErrSkipRefused(itemID, err.Error())
		}
	default:
		if !item.IsSkippable() && !force {
			return wardenerrors.ErrSkipRefused(itemID, "item is marked not skippable")
		}
		if err := validateSkipReason(reason, false); err != nil {
			return wardenerrors.ErrSkipRefused(itemID, err.Error())
		}
	}

	now := time.Now()
	state.Status = ItemSkipped
	state.SkippedAt = &now
	state.SkipReason = reason
	state.SkipContext = skipContext
	in.UpdatedAt = now
	if err := m.save(); err != nil {
		return err
	}
	m.publish(events.New(events.TopicItemSkipped, in.ID, events.ItemData{Phase: in.CurrentPhase, ItemID: itemID, SkipReason: reason}))
	return nil
}

// CanAdvance reports whether the current phase is ready to advance: every
// required, non-skipped item completed and no manual gate awaiting approval.
// It also summarizes skipped items for the caller's records.
func (m *Machine) CanAdvance() (bool, []string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instance == nil || m.instance.Status != WorkflowActive {
		return false, []string{"no active workflow"}, nil
	}
	blockers, skipped := m.advanceBlockersLocked()
	return len(blockers) == 0, blockers, skipped
}

// AdvancePhase completes the current phase and activates the next one in
// declaration order. Returns the next phase id, or done=true when the final
// phase completed. Unless forced, refuses while CanAdvance reports blockers.
func (m *Machine) AdvancePhase(force bool) (next string, done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.instance
	if in == nil {
		return "", false, wardenerrors.ErrTaskNotFound(m.sessionID)
	}
	return m.advanceLocked(in.Definition.NextPhase(in.CurrentPhase), force)
}

// AdvanceTo completes the current phase and activates target, which must be
// a phase of the frozen definition. Whether the move is a declared
// transition is the caller's concern; the workflow's transition table is
// enforced at the API boundary.
func (m *Machine) AdvanceTo(target string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.instance
	if in == nil {
		return wardenerrors.ErrTaskNotFound(m.sessionID)
	}
	if in.Definition.PhaseByID(target) == nil {
		return wardenerrors.ErrTransitionUnknown(in.CurrentPhase, target)
	}
	_, _, err := m.advanceLocked(target, force)
	return err
}

// advanceLocked moves the instance out of the current phase into next; an
// empty next completes the workflow. Called with the machine lock held.
func (m *Machine) advanceLocked(next string, force bool) (string, bool, error) {
	in := m.instance
	if in.Status.Terminal() {
		return "", false, wardenerrors.ErrWorkflowTerminal(string(in.Status))
	}
	if !force {
		if blockers, _ := m.advanceBlockersLocked(); len(blockers) > 0 {
			return "", false, wardenerrors.ErrPhaseIncomplete(in.CurrentPhase, blockers)
		}
	}

	now := time.Now()
	current := in.CurrentPhase
	ps := in.Phases[current]
	ps.Status = PhaseCompleted
	ps.CompletedAt = &now
	in.UpdatedAt = now

	if next == "" {
		in.Status = WorkflowCompleted
		in.CompletedAt = &now
		if err := m.save(); err != nil {
			return "", false, err
		}
		m.publish(events.New(events.TopicPhaseCompleted, in.ID, events.PhaseData{Phase: current}))
		m.publish(events.New(events.TopicTaskCompleted, in.ID, nil))
		m.logger.Info("all phases completed", "instance", in.ID)
		return "", true, nil
	}

	nps := in.Phases[next]
	nps.Status = PhaseActive
	nps.StartedAt = &now
	in.CurrentPhase = next
	if err := m.save(); err != nil {
		return "", false, err
	}
	m.publish(events.New(events.TopicPhaseCompleted, in.ID, events.PhaseData{Phase: current}))
	m.publish(events.New(events.TopicPhaseStarted, in.ID, events.PhaseData{Phase: next}))
	m.logger.Info("phase advanced", "instance", in.ID, "from", current, "to", next)
	return next, false, nil
}

// ApprovePhase records a human approval of the current phase.
func (m *Machine) ApprovePhase(approver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.instance
	if in == nil {
		return wardenerrors.ErrTaskNotFound(m.sessionID)
	}
	if in.Status.Terminal() {
		return wardenerrors.ErrWorkflowTerminal(string(in.Status))
	}

	approved, _ := in.Metadata["approved_phases"].(map[string]any)
	if approved == nil {
		approved = make(map[string]any)
	}
	approved[in.CurrentPhase] = approver
	in.Metadata["approved_phases"] = approved
	in.UpdatedAt = time.Now()
	if err := m.save(); err != nil {
		return err
	}
	m.publish(events.New(events.TopicHumanOverride, in.ID, events.OverrideData{Phase: in.CurrentPhase, Approver: approver}))
	return nil
}

// ApproveItem records a human approval of a manual-gate item, unblocking a
// subsequent CompleteItem.
func (m *Machine) ApproveItem(itemID, approver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, _, state, err := m.currentItem(itemID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return wardenerrors.ErrItemTerminal(itemID, string(state.Status))
	}

	state.ApprovedBy = approver
	if state.Status == ItemBlocked {
		state.Status = ItemPending
	}
	in.UpdatedAt = time.Now()
	if err := m.save(); err != nil {
		return err
	}
	m.publish(events.New(events.TopicHumanOverride, in.ID, events.OverrideData{Phase: in.CurrentPhase, ItemID: itemID, Approver: approver}))
	return nil
}

// Abandon marks the instance abandoned. Terminal and irreversible.
func (m *Machine) Abandon(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.instance
	if in == nil {
		return wardenerrors.ErrTaskNotFound(m.sessionID)
	}
	if in.Status.Terminal() {
		return wardenerrors.ErrWorkflowTerminal(string(in.Status))
	}

	now := time.Now()
	in.Status = WorkflowAbandoned
	in.CompletedAt = &now
	in.UpdatedAt = now
	if reason != "" {
		in.Metadata["abandon_reason"] = reason
	}
	if err := m.save(); err != nil {
		return err
	}
	m.logger.Warn("workflow abandoned", "instance", in.ID, "reason", reason)
	return nil
}

// --- internals ---

// currentItem resolves an item id against the current phase, guarding
// against terminal instances.
func (m *Machine) currentItem(itemID string) (*Instance, *workflow.Item, *ItemState, error) {
	in := m.instance
	if in == nil {
		return nil, nil, nil, wardenerrors.ErrTaskNotFound(m.sessionID)
	}
	if in.Status.Terminal() {
		return nil, nil, nil, wardenerrors.ErrWorkflowTerminal(string(in.Status))
	}
	phase := in.Definition.PhaseByID(in.CurrentPhase)
	if phase == nil {
		return nil, nil, nil, wardenerrors.ErrItemNotFound(itemID, in.CurrentPhase)
	}
	item := phase.ItemByID(itemID)
	if item == nil {
		return nil, nil, nil, wardenerrors.ErrItemNotFound(itemID, in.CurrentPhase)
	}
	state := in.ActivePhaseState().Items[itemID]
	if state == nil {
		state = &ItemState{Status: ItemPending}
		in.ActivePhaseState().Items[itemID] = state
	}
	return in, item, state, nil
}

// handleManualGate applies the supervision policy to a manual-gate item.
// Called with the machine lock held.
func (m *Machine) handleManualGate(in *Instance, itemID string, state *ItemState) error {
	mode := workflow.SupervisionMode(in.Settings["supervision_mode"])
	switch mode {
	case workflow.SupervisionZeroHuman:
		m.logger.Warn("auto-skipping manual gate under zero_human supervision", "instance", in.ID, "item", itemID)
		now := time.Now()
		state.Status = ItemSkipped
		state.SkippedAt = &now
		state.SkipReason = "auto-skipped: manual gate under zero_human supervision"
		in.UpdatedAt = now
		if err := m.save(); err != nil {
			return err
		}
		m.publish(events.New(events.TopicItemSkipped, in.ID, events.ItemData{Phase: in.CurrentPhase, ItemID: itemID, SkipReason: state.SkipReason}))
		return nil
	default:
		// supervised blocks outright; hybrid stays conservative until its
		// risk/timeout policy exists.
		state.Status = ItemBlocked
		in.UpdatedAt = time.Now()
		if err := m.save(); err != nil {
			return err
		}
		return wardenerrors.ErrApprovalRequired(itemID)
	}
}

// runGateVerification expands and executes the item's verification command,
// recording the gate result. Called with the machine lock held.
func (m *Machine) runGateVerification(ctx context.Context, in *Instance, item *workflow.Item, state *ItemState) error {
	command, err := expandTemplate(item.Verification.Command, in.Settings)
	if err != nil {
		return wardenerrors.ErrVerificationFailed(item.ID, err.Error())
	}

	res, err := m.runner.Run(ctx, command)
	if err != nil {
		state.Status = ItemFailed
		state.RetryCount++
		in.UpdatedAt = time.Now()
		if saveErr := m.save(); saveErr != nil {
			return saveErr
		}
		return wardenerrors.ErrVerificationFailed(item.ID, err.Error())
	}

	expected := 0
	if item.Verification.ExpectExitCode != nil {
		expected = *item.Verification.ExpectExitCode
	}
	result := &GateResult{
		Success:  !res.TimedOut && res.ExitCode == expected,
		Command:  command,
		ExitCode: res.ExitCode,
		Output:   util.Truncate(strings.TrimSpace(res.Stdout+"\n"+res.Stderr), 4096),
		TimedOut: res.TimedOut,
		At:       time.Now(),
	}
	state.GateResult = result

	if !result.Success {
		state.Status = ItemFailed
		state.RetryCount++
		in.UpdatedAt = time.Now()
		if saveErr := m.save(); saveErr != nil {
			return saveErr
		}
		detail := fmt.Sprintf("command %q exited %d, expected %d", command, res.ExitCode, expected)
		if res.TimedOut {
			detail = fmt.Sprintf("command %q timed out", command)
		}
		return wardenerrors.ErrVerificationFailed(item.ID, detail)
	}
	return nil
}

// validateEvidence checks documented-item evidence: schema conformance when
// a schema is named, then the depth heuristic.
func (m *Machine) validateEvidence(item *workflow.Item, evidence map[string]any) error {
	if evidence == nil {
		return wardenerrors.ErrEvidenceShallow(item.ID, "documented items require evidence on completion")
	}
	if item.EvidenceSchema != "" && m.artifacts != nil {
		fieldErrs, err := m.artifacts.Validate(item.EvidenceSchema, evidence)
		if err != nil {
			return err
		}
		if len(fieldErrs) > 0 {
			problems := make([]string, len(fieldErrs))
			for i, fe := range fieldErrs {
				problems[i] = fe.String()
			}
			return wardenerrors.ErrArtifactInvalid(item.EvidenceSchema, problems)
		}
	}
	if err := validateEvidenceDepth(evidence); err != nil {
		return wardenerrors.ErrEvidenceShallow(item.ID, err.Error())
	}
	return nil
}

// verifyFileExists checks a file_exists verification, treating the path as
// a doublestar pattern relative to the work directory.
func (m *Machine) verifyFileExists(item *workflow.Item) error {
	pattern := item.Verification.Path
	if pattern == "" {
		return wardenerrors.ErrVerificationFailed(item.ID, "file_exists verification has no path")
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(m.workDir, pattern))
	if err != nil {
		return wardenerrors.ErrVerificationFailed(item.ID, fmt.Sprintf("bad path pattern %q: %v", pattern, err))
	}
	if len(matches) == 0 {
		return wardenerrors.ErrVerificationFailed(item.ID, fmt.Sprintf("no file matches %q", pattern))
	}
	return nil
}

// advanceBlockersLocked computes the blockers preventing phase advance and
// the skipped-item summary. Called with the machine lock held.
func (m *Machine) advanceBlockersLocked() (blockers []string, skipped []string) {
	in := m.instance
	phase := in.Definition.PhaseByID(in.CurrentPhase)
	if phase == nil {
		return []string{fmt.Sprintf("current phase %q is not in the definition", in.CurrentPhase)}, nil
	}
	ps := in.ActivePhaseState()

	approvedPhases, _ := in.Metadata["approved_phases"].(map[string]any)

	for _, item := range phase.Items {
		state := ps.Items[item.ID]
		status := ItemPending
		if state != nil {
			status = state.Status
		}
		switch status {
		case ItemSkipped:
			skipped = append(skipped, fmt.Sprintf("%s: %s", item.ID, state.SkipReason))
			continue
		case ItemCompleted:
			continue
		}
		if item.Verification.Type == workflow.VerifyManualGate {
			// A phase-level approval satisfies its manual gates.
			if _, ok := approvedPhases[in.CurrentPhase]; !ok {
				blockers = append(blockers, fmt.Sprintf("item %q awaits manual approval", item.ID))
			}
			continue
		}
		required := item.Required ||
			item.EffectiveStepType() == workflow.StepRequired ||
			item.EffectiveStepType() == workflow.StepGate
		if required {
			blockers = append(blockers, fmt.Sprintf("item %q is %s", item.ID, status))
		}
	}
	return blockers, skipped
}

// freezeDefinition deep-copies a definition via JSON so edits to the loaded
// document can never drift a running instance's version lock.
func freezeDefinition(def *workflow.Definition) (*workflow.Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("freeze workflow definition: %w", err)
	}
	var frozen workflow.Definition
	if err := json.Unmarshal(data, &frozen); err != nil {
		return nil, fmt.Errorf("freeze workflow definition: %w", err)
	}
	return &frozen, nil
}

// snapshotLocked deep-copies the instance via JSON so callers can never
// mutate machine state. Called with the machine lock held.
func (m *Machine) snapshotLocked() *Instance {
	data, err := json.Marshal(m.instance)
	if err != nil {
		m.logger.Error("failed to snapshot instance", "error", err)
		return nil
	}
	var clone Instance
	if err := json.Unmarshal(data, &clone); err != nil {
		m.logger.Error("failed to snapshot instance", "error", err)
		return nil
	}
	return &clone
}

// save persists the instance atomically under an exclusive lock. Called
// with the machine lock held.
func (m *Machine) save() error {
	data, err := json.MarshalIndent(m.instance, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	return util.WithExclusiveLock(m.statePath, func() error {
		return util.AtomicWriteFile(m.statePath, data, 0o644)
	})
}

// load reads a previously persisted instance, if any.
func (m *Machine) load() error {
	var data []byte
	err := util.WithSharedLock(m.statePath, func() error {
		var readErr error
		data, readErr = os.ReadFile(m.statePath)
		return readErr
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load workflow state: %w", err)
	}
	var in Instance
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse workflow state %s: %w", m.statePath, err)
	}
	m.instance = &in
	return nil
}

func (m *Machine) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

var templateVar = regexp.MustCompile(`\{\{(\w+)\}\}`)

// expandTemplate substitutes {{key}} placeholders from settings. Unresolved
// placeholders are an error so a gate never runs a literal "{{test_command}}".
func expandTemplate(command string, settings map[string]string) (string, error) {
	var missing []string
	expanded := templateVar.ReplaceAllStringFunc(command, func(match string) string {
		key := templateVar.FindStringSubmatch(match)[1]
		if v, ok := settings[key]; ok {
			return v
		}
		missing = append(missing, key)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template variable(s) in command: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}
