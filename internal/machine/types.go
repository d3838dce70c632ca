// Package machine implements warden's phase state machine: per-task durable
// workflow instances, checklist item completion and skipping with step-type
// semantics, evidence depth enforcement, and phase advancement. All mutations
// persist through atomic writes under an exclusive file lock; a terminal
// instance is immutable.
package machine

import (
	"time"

	"github.com/wardenlabs/warden/internal/workflow"
)

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAbandoned WorkflowStatus = "abandoned"
	WorkflowPaused    WorkflowStatus = "paused"
)

// Terminal reports whether the status permits no further mutation.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowAbandoned
}

// PhaseStatus is the lifecycle status of a phase within an instance.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseBlocked   PhaseStatus = "blocked"
)

// ItemStatus is the lifecycle status of a checklist item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemSkipped    ItemStatus = "skipped"
	ItemBlocked    ItemStatus = "blocked"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether the item can no longer change state.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemSkipped
}

// GateResult records the outcome of a gate item's verification command.
type GateResult struct {
	Success  bool      `json:"success"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	Output   string    `json:"output,omitempty"`
	TimedOut bool      `json:"timed_out,omitempty"`
	At       time.Time `json:"at"`
}

// ItemState is the durable state of one checklist item.
type ItemState struct {
	Status        ItemStatus     `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	SkippedAt     *time.Time     `json:"skipped_at,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	SkipReason    string         `json:"skip_reason,omitempty"`
	SkipContext   string         `json:"skip_context,omitempty"`
	GateResult    *GateResult    `json:"gate_result,omitempty"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	FilesModified []string       `json:"files_modified,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
}

// PhaseState is the durable state of one phase.
type PhaseState struct {
	Status      PhaseStatus           `json:"status"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Items       map[string]*ItemState `json:"items"`
}

// Instance is the durable state of one workflow run. The definition is
// frozen into the instance at start so later edits to the workflow document
// cannot change the rules mid-run.
type Instance struct {
	ID              string                 `json:"id"`
	WorkflowName    string                 `json:"workflow_name"`
	WorkflowVersion string                 `json:"workflow_version"`
	Task            string                 `json:"task"`
	Constraints     []string               `json:"constraints,omitempty"`
	CurrentPhase    string                 `json:"current_phase"`
	Phases          map[string]*PhaseState `json:"phases"`
	Status          WorkflowStatus         `json:"status"`
	Definition      *workflow.Definition   `json:"definition"`
	Settings        map[string]string      `json:"settings,omitempty"`
	Metadata        map[string]any         `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// ActivePhaseState returns the state of the current phase.
func (in *Instance) ActivePhaseState() *PhaseState {
	return in.Phases[in.CurrentPhase]
}
