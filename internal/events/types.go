// Package events provides warden's in-process event bus: topic pub/sub with
// bounded history and non-fatal handler isolation. The bus is a notification
// mechanism only; it carries no durability guarantee.
package events

import (
	"time"
)

// Topic names for lifecycle events.
const (
	TopicTaskClaimed      = "task.claimed"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskCompleted    = "task.completed"
	TopicToolExecuted     = "tool.executed"
	TopicGatePassed       = "gate.passed"
	TopicGateBlocked      = "gate.blocked"
	TopicPhaseStarted     = "phase.started"
	TopicPhaseCompleted   = "phase.completed"
	TopicItemCompleted    = "item.completed"
	TopicItemSkipped      = "item.skipped"
	TopicHumanOverride    = "human.override"
)

// TopicAll subscribes a handler to every topic.
const TopicAll = "*"

// Event is a published lifecycle event.
type Event struct {
	Type   string    `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// New creates an event with the current timestamp.
func New(eventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// ToolExecutedData is the payload for tool.executed events.
type ToolExecutedData struct {
	Phase      string `json:"phase"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// GateData is the payload for gate.passed and gate.blocked events.
type GateData struct {
	Phase    string   `json:"phase"`
	Gate     string   `json:"gate,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

// PhaseData is the payload for phase.started and phase.completed events.
type PhaseData struct {
	Phase string `json:"phase"`
}

// ItemData is the payload for item.completed and item.skipped events.
type ItemData struct {
	Phase      string `json:"phase"`
	ItemID     string `json:"item_id"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// TransitionData is the payload for task.transitioned events.
type TransitionData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// OverrideData is the payload for human.override events.
type OverrideData struct {
	Phase    string `json:"phase"`
	ItemID   string `json:"item_id,omitempty"`
	Approver string `json:"approver,omitempty"`
}
