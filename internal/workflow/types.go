// Package workflow provides declarative workflow definitions for warden.
// A definition names the phases an agent must move through, the tools each
// phase permits, the artifacts and gates guarding each transition, and the
// enforcement policy. Definitions are immutable after load.
package workflow

// EnforcementMode controls how strictly phase rules are applied.
type EnforcementMode string

const (
	EnforcementStrict     EnforcementMode = "strict"
	EnforcementPermissive EnforcementMode = "permissive"
	EnforcementAdvisory   EnforcementMode = "advisory"
)

// StepType governs the skip and complete semantics of a checklist item.
type StepType string

const (
	StepGate       StepType = "gate"       // Command-verified, promotes only on success
	StepRequired   StepType = "required"   // Must complete, never skippable
	StepDocumented StepType = "documented" // Completion requires validated evidence
	StepFlexible   StepType = "flexible"   // Default; light skip rules
)

// VerificationType defines how an item's completion is checked.
type VerificationType string

const (
	VerifyNone       VerificationType = "none"
	VerifyFileExists VerificationType = "file_exists"
	VerifyCommand    VerificationType = "command"
	VerifyManualGate VerificationType = "manual_gate"
)

// PhaseType is advisory metadata describing how autonomously a phase runs.
// Only "strict" has enforcement weight: it blocks force-skip for non-human
// callers.
type PhaseType string

const (
	PhaseTypeStrict     PhaseType = "strict"
	PhaseTypeGuided     PhaseType = "guided"
	PhaseTypeAutonomous PhaseType = "autonomous"
)

// SupervisionMode controls manual-gate behavior.
type SupervisionMode string

const (
	SupervisionSupervised SupervisionMode = "supervised" // Block at manual gates
	SupervisionZeroHuman  SupervisionMode = "zero_human" // Auto-skip with warning
	SupervisionHybrid     SupervisionMode = "hybrid"     // Reserved; conservative block today
)

// BlockerSeverity controls whether a failing blocker prevents transition.
type BlockerSeverity string

const (
	SeverityBlocking BlockerSeverity = "blocking"
	SeverityWarning  BlockerSeverity = "warning"
)

// Definition is a loaded workflow document. Immutable after load; the state
// machine freezes a copy into each workflow instance for version locking.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Phases      []Phase           `yaml:"phases" json:"phases"`
	Transitions []Transition      `yaml:"transitions" json:"transitions"`
	Enforcement Enforcement       `yaml:"enforcement" json:"enforcement"`
	Settings    map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Phase defines one stage of the workflow.
type Phase struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	PhaseType         PhaseType          `yaml:"phase_type,omitempty" json:"phase_type,omitempty"`
	AllowedTools      []string           `yaml:"allowed_tools" json:"allowed_tools"`
	ForbiddenTools    []string           `yaml:"forbidden_tools,omitempty" json:"forbidden_tools,omitempty"`
	IntendedTools     []string           `yaml:"intended_tools,omitempty" json:"intended_tools,omitempty"`
	RequiredArtifacts []RequiredArtifact `yaml:"required_artifacts,omitempty" json:"required_artifacts,omitempty"`
	Gates             []Gate             `yaml:"gates,omitempty" json:"gates,omitempty"`
	Items             []Item             `yaml:"items" json:"items"`
}

// RequiredArtifact names an artifact type that must be submitted at the
// phase boundary, with an optional schema reference.
type RequiredArtifact struct {
	Type   string `yaml:"type" json:"type"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Gate is a named group of blocker checks guarding a phase transition.
type Gate struct {
	ID       string    `yaml:"id" json:"id"`
	Blockers []Blocker `yaml:"blockers" json:"blockers"`
}

// Blocker names a boolean predicate over submitted artifacts.
type Blocker struct {
	Check    string          `yaml:"check" json:"check"`
	Severity BlockerSeverity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// Item is one checklist entry inside a phase.
type Item struct {
	ID             string       `yaml:"id" json:"id"`
	Name           string       `yaml:"name" json:"name"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	StepType       StepType     `yaml:"step_type,omitempty" json:"step_type,omitempty"`
	Verification   Verification `yaml:"verification,omitempty" json:"verification,omitempty"`
	EvidenceSchema string       `yaml:"evidence_schema,omitempty" json:"evidence_schema,omitempty"`
	Required       bool         `yaml:"required,omitempty" json:"required,omitempty"`
	Skippable      *bool        `yaml:"skippable,omitempty" json:"skippable,omitempty"`
	Notes          string       `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Verification defines how item completion is checked.
type Verification struct {
	Type           VerificationType `yaml:"type,omitempty" json:"type,omitempty"`
	Command        string           `yaml:"command,omitempty" json:"command,omitempty"`
	Path           string           `yaml:"path,omitempty" json:"path,omitempty"`
	ExpectExitCode *int             `yaml:"expect_exit_code,omitempty" json:"expect_exit_code,omitempty"`
}

// Transition defines a legal phase move, optionally guarded by a gate.
type Transition struct {
	From          string `yaml:"from" json:"from"`
	To            string `yaml:"to" json:"to"`
	Gate          string `yaml:"gate,omitempty" json:"gate,omitempty"`
	RequiresToken bool   `yaml:"requires_token,omitempty" json:"requires_token,omitempty"`
}

// Enforcement is the workflow's enforcement policy.
type Enforcement struct {
	Mode        EnforcementMode `yaml:"mode" json:"mode"`
	PhaseTokens TokenConfig     `yaml:"phase_tokens" json:"phase_tokens"`
}

// TokenConfig controls phase-token issuance.
type TokenConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	ExpirySeconds int  `yaml:"expiry_seconds" json:"expiry_seconds"`
}

// EffectiveStepType returns the item's step type, defaulting to flexible
// for documents written before step types existed.
func (i Item) EffectiveStepType() StepType {
	if i.StepType == "" {
		return StepFlexible
	}
	return i.StepType
}

// IsSkippable reports whether the item may be skipped. Required items are
// never skippable regardless of the flag.
func (i Item) IsSkippable() bool {
	if i.EffectiveStepType() == StepRequired {
		return false
	}
	if i.Skippable != nil {
		return *i.Skippable
	}
	return i.EffectiveStepType() != StepGate
}

// PhaseByID returns the phase with the given id, or nil.
func (d *Definition) PhaseByID(id string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return &d.Phases[i]
		}
	}
	return nil
}

// GateByID returns the gate with the given id from any phase, or nil.
func (d *Definition) GateByID(id string) *Gate {
	for i := range d.Phases {
		for j := range d.Phases[i].Gates {
			if d.Phases[i].Gates[j].ID == id {
				return &d.Phases[i].Gates[j]
			}
		}
	}
	return nil
}

// TransitionBetween returns the transition from→to if one is defined.
func (d *Definition) TransitionBetween(from, to string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].From == from && d.Transitions[i].To == to {
			return &d.Transitions[i]
		}
	}
	return nil
}

// FirstPhase returns the id of the first phase in declaration order.
func (d *Definition) FirstPhase() string {
	if len(d.Phases) == 0 {
		return ""
	}
	return d.Phases[0].ID
}

// NextPhase returns the id of the phase declared after the given one, or ""
// when the given phase is terminal.
func (d *Definition) NextPhase(id string) string {
	for i := range d.Phases {
		if d.Phases[i].ID == id && i+1 < len(d.Phases) {
			return d.Phases[i+1].ID
		}
	}
	return ""
}

// SchemaRefs returns every schema reference the document names, deduplicated:
// phase required-artifact schemas and item evidence schemas. Callers resolve
// these against the artifact registry at startup so an unknown reference
// never surfaces mid-workflow.
func (d *Definition) SchemaRefs() []string {
	var refs []string
	seen := make(map[string]bool)
	for _, p := range d.Phases {
		for _, ra := range p.RequiredArtifacts {
			if ra.Schema != "" && !seen[ra.Schema] {
				seen[ra.Schema] = true
				refs = append(refs, ra.Schema)
			}
		}
		for _, item := range p.Items {
			if item.EvidenceSchema != "" && !seen[item.EvidenceSchema] {
				seen[item.EvidenceSchema] = true
				refs = append(refs, item.EvidenceSchema)
			}
		}
	}
	return refs
}

// ItemByID returns the item with the given id in the phase, or nil.
func (p *Phase) ItemByID(id string) *Item {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return &p.Items[i]
		}
	}
	return nil
}
