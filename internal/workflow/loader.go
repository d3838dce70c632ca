package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// Load reads and validates a workflow document from disk.
// A definition that fails validation is never returned partially loaded.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow document from raw YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	if problems := validate(&def); len(problems) > 0 {
		return nil, wardenerrors.ErrWorkflowInvalid(problems)
	}

	return &def, nil
}

// validate checks structural integrity and returns every problem found,
// not just the first.
func validate(def *Definition) []string {
	var problems []string

	if def.Name == "" {
		problems = append(problems, "name: required")
	}
	if def.Version == "" {
		problems = append(problems, "version: required")
	}
	if len(def.Phases) == 0 {
		problems = append(problems, "phases: must be a non-empty list")
	}

	switch def.Enforcement.Mode {
	case EnforcementStrict, EnforcementPermissive, EnforcementAdvisory:
	case "":
		problems = append(problems, "enforcement.mode: required")
	default:
		problems = append(problems, fmt.Sprintf("enforcement.mode: %q is not one of strict, permissive, advisory", def.Enforcement.Mode))
	}

	if def.Enforcement.PhaseTokens.Enabled && def.Enforcement.PhaseTokens.ExpirySeconds <= 0 {
		problems = append(problems, "enforcement.phase_tokens.expiry_seconds: must be a positive integer when phase tokens are enabled")
	}

	seen := make(map[string]bool, len(def.Phases))
	gateIDs := make(map[string]bool)
	for i, phase := range def.Phases {
		prefix := fmt.Sprintf("phases[%d]", i)

		if phase.ID == "" {
			problems = append(problems, prefix+".id: required")
		} else if seen[phase.ID] {
			problems = append(problems, fmt.Sprintf("%s.id: duplicate phase id %q", prefix, phase.ID))
		}
		seen[phase.ID] = true

		if phase.Name == "" {
			problems = append(problems, prefix+".name: required")
		}
		if phase.AllowedTools == nil {
			problems = append(problems, prefix+".allowed_tools: required")
		}

		// Forbidden wins at broker time, but an overlap is a document bug.
		forbidden := make(map[string]bool, len(phase.ForbiddenTools))
		for _, tool := range phase.ForbiddenTools {
			forbidden[tool] = true
		}
		for _, tool := range phase.AllowedTools {
			if forbidden[tool] {
				problems = append(problems, fmt.Sprintf("%s: tool %q is both allowed and forbidden", prefix, tool))
			}
		}

		for j, gate := range phase.Gates {
			if gate.ID == "" {
				problems = append(problems, fmt.Sprintf("%s.gates[%d].id: required", prefix, j))
				continue
			}
			gateIDs[gate.ID] = true
		}

		for j, item := range phase.Items {
			itemPrefix := fmt.Sprintf("%s.items[%d]", prefix, j)
			if item.ID == "" {
				problems = append(problems, itemPrefix+".id: required")
			}
			if item.Name == "" {
				problems = append(problems, itemPrefix+".name: required")
			}
			switch item.EffectiveStepType() {
			case StepGate:
				if item.Verification.Type != VerifyCommand || item.Verification.Command == "" {
					problems = append(problems, itemPrefix+": gate steps must carry a command verification")
				}
			case StepRequired:
				if item.Skippable != nil && *item.Skippable {
					problems = append(problems, itemPrefix+": required steps cannot be marked skippable")
				}
			case StepDocumented, StepFlexible:
			default:
				problems = append(problems, fmt.Sprintf("%s.step_type: %q is not one of gate, required, documented, flexible", itemPrefix, item.StepType))
			}
		}
	}

	for i, tr := range def.Transitions {
		prefix := fmt.Sprintf("transitions[%d]", i)
		if tr.From == "" || !seen[tr.From] {
			problems = append(problems, fmt.Sprintf("%s.from: unknown phase %q", prefix, tr.From))
		}
		if tr.To == "" || !seen[tr.To] {
			problems = append(problems, fmt.Sprintf("%s.to: unknown phase %q", prefix, tr.To))
		}
		if tr.Gate != "" && !gateIDs[tr.Gate] {
			problems = append(problems, fmt.Sprintf("%s.gate: unknown gate %q", prefix, tr.Gate))
		}
	}

	return problems
}
