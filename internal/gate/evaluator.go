package gate

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/wardenlabs/warden/internal/workflow"
)

// Result is the outcome of evaluating a gate.
type Result struct {
	Passed   bool     `json:"passed"`
	Blockers []string `json:"blockers,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Evaluator runs a gate's ordered blocker checks over submitted artifacts.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates a gate evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate runs every blocker of the gate against the artifacts.
// Blocking-severity failures populate Blockers; warning-severity failures
// populate Warnings. The gate passes iff Blockers is empty. Unknown check
// names are skipped for forward compatibility.
func (e *Evaluator) Evaluate(g *workflow.Gate, artifacts map[string]any) (*Result, error) {
	raw, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts for gate %s: %w", g.ID, err)
	}
	doc := gjson.ParseBytes(raw)

	result := &Result{Passed: true}
	for _, blocker := range g.Blockers {
		check, ok := checks[blocker.Check]
		if !ok {
			e.logger.Debug("skipping unknown gate check", "gate", g.ID, "check", blocker.Check)
			continue
		}

		messages := check(doc)
		if len(messages) == 0 {
			continue
		}

		// Unspecified severity defaults to blocking.
		if blocker.Severity == workflow.SeverityWarning {
			result.Warnings = append(result.Warnings, messages...)
			continue
		}
		result.Blockers = append(result.Blockers, messages...)
	}

	result.Passed = len(result.Blockers) == 0
	return result, nil
}
