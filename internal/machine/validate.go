package machine

import (
	"fmt"
	"strings"
)

const (
	// minSkipReason is the light length check applied to flexible items.
	minSkipReason = 10
	// minDocumentedSkipReason applies to documented items, which demand a
	// substantive explanation for why documentation was not produced.
	minDocumentedSkipReason = 30
	// minForceSkipReason is required to force-skip a gate item.
	minForceSkipReason = 50
	// minApproachStatement is the evidence depth floor for the
	// approach_decision field.
	minApproachStatement = 20
)

// shallowReasons are skip justifications rejected outright for documented
// items regardless of length.
var shallowReasons = []string{
	"not needed",
	"not necessary",
	"not required",
	"not applicable",
	"n/a",
	"na",
	"none",
	"obvious",
	"skip",
	"unnecessary",
	"no reason",
}

// validateSkipReason checks a skip justification. strict mode adds the
// shallow-string rejection and the higher length floor used for documented
// items.
func validateSkipReason(reason string, strict bool) error {
	trimmed := strings.TrimSpace(reason)
	minLen := minSkipReason
	if strict {
		minLen = minDocumentedSkipReason
	}
	if len(trimmed) < minLen {
		return fmt.Errorf("skip reason must be at least %d characters, got %d", minLen, len(trimmed))
	}
	if strict {
		normalized := strings.ToLower(trimmed)
		for _, shallow := range shallowReasons {
			if normalized == shallow || strings.HasPrefix(normalized, shallow+".") {
				return fmt.Errorf("skip reason %q is too shallow; explain the concrete circumstances", trimmed)
			}
		}
	}
	return nil
}

// validateEvidenceDepth applies the depth heuristic for documented items:
// at least one file reviewed and a substantive approach statement. Schema
// conformance is checked separately; this guards against payloads that are
// valid but empty of substance.
func validateEvidenceDepth(evidence map[string]any) error {
	files, _ := evidence["files_reviewed"].([]any)
	if len(files) == 0 {
		return fmt.Errorf("evidence must list at least one reviewed file")
	}
	approach, _ := evidence["approach_decision"].(string)
	if len(strings.TrimSpace(approach)) < minApproachStatement {
		return fmt.Errorf("approach_decision must be at least %d characters", minApproachStatement)
	}
	return nil
}
