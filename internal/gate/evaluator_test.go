package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/workflow"
)

func evalGate(t *testing.T, g *workflow.Gate, artifacts map[string]any) *Result {
	t.Helper()
	result, err := NewEvaluator(nil).Evaluate(g, artifacts)
	require.NoError(t, err)
	return result
}

func singleCheckGate(check string) *workflow.Gate {
	return &workflow.Gate{
		ID:       "test_gate",
		Blockers: []workflow.Blocker{{Check: check, Severity: workflow.SeverityBlocking}},
	}
}

func validPlan() map[string]any {
	return map[string]any{
		"plan_document": map[string]any{
			"title": "A valid 10+ char title",
			"acceptance_criteria": []any{
				map[string]any{"criterion": "Feature works", "how_to_verify": "Test it"},
			},
			"implementation_steps": []any{"S1"},
		},
	}
}

func TestPlanHasAcceptanceCriteria_Passes(t *testing.T) {
	result := evalGate(t, singleCheckGate("plan_has_acceptance_criteria"), validPlan())
	assert.True(t, result.Passed)
	assert.Empty(t, result.Blockers)
}

func TestPlanHasAcceptanceCriteria_EmptyCriteria(t *testing.T) {
	artifacts := map[string]any{
		"plan_document": map[string]any{
			"title":               "A valid 10+ char title",
			"acceptance_criteria": []any{},
		},
	}
	result := evalGate(t, singleCheckGate("plan_has_acceptance_criteria"), artifacts)
	assert.False(t, result.Passed)
	require.Len(t, result.Blockers, 1)
	assert.Contains(t, result.Blockers[0], "at least one acceptance criterion")
}

func TestPlanHasAcceptanceCriteria_MissingArtifact(t *testing.T) {
	result := evalGate(t, singleCheckGate("plan_has_acceptance_criteria"), map[string]any{})
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "Plan artifact is required")
}

func TestPlanHasAcceptanceCriteria_EmptyFields(t *testing.T) {
	artifacts := map[string]any{
		"plan_document": map[string]any{
			"acceptance_criteria": []any{
				map[string]any{"criterion": "", "how_to_verify": "x"},
			},
		},
	}
	result := evalGate(t, singleCheckGate("plan_has_acceptance_criteria"), artifacts)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "criterion")
}

func TestTestsAreFailing(t *testing.T) {
	red := map[string]any{
		"test_run_result": map[string]any{"exit_code": 1, "passed": 0, "failed": 5},
	}
	result := evalGate(t, singleCheckGate("tests_are_failing"), red)
	assert.True(t, result.Passed)

	green := map[string]any{
		"test_run_result": map[string]any{"exit_code": 0, "passed": 10, "failed": 0},
	}
	result = evalGate(t, singleCheckGate("tests_are_failing"), green)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "TDD RED")

	// Non-zero exit with no recorded failures is a broken run, not RED.
	broken := map[string]any{
		"test_run_result": map[string]any{"exit_code": 2, "passed": 0, "failed": 0},
	}
	result = evalGate(t, singleCheckGate("tests_are_failing"), broken)
	assert.False(t, result.Passed)
}

func TestAllTestsPass(t *testing.T) {
	partial := map[string]any{
		"test_run_result": map[string]any{"exit_code": 1, "passed": 8, "failed": 2},
	}
	result := evalGate(t, singleCheckGate("all_tests_pass"), partial)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "2 test(s) failed")

	green := map[string]any{
		"test_run_result": map[string]any{"exit_code": 0, "passed": 10, "failed": 0},
	}
	result = evalGate(t, singleCheckGate("all_tests_pass"), green)
	assert.True(t, result.Passed)

	empty := map[string]any{
		"test_run_result": map[string]any{"exit_code": 0, "passed": 0, "failed": 0},
	}
	result = evalGate(t, singleCheckGate("all_tests_pass"), empty)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "No passing tests")
}

func TestNoBlockingIssues(t *testing.T) {
	clean := map[string]any{
		"review": map[string]any{"blocking_issues": []any{}},
	}
	result := evalGate(t, singleCheckGate("no_blocking_issues"), clean)
	assert.True(t, result.Passed)

	dirty := map[string]any{
		"review": map[string]any{
			"blocking_issues": []any{
				map[string]any{"summary": "SQL injection in login"},
				map[string]any{"summary": "missing error handling"},
			},
		},
	}
	result = evalGate(t, singleCheckGate("no_blocking_issues"), dirty)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Blockers[0], "Found 2 blocking issue(s)")
	assert.Contains(t, result.Blockers[0], "SQL injection in login")
}

func TestEvaluate_UnknownCheckIsSkipped(t *testing.T) {
	g := &workflow.Gate{
		ID: "future_gate",
		Blockers: []workflow.Blocker{
			{Check: "hovercraft_is_full_of_eels", Severity: workflow.SeverityBlocking},
			{Check: "plan_has_acceptance_criteria", Severity: workflow.SeverityBlocking},
		},
	}
	result := evalGate(t, g, validPlan())
	assert.True(t, result.Passed, "unknown checks must not fail the gate")
}

func TestEvaluate_WarningSeverityDoesNotBlock(t *testing.T) {
	g := &workflow.Gate{
		ID: "advisory_gate",
		Blockers: []workflow.Blocker{
			{Check: "no_blocking_issues", Severity: workflow.SeverityWarning},
		},
	}
	result := evalGate(t, g, map[string]any{})
	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Warnings)
}

func TestEvaluate_OrderedBlockersAccumulate(t *testing.T) {
	g := &workflow.Gate{
		ID: "combined",
		Blockers: []workflow.Blocker{
			{Check: "plan_has_acceptance_criteria"},
			{Check: "all_tests_pass"},
		},
	}
	result := evalGate(t, g, map[string]any{})
	assert.False(t, result.Passed)
	assert.Len(t, result.Blockers, 2)
}
