// Package gate provides gate evaluation for warden phase transitions.
// A gate is an ordered list of named blocker checks run over the artifacts
// submitted at a phase boundary; the gate passes iff no blocking check
// produces a message.
package gate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Artifact type names the built-in checks read.
const (
	ArtifactPlan    = "plan_document"
	ArtifactTestRun = "test_run_result"
	ArtifactReview  = "review"
)

// Check inspects submitted artifacts and returns blocker messages.
// An empty return means the check passed.
type Check func(artifacts gjson.Result) []string

// checks is the closed set of built-in blocker checks. Unknown names in a
// workflow document are skipped, which keeps old orchestrators compatible
// with newer documents.
var checks = map[string]Check{
	"plan_has_acceptance_criteria": planHasAcceptanceCriteria,
	"tests_are_failing":            testsAreFailing,
	"all_tests_pass":               allTestsPass,
	"no_blocking_issues":           noBlockingIssues,
}

// planHasAcceptanceCriteria verifies the plan artifact carries at least one
// acceptance criterion, each with a non-empty criterion and how_to_verify.
func planHasAcceptanceCriteria(artifacts gjson.Result) []string {
	plan := artifacts.Get(ArtifactPlan)
	if !plan.Exists() {
		return []string{"Plan artifact is required"}
	}

	criteria := plan.Get("acceptance_criteria")
	if !criteria.IsArray() || len(criteria.Array()) == 0 {
		return []string{"Plan must include at least one acceptance criterion"}
	}

	var blockers []string
	for i, criterion := range criteria.Array() {
		if strings.TrimSpace(criterion.Get("criterion").String()) == "" ||
			strings.TrimSpace(criterion.Get("how_to_verify").String()) == "" {
			blockers = append(blockers, fmt.Sprintf("Acceptance criterion %d must include 'criterion' and 'how_to_verify'", i+1))
		}
	}
	return blockers
}

// testsAreFailing verifies the TDD RED precondition: a test run exists,
// exited non-zero, and reported at least one failure.
func testsAreFailing(artifacts gjson.Result) []string {
	run := artifacts.Get(ArtifactTestRun)
	if !run.Exists() {
		return []string{"Test run artifact is required"}
	}
	if run.Get("exit_code").Int() == 0 || run.Get("failed").Int() == 0 {
		return []string{"Tests must be failing for TDD RED phase"}
	}
	return nil
}

// allTestsPass verifies the TDD GREEN condition: zero failures, clean exit,
// and at least one passing test.
func allTestsPass(artifacts gjson.Result) []string {
	run := artifacts.Get(ArtifactTestRun)
	if !run.Exists() {
		return []string{"Test run artifact is required"}
	}
	if failed := run.Get("failed").Int(); failed > 0 {
		return []string{fmt.Sprintf("%d test(s) failed", failed)}
	}
	if run.Get("exit_code").Int() != 0 {
		return []string{"Test command exited non-zero"}
	}
	if run.Get("passed").Int() == 0 {
		return []string{"No passing tests recorded"}
	}
	return nil
}

// noBlockingIssues verifies the review artifact lists no blocking issues.
func noBlockingIssues(artifacts gjson.Result) []string {
	review := artifacts.Get(ArtifactReview)
	if !review.Exists() {
		return []string{"Review artifact is required"}
	}

	issues := review.Get("blocking_issues").Array()
	if len(issues) == 0 {
		return nil
	}

	summaries := make([]string, 0, len(issues))
	for _, issue := range issues {
		if s := issue.Get("summary").String(); s != "" {
			summaries = append(summaries, s)
		} else {
			summaries = append(summaries, issue.String())
		}
	}
	return []string{fmt.Sprintf("Found %d blocking issue(s): %s", len(issues), strings.Join(summaries, "; "))}
}
