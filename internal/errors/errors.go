// Package errors provides structured error types for warden.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for warden.
const (
	// Structural errors (workflow document, schemas)
	CodeWorkflowInvalid Code = "WORKFLOW_INVALID"
	CodeSchemaUnknown   Code = "SCHEMA_UNKNOWN"

	// Authentication errors
	CodeTokenInvalid  Code = "TOKEN_INVALID"
	CodeSecretMissing Code = "SECRET_MISSING"

	// Authorization errors
	CodeToolForbidden Code = "TOOL_FORBIDDEN"
	CodeSkipRefused   Code = "SKIP_REFUSED"

	// Validation errors
	CodeArtifactInvalid Code = "ARTIFACT_INVALID"
	CodeEvidenceShallow Code = "EVIDENCE_SHALLOW"

	// State machine errors
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeApprovalRequired   Code = "APPROVAL_REQUIRED"
	CodePhaseIncomplete    Code = "PHASE_INCOMPLETE"

	// Task / workflow errors
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeWorkflowActive    Code = "WORKFLOW_ACTIVE"
	CodeWorkflowTerminal  Code = "WORKFLOW_TERMINAL"
	CodeItemNotFound      Code = "ITEM_NOT_FOUND"
	CodeItemTerminal      Code = "ITEM_TERMINAL"
	CodeTransitionUnknown Code = "TRANSITION_UNKNOWN"

	// Backend errors
	CodeToolNotRegistered Code = "TOOL_NOT_REGISTERED"
	CodeBackendFailed     Code = "BACKEND_FAILED"
	CodeBackendTimeout    Code = "BACKEND_TIMEOUT"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryDenied
	CategoryConflict
	CategoryInternal
	CategoryTimeout
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeWorkflowInvalid:    CategoryBadRequest,
	CodeSchemaUnknown:      CategoryBadRequest,
	CodeTokenInvalid:       CategoryDenied,
	CodeSecretMissing:      CategoryInternal,
	CodeToolForbidden:      CategoryDenied,
	CodeSkipRefused:        CategoryDenied,
	CodeArtifactInvalid:    CategoryBadRequest,
	CodeEvidenceShallow:    CategoryBadRequest,
	CodeVerificationFailed: CategoryBadRequest,
	CodeApprovalRequired:   CategoryDenied,
	CodePhaseIncomplete:    CategoryBadRequest,
	CodeTaskNotFound:       CategoryNotFound,
	CodeWorkflowActive:     CategoryConflict,
	CodeWorkflowTerminal:   CategoryBadRequest,
	CodeItemNotFound:       CategoryNotFound,
	CodeItemTerminal:       CategoryBadRequest,
	CodeTransitionUnknown:  CategoryBadRequest,
	CodeToolNotRegistered:  CategoryBadRequest,
	CodeBackendFailed:      CategoryBadRequest,
	CodeBackendTimeout:     CategoryTimeout,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryDenied:
		return 403
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// WardenError is the structured error type for warden.
type WardenError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *WardenError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *WardenError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *WardenError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *WardenError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *WardenError) MarshalJSON() ([]byte, error) {
	type alias WardenError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a WardenError with the same code.
func (e *WardenError) Is(target error) bool {
	t, ok := target.(*WardenError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *WardenError) WithCause(err error) *WardenError {
	return &WardenError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrWorkflowInvalid reports a structurally invalid workflow document.
// problems lists every offending field so the operator can fix them in one pass.
func ErrWorkflowInvalid(problems []string) *WardenError {
	return &WardenError{
		Code: CodeWorkflowInvalid,
		What: "workflow document is invalid",
		Why:  strings.Join(problems, "; "),
		Fix:  "Fix the listed fields in the workflow YAML and reload",
	}
}

// ErrSchemaUnknown reports an unresolvable schema reference.
func ErrSchemaUnknown(ref string) *WardenError {
	return &WardenError{
		Code: CodeSchemaUnknown,
		What: fmt.Sprintf("unknown schema reference %q", ref),
		Why:  "The workflow names a schema that is not registered",
		Fix:  "Register the schema under .warden/schemas/ or correct the reference",
	}
}

// ErrTokenInvalid is the single generic authentication failure surfaced to
// clients. The specific reason is logged server-side only.
func ErrTokenInvalid() *WardenError {
	return &WardenError{
		Code: CodeTokenInvalid,
		What: "phase token is invalid",
		Fix:  "Re-claim the task or request a transition to obtain a fresh token",
	}
}

// ErrSecretMissing reports a missing signing secret at startup.
func ErrSecretMissing() *WardenError {
	return &WardenError{
		Code: CodeSecretMissing,
		What: "ORCHESTRATOR_JWT_SECRET is not set",
		Why:  "Phase tokens cannot be signed or verified without the shared secret",
		Fix:  "Export ORCHESTRATOR_JWT_SECRET before starting warden",
	}
}

// ErrToolForbidden reports a tool denied for the current phase.
func ErrToolForbidden(tool, phase, rule string) *WardenError {
	return &WardenError{
		Code: CodeToolForbidden,
		What: fmt.Sprintf("tool %q is not permitted in phase %q", tool, phase),
		Why:  rule,
	}
}

// ErrSkipRefused reports a refused item skip.
func ErrSkipRefused(itemID, rule string) *WardenError {
	return &WardenError{
		Code: CodeSkipRefused,
		What: fmt.Sprintf("item %q cannot be skipped", itemID),
		Why:  rule,
	}
}

// ErrArtifactInvalid reports a payload that failed schema validation.
// problems carry dotted field paths.
func ErrArtifactInvalid(artifactType string, problems []string) *WardenError {
	return &WardenError{
		Code: CodeArtifactInvalid,
		What: fmt.Sprintf("artifact %q failed schema validation", artifactType),
		Why:  strings.Join(problems, "; "),
	}
}

// ErrEvidenceShallow reports evidence that fails the depth heuristic.
func ErrEvidenceShallow(itemID, rule string) *WardenError {
	return &WardenError{
		Code: CodeEvidenceShallow,
		What: fmt.Sprintf("evidence for item %q is insufficient", itemID),
		Why:  rule,
		Fix:  "Provide substantive evidence: files reviewed and a concrete approach statement",
	}
}

// ErrVerificationFailed reports a gate verification command that did not pass.
func ErrVerificationFailed(itemID string, detail string) *WardenError {
	return &WardenError{
		Code: CodeVerificationFailed,
		What: fmt.Sprintf("verification for item %q failed", itemID),
		Why:  detail,
	}
}

// ErrApprovalRequired reports a manual gate awaiting human approval.
func ErrApprovalRequired(itemID string) *WardenError {
	return &WardenError{
		Code: CodeApprovalRequired,
		What: fmt.Sprintf("item %q requires human approval", itemID),
		Fix:  "Approve the item via approve-item, or run under zero_human supervision",
	}
}

// ErrPhaseIncomplete reports a phase advance blocked by unfinished items.
func ErrPhaseIncomplete(phase string, blockers []string) *WardenError {
	return &WardenError{
		Code: CodePhaseIncomplete,
		What: fmt.Sprintf("phase %q is not ready to advance", phase),
		Why:  strings.Join(blockers, "; "),
	}
}

// ErrTaskNotFound reports an unknown task.
func ErrTaskNotFound(id string) *WardenError {
	return &WardenError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Fix:  "Claim the task first via POST /api/v1/tasks/claim",
	}
}

// ErrWorkflowActive reports a duplicate active workflow in the session scope.
func ErrWorkflowActive(sessionID string) *WardenError {
	return &WardenError{
		Code: CodeWorkflowActive,
		What: "an active workflow already exists in this session",
		Why:  fmt.Sprintf("Session %s holds an unfinished workflow instance", sessionID),
		Fix:  "Complete or abandon the current workflow before starting another",
	}
}

// ErrWorkflowTerminal reports mutation of a completed or abandoned workflow.
func ErrWorkflowTerminal(status string) *WardenError {
	return &WardenError{
		Code: CodeWorkflowTerminal,
		What: fmt.Sprintf("workflow is %s and can no longer be modified", status),
	}
}

// ErrItemNotFound reports an unknown checklist item in the current phase.
func ErrItemNotFound(itemID, phase string) *WardenError {
	return &WardenError{
		Code: CodeItemNotFound,
		What: fmt.Sprintf("item %q not found in phase %q", itemID, phase),
	}
}

// ErrItemTerminal reports mutation of a completed or skipped item.
func ErrItemTerminal(itemID, status string) *WardenError {
	return &WardenError{
		Code: CodeItemTerminal,
		What: fmt.Sprintf("item %q is already %s", itemID, status),
	}
}

// ErrTransitionUnknown reports an undefined phase transition.
func ErrTransitionUnknown(from, to string) *WardenError {
	return &WardenError{
		Code: CodeTransitionUnknown,
		What: fmt.Sprintf("no transition defined from %q to %q", from, to),
		Fix:  "Check the workflow document's transitions list",
	}
}

// ErrToolNotRegistered reports a tool with no registered backend.
func ErrToolNotRegistered(tool string) *WardenError {
	return &WardenError{
		Code: CodeToolNotRegistered,
		What: fmt.Sprintf("no backend registered for tool %q", tool),
		Fix:  "Register the tool backend at startup before agents call it",
	}
}

// ErrBackendFailed wraps a backend-reported tool failure.
func ErrBackendFailed(tool string, cause error) *WardenError {
	return &WardenError{
		Code:  CodeBackendFailed,
		What:  fmt.Sprintf("tool %q failed", tool),
		Cause: cause,
	}
}

// ErrBackendTimeout reports a backend that exceeded the broker's outer bound.
func ErrBackendTimeout(tool string, timeout string) *WardenError {
	return &WardenError{
		Code: CodeBackendTimeout,
		What: fmt.Sprintf("tool %q timed out", tool),
		Why:  fmt.Sprintf("No result after %s", timeout),
	}
}

// AsWardenError attempts to convert an error to a WardenError.
// Returns nil if the error is not a WardenError.
func AsWardenError(err error) *WardenError {
	var wErr *WardenError
	if As(err, &wErr) {
		return wErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if wErr, ok := err.(*WardenError); ok {
		if t, ok := target.(**WardenError); ok {
			*t = wErr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a WardenError with unknown code.
func Wrap(err error, what string) *WardenError {
	return &WardenError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
