package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWardenError_Error(t *testing.T) {
	err := &WardenError{
		Code: CodeTaskNotFound,
		What: "task T-1 not found",
		Why:  "never claimed",
	}
	assert.Equal(t, "task T-1 not found: never claimed", err.Error())
}

func TestWardenError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := ErrBackendFailed("run_tests", cause)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWardenError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *WardenError
		status int
	}{
		{"token invalid is 403", ErrTokenInvalid(), 403},
		{"tool forbidden is 403", ErrToolForbidden("write_files", "PLAN", "not in allow list"), 403},
		{"skip refused is 403", ErrSkipRefused("write-tests", "required items cannot be skipped"), 403},
		{"task not found is 404", ErrTaskNotFound("T-9"), 404},
		{"workflow active is 409", ErrWorkflowActive("sess-1"), 409},
		{"terminal workflow is 400", ErrWorkflowTerminal("completed"), 400},
		{"unknown transition is 400", ErrTransitionUnknown("PLAN", "LEARN"), 400},
		{"backend timeout is 504", ErrBackendTimeout("run_tests", "300s"), 504},
		{"missing secret is 500", ErrSecretMissing(), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestWardenError_Is(t *testing.T) {
	err := ErrTaskNotFound("T-1")
	assert.True(t, errors.Is(err, &WardenError{Code: CodeTaskNotFound}))
	assert.False(t, errors.Is(err, &WardenError{Code: CodeTokenInvalid}))
}

func TestAsWardenError(t *testing.T) {
	inner := ErrToolNotRegistered("fetch_url")
	wrapped := fmt.Errorf("execute: %w", inner)

	got := AsWardenError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeToolNotRegistered, got.Code)

	assert.Nil(t, AsWardenError(fmt.Errorf("plain")))
}

func TestWardenError_MarshalJSON(t *testing.T) {
	err := ErrBackendFailed("run_tests", fmt.Errorf("exit 2"))
	data, mErr := json.Marshal(err)
	require.NoError(t, mErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "BACKEND_FAILED", decoded["code"])
	assert.Equal(t, "exit 2", decoded["cause"])
}

func TestErrWorkflowInvalid_ListsAllProblems(t *testing.T) {
	err := ErrWorkflowInvalid([]string{"phases[0].id: missing", "transitions[1].to: unknown phase"})
	assert.Contains(t, err.Why, "phases[0].id")
	assert.Contains(t, err.Why, "transitions[1].to")
}
