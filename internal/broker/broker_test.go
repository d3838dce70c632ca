package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/token"
	"github.com/wardenlabs/warden/internal/workflow"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    "test",
		Version: "1.0",
		Phases: []workflow.Phase{
			{
				ID:             "PLAN",
				AllowedTools:   []string{"read_files", "search_code"},
				ForbiddenTools: []string{"write_files", "run_*"},
			},
			{
				ID:           "TDD",
				AllowedTools: []string{"read_files", "write_files", "run_tests"},
			},
		},
	}
}

type brokerFixture struct {
	broker *Broker
	tokens *token.Service
	log    *audit.Log
	bus    *events.Bus
}

func newFixture(t *testing.T, opts ...Option) *brokerFixture {
	t.Helper()
	tokens, err := token.NewService("test-secret", time.Hour, nil)
	require.NoError(t, err)
	log := audit.NewLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	bus := events.NewBus(nil)
	return &brokerFixture{
		broker: New(tokens, testDefinition(), log, bus, nil, opts...),
		tokens: tokens,
		log:    log,
		bus:    bus,
	}
}

func (f *brokerFixture) issue(t *testing.T, taskID, phase string, tools []string) string {
	t.Helper()
	raw, err := f.tokens.Issue(taskID, phase, tools)
	require.NoError(t, err)
	return raw
}

func TestExecute_ValidTokenAndAllowedTool(t *testing.T) {
	f := newFixture(t)
	f.broker.Register("read_files", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"content": "package main"}, nil
	})

	var received []events.Event
	f.bus.Subscribe(events.TopicToolExecuted, func(e events.Event) {
		received = append(received, e)
	})

	tok := f.issue(t, "TASK-001", "PLAN", []string{"read_files", "search_code"})
	result, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "read_files",
		Args:   map[string]any{"path": "main.go"},
	})
	require.NoError(t, err)
	assert.NotNil(t, result)

	entries, err := f.log.Query(audit.Query{TaskID: "TASK-001"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "read_files", entries[0].Tool)
	assert.Equal(t, "PLAN", entries[0].Phase)
	assert.True(t, entries[0].Success)
	assert.Contains(t, entries[0].Result, "package main")

	require.Len(t, received, 1)
	assert.Equal(t, "TASK-001", received[0].TaskID)
}

func TestExecute_InvalidTokenIsNotAudited(t *testing.T) {
	f := newFixture(t)
	f.broker.Register("read_files", func(ctx context.Context, args map[string]any) (any, error) {
		t.Fatal("backend must not run without a valid token")
		return nil, nil
	})

	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  "not-a-token",
		Tool:   "read_files",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wardenerrors.ErrTokenInvalid())

	entries, err := f.log.Query(audit.Query{})
	require.NoError(t, err)
	assert.Empty(t, entries, "denied calls leave the audit log unchanged")
}

func TestExecute_TokenForWrongTask(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "TASK-001", "PLAN", nil)

	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-002",
		Token:  tok,
		Tool:   "read_files",
	})
	assert.ErrorIs(t, err, wardenerrors.ErrTokenInvalid())
}

func TestExecute_ForbiddenToolWins(t *testing.T) {
	f := newFixture(t)
	f.broker.Register("write_files", func(ctx context.Context, args map[string]any) (any, error) {
		t.Fatal("forbidden tool must never reach its backend")
		return nil, nil
	})

	// Even a token that grants write_files cannot beat the phase's
	// forbidden list.
	tok := f.issue(t, "TASK-001", "PLAN", []string{"read_files", "write_files"})
	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "write_files",
	})
	require.Error(t, err)
	wErr := wardenerrors.AsWardenError(err)
	require.NotNil(t, wErr)
	assert.Equal(t, wardenerrors.CodeToolForbidden, wErr.Code)
	assert.Equal(t, 403, wErr.HTTPStatus())

	entries, qErr := f.log.Query(audit.Query{})
	require.NoError(t, qErr)
	assert.Empty(t, entries)
}

func TestExecute_ForbiddenPatternMatches(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "TASK-001", "PLAN", []string{"run_tests"})

	// "run_*" in the forbidden list covers run_tests.
	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "run_tests",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerrors.CodeToolForbidden, wardenerrors.AsWardenError(err).Code)
}

func TestExecute_ToolOutsideAllowList(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "TASK-001", "TDD", []string{"read_files"})

	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "write_files",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerrors.CodeToolForbidden, wardenerrors.AsWardenError(err).Code)
}

func TestExecute_UnregisteredTool(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "TASK-001", "PLAN", []string{"search_code"})

	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "search_code",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerrors.CodeToolNotRegistered, wardenerrors.AsWardenError(err).Code)
}

func TestExecute_BackendFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	f.broker.Register("read_files", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("file not found")
	})

	tok := f.issue(t, "TASK-001", "PLAN", []string{"read_files"})
	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "read_files",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerrors.CodeBackendFailed, wardenerrors.AsWardenError(err).Code)

	entries, qErr := f.log.Query(audit.Query{})
	require.NoError(t, qErr)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, "file not found")
}

func TestExecute_BackendTimeout(t *testing.T) {
	f := newFixture(t, WithBackendTimeout(20*time.Millisecond))
	f.broker.Register("read_files", func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tok := f.issue(t, "TASK-001", "PLAN", []string{"read_files"})
	_, err := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "read_files",
	})
	require.Error(t, err)
	wErr := wardenerrors.AsWardenError(err)
	require.NotNil(t, wErr)
	assert.Equal(t, wardenerrors.CodeBackendTimeout, wErr.Code)
	assert.Equal(t, 504, wErr.HTTPStatus())

	entries, qErr := f.log.Query(audit.Query{})
	require.NoError(t, qErr)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestExecute_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	expired, err := token.NewService("test-secret", -time.Minute, nil)
	require.NoError(t, err)
	tok, err := expired.Issue("TASK-001", "PLAN", []string{"read_files"})
	require.NoError(t, err)

	_, execErr := f.broker.Execute(context.Background(), Request{
		TaskID: "TASK-001",
		Token:  tok,
		Tool:   "read_files",
	})
	assert.ErrorIs(t, execErr, wardenerrors.ErrTokenInvalid())
}

func TestRegisteredTools(t *testing.T) {
	f := newFixture(t)
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	f.broker.Register("read_files", noop)
	f.broker.Register("write_files", noop)

	assert.ElementsMatch(t, []string{"read_files", "write_files"}, f.broker.RegisteredTools())
}

func TestMatchAny(t *testing.T) {
	assert.True(t, matchAny([]string{"read_files"}, "read_files"))
	assert.True(t, matchAny([]string{"run_*"}, "run_tests"))
	assert.False(t, matchAny([]string{"run_*"}, "read_files"))
	assert.False(t, matchAny(nil, "read_files"))
}
