package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/token"
	"github.com/wardenlabs/warden/internal/workflow"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// Backend executes one tool. The broker never implements tool logic itself;
// backends are registered by the host process at startup.
type Backend func(ctx context.Context, args map[string]any) (any, error)

// Request is one agent tool call.
type Request struct {
	TaskID string         `json:"task_id"`
	Token  string         `json:"phase_token"`
	Tool   string         `json:"tool_name"`
	Args   map[string]any `json:"args,omitempty"`
}

// DefaultBackendTimeout is the broker's outer bound on backend execution.
const DefaultBackendTimeout = 120 * time.Second

// Broker validates, dispatches, audits, and publishes agent tool calls.
type Broker struct {
	tokens *token.Service
	def    *workflow.Definition
	log    *audit.Log
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]Backend

	backendTimeout time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithBackendTimeout sets the outer bound on backend execution.
func WithBackendTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.backendTimeout = d
	}
}

// New creates a tool broker.
func New(tokens *token.Service, def *workflow.Definition, log *audit.Log, bus *events.Bus, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		tokens:         tokens,
		def:            def,
		log:            log,
		bus:            bus,
		logger:         logger,
		backends:       make(map[string]Backend),
		backendTimeout: DefaultBackendTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a backend for a tool name. Later registrations replace
// earlier ones.
func (b *Broker) Register(tool string, backend Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backends[tool] = backend
}

// RegisteredTools returns the names of all registered backends.
func (b *Broker) RegisteredTools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tools := make([]string, 0, len(b.backends))
	for name := range b.backends {
		tools = append(tools, name)
	}
	return tools
}

// Execute runs one brokered tool call: token verification, per-phase
// allow/deny, backend dispatch, audit append, event publish.
// A denied call mutates nothing and is not audited.
func (b *Broker) Execute(ctx context.Context, req Request) (any, error) {
	// The token is the claim: the phase comes from its contents, not from
	// workflow state.
	claims, err := b.tokens.Decode(req.Token)
	if err != nil || !b.tokens.Verify(req.Token, req.TaskID, claims.Phase) {
		return nil, wardenerrors.ErrTokenInvalid()
	}
	phase := claims.Phase

	if err := b.authorize(req.Tool, phase, claims.AllowedTools); err != nil {
		return nil, err
	}

	b.mu.RLock()
	backend, ok := b.backends[req.Tool]
	b.mu.RUnlock()
	if !ok {
		return nil, wardenerrors.ErrToolNotRegistered(req.Tool)
	}

	start := time.Now()
	result, execErr := b.invoke(ctx, req.Tool, backend, req.Args)
	duration := time.Since(start)

	entry := audit.Entry{
		Timestamp:  start,
		TaskID:     req.TaskID,
		Phase:      phase,
		Tool:       req.Tool,
		Args:       req.Args,
		DurationMs: duration.Milliseconds(),
		Success:    execErr == nil,
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	} else {
		entry.Result = stringify(result)
	}
	if err := b.log.Append(entry); err != nil {
		b.logger.Error("failed to append audit entry", "tool", req.Tool, "error", err)
	}

	b.bus.Publish(events.New(events.TopicToolExecuted, req.TaskID, events.ToolExecutedData{
		Phase:      phase,
		Tool:       req.Tool,
		Success:    execErr == nil,
		DurationMs: duration.Milliseconds(),
	}))

	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// authorize applies per-phase allow/deny. Forbidden always wins; list
// entries may be doublestar patterns.
func (b *Broker) authorize(tool, phase string, allowedFromToken []string) error {
	phaseDef := b.def.PhaseByID(phase)
	if phaseDef == nil {
		return wardenerrors.ErrToolForbidden(tool, phase, "phase is not defined in the workflow")
	}

	if matchAny(phaseDef.ForbiddenTools, tool) {
		return wardenerrors.ErrToolForbidden(tool, phase, fmt.Sprintf("tool %q is on the phase's forbidden list", tool))
	}

	// The token carries the allow-list granted at issuance so the broker
	// needs no state round-trip.
	allowed := allowedFromToken
	if allowed == nil {
		allowed = phaseDef.AllowedTools
	}
	if !matchAny(allowed, tool) {
		return wardenerrors.ErrToolForbidden(tool, phase, fmt.Sprintf("tool %q is not on the phase's allow list", tool))
	}
	return nil
}

// invoke runs the backend under the broker's outer timeout.
func (b *Broker) invoke(ctx context.Context, tool string, backend Backend, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.backendTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := backend(ctx, args)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		// The backend call keeps running; expiry of the outer bound does
		// not interrupt it, only the broker's wait.
		return nil, wardenerrors.ErrBackendTimeout(tool, b.backendTimeout.String())
	case out := <-done:
		if out.err != nil {
			return nil, wardenerrors.ErrBackendFailed(tool, out.err)
		}
		return out.result, nil
	}
}

// matchAny reports whether name matches any entry, treating entries as
// doublestar patterns with literal fallback.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
