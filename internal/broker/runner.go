// Package broker implements warden's capability-scoped tool broker: the
// single entry point for agent tool calls, plus the bounded command runner
// used for gate verifications.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds gate verification commands.
const DefaultCommandTimeout = 300 * time.Second

// unsafeChars are shell metacharacters rejected in verification commands.
// Commands are run without a shell, but scrubbing keeps a hostile workflow
// document from smuggling anything past the exec layer.
const unsafeChars = ";&|`$(){}[]<>\\!"

// CommandResult is the outcome of a verification command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Success reports whether the command exited cleanly.
func (r *CommandResult) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// ScrubCommand rejects commands containing shell metacharacters or newlines.
func ScrubCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("scrub command: empty command")
	}
	if strings.ContainsAny(command, unsafeChars) {
		return fmt.Errorf("scrub command: shell metacharacters are not permitted: %q", command)
	}
	if strings.ContainsAny(command, "\n\r") {
		return fmt.Errorf("scrub command: newlines are not permitted")
	}
	return nil
}

// CommandRunner executes scrubbed verification commands with a wall-clock
// timeout.
type CommandRunner struct {
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOption configures a CommandRunner.
type RunnerOption func(*CommandRunner)

// WithTimeout sets the command timeout.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *CommandRunner) {
		r.timeout = d
	}
}

// NewCommandRunner creates a runner executing commands in workDir.
func NewCommandRunner(workDir string, logger *slog.Logger, opts ...RunnerOption) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CommandRunner{
		workDir: workDir,
		timeout: DefaultCommandTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scrubs and executes a command, returning its result. A non-zero exit
// is a valid result, not an error; errors are reserved for scrub failures
// and infrastructure problems.
func (r *CommandRunner) Run(ctx context.Context, command string) (*CommandResult, error) {
	if err := ScrubCommand(command); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields := strings.Fields(command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = r.workDir
	cmd.WaitDelay = time.Second // Allow I/O to drain after context cancellation

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running verification command", "command", command, "dir", r.workDir)

	err := cmd.Run()

	result := &CommandResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Infrastructure error (not found, permission denied, etc.)
		return nil, fmt.Errorf("run verification command %q: %w", command, err)
	}
	return result, nil
}
