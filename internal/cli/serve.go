package cli

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wardenlabs/warden/internal/api"
	"github.com/wardenlabs/warden/internal/artifact"
	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/broker"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/machine"
	"github.com/wardenlabs/warden/internal/registry"
	"github.com/wardenlabs/warden/internal/session"
	"github.com/wardenlabs/warden/internal/token"
	"github.com/wardenlabs/warden/internal/workflow"
	"github.com/wardenlabs/warden/templates"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// defaultTokenExpiry applies when the workflow does not configure one.
const defaultTokenExpiry = 30 * time.Minute

// newServeCmd creates the serve command for the enforcement API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the enforcement API server",
		Long: `Start the warden API server that agents talk to.

The server provides REST endpoints and a websocket event stream for:
  • Task claiming and phase transitions
  • Brokered tool execution with per-phase authorization
  • Checklist item completion and skips
  • Audit queries and coordination snapshots

The phase-token signing secret must be present in the
ORCHESTRATOR_JWT_SECRET environment variable; the server refuses to
start without it.

Example:
  warden serve                       # Listen on the configured address
  warden serve --port 3000           # Override the port
  warden serve --task "Fix login"    # Also start a workflow instance`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}

			secret, err := config.JWTSecret()
			if err != nil {
				return err
			}

			logger := newLogger()
			def, err := loadWorkflow(cfg)
			if err != nil {
				return err
			}

			layout := session.NewLayout(".")
			if err := os.MkdirAll(layout.Dir(), 0o755); err != nil {
				return fmt.Errorf("create %s directory: %w", session.WardenDir, err)
			}

			bus := events.NewBus(logger, events.WithHistorySize(cfg.EventHistorySize))
			defer bus.Close()

			artifacts := artifact.NewRegistry(logger)
			if err := artifacts.LoadFS(templates.Schemas, "schemas"); err != nil {
				return fmt.Errorf("load embedded schemas: %w", err)
			}
			if err := artifacts.LoadDir(layout.SchemasDir()); err != nil {
				return err
			}
			if err := checkSchemaRefs(def, artifacts); err != nil {
				return err
			}

			store, err := registry.NewStore(layout.CoordinationPath(), bus, logger)
			if err != nil {
				return err
			}
			auditLog := audit.NewLog(layout.AuditPath())

			expiry := defaultTokenExpiry
			if s := def.Enforcement.PhaseTokens.ExpirySeconds; s > 0 {
				expiry = time.Duration(s) * time.Second
			}
			tokens, err := token.NewService(secret, expiry, logger)
			if err != nil {
				return err
			}

			brk := broker.New(tokens, def, auditLog, bus, logger,
				broker.WithBackendTimeout(cfg.BackendTimeout))
			runner := broker.NewCommandRunner(".", logger,
				broker.WithTimeout(cfg.CommandTimeout))

			sessionID, err := currentOrNewSession(layout)
			if err != nil {
				return err
			}
			mach, err := machine.NewMachine(layout, sessionID, runner, artifacts, bus, logger)
			if err != nil {
				return err
			}

			// Durable session event log alongside the state document.
			sink := events.NewFileSink(layout.LogPath(sessionID), logger)
			bus.Subscribe(events.TopicAll, sink.Handle)

			if task, _ := cmd.Flags().GetString("task"); task != "" {
				if _, err := mach.StartWorkflow(def, task, nil, cfg.Settings()); err != nil {
					return err
				}
				logger.Info("workflow started", "session", sessionID, "task", task)
			}

			server := api.New(api.Config{
				Addr:      cfg.Server.Addr(),
				Def:       def,
				Tokens:    tokens,
				Broker:    brk,
				Machine:   mach,
				Registry:  store,
				Artifacts: artifacts,
				Audit:     auditLog,
				Bus:       bus,
				Logger:    logger,
			})

			if !quiet {
				fmt.Printf("Starting warden API server on %s...\n", cfg.Server.Addr())
				fmt.Println("Press Ctrl+C to stop")
			}

			// Handle graceful shutdown
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(ctx)
			})
			g.Go(func() error {
				select {
				case <-sigCh:
					if !quiet {
						fmt.Println("\nShutting down...")
					}
					cancel()
				case <-ctx.Done():
				}
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().String("host", "", "host to bind (overrides config)")
	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("task", "", "start a workflow instance for this task description")

	return cmd
}

// loadConfig loads the warden config, honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// loadWorkflow loads the configured workflow document, falling back to the
// embedded default.
func loadWorkflow(cfg *config.Config) (*workflow.Definition, error) {
	if cfg.WorkflowPath != "" {
		return workflow.Load(cfg.WorkflowPath)
	}
	data, err := fs.ReadFile(templates.Workflows, templates.DefaultWorkflowPath)
	if err != nil {
		return nil, fmt.Errorf("read embedded workflow: %w", err)
	}
	return workflow.Parse(data)
}

// checkSchemaRefs verifies every schema the workflow names resolves in the
// registry. An unresolved reference is a startup error, not something to
// discover at a phase boundary.
func checkSchemaRefs(def *workflow.Definition, schemas *artifact.Registry) error {
	for _, ref := range def.SchemaRefs() {
		if !schemas.Has(ref) {
			return wardenerrors.ErrSchemaUnknown(ref)
		}
	}
	return nil
}

// currentOrNewSession resumes the recorded session or creates a fresh one.
func currentOrNewSession(layout *session.Layout) (string, error) {
	id, err := layout.Current()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = session.NewSessionID()
	if err := os.MkdirAll(layout.SessionDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	if err := layout.SetCurrent(id); err != nil {
		return "", err
	}
	return id, nil
}

// newLogger builds the process logger from the global verbosity flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
