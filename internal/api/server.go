package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wardenlabs/warden/internal/artifact"
	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/broker"
	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/gate"
	"github.com/wardenlabs/warden/internal/machine"
	"github.com/wardenlabs/warden/internal/registry"
	"github.com/wardenlabs/warden/internal/token"
	"github.com/wardenlabs/warden/internal/workflow"
)

// Server is the warden API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	def       *workflow.Definition
	tokens    *token.Service
	broker    *broker.Broker
	machine   *machine.Machine
	registry  *registry.Store
	artifacts *artifact.Registry
	audit     *audit.Log
	bus       *events.Bus
	gates     *gate.Evaluator

	wsHandler  *WSHandler
	httpServer *http.Server
}

// Config wires the server's collaborators.
type Config struct {
	Addr      string
	Def       *workflow.Definition
	Tokens    *token.Service
	Broker    *broker.Broker
	Machine   *machine.Machine
	Registry  *registry.Store
	Artifacts *artifact.Registry
	Audit     *audit.Log
	Bus       *events.Bus
	Logger    *slog.Logger
}

// New creates the API server and registers its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
		logger:    logger,
		def:       cfg.Def,
		tokens:    cfg.Tokens,
		broker:    cfg.Broker,
		machine:   cfg.Machine,
		registry:  cfg.Registry,
		artifacts: cfg.Artifacts,
		audit:     cfg.Audit,
		bus:       cfg.Bus,
		gates:     gate.NewEvaluator(logger),
	}
	s.wsHandler = NewWSHandler(cfg.Bus, logger)
	s.registerRoutes()
	return s
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/tasks/claim", s.handleClaim)
	s.mux.HandleFunc("POST /api/v1/tasks/transition", s.handleTransition)
	s.mux.HandleFunc("POST /api/v1/tools/execute", s.handleExecute)
	s.mux.HandleFunc("GET /api/v1/state/snapshot", s.handleSnapshot)

	s.mux.HandleFunc("POST /api/v1/items/complete", s.handleCompleteItem)
	s.mux.HandleFunc("POST /api/v1/items/skip", s.handleSkipItem)
	s.mux.HandleFunc("POST /api/v1/items/approve", s.handleApproveItem)
	s.mux.HandleFunc("POST /api/v1/phases/approve", s.handleApprovePhase)

	s.mux.HandleFunc("GET /api/v1/audit/query", s.handleAuditQuery)
	s.mux.HandleFunc("GET /api/v1/audit/stats", s.handleAuditStats)

	s.mux.HandleFunc("GET /api/v1/events", s.handleEventHistory)
	s.mux.HandleFunc("GET /api/v1/events/ws", s.wsHandler.ServeHTTP)
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("warden API listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("API server: %w", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]any{
		"service":  "warden",
		"workflow": s.def.Name,
		"version":  s.def.Version,
		"endpoints": []string{
			"POST /api/v1/tasks/claim",
			"POST /api/v1/tasks/transition",
			"POST /api/v1/tools/execute",
			"POST /api/v1/items/complete",
			"POST /api/v1/items/skip",
			"GET /api/v1/state/snapshot",
			"GET /api/v1/audit/query",
			"GET /api/v1/audit/stats",
			"GET /api/v1/events",
			"GET /api/v1/events/ws",
			"GET /health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSONResponse(w, map[string]any{
		"status":   "ok",
		"workflow": s.def.Name,
		"version":  s.def.Version,
	})
}
