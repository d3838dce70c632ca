// Package config provides configuration management for warden.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/internal/session"
	"github.com/wardenlabs/warden/internal/workflow"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

const (
	// ConfigFileName is the default config file name inside .warden/.
	ConfigFileName = "config.yaml"

	// JWTSecretEnv names the environment variable holding the phase-token
	// signing secret. Required at startup.
	JWTSecretEnv = "ORCHESTRATOR_JWT_SECRET"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReviewConfig is advisory configuration consumed by the external review
// collaborator; warden stores and serves it but does not act on it.
type ReviewConfig struct {
	Enabled               bool     `yaml:"enabled"`
	MinimumRequired       int      `yaml:"minimum_required"`
	Fallbacks             []string `yaml:"fallbacks,omitempty"`
	OnInsufficientReviews string   `yaml:"on_insufficient_reviews,omitempty"`
}

// Config represents the warden configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// SupervisionMode controls manual-gate behavior
	// (supervised, zero_human, hybrid)
	SupervisionMode string `yaml:"supervision_mode"`

	// Commands template-expanded into gate verifications
	TestCommand      string `yaml:"test_command,omitempty"`
	BuildCommand     string `yaml:"build_command,omitempty"`
	SmokeTestCommand string `yaml:"smoke_test_command,omitempty"`

	// PhaseCritique enables the external critique collaborator (on by default)
	PhaseCritique bool `yaml:"phase_critique"`

	// Review settings, advisory
	Review ReviewConfig `yaml:"review"`

	// Server settings
	Server ServerConfig `yaml:"server"`

	// WorkflowPath points at the workflow document; empty uses the embedded
	// default workflow
	WorkflowPath string `yaml:"workflow_path,omitempty"`

	// CommandTimeout bounds gate verification commands
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// BackendTimeout is the broker's outer bound on tool backends
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	// EventHistorySize is the bus's ring-buffer capacity
	EventHistorySize int `yaml:"event_history_size"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:         1,
		SupervisionMode: string(workflow.SupervisionSupervised),
		PhaseCritique:   true,
		Review: ReviewConfig{
			Enabled:         true,
			MinimumRequired: 1,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7777,
		},
		CommandTimeout:   5 * time.Minute,
		BackendTimeout:   2 * time.Minute,
		EventHistorySize: 1000,
	}
}

// Settings projects the config into the flat settings map the state machine
// template-expands gate commands from.
func (c *Config) Settings() map[string]string {
	settings := map[string]string{
		"supervision_mode": c.SupervisionMode,
	}
	if c.TestCommand != "" {
		settings["test_command"] = c.TestCommand
	}
	if c.BuildCommand != "" {
		settings["build_command"] = c.BuildCommand
	}
	if c.SmokeTestCommand != "" {
		settings["smoke_test_command"] = c.SmokeTestCommand
	}
	return settings
}

// Validate checks enum-valued fields.
func (c *Config) Validate() error {
	var problems []string
	switch workflow.SupervisionMode(c.SupervisionMode) {
	case workflow.SupervisionSupervised, workflow.SupervisionZeroHuman, workflow.SupervisionHybrid:
	default:
		problems = append(problems, fmt.Sprintf("supervision_mode must be one of supervised, zero_human, hybrid; got %q", c.SupervisionMode))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port must be 1-65535; got %d", c.Server.Port))
	}
	if c.CommandTimeout <= 0 {
		problems = append(problems, "command_timeout must be positive")
	}
	if len(problems) > 0 {
		return wardenerrors.ErrWorkflowInvalid(problems)
	}
	return nil
}

// Load loads the config from the default location, applying WARDEN_*
// environment overrides.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(session.WardenDir, ConfigFileName))
}

// LoadFrom loads the config from a specific path. A missing file yields the
// defaults; environment overrides apply either way.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes the config to a specific path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// JWTSecret reads the phase-token signing secret from the environment.
// Absence is a fatal startup error.
func JWTSecret() (string, error) {
	secret := os.Getenv(JWTSecretEnv)
	if secret == "" {
		return "", wardenerrors.ErrSecretMissing()
	}
	return secret, nil
}
