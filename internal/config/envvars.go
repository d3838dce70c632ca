package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv applies WARDEN_* environment overrides to the config. Malformed
// numeric values are ignored rather than fatal; the file value stands.
func ApplyEnv(cfg *Config) {
	setString := func(envVar string, target *string) {
		if v := os.Getenv(envVar); v != "" {
			*target = v
		}
	}
	setBool := func(envVar string, target *bool) {
		if v := os.Getenv(envVar); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setInt := func(envVar string, target *int) {
		if v := os.Getenv(envVar); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(envVar string, target *time.Duration) {
		if v := os.Getenv(envVar); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("WARDEN_SUPERVISION_MODE", &cfg.SupervisionMode)
	setString("WARDEN_TEST_COMMAND", &cfg.TestCommand)
	setString("WARDEN_BUILD_COMMAND", &cfg.BuildCommand)
	setString("WARDEN_SMOKE_TEST_COMMAND", &cfg.SmokeTestCommand)
	setString("WARDEN_WORKFLOW", &cfg.WorkflowPath)
	setString("WARDEN_HOST", &cfg.Server.Host)
	setInt("WARDEN_PORT", &cfg.Server.Port)
	setBool("WARDEN_PHASE_CRITIQUE", &cfg.PhaseCritique)
	setBool("WARDEN_REVIEW_ENABLED", &cfg.Review.Enabled)
	setInt("WARDEN_REVIEW_MINIMUM", &cfg.Review.MinimumRequired)
	setDuration("WARDEN_COMMAND_TIMEOUT", &cfg.CommandTimeout)
	setDuration("WARDEN_BACKEND_TIMEOUT", &cfg.BackendTimeout)
	setInt("WARDEN_EVENT_HISTORY_SIZE", &cfg.EventHistorySize)
}
