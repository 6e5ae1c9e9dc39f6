// Package config holds the orchestrator's environment-driven configuration.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/whim/internal/env"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the application configuration. All variables carry the
// WHIM_ prefix.
type Config struct {
	HTTP       HTTPConfig
	Storage    StorageConfig
	Dispatcher DispatcherConfig
	Sweeper    SweeperConfig
	SpecGen    SpecGenConfig
	Spawn      SpawnConfig
	OTel       OTelConfig
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Host         string `env:"WHIM_HTTP_HOST"`
	Port         string `env:"WHIM_HTTP_PORT" default:"8080"`
	MaxBodyBytes int64  `env:"WHIM_HTTP_MAX_BODY_BYTES"`
}

// StorageConfig selects and tunes the store backend.
type StorageConfig struct {
	Type            string        `env:"WHIM_STORAGE_TYPE" default:"postgres"` // postgres, memory
	PostgresURL     string        `env:"WHIM_POSTGRES_URL"`
	MaxOpenConns    int           `env:"WHIM_DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `env:"WHIM_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `env:"WHIM_DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `env:"WHIM_DB_CONN_MAX_IDLE_TIME" default:"1m"`
}

// Validate checks backend/URL consistency.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case StoragePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("WHIM_POSTGRES_URL is required when WHIM_STORAGE_TYPE is 'postgres'")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown WHIM_STORAGE_TYPE: %s", c.Type)
	}
	return nil
}

// DispatcherConfig tunes the claim loop.
type DispatcherConfig struct {
	Capacity     int           `env:"WHIM_DISPATCHER_CAPACITY" default:"4"`
	DailyBudget  int           `env:"WHIM_DISPATCHER_DAILY_BUDGET" default:"200"`
	PollInterval time.Duration `env:"WHIM_DISPATCHER_POLL_INTERVAL" default:"2s"`
	// TypeFilter restricts this process to one work item type; empty
	// dispatches both.
	TypeFilter string `env:"WHIM_DISPATCHER_TYPE"`
}

// Validate checks the type filter.
func (c *DispatcherConfig) Validate() error {
	switch c.TypeFilter {
	case "", "execution", "verification":
		return nil
	}
	return fmt.Errorf("WHIM_DISPATCHER_TYPE must be empty, 'execution' or 'verification', got %q", c.TypeFilter)
}

// SweeperConfig tunes stale-worker detection.
type SweeperConfig struct {
	SweepInterval     time.Duration `env:"WHIM_SWEEP_INTERVAL" default:"30s"`
	StaleWindow       time.Duration `env:"WHIM_STALE_WINDOW" default:"120s"`
	RegistrationGrace time.Duration `env:"WHIM_REGISTRATION_GRACE" default:"60s"`
}

// SpecGenConfig configures the spec-generation manager. The command is a
// shell-style line; {workDir} is replaced with the scratch directory.
type SpecGenConfig struct {
	Command        string        `env:"WHIM_SPECGEN_COMMAND"`
	MaxAttempts    int           `env:"WHIM_SPECGEN_MAX_ATTEMPTS" default:"3"`
	AttemptTimeout time.Duration `env:"WHIM_SPECGEN_ATTEMPT_TIMEOUT" default:"5m"`
	MaxConcurrent  int           `env:"WHIM_SPECGEN_MAX_CONCURRENT" default:"4"`
}

// SpawnConfig is the worker spawn contract configuration.
type SpawnConfig struct {
	ExecutionCommand    string `env:"WHIM_EXECUTION_COMMAND"`
	VerificationCommand string `env:"WHIM_VERIFICATION_COMMAND"`
	OrchestratorURL     string `env:"WHIM_ORCHESTRATOR_URL" default:"http://localhost:8080"`
	GitHubToken         string `env:"WHIM_GITHUB_TOKEN"`
	WorkDirRoot         string `env:"WHIM_WORK_DIR_ROOT"`
}

// OTelConfig configures telemetry export.
type OTelConfig struct {
	Enabled  bool   `env:"WHIM_OTEL_ENABLED" default:"false"`
	Endpoint string `env:"WHIM_OTEL_ENDPOINT" default:"localhost:4318"`
}

// Load parses environment variables into a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
