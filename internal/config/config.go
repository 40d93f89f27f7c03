// Package config provides configuration loading for specflowd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the specflowd daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
	Store         StoreConfig         `koanf:"store"`
	Projects      ProjectsConfig      `koanf:"projects"`
	Executor      ExecutorConfig      `koanf:"executor"`
	Notify        NotifyConfig        `koanf:"notify"`
	Orchestration OrchestrationConfig `koanf:"orchestration"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
	// Endpoint is the OTLP collector endpoint (host:port or URL).
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol       string `koanf:"protocol"`
	Insecure       bool   `koanf:"insecure"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

// StoreConfig holds orchestration state store settings.
type StoreConfig struct {
	// Dir is the directory holding one JSON document per project.
	Dir string `koanf:"dir"`
}

// ProjectsConfig locates project workspaces on disk.
type ProjectsConfig struct {
	// Root is the directory containing one subdirectory per project.
	Root string `koanf:"root"`
	// TasksFile is the task list filename inside each project directory.
	TasksFile string `koanf:"tasks_file"`
}

// ExecutorConfig configures the local subprocess gateway.
type ExecutorConfig struct {
	// Runner is the skill-runner command invoked per workflow step.
	Runner string `koanf:"runner"`
	// Args are prepended to every runner invocation.
	Args []string `koanf:"args"`
	// WorkDir is the working directory for runner processes.
	WorkDir string `koanf:"work_dir"`
	// StateDir holds per-job status files written by the runner.
	StateDir string `koanf:"state_dir"`
}

// NotifyConfig configures the NATS notification sink.
type NotifyConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// SubjectPrefix prefixes per-project event subjects.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// OrchestrationConfig holds engine defaults and pacing.
type OrchestrationConfig struct {
	// FallbackBatchSize is the chunk size when a task list has no sections.
	FallbackBatchSize int `koanf:"fallback_batch_size"`
	// MaxHealAttempts caps automatic healing per batch.
	MaxHealAttempts int `koanf:"max_heal_attempts"`
	// MaxBudgetTotal caps cumulative USD spend per execution (0 = unlimited).
	MaxBudgetTotal float64 `koanf:"max_budget_total"`
	// MaxBudgetPerBatch caps spend per implement batch (0 = unlimited).
	MaxBudgetPerBatch float64 `koanf:"max_budget_per_batch"`
	// MaxBudgetPerHeal caps spend per heal attempt (0 = unlimited).
	MaxBudgetPerHeal float64 `koanf:"max_budget_per_heal"`
	// PollInterval paces gateway polling.
	PollInterval Duration `koanf:"poll_interval"`
	// ConfirmTimeout bounds the dual-confirmation grace window after a job
	// reports success but the independent probe disagrees.
	ConfirmTimeout Duration `koanf:"confirm_timeout"`
	// PhaseTimeout bounds wall-clock time per phase or batch job.
	PhaseTimeout Duration `koanf:"phase_timeout"`
	// StaleThreshold is how long a running execution may go without a state
	// update before the reconciler treats its job as dead.
	StaleThreshold Duration `koanf:"stale_threshold"`
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "specflowd"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Store.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Dir = filepath.Join(home, ".config", "specflowd", "state")
		}
	}
	if cfg.Projects.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Projects.Root = filepath.Join(home, "projects")
		}
	}
	if cfg.Projects.TasksFile == "" {
		cfg.Projects.TasksFile = "tasks.md"
	}
	if cfg.Executor.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Executor.StateDir = filepath.Join(home, ".config", "specflowd", "jobs")
		}
	}
	if cfg.Notify.URL == "" {
		cfg.Notify.URL = "nats://localhost:4222"
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "specflow.orchestration"
	}
	if cfg.Orchestration.FallbackBatchSize == 0 {
		cfg.Orchestration.FallbackBatchSize = 15
	}
	if cfg.Orchestration.MaxHealAttempts == 0 {
		cfg.Orchestration.MaxHealAttempts = 2
	}
	if cfg.Orchestration.PollInterval == 0 {
		cfg.Orchestration.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Orchestration.ConfirmTimeout == 0 {
		cfg.Orchestration.ConfirmTimeout = Duration(30 * time.Second)
	}
	if cfg.Orchestration.PhaseTimeout == 0 {
		cfg.Orchestration.PhaseTimeout = Duration(30 * time.Minute)
	}
	if cfg.Orchestration.StaleThreshold == 0 {
		cfg.Orchestration.StaleThreshold = Duration(10 * time.Minute)
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	o := &c.Orchestration
	if o.FallbackBatchSize < 1 {
		return fmt.Errorf("orchestration.fallback_batch_size must be >= 1, got %d", o.FallbackBatchSize)
	}
	if o.MaxHealAttempts < 0 {
		return fmt.Errorf("orchestration.max_heal_attempts must be >= 0, got %d", o.MaxHealAttempts)
	}
	if o.MaxBudgetTotal < 0 || o.MaxBudgetPerBatch < 0 || o.MaxBudgetPerHeal < 0 {
		return fmt.Errorf("orchestration budgets must be >= 0")
	}
	for name, d := range map[string]Duration{
		"orchestration.poll_interval":   o.PollInterval,
		"orchestration.confirm_timeout": o.ConfirmTimeout,
		"orchestration.phase_timeout":   o.PhaseTimeout,
		"orchestration.stale_threshold": o.StaleThreshold,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
