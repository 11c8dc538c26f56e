package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
)

// Store and queue backend names.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// EngineConfig is the runway.yaml document that configures a server or a
// local run.
type EngineConfig struct {
	Log LogConfig `yaml:"log"`
	// Workers is how many executions run at once. Zero uses one per CPU.
	Workers int `yaml:"workers"`
	// RunConcurrency caps node dispatches inside one run. Zero keeps the
	// engine default of one node at a time.
	RunConcurrency int `yaml:"run_concurrency"`
	// NodeConcurrency caps node dispatches across all runs. Zero keeps the
	// engine default of 64.
	NodeConcurrency  int           `yaml:"node_concurrency"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	NodeTimeout      time.Duration `yaml:"node_timeout"`
	Compensation     *bool         `yaml:"compensation"`
	WorkspaceDir     string        `yaml:"workspace_dir"`
	RedactKeywords   []string      `yaml:"redact_keywords"`
	// Variables are defaults merged into every loaded workflow.
	Variables map[string]interface{} `yaml:"variables"`

	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	HTTP    HTTPConfig    `yaml:"http"`
	Secrets SecretsConfig `yaml:"secrets"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the badger directory or the sqlite database file.
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"`
	// Path is a badger directory for the queue. When empty and the store is
	// also badger, the queue shares the store's database.
	Path              string        `yaml:"path"`
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type SecretsConfig struct {
	EnvPrefix string `yaml:"env_prefix"`
}

type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Protocol    string            `yaml:"protocol"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// DefaultEngineConfig returns the settings used for anything runway.yaml
// leaves unset.
func DefaultEngineConfig() EngineConfig {
	compensation := true
	return EngineConfig{
		Log:          LogConfig{Level: "info", Format: "text"},
		NodeTimeout:  5 * time.Minute,
		Compensation: &compensation,
		WorkspaceDir: "workspace",
		Store:        StoreConfig{Backend: BackendMemory},
		Queue: QueueConfig{
			Backend:           BackendMemory,
			Name:              "executions",
			VisibilityTimeout: 30 * time.Second,
			MaxAttempts:       5,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Secrets: SecretsConfig{EnvPrefix: "RUNWAY_SECRET_"},
		Tracing: TracingConfig{Protocol: "grpc", ServiceName: "runway"},
	}
}

// LoadEngineConfig parses runway.yaml content strictly and fills every unset
// field from DefaultEngineConfig. Empty content yields the defaults.
func LoadEngineConfig(data []byte, filePathHint string) (*EngineConfig, error) {
	var cfg EngineConfig
	if len(data) > 0 {
		// A document holding only comments decodes to io.EOF.
		if err := yamlUnmarshalStrict(data, &cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to parse engine config '%s'", filePathHint), err)
		}
	}
	// Without dereferencing, an explicit "compensation: false" is kept.
	if err := mergo.Merge(&cfg, DefaultEngineConfig(), mergo.WithoutDereference); err != nil {
		return nil, rwerrors.NewConfigError("failed to apply engine config defaults", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, combineErrors(fmt.Sprintf("engine config '%s'", filePathHint), errs)
	}
	return &cfg, nil
}

// LoadEngineConfigFromFile reads path, or returns the defaults when path is
// empty.
func LoadEngineConfigFromFile(path string) (*EngineConfig, error) {
	if path == "" {
		return LoadEngineConfig(nil, "<defaults>")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", path), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to read engine config '%s'", absPath), err)
	}
	return LoadEngineConfig(data, absPath)
}

// Validate returns every inconsistency in the configuration.
func (c *EngineConfig) Validate() []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, rwerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format '%s' must be text or json", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level '%s' must be debug, info, warn or error", c.Log.Level)
	}
	if c.Workers < 0 {
		add("workers cannot be negative")
	}
	if c.RunConcurrency < 0 {
		add("run_concurrency cannot be negative")
	}
	if c.NodeConcurrency < 0 {
		add("node_concurrency cannot be negative")
	}
	if c.ExecutionTimeout < 0 {
		add("execution_timeout cannot be negative")
	}
	if c.NodeTimeout <= 0 {
		add("node_timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger, BackendSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		add("store.backend '%s' must be memory, badger or sqlite", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Queue.Path == "" && c.Store.Backend != BackendBadger {
			add("queue.path is required for the badger queue unless the store is also badger")
		}
	default:
		add("queue.backend '%s' must be memory or badger", c.Queue.Backend)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		add("queue.visibility_timeout must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be at least 1")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "grpc", "http", "http/protobuf":
		default:
			add("tracing.protocol '%s' must be grpc or http", c.Tracing.Protocol)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be between 0 and 1")
	}
	return errs
}

// CompensationEnabled reports the effective compensation setting.
func (c *EngineConfig) CompensationEnabled() bool {
	return c.Compensation == nil || *c.Compensation
}
