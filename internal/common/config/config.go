// Package config provides configuration management for ralphd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ralphd.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Sprites     SpritesConfig     `mapstructure:"sprites"`
	Ralph       RalphConfig       `mapstructure:"ralph"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Runs        RunsConfig        `mapstructure:"runs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory notification bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker driver configuration.
type DockerConfig struct {
	// Enabled controls whether the docker provider is registered.
	// When true and the Docker daemon is reachable, runs may target docker.
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
}

// SpritesConfig holds Sprites driver configuration.
// The provider is registered only when a token is present.
type SpritesConfig struct {
	Token      string `mapstructure:"token"`
	NamePrefix string `mapstructure:"namePrefix"`
}

// RalphConfig holds iteration-loop defaults. Per-run values from the start
// request override these.
type RalphConfig struct {
	MaxIterations int  `mapstructure:"maxIterations"`
	IdleTimeoutMs int  `mapstructure:"idleTimeoutMs"`
	UseSSE        bool `mapstructure:"useSSE"`
}

// PipelineConfig holds sandbox preparation configuration.
type PipelineConfig struct {
	// AgentPort is the fixed TCP port the agent server listens on inside
	// each sandbox.
	AgentPort int `mapstructure:"agentPort"`
	// WorkspaceRoot is the directory inside the sandbox that repositories
	// are cloned under.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	// MaxConcurrentPreps bounds how many sandboxes are prepared at once
	// across all runs. Zero means unbounded.
	MaxConcurrentPreps int `mapstructure:"maxConcurrentPreps"`
}

// PersistenceConfig holds the optional store configuration.
// Driver is one of "", "sqlite", "postgres"; empty disables persistence.
type PersistenceConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
}

// RunsConfig holds run registry housekeeping configuration.
type RunsConfig struct {
	// RetainTerminalFor is how long (seconds) a terminal run with no
	// subscribers is kept before its state and history are freed.
	RetainTerminalFor int `mapstructure:"retainTerminalFor"`
	// CleanupInterval is the janitor sweep interval in seconds.
	CleanupInterval int `mapstructure:"cleanupInterval"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the SSE engine liveness timeout as a time.Duration.
func (r *RalphConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMs) * time.Millisecond
}

// RetainTerminalDuration returns the terminal-run retention window.
func (r *RunsConfig) RetainTerminalDuration() time.Duration {
	return time.Duration(r.RetainTerminalFor) * time.Second
}

// CleanupIntervalDuration returns the janitor sweep interval.
func (r *RunsConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RALPHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// No server-wide write deadline: the event stream endpoints hold their
	// response open for the life of a run.
	v.SetDefault("server.writeTimeout", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use the in-memory notification bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ralphd")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.network", "bridge")

	// Sprites defaults - provider registered only when a token is set
	v.SetDefault("sprites.token", "")
	v.SetDefault("sprites.namePrefix", "ralphd-")

	// Ralph loop defaults
	v.SetDefault("ralph.maxIterations", 10)
	v.SetDefault("ralph.idleTimeoutMs", 60000)
	v.SetDefault("ralph.useSSE", true)

	// Pipeline defaults
	v.SetDefault("pipeline.agentPort", 4096)
	v.SetDefault("pipeline.workspaceRoot", "/workspace")
	v.SetDefault("pipeline.maxConcurrentPreps", 8)

	// Persistence defaults - disabled unless a driver is selected
	v.SetDefault("persistence.driver", "")
	v.SetDefault("persistence.sqlitePath", "ralphd.db")
	v.SetDefault("persistence.host", "localhost")
	v.SetDefault("persistence.port", 5432)
	v.SetDefault("persistence.user", "ralphd")
	v.SetDefault("persistence.password", "")
	v.SetDefault("persistence.dbName", "ralphd")
	v.SetDefault("persistence.sslMode", "disable")

	// Run registry defaults
	v.SetDefault("runs.retainTerminalFor", 3600)
	v.SetDefault("runs.cleanupInterval", 60)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RALPHD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ralphd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RALPHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("sprites.token", "SPRITES_TOKEN", "RALPHD_SPRITES_TOKEN")
	_ = v.BindEnv("sprites.namePrefix", "RALPHD_SPRITES_NAME_PREFIX")
	_ = v.BindEnv("docker.apiVersion", "RALPHD_DOCKER_API_VERSION")
	_ = v.BindEnv("ralph.maxIterations", "RALPHD_RALPH_MAX_ITERATIONS")
	_ = v.BindEnv("ralph.idleTimeoutMs", "RALPHD_RALPH_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("ralph.useSSE", "RALPHD_RALPH_USE_SSE")
	_ = v.BindEnv("pipeline.agentPort", "RALPHD_PIPELINE_AGENT_PORT")
	_ = v.BindEnv("pipeline.workspaceRoot", "RALPHD_PIPELINE_WORKSPACE_ROOT")
	_ = v.BindEnv("pipeline.maxConcurrentPreps", "RALPHD_PIPELINE_MAX_CONCURRENT_PREPS")
	_ = v.BindEnv("persistence.sqlitePath", "RALPHD_PERSISTENCE_SQLITE_PATH")
	_ = v.BindEnv("persistence.dbName", "RALPHD_PERSISTENCE_DB_NAME")
	_ = v.BindEnv("persistence.sslMode", "RALPHD_PERSISTENCE_SSL_MODE")
	_ = v.BindEnv("runs.retainTerminalFor", "RALPHD_RUNS_RETAIN_TERMINAL_FOR")
	_ = v.BindEnv("runs.cleanupInterval", "RALPHD_RUNS_CLEANUP_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ralphd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Ralph loop validation
	if cfg.Ralph.MaxIterations <= 0 {
		errs = append(errs, "ralph.maxIterations must be positive")
	}
	if cfg.Ralph.IdleTimeoutMs <= 0 {
		errs = append(errs, "ralph.idleTimeoutMs must be positive")
	}

	// Pipeline validation
	if cfg.Pipeline.AgentPort <= 0 || cfg.Pipeline.AgentPort > 65535 {
		errs = append(errs, "pipeline.agentPort must be between 1 and 65535")
	}
	if cfg.Pipeline.WorkspaceRoot == "" || !strings.HasPrefix(cfg.Pipeline.WorkspaceRoot, "/") {
		errs = append(errs, "pipeline.workspaceRoot must be an absolute path")
	}
	if cfg.Pipeline.MaxConcurrentPreps < 0 {
		errs = append(errs, "pipeline.maxConcurrentPreps must not be negative")
	}

	// Persistence validation - only when a driver is selected
	switch cfg.Persistence.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, "persistence.driver must be one of: sqlite, postgres (or empty to disable)")
	}
	if cfg.Persistence.Driver == "sqlite" && cfg.Persistence.SQLitePath == "" {
		errs = append(errs, "persistence.sqlitePath is required when persistence.driver is sqlite")
	}
	if cfg.Persistence.Driver == "postgres" {
		if cfg.Persistence.Host == "" {
			errs = append(errs, "persistence.host is required when persistence.driver is postgres")
		}
		if cfg.Persistence.DBName == "" {
			errs = append(errs, "persistence.dbName is required when persistence.driver is postgres")
		}
	}

	// Run registry validation
	if cfg.Runs.RetainTerminalFor < 0 {
		errs = append(errs, "runs.retainTerminalFor must not be negative")
	}
	if cfg.Runs.CleanupInterval <= 0 {
		errs = append(errs, "runs.cleanupInterval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PersistenceConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}
