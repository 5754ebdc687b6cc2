package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Project      ProjectConfig      `mapstructure:"project"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Build        BuildConfig        `mapstructure:"build"`
	State        StateConfig        `mapstructure:"state"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ProjectConfig names the project and its manifest.
type ProjectConfig struct {
	// Name scopes every resource. Defaults to the manifest directory name.
	Name string `mapstructure:"name"`
	File string `mapstructure:"file"`
}

// ProjectName returns the normalized project name.
func (c ProjectConfig) ProjectName() string {
	name := c.Name
	if name == "" {
		abs, err := filepath.Abs(c.File)
		if err == nil {
			name = filepath.Base(filepath.Dir(abs))
		}
	}
	return lifecycle.NormalizeProjectName(name)
}

// BaseDir returns the directory build contexts are resolved against.
func (c ProjectConfig) BaseDir() string {
	return filepath.Dir(c.File)
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// BuildConfig selects the image build driver.
type BuildConfig struct {
	// Driver is "api" (Engine API) or "cli" (docker build).
	Driver string `mapstructure:"driver"`
	Binary string `mapstructure:"binary"`
}

// StateConfig holds the build record database location.
type StateConfig struct {
	DSN string `mapstructure:"dsn"`
}

// OrchestratorConfig holds batch execution settings.
type OrchestratorConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds metrics output configuration.
type MetricsConfig struct {
	// Textfile is where metrics are written after each command. Empty disables it.
	Textfile string `mapstructure:"textfile"`
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	switch c.Build.Driver {
	case "api", "cli":
	default:
		return fmt.Errorf("build.driver must be \"api\" or \"cli\", got %q", c.Build.Driver)
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Project.File == "" {
		return fmt.Errorf("project.file must not be empty")
	}
	return nil
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file, environment and flags, in
// increasing order of precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("project.name", "")
	v.SetDefault("project.file", "docker-compose.yml")
	v.SetDefault("docker.host", "")
	v.SetDefault("build.driver", "api")
	v.SetDefault("build.binary", "docker")
	v.SetDefault("state.dsn", "./.dockyard/state.db")
	v.SetDefault("orchestrator.max_concurrent", 4)
	v.SetDefault("orchestrator.stop_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.textfile", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DOCKYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"project.file": "file",
	"project.name": "project",
	"log.level":    "log-level",
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to w so that stdout stays free for command results.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
