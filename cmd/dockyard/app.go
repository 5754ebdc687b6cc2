package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/build"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/network"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/ports"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess        = 0
	ExitServiceFailure = 1
	ExitManifestError  = 2
	ExitRuntimeError   = 3
)

// =============================================================================
// App
// =============================================================================

// App holds the wired components for one command invocation.
type App struct {
	config   *Config
	project  string
	manifest *manifest.Manifest
	orch     *orchestrator.Orchestrator
	store    store.Store
	docker   docker.Client
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewApp loads the manifest and connects every component.
func NewApp(ctx context.Context, cfg *Config, fs afero.Fs, logger *slog.Logger, buildOutput io.Writer) (*App, error) {
	m, err := loadManifest(fs, cfg.Project.File)
	if err != nil {
		return nil, err
	}

	if err := ensureStateDir(fs, cfg.State.DSN); err != nil {
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitRuntimeError}
	}
	s, err := store.NewSQLiteStore(cfg.State.DSN)
	if err != nil {
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitRuntimeError}
	}

	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitRuntimeError}
	}

	// Verify Docker connection
	if err := d.Ping(ctx); err != nil {
		s.Close()
		d.Close()
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitRuntimeError}
	}

	project := cfg.Project.ProjectName()
	logger = logger.With("project", project)

	var builder build.Builder
	switch cfg.Build.Driver {
	case "cli":
		builder = build.NewExecBuilder(cfg.Build.Binary, buildOutput, logger)
	default:
		builder = build.NewAPIBuilder(d, fs, buildOutput, logger)
	}

	planner := build.NewPlanner(build.PlannerConfig{
		Project: project,
		BaseDir: cfg.Project.BaseDir(),
	}, s, fs, builder, d, logger)

	registry := prometheus.NewRegistry()
	orch := orchestrator.New(
		orchestrator.Config{
			Project:       project,
			MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
			StopTimeout:   cfg.Orchestrator.StopTimeout,
		},
		d,
		planner,
		network.NewManager(d, project, logger),
		ports.NewPublisher(logger),
		s,
		orchestrator.NewMetrics(registry),
		logger,
	)

	logger.Debug("app ready",
		"manifest", cfg.Project.File,
		"services", len(m.Services),
		"build_driver", cfg.Build.Driver,
	)

	return &App{
		config:   cfg,
		project:  project,
		manifest: m,
		orch:     orch,
		store:    s,
		docker:   d,
		registry: registry,
		logger:   logger,
	}, nil
}

// Close releases the store and the Docker client, and writes metrics when
// a textfile is configured.
func (a *App) Close() error {
	var errs []error
	if path := a.config.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.docker.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// loadManifest reads and parses the manifest file.
func loadManifest(fs afero.Fs, path string) (*manifest.Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &AppError{Op: "loadManifest", Err: err, ExitCode: ExitManifestError}
	}
	m, err := manifest.ParseManifest(string(data))
	if err != nil {
		return nil, &AppError{Op: "loadManifest " + path, Err: err, ExitCode: ExitManifestError}
	}
	return m, nil
}

func ensureStateDir(fs afero.Fs, dsn string) error {
	if dsn == "" || dsn == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// =============================================================================
// Errors
// =============================================================================

// AppError represents an error that ends the command with a specific exit code.
type AppError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *AppError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}
	var parseErr *manifest.ParseError
	if errors.As(err, &parseErr) {
		return ExitManifestError
	}
	return ExitRuntimeError
}
