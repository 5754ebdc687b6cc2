package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// errServicesFailed marks a batch in which at least one service failed.
// The failures have already been reported.
var errServicesFailed = errors.New("one or more services failed")

type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	fs         afero.Fs
}

// newRootCmd builds the command tree.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, fs: afero.NewOsFs()}

	root := &cobra.Command{
		Use:           "dockyard",
		Short:         "Build and run the services of a compose manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to config file")
	flags.StringP("file", "f", "docker-compose.yml", "manifest file")
	flags.StringP("project", "p", "", "project name (default: manifest directory name)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	var forceBuild bool
	up := &cobra.Command{
		Use:   "up",
		Short: "Build what changed and start every service",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationUp, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			return app.orch.Up(ctx, app.manifest, orchestrator.UpOptions{Build: forceBuild})
		}),
	}
	up.Flags().BoolVar(&forceBuild, "build", false, "rebuild images before starting")

	build := &cobra.Command{
		Use:   "build",
		Short: "Rebuild every service with a build context",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationBuild, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			return app.orch.Build(ctx, app.manifest)
		}),
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop running services",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationStop, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			return app.orch.Stop(ctx, app.manifest)
		}),
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start stopped services",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationStart, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			return app.orch.Start(ctx, app.manifest)
		}),
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Remove containers and networks; build records are kept",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationDown, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			result, err := app.orch.Down(ctx, app.manifest)
			if err != nil {
				fmt.Fprintf(c.stderr, "warning: %v\n", err)
				if result.Success {
					return result, &AppError{Op: "down", Err: err, ExitCode: ExitServiceFailure}
				}
			}
			return result, nil
		}),
	}

	var planForce bool
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Show which services would be rebuilt",
		Args:  cobra.NoArgs,
		RunE: c.batch(lifecycle.OperationPlan, func(ctx context.Context, app *App) (lifecycle.BatchResult, error) {
			return app.orch.Plan(ctx, app.manifest, planForce)
		}),
	}
	plan.Flags().BoolVar(&planForce, "build", false, "plan as if --build were given")

	ps := &cobra.Command{
		Use:   "ps",
		Short: "Show service state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				statuses, err := app.orch.Status(ctx, app.manifest)
				if err != nil {
					return &AppError{Op: "ps", Err: err, ExitCode: ExitRuntimeError}
				}
				return printStatus(c.stdout, statuses)
			})
		},
	}

	var eventLimit int
	events := &cobra.Command{
		Use:   "events",
		Short: "Show recent batch operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				list, err := app.orch.Events(ctx, eventLimit)
				if err != nil {
					return &AppError{Op: "events", Err: err, ExitCode: ExitRuntimeError}
				}
				return printEvents(c.stdout, list)
			})
		},
	}
	events.Flags().IntVarP(&eventLimit, "limit", "n", store.DefaultEventLimit, "number of batches to show")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "dockyard %s (built %s)\n", Version, BuildTime)
		},
	}

	root.AddCommand(up, build, stop, start, down, plan, ps, events, version)
	return root
}

// batch wraps a batch operation: it prints the outcomes to stdout, the
// failures to stderr, and turns any failure into errServicesFailed.
func (c *cli) batch(op lifecycle.Operation, fn func(context.Context, *App) (lifecycle.BatchResult, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return c.withApp(cmd, func(ctx context.Context, app *App) error {
			result, err := fn(ctx, app)
			if len(result.Outcomes) > 0 {
				if perr := printBatch(c.stdout, result); perr != nil {
					return perr
				}
				printFailures(c.stderr, result)
			}
			if err != nil {
				var appErr *AppError
				if errors.As(err, &appErr) {
					return err
				}
				return &AppError{Op: string(op), Err: err, ExitCode: ExitRuntimeError}
			}
			if !result.Success {
				return &AppError{Op: string(op), Err: errServicesFailed, ExitCode: ExitServiceFailure}
			}
			return nil
		})
	}
}

// withApp loads configuration, wires the app and runs fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(context.Context, *App) error) (err error) {
	cfg, err := LoadConfig(c.configPath, cmd.Flags())
	if err != nil {
		return &AppError{Op: "config", Err: err, ExitCode: ExitRuntimeError}
	}
	logger := SetupLogger(cfg, c.stderr)

	app, err := NewApp(cmd.Context(), cfg, c.fs, logger, c.stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()

	return fn(cmd.Context(), app)
}
