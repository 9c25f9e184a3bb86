package main

import (
	"context"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	notebookCommand = &cobra.Command{
		Use:   "notebook",
		Short: "berth notebook launches a notebook server inside the job and tunnels it back to the login nodes.",
		RunE:  runSessionCommand("notebook"),
	}

	desktopCommand = &cobra.Command{
		Use:   "desktop",
		Short: "berth desktop launches a remote desktop session inside the job and tunnels it back to the login nodes.",
		RunE:  runSessionCommand("desktop"),
	}
)

func init() {
	rootCmd.AddCommand(notebookCommand, desktopCommand)
}

func runSessionCommand(kind string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return startApplication(kind,
			// Run telemetry systems
			runTelemetry,

			// Register the read-only status routes.
			registerStatusRoutes,

			// Run the session supervisor.
			runSession,
		)
	}
}

// runResult carries the supervisor's outcome out of the fx application so the
// process can exit non-zero on fatal session errors.
type runResult struct {
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// runSession is the entrypoint for the session supervisor
func runSession(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	supervisor *session.Supervisor,
	healthchecks *healthcheckManager,
	result *runResult,
	logger *log.Logger,
) error {
	healthchecks.AddCheck("session", supervisor.Check)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The run outlives the boot context; it is cancelled on shutdown.
			runCtx, cancel := context.WithCancel(context.Background())
			result.cancel = cancel

			go func() {
				defer close(result.done)
				result.err = supervisor.Run(runCtx)

				if err := shutdowner.Shutdown(); err != nil {
					logger.Errorw("Shutdown", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// On signal-driven shutdown, cancel the run and wait for
			// best-effort teardown to finish.
			if result.cancel != nil {
				result.cancel()
			}
			select {
			case <-result.done:
			case <-ctx.Done():
			}
			return nil
		},
	})

	return nil
}
