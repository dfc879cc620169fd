package cli

import (
	"github.com/spf13/cobra"

	"github.com/arkilian/eventlog/internal/app"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open the log and run maintenance until signalled",
		Long: `Recover the log, keep it open and run periodic maintenance
(segment age rotation, metric pruning, health checks) until SIGINT or
SIGTERM, then shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, cmd)
		},
	}
}

func runRun(opts *RootOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, nil, logger, opts.StoreOptions...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create app", err)
	}
	if err := a.Start(cmd.Context()); err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	if err := a.WaitForShutdown(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return nil
}
