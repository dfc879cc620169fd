// Package cli implements the eventlog command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkilian/eventlog/internal/config"
	"github.com/arkilian/eventlog/internal/logging"
	"github.com/arkilian/eventlog/internal/store"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Format     string
	LogLevel   string

	// StoreOptions are passed to every store the commands open.
	StoreOptions []store.Option
}

// NewRootCommand creates the root command for the eventlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventlog",
		Short: "eventlog - durable append-only event log",
		Long: "An event-sourced durability engine: an append-only segmented log with " +
			"crash recovery, indexed queries, replay and snapshots.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (YAML or JSON)")
	cmd.PersistentFlags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewRangeCommand(opts))
	cmd.AddCommand(NewTypeCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewLocateCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig loads the configuration with the command-line overrides applied.
func (o *RootOptions) loadConfig(extra ...func(*config.Config)) (*config.Config, error) {
	overrides := append([]func(*config.Config){func(c *config.Config) {
		if o.DataDir != "" {
			c.DataDir = o.DataDir
		}
		if o.LogLevel != "" {
			c.Log.Level = o.LogLevel
		}
	}}, extra...)
	cfg, err := config.Load(o.ConfigPath, overrides...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger.
func (o *RootOptions) setup(extra ...func(*config.Config)) (*config.Config, *zap.Logger, error) {
	cfg, err := o.loadConfig(extra...)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	return cfg, logger, nil
}

// openStore recovers and opens the log for a one-shot command. The caller
// closes the store and syncs the logger through the returned func.
func (o *RootOptions) openStore(ctx context.Context) (*store.Store, func() error, error) {
	cfg, logger, err := o.setup()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(ctx, cfg, nil, logger, o.StoreOptions...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	return s, func() error {
		err := s.Close()
		_ = logger.Sync()
		return err
	}, nil
}

func (o *RootOptions) out(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, w: cmd.OutOrStdout()}
}
