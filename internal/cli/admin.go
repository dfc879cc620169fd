package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/arkilian/eventlog/internal/config"
	"github.com/arkilian/eventlog/internal/index"
	"github.com/arkilian/eventlog/internal/observability"
	"github.com/arkilian/eventlog/internal/storage"
	"github.com/arkilian/eventlog/internal/store"
	"github.com/arkilian/eventlog/internal/wal"
	"github.com/arkilian/eventlog/pkg/types"
)

// NewHealthCommand creates the health command.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the health signal of the log",
		Long: `Open the log and print its health signal: recovery state, disk
usage, log position and snapshot status.

Exits 1 when the log is critical.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(opts, cmd)
		},
	}
}

func runHealth(opts *RootOptions, cmd *cobra.Command) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	h := s.Health()
	if err := closeFn(); err != nil {
		return WrapExitError(ExitCommandError, "failed to close event log", err)
	}

	if err := opts.out(cmd).result(h, func(w io.Writer) { writeHealth(w, h) }); err != nil {
		return err
	}
	if h.Status == observability.Critical {
		return NewExitError(ExitFailure, "event log is critical")
	}
	return nil
}

func writeHealth(w io.Writer, h store.Health) {
	fmt.Fprintf(w, "Status:     %s\n", h.Status)
	for _, r := range h.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	fmt.Fprintf(w, "Recovery:   %s\n", h.RecoveryState)
	fmt.Fprintf(w, "Segments:   %d (%d bytes)\n", h.Segments, h.LogBytes)
	fmt.Fprintf(w, "Disk:       %d bytes\n", h.DiskBytes)
	fmt.Fprintf(w, "Indexed:    %d\n", h.IndexEntries)
	fmt.Fprintf(w, "Last LSN:   %d\n", h.LastLSN)
	if h.LastEventID != "" {
		fmt.Fprintf(w, "Last event: %s\n", h.LastEventID)
	}
	fmt.Fprintf(w, "Snapshots:  %d", h.Snapshots)
	if h.LatestSnapshot != "" {
		fmt.Fprintf(w, " (latest %s)", h.LatestSnapshot)
	}
	fmt.Fprintf(w, ", %d events since\n", h.PendingSnapshot)
	if h.Archive != nil {
		fmt.Fprintf(w, "Archive:    %d uploaded, %d skipped, %d deleted, %d pending, %d failed\n",
			h.Archive.Uploaded, h.Archive.Skipped, h.Archive.Deleted, h.Archive.Pending, h.Archive.Failed)
	}
	if h.OperatorError != "" {
		fmt.Fprintf(w, "Operator:   %s\n", h.OperatorError)
	}
	if h.WriterError != "" {
		fmt.Fprintf(w, "Writer:     %s\n", h.WriterError)
	}
}

// NewLocateCommand creates the locate command.
func NewLocateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locate <event-id>",
		Short: "Find an event's position from the persisted indexes",
		Long: `Search the persisted segment indexes for an event without opening
or recovering the log. Index files whose bloom filter excludes the id are
skipped unread.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocate(opts, cmd, args[0])
		},
	}
}

func runLocate(opts *RootOptions, cmd *cobra.Command, raw string) error {
	p := opts.out(cmd)
	id, err := types.ParseEventID(raw)
	if err != nil {
		return p.failure(ExitCommandError, "invalid event id", err)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	res, err := index.Locate(filepath.Join(cfg.DataDir, wal.IndexDirName), id)
	if errors.Is(err, os.ErrNotExist) {
		return p.failure(ExitFailure, "event not found in any persisted index", err)
	}
	if err != nil {
		return p.failure(ExitCommandError, "locate failed", err)
	}
	return p.result(res, func(w io.Writer) {
		pos := res.Entry.Position()
		fmt.Fprintf(w, "%s\tsegment=%d offset=%d length=%d lsn=%d\n",
			id, pos.Segment, pos.Offset, pos.Length, res.Entry.LSN)
		fmt.Fprintf(w, "index %s (probed %d, skipped %d)\n", filepath.Base(res.IndexFile), res.Probed, res.Skipped)
	})
}

// ArchiveRestoreOptions holds options for the archive restore command.
type ArchiveRestoreOptions struct {
	*RootOptions
	Prefix      string
	Concurrency int
	Force       bool
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Work with the segment archive",
	}

	opts := &ArchiveRestoreOptions{RootOptions: rootOpts}
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Download archived segments, indexes and snapshots into the data directory",
		Long: `Download everything archived under the prefix into the data
directory. Run "eventlog recover" afterwards to rebuild the active segment
and verify the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveRestore(opts, cmd)
		},
	}
	restore.Flags().StringVar(&opts.Prefix, "prefix", "", "archive prefix (defaults to the configured one)")
	restore.Flags().IntVar(&opts.Concurrency, "concurrency", 8, "parallel downloads")
	restore.Flags().BoolVar(&opts.Force, "force", false, "restore into a data directory that already holds segments")
	cmd.AddCommand(restore)

	return cmd
}

type archiveRestoreResult struct {
	Prefix     string   `json:"prefix"`
	Downloaded int      `json:"downloaded"`
	Skipped    int      `json:"skipped"`
	Failed     []string `json:"failed,omitempty"`
}

func runArchiveRestore(opts *ArchiveRestoreOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.setup(func(c *config.Config) {
		if opts.Prefix != "" {
			c.Archive.Prefix = opts.Prefix
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p := opts.out(cmd)
	if !opts.Force {
		existing, _ := filepath.Glob(filepath.Join(cfg.DataDir, "*.log"))
		if len(existing) > 0 {
			return p.failure(ExitCommandError,
				fmt.Sprintf("data directory %s already holds %d segment(s); use --force", cfg.DataDir, len(existing)), nil)
		}
	}

	st, err := store.OpenArchiveStorage(cmd.Context(), cfg, logger)
	if err != nil {
		return p.failure(ExitCommandError, "failed to open archive", err)
	}
	if st == nil {
		return p.failure(ExitCommandError, "no archive configured", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return p.failure(ExitCommandError, "failed to create data directories", err)
	}

	res, err := storage.RestoreArchive(cmd.Context(), st, cfg.Archive.Prefix, cfg.DataDir, opts.Concurrency, logger)
	if err != nil {
		return p.failure(ExitFailure, "restore failed", err)
	}

	out := archiveRestoreResult{Prefix: cfg.Archive.Prefix, Downloaded: res.Downloads, Skipped: res.Skipped}
	for obj := range res.Errors {
		out.Failed = append(out.Failed, obj)
	}
	sort.Strings(out.Failed)
	if err := p.result(out, func(w io.Writer) {
		fmt.Fprintf(w, "Restored %d object(s) from %q (%d skipped)\n", out.Downloaded, out.Prefix, out.Skipped)
		for _, obj := range out.Failed {
			fmt.Fprintf(w, "  failed: %s\n", obj)
		}
	}); err != nil {
		return err
	}
	if len(out.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d object(s) failed to download", len(out.Failed)))
	}
	return nil
}
