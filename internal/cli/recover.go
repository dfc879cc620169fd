package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arkilian/eventlog/internal/recovery"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery and print the report",
		Long: `Scan every segment, truncate a torn tail, quarantine corrupted
segments and rebuild the index, then print what recovery found.

Exits 1 when a segment was quarantined.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	rep := s.RecoveryReport()
	if err := closeFn(); err != nil {
		return WrapExitError(ExitCommandError, "failed to close event log", err)
	}

	p := opts.out(cmd)
	if err := p.result(rep, func(w io.Writer) {
		fmt.Fprintf(w, "State:      %s\n", rep.State)
		fmt.Fprintf(w, "Segments:   %d\n", len(rep.Segments))
		fmt.Fprintf(w, "Valid:      %d\n", rep.ValidRecords)
		fmt.Fprintf(w, "Truncated:  %d\n", rep.TruncatedRecords)
		fmt.Fprintf(w, "Corrupted:  %d\n", rep.CorruptedRecords)
		fmt.Fprintf(w, "Duplicates: %d\n", rep.Duplicates)
		fmt.Fprintf(w, "Indexed:    %d\n", rep.IndexEntries)
		fmt.Fprintf(w, "Last LSN:   %d\n", rep.LastLSN)
		if rep.LastEventID != "" {
			fmt.Fprintf(w, "Last event: %s\n", rep.LastEventID)
		}
		fmt.Fprintf(w, "Duration:   %s\n", rep.Duration)
		for _, msg := range rep.OperatorAttention {
			fmt.Fprintf(w, "ATTENTION:  %s\n", msg)
		}
	}); err != nil {
		return err
	}
	if rep.State == recovery.StateQuarantinedCorruption {
		return NewExitError(ExitFailure, fmt.Sprintf("corruption quarantined: %d record(s), %d segment(s) skipped", rep.CorruptedRecords, len(rep.Skipped)))
	}
	return nil
}
