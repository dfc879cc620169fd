package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arkilian/eventlog/internal/replay"
	"github.com/arkilian/eventlog/pkg/types"
)

// ReplayOptions holds options for the replay command.
type ReplayOptions struct {
	*RootOptions
	After    string
	Types    []string
	UntilLSN uint64
	Follow   bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Stream events in log order from a checkpoint",
		Long: `Stream events in log order, starting after --after (or from the
beginning). With --follow the stream waits for new commits until
interrupted.

Examples:
  eventlog replay --format json
  eventlog replay --after 1700000000000000000_000001_node1 --types order.placed
  eventlog replay --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.After, "after", "", "resume after this event id")
	cmd.Flags().StringSliceVar(&opts.Types, "types", nil, "only these event types")
	cmd.Flags().Uint64Var(&opts.UntilLSN, "until-lsn", 0, "stop after this LSN")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "wait for new events at the head")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	var cp replay.Checkpoint
	if opts.After != "" {
		id, err := types.ParseEventID(opts.After)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --after", err)
		}
		cp.AfterEventID = id
	}

	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	it, err := s.ReplayFrom(cmd.Context(), cp, replay.Options{
		UntilLSN: opts.UntilLSN,
		Follow:   opts.Follow,
		Types:    opts.Types,
	})
	if err != nil {
		return p.failure(ExitCommandError, "replay failed", err)
	}
	defer it.Close()

	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.Canceled) && opts.Follow {
			break
		}
		if err != nil {
			return p.failure(ExitFailure, "replay failed", err)
		}
		if err := p.line(e, func(w io.Writer) { writeEvent(w, e) }); err != nil {
			return err
		}
	}
	if it.Truncated() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: replay skipped a damaged range; last event %s\n", it.LastID())
	}
	return closeFn()
}
