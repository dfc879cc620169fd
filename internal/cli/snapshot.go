package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/snapshot"
)

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list and restore projection snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot the projection at the current head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotCreate(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Rebuild and print the state stored in a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotRestore(opts, cmd, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print the projection at the current head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotState(opts, cmd)
		},
	})

	return cmd
}

func runSnapshotCreate(opts *RootOptions, cmd *cobra.Command) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	h, err := s.CreateSnapshot(cmd.Context())
	if err != nil {
		return p.failure(ExitFailure, "snapshot failed", err)
	}
	if err := p.result(h, func(w io.Writer) {
		fmt.Fprintf(w, "Created snapshot %s (%s) at LSN %d, %d bytes\n", h.ID, h.Kind, h.LastSequence, h.SizeBytes)
	}); err != nil {
		return err
	}
	return closeFn()
}

func runSnapshotList(opts *RootOptions, cmd *cobra.Command) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	headers, err := s.Snapshots(cmd.Context())
	if err != nil {
		return p.failure(ExitFailure, "failed to list snapshots", err)
	}
	if err := p.result(headers, func(w io.Writer) {
		if len(headers) == 0 {
			fmt.Fprintln(w, "No snapshots")
			return
		}
		for _, h := range headers {
			fmt.Fprintf(w, "%s\t%s\t%s\tlsn=%d\tevents=%d\t%s\n",
				h.ID, h.Kind, h.Trigger, h.LastSequence, h.EventCount, h.Timestamp.Format(time.RFC3339))
		}
	}); err != nil {
		return err
	}
	return closeFn()
}

type restoreResult struct {
	Header snapshot.Header `json:"header"`
	State  snapshot.State  `json:"state"`
}

func runSnapshotRestore(opts *RootOptions, cmd *cobra.Command, id string) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	state, h, err := s.RestoreFromSnapshot(cmd.Context(), id)
	if err != nil {
		if logerr.GetCode(err) == logerr.CodeSnapshotNotFound {
			return p.failure(ExitFailure, "snapshot not found", err)
		}
		return p.failure(ExitCommandError, "restore failed", err)
	}
	if err := p.result(restoreResult{Header: h, State: state}, func(w io.Writer) {
		fmt.Fprintf(w, "Snapshot %s at LSN %d (%s)\n", h.ID, h.LastSequence, h.LastEventID)
		writeState(w, state)
	}); err != nil {
		return err
	}
	return closeFn()
}

type stateResult struct {
	LSN   uint64         `json:"lsn"`
	State snapshot.State `json:"state"`
}

func runSnapshotState(opts *RootOptions, cmd *cobra.Command) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	state, lsn, err := s.CurrentState(cmd.Context())
	if err != nil {
		return p.failure(ExitFailure, "failed to read state", err)
	}
	if err := p.result(stateResult{LSN: lsn, State: state}, func(w io.Writer) {
		fmt.Fprintf(w, "State at LSN %d\n", lsn)
		writeState(w, state)
	}); err != nil {
		return err
	}
	return closeFn()
}

func writeState(w io.Writer, state snapshot.State) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %v\n", k, state[k])
	}
}
