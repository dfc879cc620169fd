package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/internal/store"
	"github.com/arkilian/eventlog/pkg/types"
)

// AppendOptions holds options for the append command.
type AppendOptions struct {
	*RootOptions
	Source    string
	BatchSize int
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append JSON events read from stdin",
		Long: `Read a stream of JSON events from stdin and append them durably.

Each event needs at least "event_type". The event id, timestamp, sequence
and content hash are assigned by the writer. A missing source defaults to
--source and a missing correlation id is generated.

Example:
  echo '{"event_type":"order.placed","payload":{"id":7}}' | eventlog append`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "cli", "source for events without one")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 1, "events per atomic batch")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	if opts.BatchSize < 1 {
		return NewExitError(ExitCommandError, "--batch must be at least 1")
	}
	events, err := decodeEvents(cmd.InOrStdin(), opts.Source)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	p := opts.out(cmd)
	for start := 0; start < len(events); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]
		positions, err := s.AppendBatch(cmd.Context(), batch)
		if err != nil {
			return p.failure(ExitFailure, "append failed", err)
		}
		for i, e := range batch {
			pos := positions[i]
			if err := p.line(appendResult{ID: e.ID, Type: e.Type, Position: pos}, func(w io.Writer) {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Type, pos)
			}); err != nil {
				return err
			}
		}
	}
	return closeFn()
}

type appendResult struct {
	ID       types.EventID  `json:"event_id"`
	Type     string         `json:"event_type"`
	Position types.Position `json:"position"`
}

// decodeEvents reads concatenated or newline-delimited JSON events.
func decodeEvents(r io.Reader, source string) ([]*types.Event, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var events []*types.Event
	for {
		e := &types.Event{}
		err := dec.Decode(e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", len(events)+1, err)
		}
		if e.Type == "" {
			return nil, fmt.Errorf("event %d: event_type is required", len(events)+1)
		}
		if e.Metadata.Source == "" {
			e.Metadata.Source = source
		}
		if e.Metadata.CorrelationID == "" {
			e.Metadata.CorrelationID = uuid.NewString()
		}
		e.Payload = normalizeNumbers(e.Payload)
		events = append(events, e)
	}
}

// normalizeNumbers turns json.Number values into int64 or float64.
func normalizeNumbers(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		return normalizeNumbers(t)
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Print one event by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, cmd, args[0])
		},
	}
}

func runGet(opts *RootOptions, cmd *cobra.Command, raw string) error {
	p := opts.out(cmd)
	id, err := types.ParseEventID(raw)
	if err != nil {
		return p.failure(ExitCommandError, "invalid event id", err)
	}

	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	e, err := s.GetByID(cmd.Context(), id)
	if err != nil {
		if logerr.GetCode(err) == logerr.CodeNotFound {
			return p.failure(ExitFailure, "event not found", err)
		}
		return p.failure(ExitCommandError, "lookup failed", err)
	}
	if err := p.result(e, func(w io.Writer) { writeEvent(w, e) }); err != nil {
		return err
	}
	return closeFn()
}

// RangeOptions holds options for the range command.
type RangeOptions struct {
	*RootOptions
	Start string
	End   string
}

// NewRangeCommand creates the range command.
func NewRangeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "range",
		Short: "Print events with start <= timestamp < end",
		Long: `Print events in timestamp order whose timestamp falls in [start, end).

Bounds are RFC 3339 times or integer nanoseconds since the Unix epoch.
An omitted end means no upper bound.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRange(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "0", "inclusive lower bound")
	cmd.Flags().StringVar(&opts.End, "end", "", "exclusive upper bound")

	return cmd
}

func runRange(opts *RangeOptions, cmd *cobra.Command) error {
	start, err := parseTimestamp(opts.Start, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --start", err)
	}
	end, err := parseTimestamp(opts.End, math.MaxInt64)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --end", err)
	}

	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	it, err := s.GetRange(cmd.Context(), start, end)
	if err != nil {
		return opts.out(cmd).failure(ExitCommandError, "range query failed", err)
	}
	if err := streamEvents(opts.out(cmd), it); err != nil {
		return err
	}
	warnSkipped(cmd, it)
	return closeFn()
}

// NewTypeCommand creates the type command.
func NewTypeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "type <event-type>",
		Short: "Print every event of one type in log order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runType(opts, cmd, args[0])
		},
	}
}

func runType(opts *RootOptions, cmd *cobra.Command, eventType string) error {
	s, closeFn, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	it, err := s.GetByType(cmd.Context(), eventType)
	if err != nil {
		return opts.out(cmd).failure(ExitCommandError, "type query failed", err)
	}
	if err := streamEvents(opts.out(cmd), it); err != nil {
		return err
	}
	warnSkipped(cmd, it)
	return closeFn()
}

// parseTimestamp accepts RFC 3339 or integer nanoseconds. Empty means def.
func parseTimestamp(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ns, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither RFC 3339 nor nanoseconds", s)
	}
	return t.UnixNano(), nil
}

// streamEvents writes every event of it, one per line.
func streamEvents(p *printer, it store.EventIterator) error {
	defer it.Close()
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.failure(ExitFailure, "read failed", err)
		}
		if err := p.line(e, func(w io.Writer) { writeEvent(w, e) }); err != nil {
			return err
		}
	}
}

// warnSkipped reports damaged records a query stepped over.
func warnSkipped(cmd *cobra.Command, it *store.Iterator) {
	for _, id := range it.Skipped() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped damaged record %s\n", id)
	}
}

// writeEvent prints one event as a text line.
func writeEvent(w io.Writer, e *types.Event) {
	payload, _ := json.Marshal(e.Payload)
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.LSN, e.ID, e.Type, e.Metadata.Source, payload)
}
