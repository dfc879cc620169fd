// Package snapshot materializes projected state at points in the log so
// that state can be rebuilt without replaying from genesis.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/arkilian/eventlog/internal/codec"
	logerr "github.com/arkilian/eventlog/internal/errors"
	"github.com/arkilian/eventlog/pkg/types"
)

// State is the projected state captured by a snapshot.
type State map[string]interface{}

// Projection folds one event into the state. It must be deterministic.
type Projection interface {
	Apply(state State, e *types.Event) (State, error)
}

// ProjectionFunc adapts a function to Projection.
type ProjectionFunc func(state State, e *types.Event) (State, error)

// Apply implements Projection.
func (f ProjectionFunc) Apply(state State, e *types.Event) (State, error) {
	return f(state, e)
}

// Kind distinguishes full snapshots from diffs against a full base.
type Kind string

const (
	KindFull Kind = "full"
	KindDiff Kind = "diff"
)

// Trigger records why a snapshot was taken.
type Trigger string

const (
	TriggerCount  Trigger = "count"
	TriggerTime   Trigger = "time"
	TriggerSize   Trigger = "size"
	TriggerManual Trigger = "manual"
)

const (
	fileExt = ".snap"
	tempExt = ".tmp"
)

// Header describes one snapshot.
type Header struct {
	ID           string        `msgpack:"id" json:"id"`
	Timestamp    time.Time     `msgpack:"ts" json:"timestamp"`
	LastEventID  types.EventID `msgpack:"last_event_id" json:"last_event_id"`
	LastSequence uint64        `msgpack:"last_sequence" json:"last_sequence"`
	Kind         Kind          `msgpack:"kind" json:"kind"`
	BaseID       string        `msgpack:"base_id,omitempty" json:"base_id,omitempty"`
	Trigger      Trigger       `msgpack:"trigger" json:"trigger"`
	// EventCount is the number of events folded in since the previous snapshot.
	EventCount uint64 `msgpack:"event_count" json:"event_count"`
	// StateBytes is the serialized size of the full state.
	StateBytes int64 `msgpack:"state_bytes" json:"state_bytes"`
	// Checksum and SizeBytes describe the file, not its content.
	Checksum  string `msgpack:"-" json:"checksum"`
	SizeBytes int64  `msgpack:"-" json:"size_bytes"`
}

// content is the checksummed body of a snapshot file.
type content struct {
	Header Header `msgpack:"header"`
	State  State  `msgpack:"state,omitempty"`
	Diff   *Diff  `msgpack:"diff,omitempty"`
}

// envelope is what is gzip-compressed on disk.
type envelope struct {
	Body     []byte `msgpack:"body"`
	Checksum string `msgpack:"checksum"`
}

// FileName returns the file name of snapshot id.
func FileName(id string) string {
	return id + fileExt
}

// IDFor formats a snapshot ID from its creation time.
func IDFor(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// writeFile persists c under dir via temp file, fsync, rename and directory
// fsync. It returns the final path, the checksum and the file size.
func writeFile(dir string, c *content) (string, string, int64, error) {
	body, err := codec.Marshal(c)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	env, err := codec.Marshal(&envelope{Body: body, Checksum: checksum})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to serialize snapshot envelope: %w", err)
	}

	final := filepath.Join(dir, FileName(c.Header.ID))
	tmp := final + tempExt

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", "", 0, err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(env); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", 0, err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", "", 0, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", "", 0, err
	}
	if err := syncDir(dir); err != nil {
		return "", "", 0, err
	}
	return final, checksum, st.Size(), nil
}

// readFile loads and verifies a snapshot file.
func readFile(path string) (*content, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, logerr.NewSnapshotError(logerr.CodeSnapshotNotFound, "snapshot not found", err).
				WithDetails(map[string]interface{}{"path": path})
		}
		return nil, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to open snapshot", err).
			WithDetails(map[string]interface{}{"path": path})
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, logerr.NewSnapshotError(logerr.CodeIOFailure, "failed to stat snapshot", err)
	}

	invalid := func(reason string, cause error) error {
		return logerr.NewSnapshotError(logerr.CodeSnapshotInvalid, reason, cause).
			WithDetails(map[string]interface{}{"path": path})
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, invalid("snapshot is not gzip data", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, invalid("snapshot is truncated", err)
	}

	var env envelope
	if err := codec.UnmarshalValue(raw, &env); err != nil {
		return nil, invalid("snapshot envelope is malformed", err)
	}
	sum := sha256.Sum256(env.Body)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, invalid("snapshot checksum mismatch", nil)
	}

	var c content
	if err := codec.UnmarshalValue(env.Body, &c); err != nil {
		return nil, invalid("snapshot body is malformed", err)
	}
	if want := strings.TrimSuffix(filepath.Base(path), fileExt); c.Header.ID != want {
		return nil, invalid(fmt.Sprintf("snapshot header id %q does not match file name", c.Header.ID), nil)
	}
	if c.Header.Kind == KindDiff && (c.Diff == nil || c.Header.BaseID == "") {
		return nil, invalid("diff snapshot without base", nil)
	}
	if c.State == nil {
		c.State = State{}
	}
	c.Header.Checksum = env.Checksum
	c.Header.SizeBytes = st.Size()
	return &c, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// sizeOf returns the serialized size of v.
func sizeOf(v interface{}) (int, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// equalValues compares two state values by their deterministic encoding,
// so that an int and the int64 it decodes to are equal.
func equalValues(a, b interface{}) bool {
	ab, err := codec.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := codec.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
