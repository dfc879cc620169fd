package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ActiveFileName is the name of the segment currently being appended to.
	ActiveFileName = "current.log"

	segmentExt  = ".log"
	dateLayout  = "20060102"
	segmentName = "%s_%06d" + segmentExt
)

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Seq     uint64    `json:"seq"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	// Size is the readable size: the durable frontier for the active
	// segment, the file size (or quarantine cap) for sealed ones.
	Size   int64 `json:"size"`
	Sealed bool  `json:"sealed"`
}

// SegmentFileName returns the sealed file name of segment seq created at t.
func SegmentFileName(created time.Time, seq uint64) string {
	return fmt.Sprintf(segmentName, created.UTC().Format(dateLayout), seq)
}

// ParseSegmentFileName extracts the sequence number and creation date from
// a sealed segment file name.
func ParseSegmentFileName(name string) (seq uint64, created time.Time, ok bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, segmentExt), "_", 2)
	if len(parts) != 2 || len(parts[0]) != len(dateLayout) || len(parts[1]) < 6 {
		return 0, time.Time{}, false
	}
	created, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	seq, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return seq, created, true
}

// ListSealed returns the sealed segments in dir ordered by sequence number,
// with Size set to the on-disk file size.
func ListSealed(dir string) ([]SegmentInfo, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var out []SegmentInfo
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		seq, created, ok := ParseSegmentFileName(file.Name())
		if !ok {
			continue
		}
		info, err := file.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %s: %w", file.Name(), err)
		}
		out = append(out, SegmentInfo{
			Seq:     seq,
			Name:    file.Name(),
			Created: created,
			Size:    info.Size(),
			Sealed:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SegmentTable tracks the sealed segments and the active segment's durable
// frontier. Readers open files through the table so that a rotation, which
// renames the active file under the write lock, is never observed half done.
type SegmentTable struct {
	mu     sync.RWMutex
	dir    string
	sealed []SegmentInfo
	active SegmentInfo
}

// NewSegmentTable creates a table. active.Size must be the durable size of
// the active segment.
func NewSegmentTable(dir string, sealed []SegmentInfo, active SegmentInfo) *SegmentTable {
	active.Name = ActiveFileName
	active.Sealed = false
	cp := make([]SegmentInfo, len(sealed))
	copy(cp, sealed)
	return &SegmentTable{dir: dir, sealed: cp, active: active}
}

// Dir returns the log directory.
func (t *SegmentTable) Dir() string {
	return t.dir
}

// Open opens segment seq for reading and returns the number of bytes that
// may be read from it.
func (t *SegmentTable) Open(seq uint64) (*os.File, SegmentInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.lookupLocked(seq)
	if !ok {
		return nil, SegmentInfo{}, fmt.Errorf("segment %d: %w", seq, os.ErrNotExist)
	}
	f, err := os.Open(filepath.Join(t.dir, info.Name))
	if err != nil {
		return nil, SegmentInfo{}, err
	}
	return f, info, nil
}

// Lookup returns the current description of segment seq.
func (t *SegmentTable) Lookup(seq uint64) (SegmentInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(seq)
}

func (t *SegmentTable) lookupLocked(seq uint64) (SegmentInfo, bool) {
	if seq == t.active.Seq {
		return t.active, true
	}
	i := sort.Search(len(t.sealed), func(i int) bool { return t.sealed[i].Seq >= seq })
	if i < len(t.sealed) && t.sealed[i].Seq == seq {
		return t.sealed[i], true
	}
	return SegmentInfo{}, false
}

// After returns the first segment with a sequence number greater than seq.
func (t *SegmentTable) After(seq uint64) (SegmentInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.sealed), func(i int) bool { return t.sealed[i].Seq > seq })
	if i < len(t.sealed) {
		return t.sealed[i], true
	}
	if t.active.Seq > seq {
		return t.active, true
	}
	return SegmentInfo{}, false
}

// First returns the oldest segment.
func (t *SegmentTable) First() SegmentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.sealed) > 0 {
		return t.sealed[0]
	}
	return t.active
}

// Active returns the active segment.
func (t *SegmentTable) Active() SegmentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// List returns every segment, sealed first, active last.
func (t *SegmentTable) List() []SegmentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SegmentInfo, 0, len(t.sealed)+1)
	out = append(out, t.sealed...)
	return append(out, t.active)
}

// TotalBytes returns the readable size of the whole log.
func (t *SegmentTable) TotalBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.active.Size
	for _, s := range t.sealed {
		total += s.Size
	}
	return total
}

// publish advances the active segment's durable frontier.
func (t *SegmentTable) publish(size int64) {
	t.mu.Lock()
	t.active.Size = size
	t.mu.Unlock()
}

// seal renames the active file to its sealed name and starts a new, empty
// active segment. The caller has fsynced and closed the active file.
func (t *SegmentTable) seal(now time.Time) (SegmentInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sealed := t.active
	sealed.Name = SegmentFileName(sealed.Created, sealed.Seq)
	sealed.Sealed = true
	if err := os.Rename(filepath.Join(t.dir, ActiveFileName), filepath.Join(t.dir, sealed.Name)); err != nil {
		return SegmentInfo{}, err
	}

	t.sealed = append(t.sealed, sealed)
	t.active = SegmentInfo{Seq: sealed.Seq + 1, Name: ActiveFileName, Created: now}

	// The rename has happened either way; report a failed directory sync
	// without undoing the table update.
	return sealed, SyncDir(t.dir)
}

// SyncDir fsyncs a directory so that files created or renamed in it
// survive power loss.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
