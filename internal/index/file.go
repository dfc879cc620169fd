package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"

	"github.com/arkilian/eventlog/internal/bloom"
	"github.com/arkilian/eventlog/internal/codec"
	"github.com/arkilian/eventlog/pkg/types"
)

// Persisted index file layout:
//
//	magic "EVIX" | version u16 | segment u64 | covered size i64 |
//	bloom length u32 | bloom bytes | body length u32 | snappy(msgpack(entries)) |
//	sha256 of everything before it
//
// All integers are big-endian. The bloom section precedes the body so a
// lookup can reject a segment without decompressing its entries.
const (
	fileMagic   = "EVIX"
	fileVersion = 1

	fixedHeaderSize = 4 + 2 + 8 + 8

	// FileExt is the extension of persisted index files.
	FileExt = ".idx"

	// ActiveName is the base name used for the active segment's index file.
	ActiveName = "current"
)

// ErrInvalidFile is returned when a persisted index file fails validation.
var ErrInvalidFile = errors.New("index: invalid index file")

// File is a decoded persisted index.
type File struct {
	Segment     uint64
	CoveredSize int64
	Entries     []Entry
	Filter      *bloom.Filter
}

// FileName returns the index file name for a segment file name.
func FileName(segmentFile string) string {
	return strings.TrimSuffix(segmentFile, filepath.Ext(segmentFile)) + FileExt
}

// WriteFile persists entries of one segment. coveredSize is the segment
// size the entries describe; a loader compares it against the segment file
// to detect a stale index. The write is atomic (temp file, fsync, rename).
func WriteFile(path string, segment uint64, coveredSize int64, entries []Entry) error {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = string(e.ID)
	}
	filterBytes, err := bloom.Build(ids, bloom.DefaultFalsePositiveRate).MarshalBinary()
	if err != nil {
		return fmt.Errorf("index: failed to encode bloom filter: %w", err)
	}

	body, err := codec.Marshal(entries)
	if err != nil {
		return fmt.Errorf("index: failed to encode entries: %w", err)
	}
	compressed := snappy.Encode(nil, body)

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	writeU16(&buf, fileVersion)
	writeU64(&buf, segment)
	writeU64(&buf, uint64(coveredSize))
	writeU32(&buf, uint32(len(filterBytes)))
	buf.Write(filterBytes)
	writeU32(&buf, uint32(len(compressed)))
	buf.Write(compressed)
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("index: failed to create index directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("index: failed to create temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("index: failed to write index file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("index: failed to fsync index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: failed to rename index file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// ReadFile loads and fully validates a persisted index file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < fixedHeaderSize+sha256.Size {
		return nil, fmt.Errorf("%w: %s is truncated", ErrInvalidFile, path)
	}
	content, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	if sum := sha256.Sum256(content); !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrInvalidFile, path)
	}

	f, rest, err := parseHeader(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	bodyLen, rest, err := readU32(rest)
	if err != nil || int(bodyLen) != len(rest) {
		return nil, fmt.Errorf("%w: %s body length mismatch", ErrInvalidFile, path)
	}
	body, err := snappy.Decode(nil, rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	if err := codec.UnmarshalValue(body, &f.Entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	return f, nil
}

// ReadFilter reads only the header and bloom filter of an index file.
// The checksum is not verified; a damaged filter can only cause a
// false positive, which the full read then rejects.
func ReadFilter(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	head := make([]byte, fixedHeaderSize+4)
	if _, err := io.ReadFull(fh, head); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	st, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	filterLen := int64(binary.BigEndian.Uint32(head[fixedHeaderSize:]))
	if filterLen > st.Size()-int64(len(head)) {
		return nil, fmt.Errorf("%w: %s bloom length %d exceeds file size %d", ErrInvalidFile, path, filterLen, st.Size())
	}
	buf := make([]byte, int64(len(head))+filterLen)
	copy(buf, head)
	if _, err := io.ReadFull(fh, buf[len(head):]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	f, _, err := parseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	return f, nil
}

// parseHeader decodes the fixed header and bloom section and returns the
// remaining bytes.
func parseHeader(data []byte) (*File, []byte, error) {
	if len(data) < fixedHeaderSize || string(data[:4]) != fileMagic {
		return nil, nil, errors.New("bad magic")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != fileVersion {
		return nil, nil, fmt.Errorf("unsupported version %d", v)
	}
	f := &File{
		Segment:     binary.BigEndian.Uint64(data[6:14]),
		CoveredSize: int64(binary.BigEndian.Uint64(data[14:22])),
	}
	filterLen, rest, err := readU32(data[fixedHeaderSize:])
	if err != nil || int(filterLen) > len(rest) {
		return nil, nil, errors.New("bloom length out of range")
	}
	f.Filter, err = bloom.Unmarshal(rest[:filterLen])
	if err != nil {
		return nil, nil, err
	}
	return f, rest[filterLen:], nil
}

// Find returns the entry for id within the file.
func (f *File) Find(id types.EventID) (Entry, bool) {
	i := sort.Search(len(f.Entries), func(i int) bool { return f.Entries[i].ID >= id })
	if i < len(f.Entries) && f.Entries[i].ID == id {
		return f.Entries[i], true
	}
	return Entry{}, false
}

// LocateResult describes where Locate found an event.
type LocateResult struct {
	Entry     Entry
	IndexFile string
	Probed    int
	Skipped   int
}

// Locate searches the persisted index files in dir for id without opening
// the log. Files whose bloom filter excludes id are skipped unread.
func Locate(dir string, id types.EventID) (*LocateResult, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*"+FileExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	res := &LocateResult{}
	for _, name := range names {
		head, err := ReadFilter(name)
		if err != nil {
			continue
		}
		if !head.Filter.MayContain(string(id)) {
			res.Skipped++
			continue
		}
		res.Probed++
		full, err := ReadFile(name)
		if err != nil {
			continue
		}
		if e, ok := full.Find(id); ok {
			res.Entry = e
			res.IndexFile = name
			return res, nil
		}
	}
	return res, os.ErrNotExist
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
