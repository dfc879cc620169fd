// Package bloom provides the event ID membership filter stored alongside
// each persisted segment index. A filter is built once from a segment's IDs
// and is read-only afterwards.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// DefaultFalsePositiveRate is used when no rate is given.
const DefaultFalsePositiveRate = 0.01

const headerSize = 16

// ErrInvalidFilter is returned when serialized filter bytes cannot be decoded.
var ErrInvalidFilter = errors.New("bloom: invalid serialized filter")

// Filter answers "might this ID be in the segment?" with no false negatives.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

// Build creates a filter sized for len(ids) at the target false positive rate
// and adds every id.
func Build(ids []string, fpr float64) *Filter {
	numBits, numHashes := OptimalParameters(len(ids), fpr)
	words := (numBits + 63) / 64
	f := &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
	}
	for _, id := range ids {
		f.add([]byte(id))
	}
	return f
}

// OptimalParameters returns the bit count m = -n*ln(p)/ln(2)^2 and hash
// count k = (m/n)*ln(2) for n expected items at false positive rate p.
func OptimalParameters(expectedItems int, fpr float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFalsePositiveRate
	}

	n := float64(expectedItems)
	m := -n * math.Log(fpr) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// MayContain reports whether id might have been added.
func (f *Filter) MayContain(id string) bool {
	h1, h2 := murmur3.Sum128([]byte(id))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) add(item []byte) {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
}

// NumBits returns the number of bits in the filter.
func (f *Filter) NumBits() int {
	return int(f.numBits)
}

// NumHashes returns the number of hash functions used.
func (f *Filter) NumHashes() int {
	return int(f.numHashes)
}

// MarshalBinary encodes the filter as
// [numBits u64 LE][numHashes u64 LE][bit words u64 LE...].
func (f *Filter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize+len(f.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[headerSize+i*8:], w)
	}
	return buf, nil
}

// Unmarshal decodes a filter produced by MarshalBinary.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, ErrInvalidFilter
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 {
		return nil, ErrInvalidFilter
	}
	words := numBits / 64
	if uint64(len(data)-headerSize) != words*8 {
		return nil, fmt.Errorf("%w: expected %d bit bytes, got %d", ErrInvalidFilter, words*8, len(data)-headerSize)
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[headerSize+i*8:])
	}
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes}, nil
}
