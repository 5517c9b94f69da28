// Package bloom provides the kind-membership filter attached to archive
// manifests. The query router consults it to skip downloading cold
// partitions that cannot contain any of a query's requested kinds.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over record kinds. It guarantees no false
// negatives: if a kind was added, Contains always returns true. It is built
// once during the archival transform step and read-only afterwards.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a Filter sized for the expected number of distinct kinds and
// target false positive rate.
func New(expectedKinds int, targetFPR float64) *Filter {
	if expectedKinds <= 0 {
		expectedKinds = 64
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	// m = -n * ln(p) / ln(2)^2, k = (m/n) * ln(2)
	n := float64(expectedKinds)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits := uint64(math.Ceil(m))
	if numBits < 64 {
		numBits = 64
	}
	numWords := (numBits + 63) / 64
	numHashes := uint64(math.Ceil(k))
	if numHashes < 1 {
		numHashes = 1
	}

	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   numWords * 64,
		numHashes: numHashes,
	}
}

// Add records a kind in the filter.
func (f *Filter) Add(kind string) {
	h1, h2 := hash128(kind)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains reports whether the kind might be present. False positives are
// possible; false negatives are not.
func (f *Filter) Contains(kind string) bool {
	h1, h2 := hash128(kind)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// ContainsAny reports whether any of the kinds might be present.
// An empty slice means "no kind constraint" and always matches.
func (f *Filter) ContainsAny(kinds []string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, kind := range kinds {
		if f.Contains(kind) {
			return true
		}
	}
	return false
}

// hash128 computes a murmur3 128-bit hash for double hashing:
// h(i) = h1 + i*h2.
func hash128(kind string) (uint64, uint64) {
	h := murmur3.New128()
	h.Write([]byte(kind))
	return h.Sum128()
}

const serializationVersion = 1

// Marshal serializes the filter for storage in an archive manifest.
// Layout: version(u8) numHashes(u32) count(u64) numWords(u32) words...
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 1+4+8+4+len(f.bits)*8)
	buf[0] = serializationVersion
	binary.LittleEndian.PutUint32(buf[1:], uint32(f.numHashes))
	binary.LittleEndian.PutUint64(buf[5:], f.count)
	binary.LittleEndian.PutUint32(buf[13:], uint32(len(f.bits)))
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[17+i*8:], w)
	}
	return buf
}

// Unmarshal reconstructs a filter from manifest bytes.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("bloom: truncated filter data (%d bytes)", len(data))
	}
	if data[0] != serializationVersion {
		return nil, fmt.Errorf("bloom: unsupported serialization version %d", data[0])
	}

	numHashes := binary.LittleEndian.Uint32(data[1:])
	count := binary.LittleEndian.Uint64(data[5:])
	numWords := binary.LittleEndian.Uint32(data[13:])

	if len(data) != 17+int(numWords)*8 {
		return nil, fmt.Errorf("bloom: length mismatch: header says %d words, have %d bytes", numWords, len(data)-17)
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[17+i*8:])
	}

	return &Filter{
		bits:      bits,
		numBits:   uint64(numWords) * 64,
		numHashes: uint64(numHashes),
		count:     count,
	}, nil
}

// Count returns the number of kinds added.
func (f *Filter) Count() uint64 {
	return f.count
}
