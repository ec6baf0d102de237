// Package bloom implements the fixed-size artifact bloom filter attached to
// bounties. Peers rebuild the filter from the artifact list and compare the
// resulting bits for exact equality, so parameter selection and probe
// derivation are fully deterministic.
package bloom

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// MinBits is the smallest supported filter width.
	MinBits = 8
	// MaxBits is the largest supported filter width. Probe slices are 16 bits wide.
	MaxBits = 1 << 16
	// MaxProbes bounds K so that every probe fits in a single keccak256 digest.
	MaxProbes = 16

	partBits  = 256
	partBytes = partBits / 8
)

var (
	ErrInvalidBits   = errors.New("bloom: bit width must be a power of two between 8 and 65536")
	ErrInvalidProbes = errors.New("bloom: probe count must be between 1 and 16")
	ErrInvalidValue  = errors.New("bloom: value does not fit filter width")
)

// Params is a (B, K) pair.
type Params struct {
	Bits   uint
	Probes uint
}

// sizeTable maps an upper bound on distinct items to filter parameters. The
// table is part of the wire contract: changing a row changes the bits every
// peer computes for the same artifact list.
var sizeTable = []struct {
	maxItems int
	params   Params
}{
	{8, Params{Bits: 64, Probes: 4}},
	{32, Params{Bits: 256, Probes: 5}},
	{128, Params{Bits: 1024, Probes: 6}},
	{256, Params{Bits: 2048, Probes: 7}},
	{1024, Params{Bits: 8192, Probes: 8}},
}

// ParamsFor returns the filter parameters used for a collection of count
// distinct identifiers.
func ParamsFor(count int) Params {
	for _, row := range sizeTable {
		if count <= row.maxItems {
			return row.params
		}
	}
	return Params{Bits: MaxBits, Probes: 8}
}

// Filter is a bloom filter over opaque artifact identifiers. It is not safe
// for concurrent mutation.
type Filter struct {
	bits   *bitset.BitSet
	width  uint
	probes uint
	// added holds the digest of every identifier inserted through Add.
	added map[[32]byte]struct{}
}

// New constructs an empty filter with the supplied width and probe count.
func New(width, probes uint) (*Filter, error) {
	if width < MinBits || width > MaxBits || width&(width-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBits, width)
	}
	if probes == 0 || probes > MaxProbes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProbes, probes)
	}
	return &Filter{
		bits:   bitset.New(width),
		width:  width,
		probes: probes,
		added:  make(map[[32]byte]struct{}),
	}, nil
}

// FromIterable builds a filter sized for the distinct identifiers in ids.
func FromIterable(ids []string) *Filter {
	distinct := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		distinct[id] = struct{}{}
	}
	params := ParamsFor(len(distinct))
	f, err := New(params.Bits, params.Probes)
	if err != nil {
		// The size table only contains valid rows.
		panic(err)
	}
	f.Extend(ids...)
	return f
}

// FromValue rebuilds a filter from its big-endian value encoding.
func FromValue(width, probes uint, value []byte) (*Filter, error) {
	f, err := New(width, probes)
	if err != nil {
		return nil, err
	}
	size := int(width / 8)
	for len(value) > size {
		if value[0] != 0 {
			return nil, ErrInvalidValue
		}
		value = value[1:]
	}
	padded := make([]byte, size)
	copy(padded[size-len(value):], value)
	for i := uint(0); i < width; i++ {
		if padded[size-1-int(i/8)]&(1<<(i%8)) != 0 {
			f.bits.Set(i)
		}
	}
	return f, nil
}

// FromParts rebuilds a filter from 256-bit words, most significant first, as
// returned by the gateway for a posted bounty.
func FromParts(width, probes uint, parts []*uint256.Int) (*Filter, error) {
	value := make([]byte, 0, len(parts)*partBytes)
	for _, part := range parts {
		if part == nil {
			part = new(uint256.Int)
		}
		word := part.Bytes32()
		value = append(value, word[:]...)
	}
	return FromValue(width, probes, value)
}

// Add inserts id. Adding an identifier more than once has no effect.
func (f *Filter) Add(id string) {
	digest := crypto.Keccak256Hash([]byte(id))
	for _, i := range f.positions(digest) {
		f.bits.Set(i)
	}
	f.added[digest] = struct{}{}
}

// Extend adds every identifier in ids.
func (f *Filter) Extend(ids ...string) {
	for _, id := range ids {
		f.Add(id)
	}
}

// Contains reports whether id may have been added. It never returns false for
// an identifier that was added.
func (f *Filter) Contains(id string) bool {
	for _, i := range f.positions(crypto.Keccak256Hash([]byte(id))) {
		if !f.bits.Test(i) {
			return false
		}
	}
	return true
}

// Count returns the number of distinct identifiers passed to Add. Filters
// rebuilt from a value or parts start at zero.
func (f *Filter) Count() int { return len(f.added) }

// Bits returns the filter width B.
func (f *Filter) Bits() uint { return f.width }

// Probes returns the probe count K.
func (f *Filter) Probes() uint { return f.probes }

// Value returns the bit-vector as a big-endian integer of exactly B/8 bytes.
// Filter bit i is bit i of the integer.
func (f *Filter) Value() []byte {
	size := int(f.width / 8)
	out := make([]byte, size)
	for i, ok := f.bits.NextSet(0); ok && i < f.width; i, ok = f.bits.NextSet(i + 1) {
		out[size-1-int(i/8)] |= 1 << (i % 8)
	}
	return out
}

// Parts splits Value into 256-bit words, most significant first. Filters
// narrower than 256 bits produce a single word.
func (f *Filter) Parts() []*uint256.Int {
	value := f.Value()
	if len(value) <= partBytes {
		return []*uint256.Int{new(uint256.Int).SetBytes(value)}
	}
	parts := make([]*uint256.Int, 0, len(value)/partBytes)
	for off := 0; off < len(value); off += partBytes {
		parts = append(parts, new(uint256.Int).SetBytes(value[off:off+partBytes]))
	}
	return parts
}

// Equal reports whether both filters share parameters and bits.
func (f *Filter) Equal(other *Filter) bool {
	if f == nil || other == nil {
		return f == other
	}
	return f.width == other.width && f.probes == other.probes && f.bits.Equal(other.bits)
}

// positions derives K bit indices from a single keccak256 digest split into
// 16-bit big-endian slices.
func (f *Filter) positions(digest [32]byte) []uint {
	mask := f.width - 1
	out := make([]uint, f.probes)
	for k := uint(0); k < f.probes; k++ {
		slice := uint(digest[2*k])<<8 | uint(digest[2*k+1])
		out[k] = slice & mask
	}
	return out
}
