// Package simd implements the decode primitives behind the batch pipeline.
//
// Every primitive exists once per supported instruction-set level plus a
// scalar baseline. All implementations of a primitive return bit-identical
// results for the same input; the levels differ only in how many bytes they
// touch per step. Selection is driven by the cpu package's one-time probe,
// with per-batch fallback to the next-ranked level when a kernel's
// precondition (alignment) is not met.
package simd

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
)

var (
	// ErrUnaligned is a kernel precondition failure. It is non-fatal: the
	// caller retries the batch on the next-ranked kernel.
	ErrUnaligned = errors.New("simd: buffer does not satisfy kernel alignment")

	ErrVarintOverflow  = errors.New("simd: varint value overflows 64 bits")
	ErrVarintTruncated = errors.New("simd: truncated varint")
	ErrShortValue      = errors.New("simd: value extends past end of buffer")
	ErrElementSize     = errors.New("simd: data length is not a multiple of element width")
)

// ItemRef locates one wire item inside a payload buffer.
type ItemRef struct {
	HeaderOffset int
	Tag          uint64
	KindByte     byte // raw kind byte, fragment marker bits included
	ValueOffset  int
	ValueLen     int
	End          int // offset of the first byte after the item
}

// Kernels is the fixed primitive set exposed by every instruction-set level.
type Kernels interface {
	Level() cpu.Level

	// Precondition reports whether this kernel may run on the buffer.
	// Returning ErrUnaligned triggers per-batch fallback, never a decode
	// failure.
	Precondition(data []byte) error

	// Uvarint decodes one LEB128 value, returning the value and the number
	// of bytes consumed.
	Uvarint(data []byte) (uint64, int, error)

	// ScanItem extracts the tag/kind/length header of the item starting at
	// off and resolves its value span.
	ScanItem(data []byte, off int) (ItemRef, error)

	// ScanItems scans every top-level item in data[off:end].
	ScanItems(data []byte, off, end int, out []ItemRef) ([]ItemRef, error)

	// ValidateBounds bulk-checks that every ref's value span lies inside
	// data.
	ValidateBounds(data []byte, refs []ItemRef) error

	// DecodeFixedWidth widens little-endian elements of the given byte
	// width (1, 2, 4 or 8) into out. len(data) must equal width*len(out).
	DecodeFixedWidth(data []byte, width int, out []uint64) error
}

// ForLevel returns the kernel set for one level. Unknown levels degrade to
// the scalar baseline.
func ForLevel(l cpu.Level) Kernels {
	if l == cpu.Scalar {
		return scalarKernels{}
	}
	return wideKernels{level: l, width: l.Width()}
}

// Ranked returns kernel sets for every available level, best first. The
// last entry is always the scalar baseline, which has no preconditions.
func Ranked(caps cpu.Capabilities) []Kernels {
	levels := caps.Ranked()
	out := make([]Kernels, len(levels))
	for i, l := range levels {
		out[i] = ForLevel(l)
	}
	return out
}

func isAligned(ptr unsafe.Pointer, alignment int) bool {
	return uintptr(ptr)&uintptr(alignment-1) == 0
}

type uvarintFunc func([]byte) (uint64, int, error)

func scanItem(data []byte, off int, uvarint uvarintFunc) (ItemRef, error) {
	ref := ItemRef{HeaderOffset: off}

	tag, n, err := uvarint(data[off:])
	if err != nil {
		return ref, errors.Wrap(err, "item tag")
	}
	ref.Tag = tag
	off += n

	if off >= len(data) {
		return ref, errors.Wrap(ErrShortValue, "item kind")
	}
	ref.KindByte = data[off]
	off++

	length, n, err := uvarint(data[off:])
	if err != nil {
		return ref, errors.Wrap(err, "item length")
	}
	off += n

	if length > uint64(len(data)-off) {
		return ref, errors.Wrapf(ErrShortValue, "item value wants %d bytes, %d remain", length, len(data)-off)
	}
	ref.ValueOffset = off
	ref.ValueLen = int(length)
	ref.End = off + int(length)
	return ref, nil
}

func scanItems(data []byte, off, end int, out []ItemRef, uvarint uvarintFunc) ([]ItemRef, error) {
	if end > len(data) {
		return out, ErrShortValue
	}
	for off < end {
		ref, err := scanItem(data[:end], off, uvarint)
		if err != nil {
			return out, err
		}
		out = append(out, ref)
		off = ref.End
	}
	return out, nil
}

func validateBounds(data []byte, refs []ItemRef) error {
	n := len(data)
	for i := range refs {
		r := &refs[i]
		if r.ValueOffset < 0 || r.ValueLen < 0 || r.ValueOffset+r.ValueLen > n {
			return errors.Wrapf(ErrShortValue, "item at offset %d", r.HeaderOffset)
		}
	}
	return nil
}
