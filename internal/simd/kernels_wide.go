package simd

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
)

// wideKernels covers the vector levels (SSE4.1, AVX2, AVX-512, NEON). The
// primitives consume word-sized blocks instead of single bytes and require
// the buffer base to be aligned to the level's vector width; the scalar
// baseline handles anything the precondition rejects.
type wideKernels struct {
	level cpu.Level
	width int
}

func (k wideKernels) Level() cpu.Level { return k.level }

func (k wideKernels) Precondition(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !isAligned(unsafe.Pointer(&data[0]), k.width) {
		return ErrUnaligned
	}
	return nil
}

func (k wideKernels) Uvarint(data []byte) (uint64, int, error) {
	return uvarintWide(data)
}

func (k wideKernels) ScanItem(data []byte, off int) (ItemRef, error) {
	return scanItem(data, off, uvarintWide)
}

func (k wideKernels) ScanItems(data []byte, off, end int, out []ItemRef) ([]ItemRef, error) {
	return scanItems(data, off, end, out, uvarintWide)
}

func (k wideKernels) ValidateBounds(data []byte, refs []ItemRef) error {
	return validateBounds(data, refs)
}

func (k wideKernels) DecodeFixedWidth(data []byte, width int, out []uint64) error {
	if len(data) != width*len(out) {
		return ErrElementSize
	}
	switch width {
	case 1:
		// Eight lanes per 64-bit load.
		i := 0
		for ; i+8 <= len(data); i += 8 {
			block := binary.LittleEndian.Uint64(data[i:])
			for lane := 0; lane < 8; lane++ {
				out[i+lane] = block >> (8 * lane) & 0xFF
			}
		}
		for ; i < len(data); i++ {
			out[i] = uint64(data[i])
		}
	case 2:
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case 4:
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case 8:
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(data[i*8:])
		}
	default:
		return ErrElementSize
	}
	return nil
}

const varintContinuation = 0x8080808080808080

// uvarintWide finds the varint terminator with a single 64-bit load and
// falls back to the scalar loop for varints longer than 8 bytes or near the
// end of the buffer.
func uvarintWide(data []byte) (uint64, int, error) {
	if len(data) < 8 {
		return uvarintScalar(data)
	}
	word := binary.LittleEndian.Uint64(data)
	terminators := ^word & varintContinuation
	if terminators == 0 {
		// 9- and 10-byte varints take the slow path.
		return uvarintScalar(data)
	}
	n := bits.TrailingZeros64(terminators)/8 + 1
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<7 | word>>(8*i)&0x7F
	}
	return v, n, nil
}
