package htlv

import (
	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
	"github.com/biggeezerdevelopment/htlv-go/internal/simd"
)

var scalarKernels = simd.ForLevel(cpu.Scalar)

// AppendUvarint appends the LEB128 encoding of v.
func AppendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Uvarint decodes one LEB128 value using the scalar baseline. Hot decode
// paths go through the selected kernel set instead.
func Uvarint(data []byte) (uint64, int, error) {
	return scalarKernels.Uvarint(data)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
