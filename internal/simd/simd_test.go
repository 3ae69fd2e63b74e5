package simd

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
)

func allKernels() []Kernels {
	return []Kernels{
		scalarKernels{},
		wideKernels{level: cpu.SSE41, width: 16},
		wideKernels{level: cpu.AVX2, width: 32},
		wideKernels{level: cpu.AVX512, width: 64},
		wideKernels{level: cpu.NEON, width: 16},
	}
}

func appendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func TestUvarintEquivalence(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 16383, 16384, 1<<32 - 1, 1<<56 + 17, 1<<63 - 1, ^uint64(0)}
	for _, v := range values {
		buf := appendUvarint(nil, v)
		// Trailing garbage must not disturb the decode.
		buf = append(buf, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22, 0x33)

		ref, refN, refErr := scalarKernels{}.Uvarint(buf)
		require.NoError(t, refErr)
		require.Equal(t, v, ref)

		for _, k := range allKernels() {
			got, n, err := k.Uvarint(buf)
			require.NoError(t, err, "level %s value %d", k.Level(), v)
			assert.Equal(t, ref, got, "level %s", k.Level())
			assert.Equal(t, refN, n, "level %s", k.Level())
		}
	}
}

func TestUvarintErrorsEquivalence(t *testing.T) {
	cases := [][]byte{
		{},
		{0x80},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01},
	}
	for _, data := range cases {
		_, _, refErr := scalarKernels{}.Uvarint(data)
		require.Error(t, refErr)
		for _, k := range allKernels() {
			_, _, err := k.Uvarint(data)
			assert.ErrorIs(t, err, refErr, "level %s input %x", k.Level(), data)
		}
	}
}

func TestUvarintMaxValue(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	for _, k := range allKernels() {
		v, n, err := k.Uvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, ^uint64(0), v)
		assert.Equal(t, 10, n)
	}
}

func buildItem(tag uint64, kind byte, value []byte) []byte {
	buf := appendUvarint(nil, tag)
	buf = append(buf, kind)
	buf = appendUvarint(buf, uint64(len(value)))
	return append(buf, value...)
}

func TestScanItemEquivalence(t *testing.T) {
	payload := buildItem(7, 4, []byte{1, 2, 3, 4})
	payload = append(payload, buildItem(300, 13, []byte("hello"))...)
	payload = append(payload, buildItem(0, 0, nil)...)

	for _, k := range allKernels() {
		refs, err := k.ScanItems(payload, 0, len(payload), nil)
		require.NoError(t, err, "level %s", k.Level())
		require.Len(t, refs, 3)

		assert.Equal(t, uint64(7), refs[0].Tag)
		assert.Equal(t, byte(4), refs[0].KindByte)
		assert.Equal(t, 4, refs[0].ValueLen)
		assert.Equal(t, uint64(300), refs[1].Tag)
		assert.Equal(t, []byte("hello"), payload[refs[1].ValueOffset:refs[1].ValueOffset+refs[1].ValueLen])
		assert.Equal(t, uint64(0), refs[2].Tag)
		assert.Equal(t, len(payload), refs[2].End)

		require.NoError(t, k.ValidateBounds(payload, refs))
	}
}

func TestScanItemTruncated(t *testing.T) {
	full := buildItem(9, 12, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	for cut := 0; cut < len(full); cut++ {
		for _, k := range allKernels() {
			_, err := k.ScanItems(full[:cut], 0, cut, nil)
			if cut == 0 {
				require.NoError(t, err, "empty payload is a valid empty scan")
				continue
			}
			assert.Error(t, err, "level %s cut %d", k.Level(), cut)
		}
	}
}

func TestDecodeFixedWidthEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, width := range []int{1, 2, 4, 8} {
		for _, count := range []int{0, 1, 3, 7, 8, 9, 33, 100} {
			data := make([]byte, width*count)
			rng.Read(data)

			ref := make([]uint64, count)
			require.NoError(t, scalarKernels{}.DecodeFixedWidth(data, width, ref))

			for _, k := range allKernels() {
				got := make([]uint64, count)
				require.NoError(t, k.DecodeFixedWidth(data, width, got))
				assert.Equal(t, ref, got, "level %s width %d count %d", k.Level(), width, count)
			}
		}
	}
}

func TestDecodeFixedWidthValues(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:], 100)
	binary.LittleEndian.PutUint32(data[4:], 200)
	binary.LittleEndian.PutUint32(data[8:], 300)
	binary.LittleEndian.PutUint32(data[12:], 400)

	for _, k := range allKernels() {
		out := make([]uint64, 4)
		require.NoError(t, k.DecodeFixedWidth(data, 4, out))
		assert.Equal(t, []uint64{100, 200, 300, 400}, out)
	}
}

func TestDecodeFixedWidthBadLength(t *testing.T) {
	for _, k := range allKernels() {
		err := k.DecodeFixedWidth(make([]byte, 5), 4, make([]uint64, 1))
		assert.ErrorIs(t, err, ErrElementSize, "level %s", k.Level())
	}
}

func TestWidePreconditionRejectsUnaligned(t *testing.T) {
	backing := make([]byte, 256)
	k := wideKernels{level: cpu.AVX2, width: 32}

	aligned := -1
	for i := 0; i < 32; i++ {
		if isAligned(unsafe.Pointer(&backing[i]), 32) {
			aligned = i
			break
		}
	}
	require.GreaterOrEqual(t, aligned, 0)

	assert.NoError(t, k.Precondition(backing[aligned:aligned+64]))
	assert.ErrorIs(t, k.Precondition(backing[aligned+1:aligned+65]), ErrUnaligned)
	assert.NoError(t, k.Precondition(nil))
}

func TestRankedEndsWithScalar(t *testing.T) {
	ranked := Ranked(cpu.Detect())
	require.NotEmpty(t, ranked)
	assert.Equal(t, cpu.Scalar, ranked[len(ranked)-1].Level())
	assert.NoError(t, ranked[len(ranked)-1].Precondition(make([]byte, 3)))
}
