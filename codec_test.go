package htlv

import (
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v Value) []byte {
	t.Helper()
	rec, err := Marshal(v)
	require.NoError(t, err)
	return rec
}

func TestRoundTripScalars(t *testing.T) {
	cases := []struct {
		name  string
		value Value
	}{
		{"null", Null()},
		{"bool_true", Bool(true)},
		{"bool_false", Bool(false)},
		{"u8", U8(0xFF)},
		{"u16", U16(0xBEEF)},
		{"u32", U32(0xDEADBEEF)},
		{"u64_max", U64(math.MaxUint64)},
		{"i8_min", I8(-128)},
		{"i16", I16(-12345)},
		{"i32", I32(-1)},
		{"i64_min", I64(math.MinInt64)},
		{"f32", F32(3.5)},
		{"f64", F64(math.Pi)},
		{"string", String("hello, world")},
		{"string_empty", String("")},
		{"bytes", Binary([]byte{0x00, 0x80, 0xFF})},
		{"bytes_empty", Binary(nil)},
		{"tagged", Tagged(42, U32(7))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := mustMarshal(t, tc.value)
			got, err := Unmarshal(rec)
			require.NoError(t, err)
			assert.True(t, Equal(tc.value, got), "decoded %+v, want %+v", got, tc.value)
		})
	}
}

func TestRoundTripContainers(t *testing.T) {
	v := Object(
		Tagged(1, String("session")),
		Tagged(2, Array(U32(1), String("two"), Bool(true))),
		Tagged(3, Object(
			Tagged(1, F64(2.718)),
			Tagged(2, Null()),
		)),
	)
	rec := mustMarshal(t, v)
	got, err := Unmarshal(rec)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))
}

func TestRoundTripMaps(t *testing.T) {
	mixed := Map(
		Pair(U32(7), String("seven")),
		Pair(String("name"), String("htlv")),
	)
	stringKeyed := Map(
		Pair(String("a"), U32(1)),
		Pair(String("b"), U32(2)),
		Pair(String("c"), Array(I64(-3), I64(4))),
	)

	for _, tc := range []struct {
		name     string
		strategy MapStrategy
		value    Value
	}{
		{"hash_mixed_keys", MapStrategyHash, mixed},
		{"hash_string_keys", MapStrategyHash, stringKeyed},
		{"sorted", MapStrategySorted, stringKeyed},
		{"compact", MapStrategyCompact, stringKeyed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEncoder()
			defer e.Release()
			e.SetMapStrategy(tc.strategy)
			rec, err := e.EncodeRecord(tc.value)
			require.NoError(t, err)

			hdr, _, err := parseRecordHeader(rec)
			require.NoError(t, err)
			require.True(t, hdr.HasStrategy)
			assert.Equal(t, tc.strategy, hdr.Strategy)

			got, err := Unmarshal(rec)
			require.NoError(t, err)
			assert.True(t, Equal(tc.value, got), "decoded %+v, want %+v", got, tc.value)
		})
	}
}

func TestAutoStrategySelection(t *testing.T) {
	// All-string keys with at least two entries choose compact on their own.
	rec := mustMarshal(t, Map(Pair(String("a"), U32(1)), Pair(String("b"), U32(2))))
	hdr, _, err := parseRecordHeader(rec)
	require.NoError(t, err)
	require.True(t, hdr.HasStrategy)
	assert.Equal(t, MapStrategyCompact, hdr.Strategy)

	// A non-string key forces hash.
	rec = mustMarshal(t, Map(Pair(U8(1), String("x")), Pair(String("b"), U32(2))))
	hdr, _, err = parseRecordHeader(rec)
	require.NoError(t, err)
	require.True(t, hdr.HasStrategy)
	assert.Equal(t, MapStrategyHash, hdr.Strategy)

	// No map at all leaves the strategy byte out entirely.
	rec = mustMarshal(t, Array(U32(1), String("two")))
	hdr, _, err = parseRecordHeader(rec)
	require.NoError(t, err)
	assert.False(t, hdr.HasStrategy)
}

func TestCompactMapRepeatedKeys(t *testing.T) {
	// Repeated keys share one table entry.
	v := Map(
		Pair(String("k"), U32(1)),
		Pair(String("other"), U32(2)),
		Pair(String("k"), U32(3)),
	)
	e := NewEncoder()
	defer e.Release()
	e.SetMapStrategy(MapStrategyCompact)
	rec, err := e.EncodeRecord(v)
	require.NoError(t, err)

	got, err := Unmarshal(rec)
	require.NoError(t, err)
	require.Len(t, got.Pairs, 3)
	assert.True(t, Equal(v, got))
}

func TestPackedArrayEncoding(t *testing.T) {
	v := Array(U32(100), U32(200), U32(300), U32(400))
	rec := mustMarshal(t, v)

	hdr, n, err := parseRecordHeader(rec)
	require.NoError(t, err)
	payload := rec[n : n+int(hdr.PayloadLen)]
	// tag varint 0 then the kind byte
	assert.Equal(t, byte(KindPacked), payload[1])

	got, err := Unmarshal(rec)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))
}

func packedPayload(elem Kind, count uint64, valueBytes []byte) []byte {
	body := append(AppendUvarint([]byte{byte(elem)}, count), valueBytes...)
	return append(appendItemHeader(nil, 0, byte(KindPacked), len(body)), body...)
}

func TestPackedArrayCountMismatch(t *testing.T) {
	// The declared element count must match the payload exactly, including
	// counts large enough that count*width wraps around 64 bits back to the
	// payload length. Both must fail the batch, never panic.
	for name, count := range map[string]uint64{
		"short_payload": 3,
		"wrapped_count": 1<<61 + 2,
	} {
		t.Run(name, func(t *testing.T) {
			payload := packedPayload(KindU64, count, make([]byte, 16))
			_, err := Unmarshal(rawRecord(t, payload))
			require.Error(t, err)

			var berr *BatchError
			require.True(t, errors.As(err, &berr))
			assert.Equal(t, FailMalformedPayload, berr.Kind)
		})
	}
}

func TestPackedArrayNotUsedForMixedKinds(t *testing.T) {
	v := Array(U32(1), U64(2))
	rec := mustMarshal(t, v)

	hdr, n, err := parseRecordHeader(rec)
	require.NoError(t, err)
	payload := rec[n : n+int(hdr.PayloadLen)]
	assert.Equal(t, byte(KindArray), payload[1])

	got, err := Unmarshal(rec)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))
}

func nestedArrays(depth int) Value {
	v := Null()
	for i := 0; i < depth; i++ {
		v = Array(v)
	}
	return v
}

func TestNestingDepthLimit(t *testing.T) {
	ok := nestedArrays(MaxNestingDepth)
	rec := mustMarshal(t, ok)
	got, err := Unmarshal(rec)
	require.NoError(t, err)
	assert.True(t, Equal(ok, got))

	_, err = Marshal(nestedArrays(MaxNestingDepth + 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNestingLimitExceeded))
}

func TestDecoderNestingDepthLimit(t *testing.T) {
	// Hand-build a payload one level past the limit so the decoder, not the
	// encoder, is the one refusing it.
	item := appendItemHeader(nil, 0, byte(KindNull), 0)
	for i := 0; i < MaxNestingDepth+1; i++ {
		item = append(appendItemHeader(nil, 0, byte(KindArray), len(item)), item...)
	}
	rec := rawRecord(t, item)

	_, err := Unmarshal(rec)
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailNestingLimit, berr.Kind)
	assert.True(t, errors.Is(err, ErrNestingLimitExceeded))
}

// rawRecord wraps a hand-built payload in a valid prelude.
func rawRecord(t *testing.T, payload []byte) []byte {
	t.Helper()
	return rawRecordFlags(t, payload, 0)
}

func rawRecordFlags(t *testing.T, payload []byte, flags Flags) []byte {
	t.Helper()
	h := RecordHeader{
		Version:    Version,
		Flags:      flags,
		PayloadLen: uint64(len(payload)),
		Checksum:   checksumPayload(payload),
	}
	return append(h.appendTo(nil), payload...)
}

func TestChecksumMismatch(t *testing.T) {
	rec := mustMarshal(t, String("hello world"))
	rec[len(rec)-1] ^= 0x01
	_, err := Unmarshal(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestTruncatedRecord(t *testing.T) {
	rec := mustMarshal(t, String("hello world"))
	for _, cut := range []int{1, len(rec) / 2, len(rec) - 1} {
		_, err := Unmarshal(rec[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.True(t, errors.Is(err, ErrMalformedStreamHeader), "cut at %d: %v", cut, err)
	}
}

func TestTrailingBytes(t *testing.T) {
	rec := mustMarshal(t, U32(1))
	_, err := Unmarshal(append(rec, 0x00))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedStreamHeader))
}

func TestUnknownKindByte(t *testing.T) {
	payload := appendItemHeader(nil, 0, 0x20, 0)
	_, err := Unmarshal(rawRecord(t, payload))
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailMalformedPayload, berr.Kind)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestInvalidBoolEncoding(t *testing.T) {
	payload := append(appendItemHeader(nil, 0, byte(KindBool), 1), 2)
	_, err := Unmarshal(rawRecord(t, payload))
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailMalformedPayload, berr.Kind)
}

func TestCompressedRoundTrip(t *testing.T) {
	v := String(strings.Repeat("compressible payload ", 200))

	for _, comp := range []Compressor{S2{}, Snappy{}} {
		t.Run(comp.Name(), func(t *testing.T) {
			e := NewEncoder()
			defer e.Release()
			e.SetCompressor(comp)
			rec, err := e.EncodeRecord(v)
			require.NoError(t, err)

			hdr, _, err := parseRecordHeader(rec)
			require.NoError(t, err)
			assert.True(t, hdr.Flags.Has(FlagCompressed))
			assert.Less(t, int(hdr.PayloadLen), len(v.Bytes), "payload should have shrunk")

			d := NewDecoder()
			d.SetDecompressor(comp.(Decompressor))
			got, err := d.Unmarshal(rec)
			require.NoError(t, err)
			assert.True(t, Equal(v, got))
		})
	}
}

func TestCompressedWithoutDecompressor(t *testing.T) {
	e := NewEncoder()
	defer e.Release()
	e.SetCompressor(S2{})
	rec, err := e.EncodeRecord(String("payload"))
	require.NoError(t, err)

	d := NewDecoder()
	d.SetDecompressor(nil)
	_, err = d.Unmarshal(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompressedPayload))
}

func TestEncryptedWithoutDecryptor(t *testing.T) {
	rec := mustMarshal(t, U32(1))
	rec[1] |= byte(FlagEncrypted)
	_, err := Unmarshal(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncryptedPayload))
}

func TestValid(t *testing.T) {
	rec := mustMarshal(t, Array(U32(1), String("two")))
	assert.True(t, Valid(rec))
	assert.False(t, Valid(rec[:len(rec)-1]))
	assert.False(t, Valid(nil))
}

func BenchmarkUnmarshal(b *testing.B) {
	v := Object(
		Tagged(1, String("session")),
		Tagged(2, Array(U32(1), U32(2), U32(3), U32(4))),
		Tagged(3, Map(Pair(String("a"), F64(1.5)), Pair(String("b"), Bool(true)))),
	)
	rec, err := Marshal(v)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(rec)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Unmarshal(rec); err != nil {
			b.Fatal(err)
		}
	}
}
