package htlv

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragmentedRecord(t *testing.T, content []byte, fragmentSize int) []byte {
	t.Helper()
	e := NewEncoder()
	defer e.Release()
	e.SetFragmentSize(fragmentSize)
	rec, err := e.EncodeRecord(Binary(content))
	require.NoError(t, err)
	return rec
}

func patternBytes(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestFragmentedRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name         string
		size         int
		fragmentSize int
	}{
		{"two_fragments", 2000, 1024},
		{"many_fragments", 10_000, 512},
		{"exact_multiple", 4096, 1024},
		{"tiny_tail", 1025, 1024},
	} {
		t.Run(tc.name, func(t *testing.T) {
			content := patternBytes(tc.size)
			rec := fragmentedRecord(t, content, tc.fragmentSize)

			hdr, _, err := parseRecordHeader(rec)
			require.NoError(t, err)
			assert.True(t, hdr.Flags.Has(FlagFragmented))

			got, err := Unmarshal(rec)
			require.NoError(t, err)
			require.Equal(t, KindBytes, got.Kind)
			require.Nil(t, got.Chain, "under the memory limit the field reassembles eagerly")
			assert.Equal(t, content, got.Bytes)
		})
	}
}

func TestFragmentChainAboveMemoryLimit(t *testing.T) {
	content := patternBytes(4096)
	rec := fragmentedRecord(t, content, 1024)

	d := NewDecoder()
	d.SetFragmentMemoryLimit(512)
	got, err := d.Unmarshal(rec)
	require.NoError(t, err)

	chain := got.Chain
	require.NotNil(t, chain)
	assert.Equal(t, KindBytes, chain.Kind())
	assert.Equal(t, uint64(len(content)), chain.Total())
	assert.Len(t, chain.Fragments(), 4)

	// Chunk iteration sees the content exactly once, then io.EOF.
	var assembled []byte
	for {
		chunk, err := chain.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assembled = append(assembled, chunk...)
	}
	assert.Equal(t, content, assembled)
	assert.True(t, chain.Drained())

	// The chain restarts any number of times.
	chain.Reset()
	assert.False(t, chain.Drained())
	first, err := chain.Next()
	require.NoError(t, err)
	assert.Equal(t, content[:1024], first)

	var sink bytes.Buffer
	n, err := chain.WriteTo(&sink)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, sink.Bytes())

	flat, err := chain.Materialize()
	require.NoError(t, err)
	assert.Equal(t, content, flat)
}

func TestFragmentChainAbandon(t *testing.T) {
	rec := fragmentedRecord(t, patternBytes(4096), 1024)

	d := NewDecoder()
	d.SetFragmentMemoryLimit(512)
	got, err := d.Unmarshal(rec)
	require.NoError(t, err)
	require.NotNil(t, got.Chain)

	got.Chain.Abandon()
	assert.True(t, got.Chain.Abandoned())
	_, err = got.Chain.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFragmentReassembly))
}

func TestFragmentSingleSegment(t *testing.T) {
	// A one-segment chain carries both markers on the same item.
	content := []byte("single segment content")
	body := AppendUvarint(nil, uint64(len(content)))
	body = append(body, content...)
	payload := appendItemHeader(nil, 5, byte(KindString)|fragmentBit|fragmentFinalBit, len(body))
	payload = append(payload, body...)

	got, err := Unmarshal(rawRecordFlags(t, payload, FlagFragmented))
	require.NoError(t, err)
	assert.Equal(t, KindString, got.Kind)
	assert.Equal(t, uint64(5), got.Tag)
	assert.Equal(t, content, got.Bytes)
}

func TestFragmentMissingFinal(t *testing.T) {
	content := []byte("never finished")
	body := AppendUvarint(nil, uint64(len(content)+10))
	body = append(body, content...)
	payload := appendItemHeader(nil, 0, byte(KindBytes)|fragmentBit, len(body))
	payload = append(payload, body...)

	_, err := Unmarshal(rawRecordFlags(t, payload, FlagFragmented))
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailFragmentReassembly, berr.Kind)
}

func TestFragmentTotalMismatch(t *testing.T) {
	chunk := []byte("abcd")
	body := AppendUvarint(nil, uint64(len(chunk)+1)) // declares one byte more
	body = append(body, chunk...)
	payload := appendItemHeader(nil, 0, byte(KindBytes)|fragmentBit|fragmentFinalBit, len(body))
	payload = append(payload, body...)

	_, err := Unmarshal(rawRecordFlags(t, payload, FlagFragmented))
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailFragmentReassembly, berr.Kind)
	assert.True(t, errors.Is(err, ErrFragmentReassembly))
}

func TestFragmentFlagConsistency(t *testing.T) {
	t.Run("segments_without_flag", func(t *testing.T) {
		rec := fragmentedRecord(t, patternBytes(2048), 1024)
		rec[1] &^= byte(FlagFragmented)

		_, err := Unmarshal(rec)
		require.Error(t, err)

		var berr *BatchError
		require.True(t, errors.As(err, &berr))
		assert.Equal(t, FailMalformedPayload, berr.Kind)
	})

	t.Run("flag_without_segments", func(t *testing.T) {
		rec := mustMarshal(t, String("plain"))
		rec[1] |= byte(FlagFragmented)

		_, err := Unmarshal(rec)
		require.Error(t, err)

		var berr *BatchError
		require.True(t, errors.As(err, &berr))
		assert.Equal(t, FailMalformedPayload, berr.Kind)
	})
}

func TestFragmentedContainerKindRejected(t *testing.T) {
	payload := appendItemHeader(nil, 0, byte(KindArray)|fragmentBit|fragmentFinalBit, 0)
	_, err := Unmarshal(rawRecordFlags(t, payload, FlagFragmented))
	require.Error(t, err)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, FailFragmentReassembly, berr.Kind)
}
