package htlv

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/biggeezerdevelopment/htlv-go/internal/simd"
)

// Version is the record framing version this package reads and writes.
const Version byte = 1

// MaxNestingDepth is the deepest Array/Object/Map composition a record may
// carry. A record nested deeper fails with ErrNestingLimitExceeded instead
// of being silently truncated.
const MaxNestingDepth = 32

// Flags describes properties of a record's payload.
type Flags uint8

const (
	FlagCompressed Flags = 1 << 0
	FlagEncrypted  Flags = 1 << 1
	FlagFragmented Flags = 1 << 2

	// flagMapStrategy marks that a map-strategy byte follows the flags.
	flagMapStrategy Flags = 1 << 3

	flagsReserved Flags = 0xF0
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MapStrategy selects how Map values inside a record were encoded.
type MapStrategy uint8

const (
	MapStrategyHash MapStrategy = iota
	MapStrategySorted
	MapStrategyCompact
)

func (s MapStrategy) String() string {
	switch s {
	case MapStrategyHash:
		return "hash"
	case MapStrategySorted:
		return "sorted"
	case MapStrategyCompact:
		return "compact"
	default:
		return "unknown"
	}
}

const checksumSize = 8

// RecordHeader is the parsed framing prelude of one record. Immutable once
// parsed.
type RecordHeader struct {
	Version     byte
	Flags       Flags
	Strategy    MapStrategy
	HasStrategy bool

	// PayloadLen is the on-wire payload length (compressed length when
	// FlagCompressed is set).
	PayloadLen uint64

	// Checksum is XXH64 over the plain (decompressed) payload bytes.
	Checksum uint64
}

func (h RecordHeader) appendTo(dst []byte) []byte {
	dst = append(dst, h.Version, byte(h.Flags))
	if h.Flags.Has(flagMapStrategy) {
		dst = append(dst, byte(h.Strategy))
	}
	dst = AppendUvarint(dst, h.PayloadLen)
	var sum [checksumSize]byte
	binary.LittleEndian.PutUint64(sum[:], h.Checksum)
	return append(dst, sum[:]...)
}

// encodedLen returns the size of the header's wire form.
func (h RecordHeader) encodedLen() int {
	n := 2 + uvarintLen(h.PayloadLen) + checksumSize
	if h.Flags.Has(flagMapStrategy) {
		n++
	}
	return n
}

// parseRecordHeader reads a record prelude. It returns errShortHeader when
// the buffer ends before the prelude does (the caller should wait for more
// bytes), and ErrMalformedStreamHeader when the bytes present cannot form a
// valid header.
func parseRecordHeader(data []byte) (RecordHeader, int, error) {
	var h RecordHeader
	if len(data) < 2 {
		return h, 0, errShortHeader
	}
	h.Version = data[0]
	if h.Version != Version {
		return h, 0, errors.Wrapf(ErrMalformedStreamHeader, "unsupported version %d", h.Version)
	}
	h.Flags = Flags(data[1])
	if h.Flags&flagsReserved != 0 {
		return h, 0, errors.Wrapf(ErrMalformedStreamHeader, "reserved flag bits %#x set", h.Flags&flagsReserved)
	}
	off := 2

	if h.Flags.Has(flagMapStrategy) {
		if len(data) < off+1 {
			return h, 0, errShortHeader
		}
		h.Strategy = MapStrategy(data[off])
		h.HasStrategy = true
		if h.Strategy > MapStrategyCompact {
			return h, 0, errors.Wrapf(ErrMalformedStreamHeader, "unknown map strategy %d", h.Strategy)
		}
		off++
	}

	length, n, err := Uvarint(data[off:])
	if err != nil {
		if errors.Is(err, simd.ErrVarintTruncated) {
			return h, 0, errShortHeader
		}
		return h, 0, errors.Wrap(ErrMalformedStreamHeader, err.Error())
	}
	h.PayloadLen = length
	off += n

	if len(data) < off+checksumSize {
		return h, 0, errShortHeader
	}
	h.Checksum = binary.LittleEndian.Uint64(data[off:])
	off += checksumSize

	return h, off, nil
}

// checksumPayload computes the record checksum over plain payload bytes.
func checksumPayload(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
