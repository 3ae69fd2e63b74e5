package htlv

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Encoder serializes Value trees into record framing. Encoders are pooled;
// callers must Release after use.
type Encoder struct {
	strategy     MapStrategy
	hasStrategy  bool
	fragmentSize int
	compressor   Compressor
	scratch      []byte
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		return &Encoder{scratch: make([]byte, 0, 4096)}
	},
}

// NewEncoder returns a pooled encoder with default settings: automatic map
// strategy, no fragmentation, no compression.
func NewEncoder() *Encoder {
	return encoderPool.Get().(*Encoder)
}

// Release returns the encoder to the pool.
func (e *Encoder) Release() {
	e.strategy = MapStrategyHash
	e.hasStrategy = false
	e.fragmentSize = 0
	e.compressor = nil
	encoderPool.Put(e)
}

// SetMapStrategy pins the map encoding strategy instead of letting the
// encoder choose.
func (e *Encoder) SetMapStrategy(s MapStrategy) {
	e.strategy = s
	e.hasStrategy = true
}

// SetFragmentSize makes the encoder split Bytes/String fields larger than n
// into fragment segments of at most n content bytes each.
func (e *Encoder) SetFragmentSize(n int) { e.fragmentSize = n }

// SetCompressor compresses record payloads with the given collaborator. The
// header checksum still covers the plain payload.
func (e *Encoder) SetCompressor(c Compressor) { e.compressor = c }

// Marshal encodes a single Value tree into one complete record.
func Marshal(v Value) ([]byte, error) {
	e := NewEncoder()
	defer e.Release()
	return e.EncodeRecord(v)
}

// EncodeRecord frames v as one record: header prelude followed by the HTLV
// payload.
func (e *Encoder) EncodeRecord(v Value) ([]byte, error) {
	strategy, hasMap := e.chooseStrategy(v)

	payload, fragmented, err := e.appendItem(e.scratch[:0], v, 1, strategy)
	if err != nil {
		return nil, err
	}
	e.scratch = payload[:0]

	flags := Flags(0)
	if fragmented {
		flags |= FlagFragmented
	}
	if hasMap {
		flags |= flagMapStrategy
	}

	checksum := checksumPayload(payload)
	wire := payload
	if e.compressor != nil {
		flags |= FlagCompressed
		wire = e.compressor.Compress(nil, payload)
	}

	h := RecordHeader{
		Version:     Version,
		Flags:       flags,
		Strategy:    strategy,
		HasStrategy: hasMap,
		PayloadLen:  uint64(len(wire)),
		Checksum:    checksum,
	}
	out := make([]byte, 0, h.encodedLen()+len(wire))
	out = h.appendTo(out)
	return append(out, wire...), nil
}

// chooseStrategy picks the record-wide map strategy: an explicit strategy
// wins, otherwise compact when every map key in the tree is a string and the
// tree holds at least two entries overall, otherwise hash.
func (e *Encoder) chooseStrategy(v Value) (MapStrategy, bool) {
	entries, allString := countMapEntries(v)
	if entries < 0 {
		return MapStrategyHash, false
	}
	if e.hasStrategy {
		return e.strategy, true
	}
	if allString && entries >= 2 {
		return MapStrategyCompact, true
	}
	return MapStrategyHash, true
}

// countMapEntries returns the total map entry count across the tree, or -1
// when the tree contains no map, plus whether every map key is a string.
func countMapEntries(v Value) (int, bool) {
	total := -1
	allString := true
	var walk func(Value)
	walk = func(v Value) {
		switch v.Kind {
		case KindArray, KindObject:
			for _, it := range v.Items {
				walk(it)
			}
		case KindMap:
			if total < 0 {
				total = 0
			}
			total += len(v.Pairs)
			for _, p := range v.Pairs {
				if p.Key.Kind != KindString {
					allString = false
				}
				walk(p.Key)
				walk(p.Value)
			}
		}
	}
	walk(v)
	return total, allString
}

func appendItemHeader(dst []byte, tag uint64, kindByte byte, length int) []byte {
	dst = AppendUvarint(dst, tag)
	dst = append(dst, kindByte)
	return AppendUvarint(dst, uint64(length))
}

func (e *Encoder) appendItem(dst []byte, v Value, depth int, strategy MapStrategy) ([]byte, bool, error) {
	if v.Kind.container() && depth > MaxNestingDepth {
		return dst, false, errors.Wrapf(ErrNestingLimitExceeded, "depth %d", depth)
	}

	if v.Chain != nil && (v.Kind == KindBytes || v.Kind == KindString) {
		content, err := v.Chain.Materialize()
		if err != nil {
			return dst, false, err
		}
		v = Value{Kind: v.Kind, Tag: v.Tag, Bytes: content}
	}

	switch v.Kind {
	case KindNull:
		return appendItemHeader(dst, v.Tag, byte(KindNull), 0), false, nil

	case KindBool:
		dst = appendItemHeader(dst, v.Tag, byte(KindBool), 1)
		if v.Bool {
			return append(dst, 1), false, nil
		}
		return append(dst, 0), false, nil

	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64, KindF32, KindF64:
		dst = appendItemHeader(dst, v.Tag, byte(v.Kind), v.Kind.fixedWidth())
		return appendScalarLE(dst, v), false, nil

	case KindBytes, KindString:
		if e.fragmentSize > 0 && len(v.Bytes) > e.fragmentSize {
			return e.appendFragmented(dst, v), true, nil
		}
		dst = appendItemHeader(dst, v.Tag, byte(v.Kind), len(v.Bytes))
		return append(dst, v.Bytes...), false, nil

	case KindArray:
		if elem, ok := packable(v); ok {
			return e.appendPacked(dst, v, elem), false, nil
		}
		return e.appendContainer(dst, v.Tag, KindArray, v.Items, depth, strategy)

	case KindObject:
		return e.appendContainer(dst, v.Tag, KindObject, v.Items, depth, strategy)

	case KindMap:
		return e.appendMap(dst, v, depth, strategy)

	default:
		return dst, false, errors.Wrapf(ErrUnknownKind, "kind %d", v.Kind)
	}
}

func appendScalarLE(dst []byte, v Value) []byte {
	var bits uint64
	switch v.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		bits = v.Uint
	case KindI8, KindI16, KindI32, KindI64:
		bits = uint64(v.Int)
	case KindF32:
		bits = uint64(math.Float32bits(float32(v.Float)))
	case KindF64:
		bits = math.Float64bits(v.Float)
	}
	for i := 0; i < v.Kind.fixedWidth(); i++ {
		dst = append(dst, byte(bits>>(8*i)))
	}
	return dst
}

// packable reports whether an array can use the contiguous packed encoding:
// at least two elements, all the same numeric kind, none individually
// tagged.
func packable(v Value) (Kind, bool) {
	if len(v.Items) < 2 {
		return 0, false
	}
	elem := v.Items[0].Kind
	if !elem.numeric() {
		return 0, false
	}
	for i := range v.Items {
		if v.Items[i].Kind != elem || v.Items[i].Tag != 0 {
			return 0, false
		}
	}
	return elem, true
}

func (e *Encoder) appendPacked(dst []byte, v Value, elem Kind) []byte {
	width := elem.fixedWidth()
	body := make([]byte, 0, 1+uvarintLen(uint64(len(v.Items)))+width*len(v.Items))
	body = append(body, byte(elem))
	body = AppendUvarint(body, uint64(len(v.Items)))
	for i := range v.Items {
		body = appendScalarLE(body, v.Items[i])
	}
	dst = appendItemHeader(dst, v.Tag, byte(KindPacked), len(body))
	return append(dst, body...)
}

// appendFragmented splits the content into segments. The first segment's
// value opens with the varint total length; the last carries the final
// marker bit.
func (e *Encoder) appendFragmented(dst []byte, v Value) []byte {
	content := v.Bytes
	first := true
	for len(content) > 0 {
		chunk := content
		if len(chunk) > e.fragmentSize {
			chunk = chunk[:e.fragmentSize]
		}
		content = content[len(chunk):]

		kindByte := byte(v.Kind) | fragmentBit
		if len(content) == 0 {
			kindByte |= fragmentFinalBit
		}
		if first {
			total := AppendUvarint(nil, uint64(len(v.Bytes)))
			dst = appendItemHeader(dst, v.Tag, kindByte, len(total)+len(chunk))
			dst = append(dst, total...)
			first = false
		} else {
			dst = appendItemHeader(dst, v.Tag, kindByte, len(chunk))
		}
		dst = append(dst, chunk...)
	}
	return dst
}

func (e *Encoder) appendContainer(dst []byte, tag uint64, kind Kind, items []Value, depth int, strategy MapStrategy) ([]byte, bool, error) {
	var body []byte
	var fragmented bool
	for i := range items {
		var err error
		var frag bool
		body, frag, err = e.appendItem(body, items[i], depth+1, strategy)
		if err != nil {
			return dst, false, err
		}
		fragmented = fragmented || frag
	}
	dst = appendItemHeader(dst, tag, byte(kind), len(body))
	return append(dst, body...), fragmented, nil
}

func (e *Encoder) appendMap(dst []byte, v Value, depth int, strategy MapStrategy) ([]byte, bool, error) {
	var body []byte
	var fragmented bool

	switch strategy {
	case MapStrategyCompact:
		for i := range v.Pairs {
			if v.Pairs[i].Key.Kind != KindString {
				return dst, false, errors.New("htlv: compact map strategy requires string keys")
			}
		}
		// Key-id table first, then entries referencing it by index.
		ids := make(map[string]int, len(v.Pairs))
		var tableItems []Value
		for i := range v.Pairs {
			key := v.Pairs[i].Key.Text()
			if _, ok := ids[key]; !ok {
				ids[key] = len(tableItems)
				tableItems = append(tableItems, String(key))
			}
		}
		// Key table entries are never fragmented; the decoder resolves the
		// table before any entry.
		savedFragmentSize := e.fragmentSize
		e.fragmentSize = 0
		var err error
		body, _, err = e.appendContainer(body, 0, KindArray, tableItems, depth, strategy)
		e.fragmentSize = savedFragmentSize
		if err != nil {
			return dst, false, err
		}
		for i := range v.Pairs {
			body = AppendUvarint(body, uint64(ids[v.Pairs[i].Key.Text()]))
			var frag bool
			body, frag, err = e.appendItem(body, v.Pairs[i].Value, depth+1, strategy)
			if err != nil {
				return dst, false, err
			}
			fragmented = fragmented || frag
		}

	case MapStrategySorted:
		type keyedPair struct {
			keyBytes []byte
			value    Value
		}
		keyed := make([]keyedPair, len(v.Pairs))
		for i := range v.Pairs {
			kb, _, err := e.appendItem(nil, v.Pairs[i].Key, depth+1, strategy)
			if err != nil {
				return dst, false, err
			}
			keyed[i] = keyedPair{keyBytes: kb, value: v.Pairs[i].Value}
		}
		sort.SliceStable(keyed, func(i, j int) bool {
			return bytes.Compare(keyed[i].keyBytes, keyed[j].keyBytes) < 0
		})
		for i := range keyed {
			body = append(body, keyed[i].keyBytes...)
			var err error
			var frag bool
			body, frag, err = e.appendItem(body, keyed[i].value, depth+1, strategy)
			if err != nil {
				return dst, false, err
			}
			fragmented = fragmented || frag
		}

	default: // hash strategy stores entries in insertion order
		for i := range v.Pairs {
			var err error
			var frag bool
			body, frag, err = e.appendItem(body, v.Pairs[i].Key, depth+1, strategy)
			if err != nil {
				return dst, false, err
			}
			fragmented = fragmented || frag
			body, frag, err = e.appendItem(body, v.Pairs[i].Value, depth+1, strategy)
			if err != nil {
				return dst, false, err
			}
			fragmented = fragmented || frag
		}
	}

	dst = appendItemHeader(dst, v.Tag, byte(KindMap), len(body))
	return append(dst, body...), fragmented, nil
}
