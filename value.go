package htlv

import "bytes"

// Kind identifies the wire type of a Value. The byte values are part of the
// wire format.
type Kind uint8

const (
	KindNull   Kind = 0
	KindBool   Kind = 1
	KindU8     Kind = 2
	KindU16    Kind = 3
	KindU32    Kind = 4
	KindU64    Kind = 5
	KindI8     Kind = 6
	KindI16    Kind = 7
	KindI32    Kind = 8
	KindI64    Kind = 9
	KindF32    Kind = 10
	KindF64    Kind = 11
	KindBytes  Kind = 12
	KindString Kind = 13
	KindArray  Kind = 14
	KindObject Kind = 15
	KindMap    Kind = 16
	KindPacked Kind = 17 // homogeneous numeric array, contiguous payload
)

// Fragment marker bits carried in the high bits of the wire kind byte.
const (
	fragmentBit      = 0x80
	fragmentFinalBit = 0x40
	kindMask         = 0x3F
)

func kindFromByte(b byte) (Kind, bool) {
	k := Kind(b)
	return k, k <= KindPacked
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindI8:
		return "i8"
	case KindI16:
		return "i16"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindMap:
		return "map"
	case KindPacked:
		return "packed"
	default:
		return "unknown"
	}
}

// fixedWidth returns the encoded byte width for fixed-size kinds, 0 for
// variable-length ones.
func (k Kind) fixedWidth() int {
	switch k {
	case KindBool, KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32:
		return 4
	case KindU64, KindI64, KindF64:
		return 8
	default:
		return 0
	}
}

func (k Kind) numeric() bool {
	return k >= KindU8 && k <= KindF64
}

func (k Kind) container() bool {
	return k == KindArray || k == KindObject || k == KindMap
}

// Value is one node of a decoded HTLV tree. Exactly one of the payload
// fields is meaningful for a given Kind. A Value is exclusively owned by
// whichever pipeline stage currently holds it.
type Value struct {
	Kind  Kind
	Tag   uint64
	Bool  bool
	Uint  uint64 // U8..U64
	Int   int64  // I8..I64
	Float float64
	Bytes []byte     // Bytes and String payloads
	Items []Value    // Array and Object children
	Pairs []MapEntry // Map entries

	// Chain is set instead of Bytes when a fragmented field exceeded the
	// configured in-memory reassembly limit; the content is then consumed
	// as a restartable sequence of chunks.
	Chain *FragmentChain
}

// MapEntry is one key/value pair of a Map value.
type MapEntry struct {
	Key   Value
	Value Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func U8(v uint8) Value            { return Value{Kind: KindU8, Uint: uint64(v)} }
func U16(v uint16) Value          { return Value{Kind: KindU16, Uint: uint64(v)} }
func U32(v uint32) Value          { return Value{Kind: KindU32, Uint: uint64(v)} }
func U64(v uint64) Value          { return Value{Kind: KindU64, Uint: v} }
func I8(v int8) Value             { return Value{Kind: KindI8, Int: int64(v)} }
func I16(v int16) Value           { return Value{Kind: KindI16, Int: int64(v)} }
func I32(v int32) Value           { return Value{Kind: KindI32, Int: int64(v)} }
func I64(v int64) Value           { return Value{Kind: KindI64, Int: v} }
func F32(v float32) Value         { return Value{Kind: KindF32, Float: float64(v)} }
func F64(v float64) Value         { return Value{Kind: KindF64, Float: v} }
func String(s string) Value       { return Value{Kind: KindString, Bytes: []byte(s)} }
func Binary(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func Array(items ...Value) Value  { return Value{Kind: KindArray, Items: items} }
func Object(items ...Value) Value { return Value{Kind: KindObject, Items: items} }
func Map(pairs ...MapEntry) Value { return Value{Kind: KindMap, Pairs: pairs} }

// Tagged returns a copy of v carrying the given field tag.
func Tagged(tag uint64, v Value) Value {
	v.Tag = tag
	return v
}

// Pair builds one map entry.
func Pair(key, value Value) MapEntry {
	return MapEntry{Key: key, Value: value}
}

// Text returns the String payload of the value.
func (v *Value) Text() string { return string(v.Bytes) }

// Equal reports deep equality of two value trees. Map entries compare
// order-insensitively, so the same logical map is equal regardless of which
// encoding strategy stored it. Oversized fragmented fields compare by chain
// identity metadata, not content.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind || a.Tag != b.Tag {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindU8, KindU16, KindU32, KindU64:
		return a.Uint == b.Uint
	case KindI8, KindI16, KindI32, KindI64:
		return a.Int == b.Int
	case KindF32, KindF64:
		return a.Float == b.Float
	case KindBytes, KindString:
		if (a.Chain != nil) != (b.Chain != nil) {
			return false
		}
		if a.Chain != nil {
			return a.Chain.Total() == b.Chain.Total()
		}
		return bytes.Equal(a.Bytes, b.Bytes)
	case KindArray, KindObject:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return pairsEqual(a.Pairs, b.Pairs)
	default:
		return false
	}
}

func pairsEqual(a, b []MapEntry) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for i := range a {
		found := false
		for j := range b {
			if used[j] {
				continue
			}
			if Equal(a[i].Key, b[j].Key) && Equal(a[i].Value, b[j].Value) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
