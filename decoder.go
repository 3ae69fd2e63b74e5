package htlv

import (
	"math"

	"github.com/pkg/errors"

	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
	"github.com/biggeezerdevelopment/htlv-go/internal/simd"
)

// Decoder turns record bytes into Value trees. It binds to the
// highest-ranked kernel set the capability probe reported, falling back per
// batch when a kernel precondition rejects the buffer.
type Decoder struct {
	kernels      []simd.Kernels
	fragLimit    int
	decompressor Decompressor
	decryptor    Decryptor
}

// NewDecoder returns a decoder with the process capability ranking, the
// default fragment memory limit, and the default (s2) decompressor.
func NewDecoder() *Decoder {
	return &Decoder{
		kernels:      simd.Ranked(cpu.Detect()),
		fragLimit:    DefaultFragmentMemoryLimit,
		decompressor: S2{},
	}
}

// SetFragmentMemoryLimit sets the reassembly size above which fragmented
// fields surface as chunk chains instead of contiguous buffers.
func (d *Decoder) SetFragmentMemoryLimit(n int) { d.fragLimit = n }

// SetDecompressor installs the collaborator for compressed payloads. A nil
// decompressor makes compressed records fail.
func (d *Decoder) SetDecompressor(c Decompressor) { d.decompressor = c }

// SetDecryptor installs the collaborator for encrypted payloads.
func (d *Decoder) SetDecryptor(c Decryptor) { d.decryptor = c }

// Unmarshal decodes exactly one record and verifies its checksum.
func Unmarshal(data []byte) (Value, error) {
	return NewDecoder().Unmarshal(data)
}

// Valid reports whether data holds exactly one well-formed record.
func Valid(data []byte) bool {
	_, err := Unmarshal(data)
	return err == nil
}

// Unmarshal decodes one record: header, optional collaborator passes, value
// tree, checksum verification.
func (d *Decoder) Unmarshal(data []byte) (Value, error) {
	hdr, n, err := parseRecordHeader(data)
	if err != nil {
		if errors.Is(err, errShortHeader) {
			return Value{}, errors.Wrap(ErrMalformedStreamHeader, "truncated record")
		}
		return Value{}, err
	}
	if hdr.PayloadLen > uint64(len(data)-n) {
		return Value{}, errors.Wrapf(ErrMalformedStreamHeader, "payload wants %d bytes, %d remain", hdr.PayloadLen, len(data)-n)
	}
	payload := data[n : n+int(hdr.PayloadLen)]
	if n+int(hdr.PayloadLen) != len(data) {
		return Value{}, errors.Wrap(ErrMalformedStreamHeader, "trailing bytes after record")
	}

	payload, err = d.collaborate(hdr, payload)
	if err != nil {
		return Value{}, err
	}

	k, _ := d.selectKernels(payload)
	v, berr := d.decodeTree(k, payload, hdr)
	if berr != nil {
		return Value{}, berr
	}
	if sum := checksumPayload(payload); sum != hdr.Checksum {
		return Value{}, errors.Wrapf(ErrChecksumMismatch, "declared %#x computed %#x", hdr.Checksum, sum)
	}
	return v, nil
}

// collaborate applies the compression/encryption collaborators the header
// flags call for, yielding plain payload bytes.
func (d *Decoder) collaborate(hdr RecordHeader, payload []byte) ([]byte, error) {
	if hdr.Flags.Has(FlagEncrypted) {
		if d.decryptor == nil {
			return nil, ErrEncryptedPayload
		}
		plain, err := d.decryptor.Decrypt(nil, payload)
		if err != nil {
			return nil, errors.Wrap(err, "decrypt payload")
		}
		payload = plain
	}
	if hdr.Flags.Has(FlagCompressed) {
		if d.decompressor == nil {
			return nil, ErrCompressedPayload
		}
		plain, err := d.decompressor.Decompress(nil, payload)
		if err != nil {
			return nil, errors.Wrap(err, "decompress payload")
		}
		payload = plain
	}
	return payload, nil
}

// selectKernels returns the best kernel set whose precondition accepts the
// buffer and how many ranked levels were skipped to get there. The scalar
// baseline accepts everything, so selection never fails.
func (d *Decoder) selectKernels(data []byte) (simd.Kernels, int) {
	for i, k := range d.kernels {
		if err := k.Precondition(data); err != nil {
			continue
		}
		return k, i
	}
	return scalarKernels, len(d.kernels)
}

// decodeFrame is one open container on the explicit work stack.
type decodeFrame struct {
	value    Value
	end      int
	isMap    bool
	compact  bool
	keyTable []Value
	haveKey  bool
	key      Value
}

// decodeTree walks the payload iteratively. Nesting depth is the length of
// the container stack; pushing past MaxNestingDepth fails the batch at the
// offending offset.
func (d *Decoder) decodeTree(k simd.Kernels, data []byte, hdr RecordHeader) (Value, *BatchError) {
	strategy := MapStrategyHash
	if hdr.HasStrategy {
		strategy = hdr.Strategy
	}

	var stack []decodeFrame
	var result Value
	haveResult := false
	sawFragment := false
	off := 0

	attach := func(v Value) {
		if len(stack) == 0 {
			result = v
			haveResult = true
			return
		}
		top := &stack[len(stack)-1]
		switch {
		case !top.isMap:
			top.value.Items = append(top.value.Items, v)
		case top.haveKey:
			top.value.Pairs = append(top.value.Pairs, MapEntry{Key: top.key, Value: v})
			top.haveKey = false
			top.key = Value{}
		default:
			top.key = v
			top.haveKey = true
		}
	}

	if len(data) == 0 {
		return Value{}, batchErr(FailMalformedPayload, 0, errors.Wrap(ErrMalformedPayload, "empty payload"))
	}

	for !haveResult {
		// Close every container whose span is exhausted.
		closed := false
		for len(stack) > 0 && off >= stack[len(stack)-1].end {
			top := stack[len(stack)-1]
			if top.isMap && top.haveKey {
				return Value{}, batchErr(FailMalformedPayload, off,
					errors.Wrap(ErrMalformedPayload, "map entry missing value"))
			}
			stack = stack[:len(stack)-1]
			attach(top.value)
			closed = true
		}
		if closed && haveResult {
			break
		}

		limit := len(data)
		var top *decodeFrame
		if len(stack) > 0 {
			top = &stack[len(stack)-1]
			limit = top.end
		}

		// Compact map entries are a key-id varint followed by the value
		// item; resolve the key through the table read at frame entry.
		if top != nil && top.compact && !top.haveKey {
			id, n, err := k.Uvarint(data[off:limit])
			if err != nil {
				return Value{}, batchErr(FailMalformedPayload, off, errors.Wrap(err, "compact map key id"))
			}
			if id >= uint64(len(top.keyTable)) {
				return Value{}, batchErrf(FailMalformedPayload, off,
					"compact map key id %d outside table of %d", id, len(top.keyTable))
			}
			top.key = top.keyTable[id]
			top.haveKey = true
			off += n
			continue
		}

		ref, err := k.ScanItem(data[:limit], off)
		if err != nil {
			return Value{}, batchErr(FailMalformedPayload, off, err)
		}

		if ref.KindByte&fragmentBit != 0 {
			if !hdr.Flags.Has(FlagFragmented) {
				return Value{}, batchErr(FailMalformedPayload, ref.HeaderOffset,
					errors.Wrap(ErrMalformedPayload, "fragment segment in a record not flagged fragmented"))
			}
			sawFragment = true
			v, next, berr := d.decodeFragmentRun(k, data, limit, ref)
			if berr != nil {
				return Value{}, berr
			}
			off = next
			attach(v)
			continue
		}

		kind, ok := kindFromByte(ref.KindByte)
		if !ok {
			return Value{}, batchErr(FailMalformedPayload, ref.HeaderOffset,
				errors.Wrapf(ErrUnknownKind, "kind byte %#x", ref.KindByte))
		}

		if kind.container() {
			if len(stack)+1 > MaxNestingDepth {
				return Value{}, batchErr(FailNestingLimit, ref.HeaderOffset,
					errors.Wrapf(ErrNestingLimitExceeded, "depth %d", len(stack)+1))
			}
			frame := decodeFrame{value: Value{Kind: kind, Tag: ref.Tag}, end: ref.End}
			off = ref.ValueOffset
			if kind == KindMap {
				frame.isMap = true
				if strategy == MapStrategyCompact {
					frame.compact = true
					table, next, berr := d.decodeKeyTable(k, data, frame.end, off)
					if berr != nil {
						return Value{}, berr
					}
					frame.keyTable = table
					off = next
				}
			}
			stack = append(stack, frame)
			continue
		}

		v, berr := d.decodeScalar(k, data, ref, kind)
		if berr != nil {
			return Value{}, berr
		}
		off = ref.End
		attach(v)
	}

	if off != len(data) {
		return Value{}, batchErrf(FailMalformedPayload, off, "%d trailing payload bytes", len(data)-off)
	}
	if hdr.Flags.Has(FlagFragmented) && !sawFragment {
		return Value{}, batchErr(FailMalformedPayload, 0,
			errors.Wrap(ErrMalformedPayload, "record flagged fragmented but carries no fragment segments"))
	}
	return result, nil
}

// decodeKeyTable reads a compact map's leading key-id table: an Array item
// whose children are all strings.
func (d *Decoder) decodeKeyTable(k simd.Kernels, data []byte, limit, off int) ([]Value, int, *BatchError) {
	ref, err := k.ScanItem(data[:limit], off)
	if err != nil {
		return nil, 0, batchErr(FailMalformedPayload, off, errors.Wrap(err, "compact map key table"))
	}
	if ref.KindByte != byte(KindArray) {
		return nil, 0, batchErrf(FailMalformedPayload, ref.HeaderOffset,
			"compact map key table must be an array, got kind byte %#x", ref.KindByte)
	}
	refs, err := k.ScanItems(data, ref.ValueOffset, ref.End, nil)
	if err != nil {
		return nil, 0, batchErr(FailMalformedPayload, ref.ValueOffset, errors.Wrap(err, "compact map key table"))
	}
	if err := k.ValidateBounds(data, refs); err != nil {
		return nil, 0, batchErr(FailMalformedPayload, ref.ValueOffset, err)
	}
	table := make([]Value, 0, len(refs))
	for _, kr := range refs {
		if kr.KindByte != byte(KindString) {
			return nil, 0, batchErrf(FailMalformedPayload, kr.HeaderOffset,
				"compact map key table entry must be a string, got kind byte %#x", kr.KindByte)
		}
		table = append(table, Value{Kind: KindString, Bytes: data[kr.ValueOffset:kr.End]})
	}
	return table, ref.End, nil
}

// decodeFragmentRun consumes the consecutive fragment segments of one
// oversized field, starting at first. Small totals are reassembled into one
// contiguous buffer; totals above the memory limit surface as a restartable
// FragmentChain.
func (d *Decoder) decodeFragmentRun(k simd.Kernels, data []byte, limit int, first simd.ItemRef) (Value, int, *BatchError) {
	baseKind := Kind(first.KindByte & kindMask)
	if baseKind != KindBytes && baseKind != KindString {
		return Value{}, 0, batchErr(FailFragmentReassembly, first.HeaderOffset,
			errors.Wrapf(ErrFragmentReassembly, "kind %s cannot be fragmented", baseKind))
	}

	segment := data[first.ValueOffset:first.End]
	total, n, err := k.Uvarint(segment)
	if err != nil {
		return Value{}, 0, batchErr(FailFragmentReassembly, first.ValueOffset,
			errors.Wrap(err, "fragment total length"))
	}

	frags := []Fragment{{Offset: first.ValueOffset + n, Length: first.ValueLen - n, Continues: true}}
	sum := uint64(first.ValueLen - n)
	final := first.KindByte&fragmentFinalBit != 0
	off := first.End

	for !final {
		if sum > total {
			return Value{}, 0, batchErr(FailFragmentReassembly, off,
				errors.Wrapf(ErrFragmentReassembly, "fragments exceed declared total %d", total))
		}
		if off >= limit {
			return Value{}, 0, batchErr(FailFragmentReassembly, off,
				errors.Wrap(ErrFragmentReassembly, "missing final fragment"))
		}
		ref, err := k.ScanItem(data[:limit], off)
		if err != nil {
			return Value{}, 0, batchErr(FailFragmentReassembly, off, err)
		}
		if ref.KindByte&fragmentBit == 0 || Kind(ref.KindByte&kindMask) != baseKind || ref.Tag != first.Tag {
			return Value{}, 0, batchErr(FailFragmentReassembly, ref.HeaderOffset,
				errors.Wrap(ErrFragmentReassembly, "inconsistent fragment chain"))
		}
		final = ref.KindByte&fragmentFinalBit != 0
		frags = append(frags, Fragment{Offset: ref.ValueOffset, Length: ref.ValueLen, Continues: !final})
		sum += uint64(ref.ValueLen)
		off = ref.End
	}
	frags[len(frags)-1].Continues = false

	if sum != total {
		return Value{}, 0, batchErr(FailFragmentReassembly, off,
			errors.Wrapf(ErrFragmentReassembly, "declared total %d, reassembled %d", total, sum))
	}

	if total <= uint64(d.fragLimit) {
		buf := make([]byte, 0, total)
		for _, f := range frags {
			buf = append(buf, data[f.Offset:f.Offset+f.Length]...)
		}
		return Value{Kind: baseKind, Tag: first.Tag, Bytes: buf}, off, nil
	}

	chain := &FragmentChain{
		kind:  baseKind,
		tag:   first.Tag,
		total: total,
		src:   data,
		frags: frags,
	}
	return Value{Kind: baseKind, Tag: first.Tag, Chain: chain}, off, nil
}

func (d *Decoder) decodeScalar(k simd.Kernels, data []byte, ref simd.ItemRef, kind Kind) (Value, *BatchError) {
	value := data[ref.ValueOffset:ref.End]

	switch kind {
	case KindNull:
		if len(value) != 0 {
			return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset, "null with %d value bytes", len(value))
		}
		return Value{Kind: KindNull, Tag: ref.Tag}, nil

	case KindBool:
		if len(value) != 1 || value[0] > 1 {
			return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset, "invalid bool encoding")
		}
		return Value{Kind: KindBool, Tag: ref.Tag, Bool: value[0] == 1}, nil

	case KindBytes, KindString:
		return Value{Kind: kind, Tag: ref.Tag, Bytes: value}, nil

	case KindPacked:
		return d.decodePacked(k, ref, value)
	}

	width := kind.fixedWidth()
	if len(value) != width {
		return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset,
			"%s expects %d value bytes, got %d", kind, width, len(value))
	}
	var bits uint64
	for i := width - 1; i >= 0; i-- {
		bits = bits<<8 | uint64(value[i])
	}
	v := makeScalar(kind, bits)
	v.Tag = ref.Tag
	return v, nil
}

// decodePacked expands a contiguous homogeneous numeric array through the
// kernel's fixed-width widening primitive.
func (d *Decoder) decodePacked(k simd.Kernels, ref simd.ItemRef, body []byte) (Value, *BatchError) {
	if len(body) < 1 {
		return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset, "packed array missing element kind")
	}
	elem, ok := kindFromByte(body[0])
	if !ok || !elem.numeric() {
		return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset, "packed array element kind byte %#x", body[0])
	}
	count, n, err := k.Uvarint(body[1:])
	if err != nil {
		return Value{}, batchErr(FailMalformedPayload, ref.ValueOffset+1, errors.Wrap(err, "packed array count"))
	}
	payload := body[1+n:]
	width := elem.fixedWidth()
	// Divide instead of multiplying: count is attacker-controlled and
	// count*width can wrap around to len(payload).
	if uint64(len(payload))%uint64(width) != 0 || count != uint64(len(payload))/uint64(width) {
		return Value{}, batchErrf(FailMalformedPayload, ref.ValueOffset,
			"packed array declares %d %s elements, payload is %d bytes", count, elem, len(payload))
	}

	lanes := make([]uint64, count)
	if err := k.DecodeFixedWidth(payload, width, lanes); err != nil {
		return Value{}, batchErr(FailMalformedPayload, ref.ValueOffset, err)
	}
	items := make([]Value, count)
	for i, bits := range lanes {
		items[i] = makeScalar(elem, bits)
	}
	return Value{Kind: KindArray, Tag: ref.Tag, Items: items}, nil
}

func makeScalar(kind Kind, bits uint64) Value {
	switch kind {
	case KindU8, KindU16, KindU32, KindU64:
		return Value{Kind: kind, Uint: bits}
	case KindI8, KindI16, KindI32, KindI64:
		shift := uint(64 - 8*kind.fixedWidth())
		return Value{Kind: kind, Int: int64(bits<<shift) >> shift}
	case KindF32:
		return Value{Kind: kind, Float: float64(math.Float32frombits(uint32(bits)))}
	case KindF64:
		return Value{Kind: kind, Float: math.Float64frombits(bits)}
	default:
		return Value{Kind: kind}
	}
}
