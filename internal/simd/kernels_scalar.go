package simd

import "github.com/biggeezerdevelopment/htlv-go/internal/cpu"

// scalarKernels is the byte-at-a-time baseline. It runs on any buffer and
// defines the reference output every other level must match.
type scalarKernels struct{}

func (scalarKernels) Level() cpu.Level { return cpu.Scalar }

func (scalarKernels) Precondition([]byte) error { return nil }

func (scalarKernels) Uvarint(data []byte) (uint64, int, error) {
	return uvarintScalar(data)
}

func (scalarKernels) ScanItem(data []byte, off int) (ItemRef, error) {
	return scanItem(data, off, uvarintScalar)
}

func (scalarKernels) ScanItems(data []byte, off, end int, out []ItemRef) ([]ItemRef, error) {
	return scanItems(data, off, end, out, uvarintScalar)
}

func (scalarKernels) ValidateBounds(data []byte, refs []ItemRef) error {
	return validateBounds(data, refs)
}

func (scalarKernels) DecodeFixedWidth(data []byte, width int, out []uint64) error {
	if len(data) != width*len(out) {
		return ErrElementSize
	}
	for i := range out {
		var v uint64
		base := i * width
		for b := width - 1; b >= 0; b-- {
			v = v<<8 | uint64(data[base+b])
		}
		out[i] = v
	}
	return nil
}

func uvarintScalar(data []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0, ErrVarintOverflow
		}
		if shift == 63 && b > 1 {
			return 0, 0, ErrVarintOverflow
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrVarintTruncated
}
