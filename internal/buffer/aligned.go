// Package buffer holds the pipeline's batch byte storage: either a borrowed
// zero-copy view of caller memory or an owned, alignment-corrected copy.
package buffer

import (
	"sync"
	"unsafe"
)

const (
	// MinAlignment is the alignment owned buffers always satisfy, matching
	// the widest supported vector width.
	MinAlignment = 64
)

// AlignedBuffer is a byte buffer whose base address satisfies a vector
// alignment requirement.
type AlignedBuffer struct {
	raw     []byte
	aligned []byte
}

// NewAlignedBuffer allocates a buffer of the given size aligned to the given
// power-of-two boundary.
func NewAlignedBuffer(size, alignment int) *AlignedBuffer {
	raw := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (alignment - int(addr)%alignment) % alignment
	return &AlignedBuffer{
		raw:     raw,
		aligned: raw[offset : offset+size : offset+size],
	}
}

// Bytes returns the aligned slice.
func (ab *AlignedBuffer) Bytes() []byte { return ab.aligned }

// Cap returns the usable capacity of the aligned region.
func (ab *AlignedBuffer) Cap() int { return cap(ab.aligned) }

func (ab *AlignedBuffer) resize(size int) {
	if size <= cap(ab.aligned) {
		ab.aligned = ab.aligned[:size]
		return
	}
	*ab = *NewAlignedBuffer(size, MinAlignment)
}

// IsAligned reports whether ptr sits on the given power-of-two boundary.
func IsAligned(ptr unsafe.Pointer, alignment int) bool {
	return uintptr(ptr)&uintptr(alignment-1) == 0
}

// SliceAligned reports whether the slice base satisfies the alignment. An
// empty slice is trivially aligned.
func SliceAligned(data []byte, alignment int) bool {
	if len(data) == 0 {
		return true
	}
	return IsAligned(unsafe.Pointer(&data[0]), alignment)
}

var alignedPool = sync.Pool{
	New: func() interface{} {
		return NewAlignedBuffer(4096, MinAlignment)
	},
}

func getAligned(size int) *AlignedBuffer {
	ab := alignedPool.Get().(*AlignedBuffer)
	ab.resize(size)
	return ab
}

func putAligned(ab *AlignedBuffer) {
	if ab == nil || ab.Cap() > 1<<22 {
		// Keep very large buffers out of the pool.
		return
	}
	alignedPool.Put(ab)
}
