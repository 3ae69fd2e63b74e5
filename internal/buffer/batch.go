package buffer

// Batch is the tagged borrowed/owned representation of one batch's payload
// bytes. A borrowed batch is a zero-copy view into caller memory and is only
// valid for the lifetime of the decode invocation that produced it; it must
// be promoted to owned before crossing any boundary that can outlive the
// source buffer.
type Batch struct {
	data  []byte
	owned *AlignedBuffer
}

// Borrow wraps caller memory without copying. Use only when the source is
// guaranteed to outlive every stage that touches the batch.
func Borrow(data []byte) Batch {
	return Batch{data: data}
}

// NewOwned copies data into an alignment-corrected buffer drawn from the
// pool.
func NewOwned(data []byte) Batch {
	ab := getAligned(len(data))
	copy(ab.Bytes(), data)
	return Batch{data: ab.Bytes(), owned: ab}
}

// Stage wraps data zero-copy when its base satisfies the alignment, and
// copies into an owned aligned buffer otherwise. The second return reports
// whether a copy was made.
func Stage(data []byte, alignment int) (Batch, bool) {
	if SliceAligned(data, alignment) {
		return Borrow(data), false
	}
	return NewOwned(data), true
}

// Bytes returns the payload. The slice aliases caller memory for borrowed
// batches.
func (b *Batch) Bytes() []byte { return b.data }

// Len returns the payload length.
func (b *Batch) Len() int { return len(b.data) }

// Owned reports whether the batch owns its storage.
func (b *Batch) Owned() bool { return b.owned != nil }

// Promote converts a borrowed batch into an owned, aligned copy. Owned
// batches are returned unchanged.
func (b *Batch) Promote() {
	if b.owned != nil {
		return
	}
	ab := getAligned(len(b.data))
	copy(ab.Bytes(), b.data)
	b.data = ab.Bytes()
	b.owned = ab
}

// Release returns owned storage to the pool. The batch must not be used
// afterwards; any Value decoded zero-copy from it must already have been
// handed off or copied.
func (b *Batch) Release() {
	if b.owned != nil {
		putAligned(b.owned)
		b.owned = nil
	}
	b.data = nil
}
