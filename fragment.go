package htlv

import (
	"io"

	"github.com/pkg/errors"
)

// Fragment is one descriptor of a fragmented field: a span of the record
// payload plus whether another fragment follows.
type Fragment struct {
	Offset    int
	Length    int
	Continues bool
}

// FragmentChain exposes an oversized fragmented field as a restartable,
// finite sequence of chunks, so a single huge field never forces eager
// materialization. The chain references the owning batch's payload storage;
// it is handed to the consumer together with the batch result and must be
// fully consumed or explicitly abandoned.
type FragmentChain struct {
	kind      Kind
	tag       uint64
	total     uint64
	src       []byte
	frags     []Fragment
	next      int
	abandoned bool
}

// Kind reports whether the field is Bytes or String.
func (c *FragmentChain) Kind() Kind { return c.kind }

// Tag returns the field tag the fragments were encoded under.
func (c *FragmentChain) Tag() uint64 { return c.tag }

// Total returns the reassembled length in bytes.
func (c *FragmentChain) Total() uint64 { return c.total }

// Fragments returns the descriptor list, in wire order.
func (c *FragmentChain) Fragments() []Fragment { return c.frags }

// Next returns the next chunk, or io.EOF once the chain is drained. The
// returned slice aliases the batch's payload storage and is valid until the
// batch is released.
func (c *FragmentChain) Next() ([]byte, error) {
	if c.abandoned {
		return nil, errors.Wrap(ErrFragmentReassembly, "chain abandoned")
	}
	if c.next >= len(c.frags) {
		return nil, io.EOF
	}
	f := c.frags[c.next]
	c.next++
	return c.src[f.Offset : f.Offset+f.Length], nil
}

// Reset rewinds the chunk cursor; the chain is restartable any number of
// times.
func (c *FragmentChain) Reset() { c.next = 0 }

// Drained reports whether every chunk has been consumed since the last
// Reset.
func (c *FragmentChain) Drained() bool { return c.next >= len(c.frags) }

// Abandon marks the chain as deliberately unconsumed, releasing the owning
// batch from the consumed-or-abandoned completion rule.
func (c *FragmentChain) Abandon() { c.abandoned = true }

// Abandoned reports whether Abandon was called.
func (c *FragmentChain) Abandoned() bool { return c.abandoned }

// WriteTo streams every chunk into w from the beginning, leaving the chain
// rewound. It implements io.WriterTo so chains can feed hashers and files
// without materializing.
func (c *FragmentChain) WriteTo(w io.Writer) (int64, error) {
	c.Reset()
	var written int64
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	c.Reset()
	return written, nil
}

// Materialize copies the full content into one contiguous buffer. Intended
// for callers that decide the field fits in memory after all.
func (c *FragmentChain) Materialize() ([]byte, error) {
	buf := make([]byte, 0, c.total)
	c.Reset()
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	c.Reset()
	return buf, nil
}
