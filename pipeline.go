package htlv

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/biggeezerdevelopment/htlv-go/internal/buffer"
	"github.com/biggeezerdevelopment/htlv-go/internal/cpu"
)

// maxConsecutiveEmptyReads bounds zero-byte nil-error reads from a stream
// source before prefetch gives up, mirroring bufio.
const maxConsecutiveEmptyReads = 100

// batchTask is one record moving through the pipeline stages. Failures
// accumulate in place; a failed task keeps flowing so its result is emitted
// in sequence with its siblings.
type batchTask struct {
	seq            uint64
	hdr            RecordHeader
	checksumOffset int
	payload        buffer.Batch
	value          *Value
	diags          Diagnostics
	failures       []*BatchError
}

func (t *batchTask) fail(errs ...*BatchError) {
	t.value = nil
	t.failures = append(t.failures, errs...)
}

// discard drops a task that will never produce a result, returning owned
// storage to the pool.
func (t *batchTask) discard() { t.payload.Release() }

func (t *batchTask) result() BatchResult {
	res := BatchResult{Seq: t.seq, Value: t.value, Diags: t.diags}
	if len(t.failures) > 0 {
		res.failure(t.failures...)
	}
	return res
}

// Pipeline decodes a stream of records through four overlapped stages:
// prefetch frames records and runs collaborators, a worker pool decodes
// value trees, dispatch restores submission order and feeds sinks, and
// verify checks payload checksums before emitting results.
type Pipeline struct {
	cfg   Config
	dec   *Decoder
	align int
	sinks []Sink
}

// New builds a pipeline from cfg. The zero Config is usable; unset fields
// take the DefaultConfig values.
func New(cfg Config) *Pipeline {
	cfg.normalize()
	dec := NewDecoder()
	dec.SetFragmentMemoryLimit(cfg.FragmentMemoryLimit)
	dec.SetDecompressor(cfg.Decompressor)
	dec.SetDecryptor(cfg.Decryptor)
	return &Pipeline{
		cfg:   cfg,
		dec:   dec,
		align: cpu.Detect().Best().Width(),
	}
}

// Register adds a sink that receives every successfully decoded batch in
// submission order. Register before starting any stream.
func (p *Pipeline) Register(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Stream is a handle on one running decode. Results arrive in submission
// order, one per admitted batch, failed batches included. Err reports the
// stream-fatal error, if any, once Results is closed.
type Stream struct {
	results chan BatchResult
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Results returns the ordered result channel. It closes when the stream
// ends, whether by exhaustion, stream-fatal error, or cancellation.
func (s *Stream) Results() <-chan BatchResult { return s.results }

// Err returns the stream-fatal error. Only meaningful after Results has
// closed; batch failures never surface here.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream. In-flight batches are discarded; the caller
// should keep draining Results until it closes.
func (s *Stream) Close() { s.cancel() }

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// DecodeStream decodes records from r until exhaustion, a stream-fatal
// framing error, or cancellation. Payload bytes are copied out of the read
// buffer, so results remain valid after the stream ends.
func (p *Pipeline) DecodeStream(ctx context.Context, r io.Reader) *Stream {
	return p.start(ctx, func(ctx context.Context, out chan<- *batchTask) error {
		return p.prefetchReader(ctx, r, out)
	})
}

// DecodeBytes decodes the concatenated records in data. Payloads whose base
// address satisfies the kernel alignment stay zero-copy views into data, so
// data must remain live and unmodified until every result is consumed.
func (p *Pipeline) DecodeBytes(ctx context.Context, data []byte) *Stream {
	return p.start(ctx, func(ctx context.Context, out chan<- *batchTask) error {
		return p.prefetchBytes(ctx, data, out)
	})
}

// Decode runs the pipeline over r and collects every result in order.
func (p *Pipeline) Decode(ctx context.Context, r io.Reader) ([]BatchResult, error) {
	st := p.DecodeStream(ctx, r)
	var results []BatchResult
	for res := range st.Results() {
		results = append(results, res)
	}
	return results, st.Err()
}

func (p *Pipeline) start(ctx context.Context, prefetch func(context.Context, chan<- *batchTask) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		results: make(chan BatchResult, p.cfg.QueueDepth),
		cancel:  cancel,
	}

	toDecode := make(chan *batchTask, p.cfg.QueueDepth)
	toDispatch := make(chan *batchTask, p.cfg.QueueDepth)
	toVerify := make(chan *batchTask, p.cfg.QueueDepth)

	var sinkWG sync.WaitGroup
	runners := make([]*sinkRunner, 0, len(p.sinks))
	for _, s := range p.sinks {
		sr := newSinkRunner(s, &p.cfg)
		sr.start(ctx, &sinkWG)
		runners = append(runners, sr)
	}

	go func() {
		defer close(toDecode)
		if err := prefetch(ctx, toDecode); err != nil && !errors.Is(err, context.Canceled) {
			st.setErr(err)
		}
	}()

	var decodeWG sync.WaitGroup
	for i := 0; i < p.cfg.DecodeWorkers; i++ {
		decodeWG.Add(1)
		go func() {
			defer decodeWG.Done()
			p.runDecode(ctx, toDecode, toDispatch)
		}()
	}
	go func() {
		decodeWG.Wait()
		close(toDispatch)
	}()

	go p.runDispatch(ctx, runners, toDispatch, toVerify)

	go func() {
		p.runVerify(ctx, toVerify, st)
		for _, sr := range runners {
			sr.stop()
		}
		sinkWG.Wait()
		cancel()
	}()

	return st
}

// prefetchReader frames records off r into tasks. A header prefix shorter
// than a full prelude blocks for more input; bytes that cannot form a valid
// header terminate the stream.
func (p *Pipeline) prefetchReader(ctx context.Context, r io.Reader, out chan<- *batchTask) error {
	var (
		buf []byte
		seq uint64
	)
	chunk := make([]byte, 64<<10)

	emptyReads := 0
	fill := func() (bool, error) {
		n, err := r.Read(chunk)
		if n > 0 {
			emptyReads = 0
			buf = append(buf, chunk[:n]...)
		}
		switch {
		case err == io.EOF:
			return n > 0, io.EOF
		case err != nil:
			return false, errors.Wrap(err, "read stream")
		}
		if n == 0 {
			emptyReads++
			if emptyReads >= maxConsecutiveEmptyReads {
				return false, errors.Wrap(io.ErrNoProgress, "read stream")
			}
		}
		return n > 0, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, hdrLen, perr := parseRecordHeader(buf)
		if perr != nil {
			if !errors.Is(perr, errShortHeader) {
				return perr
			}
			grew, ferr := fill()
			if grew {
				continue
			}
			if ferr == io.EOF {
				if len(buf) == 0 {
					return nil
				}
				return errors.Wrap(ErrMalformedStreamHeader, "truncated record")
			}
			if ferr != nil {
				return ferr
			}
			continue
		}

		if hdr.PayloadLen > p.cfg.MaxRecordSize {
			return errors.Wrapf(ErrMalformedStreamHeader,
				"record declares %d payload bytes, limit %d", hdr.PayloadLen, p.cfg.MaxRecordSize)
		}

		need := hdrLen + int(hdr.PayloadLen)
		for len(buf) < need {
			grew, ferr := fill()
			if grew {
				continue
			}
			if ferr == io.EOF {
				return errors.Wrap(ErrMalformedStreamHeader, "truncated record payload")
			}
			if ferr != nil {
				return ferr
			}
		}

		// The read buffer is reused for the next record, so the payload is
		// copied out before it crosses the stage boundary.
		raw := make([]byte, hdr.PayloadLen)
		copy(raw, buf[hdrLen:need])
		buf = buf[:copy(buf, buf[need:])]

		t := p.newTask(seq, hdr, hdrLen, raw)
		seq++

		select {
		case out <- t:
		case <-ctx.Done():
			t.discard()
			return ctx.Err()
		}
	}
}

// prefetchBytes frames records directly out of a caller buffer, keeping
// payload views zero-copy where the alignment allows.
func (p *Pipeline) prefetchBytes(ctx context.Context, data []byte, out chan<- *batchTask) error {
	var seq uint64
	off := 0
	for off < len(data) {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, hdrLen, perr := parseRecordHeader(data[off:])
		if perr != nil {
			if errors.Is(perr, errShortHeader) {
				return errors.Wrap(ErrMalformedStreamHeader, "truncated record")
			}
			return perr
		}
		if hdr.PayloadLen > p.cfg.MaxRecordSize {
			return errors.Wrapf(ErrMalformedStreamHeader,
				"record declares %d payload bytes, limit %d", hdr.PayloadLen, p.cfg.MaxRecordSize)
		}
		end := off + hdrLen + int(hdr.PayloadLen)
		if end > len(data) {
			return errors.Wrap(ErrMalformedStreamHeader, "truncated record payload")
		}

		t := p.newTask(seq, hdr, hdrLen, data[off+hdrLen:end])
		seq++
		off = end

		select {
		case out <- t:
		case <-ctx.Done():
			t.discard()
			return ctx.Err()
		}
	}
	return nil
}

// newTask applies collaborators to the raw payload and stages the plain
// bytes for the decode workers.
func (p *Pipeline) newTask(seq uint64, hdr RecordHeader, hdrLen int, raw []byte) *batchTask {
	t := &batchTask{
		seq:            seq,
		hdr:            hdr,
		checksumOffset: hdrLen - checksumSize,
	}
	t.diags.Seq = seq
	t.diags.Compressed = hdr.Flags.Has(FlagCompressed)

	plain, err := p.dec.collaborate(hdr, raw)
	if err != nil {
		t.fail(batchErr(FailCollaborator, 0, err))
		p.cfg.Metrics.batchAdmitted(0)
		return t
	}

	batch, copied := buffer.Stage(plain, p.align)
	t.payload = batch
	t.diags.Promoted = copied
	t.diags.PayloadBytes = batch.Len()
	if copied {
		p.cfg.Metrics.batchPromoted()
	}
	p.cfg.Metrics.batchAdmitted(batch.Len())
	return t
}

// runDecode is one decode worker: select the best kernel the buffer admits,
// walk the payload into a value tree, and pass the task on in completion
// order. Ordering is restored at dispatch.
func (p *Pipeline) runDecode(ctx context.Context, in <-chan *batchTask, out chan<- *batchTask) {
	for t := range in {
		if ctx.Err() != nil {
			t.discard()
			continue
		}
		if len(t.failures) == 0 {
			k, skipped := p.dec.selectKernels(t.payload.Bytes())
			t.diags.KernelLevel = k.Level()
			t.diags.KernelFallbacks = skipped
			p.cfg.Metrics.kernelFellBack(skipped)

			started := time.Now()
			v, berr := p.dec.decodeTree(k, t.payload.Bytes(), t.hdr)
			p.cfg.Metrics.batchDecoded(time.Since(started).Seconds())
			if berr != nil {
				t.fail(berr)
			} else {
				t.value = &v
			}
		}
		select {
		case out <- t:
		case <-ctx.Done():
			t.discard()
		}
	}
}
