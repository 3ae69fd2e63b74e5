package htlv

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// sinkDelivery is one ordered hand-off to an application sink.
type sinkDelivery struct {
	seq   uint64
	value *Value
}

// sinkRunner drives one registered sink behind a bounded queue, applying
// the configured backpressure policy.
type sinkRunner struct {
	sink    Sink
	queue   chan sinkDelivery
	policy  BackpressurePolicy
	log     zerolog.Logger
	metrics *Metrics
}

func newSinkRunner(sink Sink, cfg *Config) *sinkRunner {
	return &sinkRunner{
		sink:    sink,
		queue:   make(chan sinkDelivery, cfg.QueueDepth),
		policy:  cfg.Backpressure,
		log:     cfg.Logger.With().Str("sink", sink.Name()).Logger(),
		metrics: cfg.Metrics,
	}
}

func (s *sinkRunner) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for d := range s.queue {
			if err := s.sink.Consume(ctx, d.seq, d.value); err != nil {
				s.log.Warn().Uint64("seq", d.seq).Err(err).Msg("sink rejected batch")
			}
		}
	}()
}

// deliver enqueues one batch for the sink. Under PolicyBlock a full queue
// stalls the dispatch stage; under PolicyDrop the delivery is discarded and
// reported.
func (s *sinkRunner) deliver(ctx context.Context, seq uint64, v *Value) {
	switch s.policy {
	case PolicyDrop:
		select {
		case s.queue <- sinkDelivery{seq: seq, value: v}:
		default:
			s.metrics.sinkDropped(s.sink.Name())
			s.log.Warn().Uint64("seq", seq).Msg("sink queue full, batch dropped")
		}
	default:
		select {
		case s.queue <- sinkDelivery{seq: seq, value: v}:
		case <-ctx.Done():
		}
	}
}

func (s *sinkRunner) stop() { close(s.queue) }

// runDispatch restores original submission order across out-of-order decode
// completions, consults the schema validator, feeds registered sinks, and
// forwards every batch to the verify stage.
//
// Ordering uses only the batch's sequence number: completed batches park in
// the pending map until their predecessors arrive. The map never exceeds
// the decode fan-out, so it is bounded by pipeline depth.
func (p *Pipeline) runDispatch(ctx context.Context, runners []*sinkRunner, in <-chan *batchTask, out chan<- *batchTask) {
	defer close(out)

	pending := make(map[uint64]*batchTask)
	next := uint64(0)

	forward := func(t *batchTask) {
		if t.value != nil && p.cfg.Validator != nil {
			if err := p.cfg.Validator.Validate(t.value); err != nil {
				t.fail(batchErr(FailSchemaMismatch, 0, errors.Wrap(ErrSchemaTypeMismatch, err.Error())))
			}
		}
		if t.value != nil {
			for _, s := range runners {
				s.deliver(ctx, t.seq, t.value)
			}
		}
		select {
		case out <- t:
		case <-ctx.Done():
			t.discard()
		}
	}

	for t := range in {
		if ctx.Err() != nil {
			t.discard()
			continue
		}
		pending[t.seq] = t
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			forward(ready)
			next++
		}
	}

	// Input closed: anything still parked had its predecessors discarded on
	// cancellation. Flush in sequence order so no admitted batch vanishes.
	for len(pending) > 0 {
		if t, ok := pending[next]; ok {
			delete(pending, next)
			forward(t)
		}
		next++
	}
}
