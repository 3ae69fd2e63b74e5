package htlv

import (
	"context"

	"github.com/pkg/errors"
)

// runVerify recomputes the payload checksum for every batch that survived
// decode and emits the final BatchResult. Verification happens off the
// decode critical path so a slow hash never stalls the workers.
func (p *Pipeline) runVerify(ctx context.Context, in <-chan *batchTask, st *Stream) {
	defer close(st.results)

	for t := range in {
		if ctx.Err() != nil {
			t.discard()
			continue
		}
		if t.value != nil {
			if sum := checksumPayload(t.payload.Bytes()); sum != t.hdr.Checksum {
				t.fail(batchErr(FailChecksumMismatch, t.checksumOffset,
					errors.Wrapf(ErrChecksumMismatch, "declared %#x computed %#x", t.hdr.Checksum, sum)))
			} else {
				resetChains(t.value, 0)
			}
		}
		res := t.result()
		if !res.Ok() {
			t.payload.Release()
			for _, f := range res.Failures {
				p.cfg.Metrics.batchFailed(f.Kind)
			}
			p.cfg.Logger.Warn().
				Uint64("seq", res.Seq).
				Str("kind", res.Failures[0].Kind.String()).
				Err(res.Failures[0].Err).
				Msg("batch failed")
		}
		select {
		case st.results <- res:
		case <-ctx.Done():
		}
	}
}

// resetChains rewinds every fragment chain in the tree so the handoff to the
// consumer starts from the first chunk regardless of internal inspection.
func resetChains(v *Value, depth int) {
	if v == nil || depth > MaxNestingDepth {
		return
	}
	if v.Chain != nil && !v.Chain.Abandoned() {
		v.Chain.Reset()
	}
	for i := range v.Items {
		resetChains(&v.Items[i], depth+1)
	}
	for i := range v.Pairs {
		resetChains(&v.Pairs[i].Key, depth+1)
		resetChains(&v.Pairs[i].Value, depth+1)
	}
}
