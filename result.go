package htlv

import "github.com/biggeezerdevelopment/htlv-go/internal/cpu"

// Diagnostics carries per-batch processing facts alongside the decode
// result.
type Diagnostics struct {
	Seq             uint64
	KernelLevel     cpu.Level
	KernelFallbacks int  // times a higher-ranked kernel was skipped for this batch
	Promoted        bool // payload was copied into owned aligned storage
	PayloadBytes    int
	Compressed      bool
}

// BatchResult is the outcome of one batch: either a decoded value tree with
// diagnostics, or a list of positioned failures. Exactly one result is
// produced per admitted batch; a failed batch never halts its siblings.
type BatchResult struct {
	Seq      uint64
	Value    *Value // nil when the batch failed
	Diags    Diagnostics
	Failures []*BatchError
}

// Ok reports whether the batch decoded and verified cleanly.
func (r *BatchResult) Ok() bool { return len(r.Failures) == 0 }

// failure turns the result into a PartialFailure, discarding any decoded
// tree so no partial value leaks past the batch boundary.
func (r *BatchResult) failure(errs ...*BatchError) {
	r.Value = nil
	r.Failures = append(r.Failures, errs...)
}
