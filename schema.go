package htlv

import "context"

// Validator is the schema collaborator consulted at dispatch time. A
// returned error is surfaced as a SchemaTypeMismatch failure on that batch
// through the same PartialFailure channel as decode errors.
type Validator interface {
	Validate(v *Value) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(v *Value) error

func (f ValidatorFunc) Validate(v *Value) error { return f(v) }

// Sink is an application consumer registered with the dispatch stage. Sinks
// observe successfully decoded trees in original submission order through a
// bounded queue governed by the pipeline's backpressure policy.
type Sink interface {
	Name() string
	Consume(ctx context.Context, seq uint64, v *Value) error
}
