package htlv

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the decode pipeline. Batch-fatal errors surface inside
// a BatchResult's failure list; only ErrMalformedStreamHeader terminates a
// whole stream.
var (
	ErrMalformedStreamHeader = errors.New("htlv: malformed stream header")
	ErrMalformedPayload      = errors.New("htlv: malformed record payload")
	ErrNestingLimitExceeded  = errors.New("htlv: nesting depth limit exceeded")
	ErrChecksumMismatch      = errors.New("htlv: checksum mismatch")
	ErrFragmentReassembly    = errors.New("htlv: fragment reassembly failed")
	ErrSchemaTypeMismatch    = errors.New("htlv: schema type mismatch")
	ErrUnknownKind           = errors.New("htlv: unknown value kind")
	ErrEncryptedPayload      = errors.New("htlv: encrypted payload and no decryptor configured")
	ErrCompressedPayload     = errors.New("htlv: compressed payload and no decompressor configured")

	// errShortHeader signals that the header prefix is incomplete; the
	// prefetch stage blocks for more input instead of failing the stream.
	errShortHeader = errors.New("htlv: incomplete record header")
)

// FailureKind classifies a batch failure for reporting and metrics.
type FailureKind uint8

const (
	FailAlignmentFallback FailureKind = iota
	FailInstructionSet
	FailNestingLimit
	FailFragmentReassembly
	FailChecksumMismatch
	FailSchemaMismatch
	FailMalformedHeader
	FailMalformedPayload
	FailCollaborator
)

func (k FailureKind) String() string {
	switch k {
	case FailAlignmentFallback:
		return "alignment_fallback"
	case FailInstructionSet:
		return "unsupported_instruction_set"
	case FailNestingLimit:
		return "nesting_limit_exceeded"
	case FailFragmentReassembly:
		return "fragment_reassembly"
	case FailChecksumMismatch:
		return "checksum_mismatch"
	case FailSchemaMismatch:
		return "schema_type_mismatch"
	case FailMalformedHeader:
		return "malformed_stream_header"
	case FailMalformedPayload:
		return "malformed_payload"
	case FailCollaborator:
		return "collaborator"
	default:
		return "unknown"
	}
}

// BatchError is one failure attributed to a single batch, tagged with the
// byte offset inside the batch payload where it was detected.
type BatchError struct {
	Kind   FailureKind
	Offset int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", e.Kind, e.Offset, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func batchErr(kind FailureKind, offset int, err error) *BatchError {
	return &BatchError{Kind: kind, Offset: offset, Err: err}
}

func batchErrf(kind FailureKind, offset int, format string, args ...interface{}) *BatchError {
	return &BatchError{Kind: kind, Offset: offset, Err: errors.Errorf(format, args...)}
}
