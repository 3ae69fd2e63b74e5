// Package cpu probes the vector instruction sets available to the process.
//
// The probe runs exactly once; every later caller sees the same immutable
// capability ranking. Absence of a feature only shortens the ranking, so the
// scalar baseline is always present.
package cpu

import "sync"

// Level identifies one decode kernel tier.
type Level uint8

const (
	Scalar Level = iota
	SSE41
	AVX2
	AVX512
	NEON
)

func (l Level) String() string {
	switch l {
	case Scalar:
		return "scalar"
	case SSE41:
		return "sse4.1"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	case NEON:
		return "neon"
	default:
		return "unknown"
	}
}

// Width returns the vector width in bytes used by kernels of this level.
func (l Level) Width() int {
	switch l {
	case SSE41, NEON:
		return 16
	case AVX2:
		return 32
	case AVX512:
		return 64
	default:
		return 8
	}
}

// Capabilities is the immutable, preference-ordered probe result.
type Capabilities struct {
	ranked []Level
}

var (
	detectOnce sync.Once
	detected   Capabilities
)

// Detect returns the process-wide capability set. The underlying hardware is
// queried only on the first call.
func Detect() Capabilities {
	detectOnce.Do(func() {
		detected = Capabilities{ranked: probe()}
	})
	return detected
}

// Ranked returns the available levels, best first. The final entry is always
// Scalar.
func (c Capabilities) Ranked() []Level {
	out := make([]Level, len(c.ranked))
	copy(out, c.ranked)
	return out
}

// Best returns the highest-ranked available level.
func (c Capabilities) Best() Level {
	return c.ranked[0]
}

// Has reports whether the level is available on this machine.
func (c Capabilities) Has(l Level) bool {
	for _, r := range c.ranked {
		if r == l {
			return true
		}
	}
	return false
}
