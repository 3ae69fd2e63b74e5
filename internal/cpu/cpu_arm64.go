//go:build arm64

package cpu

// NEON is baseline on arm64, no feature bit to check.
func probe() []Level {
	return []Level{NEON, Scalar}
}
