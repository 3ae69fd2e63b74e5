//go:build amd64

package cpu

import (
	"golang.org/x/sys/cpu"
)

func probe() []Level {
	ranked := make([]Level, 0, 4)
	if cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW {
		ranked = append(ranked, AVX512)
	}
	if cpu.X86.HasAVX2 {
		ranked = append(ranked, AVX2)
	}
	if cpu.X86.HasSSE41 {
		ranked = append(ranked, SSE41)
	}
	return append(ranked, Scalar)
}
