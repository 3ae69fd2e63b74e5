//go:build !amd64 && !arm64

package cpu

func probe() []Level {
	return []Level{Scalar}
}
