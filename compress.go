package htlv

import (
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
)

// Compressor and Decompressor are the compression collaborators invoked
// around the pipeline: compression runs after payload encoding, and
// decompression runs before the prefetch stage releases a batch downstream.
// The pipeline never implements a compression algorithm itself.
type Compressor interface {
	Name() string
	Compress(dst, src []byte) []byte
}

type Decompressor interface {
	Name() string
	Decompress(dst, src []byte) ([]byte, error)
}

// Decryptor is the encryption collaborator. Encrypted payloads fail with
// ErrEncryptedPayload unless one is configured.
type Decryptor interface {
	Name() string
	Decrypt(dst, src []byte) ([]byte, error)
}

// S2 is the default compression collaborator.
type S2 struct{}

func (S2) Name() string { return "s2" }

func (S2) Compress(dst, src []byte) []byte {
	return s2.Encode(dst, src)
}

func (S2) Decompress(dst, src []byte) ([]byte, error) {
	return s2.Decode(dst, src)
}

// Snappy is an alternative compression collaborator for streams produced by
// snappy writers.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(dst, src []byte) []byte {
	return snappy.Encode(dst, src)
}

func (Snappy) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}
