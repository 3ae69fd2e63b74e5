// Package htlv encodes and decodes HTLV records: a binary serialization
// format built from hierarchical tag/length/value items.
//
// A record is a framing prelude followed by one payload item:
//
//	version(1) flags(1) [map-strategy(1)] payload-len(uvarint) checksum(8, XXH64 LE) payload
//
// Each item in the payload is tag(uvarint) kind(1) length(uvarint) value.
// Containers (Array, Object, Map) nest items inside their value span up to
// MaxNestingDepth. Oversized Bytes and String fields may be split into
// fragment segments, and homogeneous numeric arrays may be packed into a
// contiguous fixed-width block.
//
// Marshal and Unmarshal handle single records. Pipeline decodes streams of
// records through overlapped prefetch, decode, dispatch, and verify stages
// with per-batch failure isolation: a corrupt record is reported in its
// BatchResult while its siblings decode normally. Decode kernels are chosen
// per process from the CPU's vector capabilities and fall back per batch
// when a buffer fails a kernel precondition, with identical results at
// every level.
package htlv
