// Package codec holds the byte-level primitives shared by the frame and
// terrain encoders: LZ4 block compression with raw fallback, mod-256 delta
// encoding and fast emptiness scans.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// ErrCorrupt is returned when a payload cannot be expanded to the expected size.
var ErrCorrupt = errors.New("corrupt payload")

// Compressor compresses independent LZ4 blocks. It is not safe for
// concurrent use; each encoder owns one.
type Compressor struct {
	fast lz4.Compressor
	hc   *lz4.CompressorHC
	dst  []byte
}

// NewCompressor creates a compressor. high selects the LZ4 HC variant.
func NewCompressor(high bool) *Compressor {
	c := &Compressor{}
	if high {
		c.hc = &lz4.CompressorHC{Level: lz4.Level9}
	}
	return c
}

// Compress returns the LZ4 block for src when it is strictly smaller than
// src, otherwise src itself. compressed reports which one was returned. The
// returned slice is only valid until the next call.
func (c *Compressor) Compress(src []byte) (out []byte, compressed bool) {
	if len(src) < 2 {
		return src, false
	}
	if cap(c.dst) < len(src) {
		c.dst = make([]byte, len(src))
	}
	// A destination one byte short of the input makes the block compressor
	// give up on anything that would not shrink.
	dst := c.dst[:len(src)-1]

	var (
		n   int
		err error
	)
	if c.hc != nil {
		n, err = c.hc.CompressBlock(src, dst)
	} else {
		n, err = c.fast.CompressBlock(src, dst)
	}
	if err != nil || n == 0 || n >= len(src) {
		return src, false
	}
	return dst[:n], true
}

// Decompress expands payload into dst, which must have the expected
// uncompressed length. A payload of exactly len(dst) bytes is raw.
func Decompress(payload, dst []byte) error {
	if len(payload) == len(dst) {
		copy(dst, payload)
		return nil
	}
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: expanded to %d bytes, want %d", ErrCorrupt, n, len(dst))
	}
	return nil
}

// Delta writes cur - prev (mod 256) into dst and returns it. All three
// slices must have the same length.
func Delta(prev, cur, dst []byte) []byte {
	dst = dst[:len(cur)]
	for i := range cur {
		dst[i] = cur[i] - prev[i]
	}
	return dst
}

// ApplyDelta writes prev + delta (mod 256) into dst and returns it.
func ApplyDelta(prev, delta, dst []byte) []byte {
	dst = dst[:len(delta)]
	for i := range delta {
		dst[i] = prev[i] + delta[i]
	}
	return dst
}

// IsEmpty reports whether every byte of b is zero. It scans eight bytes at a
// time and falls back to single bytes for the tail.
func IsEmpty(b []byte) bool {
	i := 0
	for ; i+8 <= len(b); i += 8 {
		if binary.LittleEndian.Uint64(b[i:]) != 0 {
			return false
		}
	}
	for ; i < len(b); i++ {
		if b[i] != 0 {
			return false
		}
	}
	return true
}

// CountNonZero returns the number of non-zero bytes in b.
func CountNonZero(b []byte) int {
	n := 0
	for _, v := range b {
		if v != 0 {
			n++
		}
	}
	return n
}
