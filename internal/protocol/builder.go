package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs little-endian binary messages.
type PacketBuilder struct {
	buf     bytes.Buffer
	scratch [8]byte
}

// NewPacketBuilder creates a builder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(size)
	return b
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteID writes the leading message discriminant.
func (b *PacketBuilder) WriteID(id MessageID) *PacketBuilder {
	b.buf.WriteByte(byte(id))
	return b
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes a bool as one byte (0 or 1).
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.LittleEndian.PutUint16(b.scratch[:2], v)
	b.buf.Write(b.scratch[:2])
	return b
}

// WriteInt16 writes an int16 in little-endian order.
func (b *PacketBuilder) WriteInt16(v int16) *PacketBuilder {
	return b.WriteUint16(uint16(v))
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.LittleEndian.PutUint32(b.scratch[:4], v)
	b.buf.Write(b.scratch[:4])
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	binary.LittleEndian.PutUint64(b.scratch[:8], v)
	b.buf.Write(b.scratch[:8])
	return b
}

// WriteFloat32 writes an IEEE-754 float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes an IEEE-754 float64 in little-endian order.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	return b.WriteUint64(math.Float64bits(v))
}

// WriteFixedString writes s into a NUL-padded field of exactly n bytes.
// The string is truncated to n-1 bytes so the field is always terminated.
func (b *PacketBuilder) WriteFixedString(s string, n int) *PacketBuilder {
	data := []byte(s)
	if len(data) > n-1 {
		data = data[:n-1]
	}
	b.buf.Write(data)
	for i := len(data); i < n; i++ {
		b.buf.WriteByte(0)
	}
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the constructed message.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current size of the message being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current message for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
