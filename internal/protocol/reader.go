package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Errors returned by the parser.
var (
	ErrTruncated      = errors.New("truncated message")
	ErrUnknownMessage = errors.New("unknown message")
	ErrPayloadSize    = errors.New("payload size mismatch")
)

// PacketReader decodes little-endian fields from a message. The first
// failure is sticky: later reads return zero values and Err reports it.
type PacketReader struct {
	data []byte
	off  int
	err  error
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 reads one byte.
func (r *PacketReader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadID reads a message discriminant.
func (r *PacketReader) ReadID() MessageID {
	return MessageID(r.ReadUint8())
}

// ReadBool reads one byte as a bool; any non-zero value is true.
func (r *PacketReader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadInt16 reads a little-endian int16.
func (r *PacketReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadUint32 reads a little-endian uint32.
func (r *PacketReader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadInt32 reads a little-endian int32.
func (r *PacketReader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadUint64 reads a little-endian uint64.
func (r *PacketReader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadFloat32 reads a little-endian IEEE-754 float32.
func (r *PacketReader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadFloat64 reads a little-endian IEEE-754 float64.
func (r *PacketReader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadFixedString reads an n-byte NUL-padded string field.
func (r *PacketReader) ReadFixedString(n int) string {
	b := r.take(n)
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ReadBytes returns a copy of the next n bytes.
func (r *PacketReader) ReadBytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first decoding error, if any.
func (r *PacketReader) Err() error {
	return r.err
}
