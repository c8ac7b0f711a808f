// Package capture records the outbound message stream of one client to a
// zstd-compressed file so a session can be replayed through the viewer.
//
// File layout (inside the zstd stream, little-endian):
//
//	header: magic "FCAP" version:u8 start:i64(unix ns) width:u16 height:u16
//	record: offset:u64(µs since start) length:u32 message[length]
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	magic       = "FCAP"
	version     = 1
	headerSize  = 4 + 1 + 8 + 2 + 2
	recordSize  = 8 + 4
	maxRecord   = 1 << 20
	FileSuffix  = ".fcap"
	bufferBytes = 128 * 1024
)

var (
	// ErrFormat is returned for files that are not captures or are cut short.
	ErrFormat = errors.New("capture: invalid format")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("capture: writer closed")
)

// Header describes the captured session.
type Header struct {
	Start  time.Time
	Width  int
	Height int
}

// Record is one outbound message and when it was sent.
type Record struct {
	Offset time.Duration
	Data   []byte
}

// Writer appends records. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	enc   *zstd.Encoder
	w     *bufio.Writer
	start time.Time
	now   func() time.Time
	hdr   [recordSize]byte

	records int
	bytes   uint64
}

// Path returns the capture file path for a session.
func Path(dir, session string) string {
	return filepath.Join(dir, session+FileSuffix)
}

// Create opens a new capture file. level is 1 (fastest) to 4 (best).
func Create(path string, level, width, height int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture %s: %w", path, err)
	}
	w, err := NewWriter(f, level, width, height)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter starts a capture stream on dst.
func NewWriter(dst io.Writer, level, width, height int) (*Writer, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(encoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	w := &Writer{
		enc:   enc,
		w:     bufio.NewWriterSize(enc, bufferBytes),
		start: time.Now(),
		now:   time.Now,
	}

	var hdr [headerSize]byte
	copy(hdr[:4], magic)
	hdr[4] = version
	binary.LittleEndian.PutUint64(hdr[5:], uint64(w.start.UnixNano()))
	binary.LittleEndian.PutUint16(hdr[13:], uint16(width))
	binary.LittleEndian.PutUint16(hdr[15:], uint16(height))
	if _, err := w.w.Write(hdr[:]); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return w, nil
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level == 2:
		return zstd.SpeedDefault
	case level == 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Write appends one message.
func (w *Writer) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return ErrClosed
	}
	offset := w.now().Sub(w.start)
	binary.LittleEndian.PutUint64(w.hdr[0:], uint64(offset.Microseconds()))
	binary.LittleEndian.PutUint32(w.hdr[8:], uint32(len(data)))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	w.records++
	w.bytes += uint64(len(data))
	return nil
}

// Stats returns how many records and message bytes were written.
func (w *Writer) Stats() (records int, bytes uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records, w.bytes
}

// Close flushes the stream and closes the file. Calling it twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return nil
	}
	var firstErr error
	if err := w.w.Flush(); err != nil {
		firstErr = err
	}
	if err := w.enc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.enc = nil
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.file = nil
	}
	return firstErr
}

// Reader iterates the records of a capture.
type Reader struct {
	Header Header

	file *os.File
	dec  *zstd.Decoder
	r    *bufio.Reader
	hdr  [recordSize]byte
}

// Open opens a capture file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewReader reads a capture stream from src and validates its header.
func NewReader(src io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	r := &Reader{dec: dec, r: bufio.NewReaderSize(dec, bufferBytes)}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(hdr[:4]) != magic || hdr[4] != version {
		dec.Close()
		return nil, fmt.Errorf("%w: bad magic or version", ErrFormat)
	}
	r.Header = Header{
		Start:  time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[5:]))),
		Width:  int(binary.LittleEndian.Uint16(hdr[13:])),
		Height: int(binary.LittleEndian.Uint16(hdr[15:])),
	}
	return r, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: truncated record header", ErrFormat)
	}
	offset := time.Duration(binary.LittleEndian.Uint64(r.hdr[0:])) * time.Microsecond
	n := binary.LittleEndian.Uint32(r.hdr[8:])
	if n > maxRecord {
		return Record{}, fmt.Errorf("%w: record of %d bytes", ErrFormat, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record", ErrFormat)
	}
	return Record{Offset: offset, Data: data}, nil
}

// Close releases the decoder and the file.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
