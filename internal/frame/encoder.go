package frame

import (
	"fmt"

	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/protocol"
)

// MaxLineWidth bounds the row length in line mode so one row fits a datagram.
const MaxLineWidth = 16384

// Options selects the frame encoding.
type Options struct {
	BoxWidth         int
	BoxHeight        int
	MaxPayload       int
	UseBoxes         bool
	Delta            bool
	Interlaced       bool
	HighCompression  bool
	FramesToRemember int
}

// DefaultOptions returns 32x40 boxes with delta compression.
func DefaultOptions() Options {
	return Options{
		BoxWidth:         32,
		BoxHeight:        40,
		MaxPayload:       1280,
		UseBoxes:         true,
		Delta:            true,
		FramesToRemember: 3,
	}
}

// Report describes one encoded frame. Units are boxes, or rows in line mode.
type Report struct {
	Frame          uint8
	Messages       [][]byte
	FullBoxes      int
	EmptyBoxes     int
	UnchangedBoxes int
	Uncompressed   int
	Compressed     int
}

// Bytes returns the total size of the encoded messages.
func (r Report) Bytes() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m)
	}
	return n
}

// Encoder keeps what one connection has been sent so each frame only carries
// what changed. It is not safe for concurrent use.
type Encoder struct {
	opts   Options
	geom   Geometry
	width  int
	height int
	comp   *codec.Compressor

	// cache holds, per frame slot and layer, the image the viewer should
	// have after that frame.
	cache   [][LayerCount][]byte
	counter uint64
	rows    [2][]int

	cur   []byte
	prev  []byte
	delta []byte
}

// NewEncoder creates an encoder for a width x height viewer.
func NewEncoder(width, height int, opts Options) (*Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: resolution %dx%d", ErrGeometry, width, height)
	}
	geom, err := NewGeometry(opts.BoxWidth, opts.BoxHeight, opts.MaxPayload)
	if err != nil {
		return nil, err
	}
	if opts.UseBoxes {
		cols, rows := geom.Boxes(width, height)
		if cols > MaxBoxesPerAxis || rows > MaxBoxesPerAxis {
			return nil, fmt.Errorf("%w: %dx%d needs %dx%d boxes", ErrGeometry, width, height, cols, rows)
		}
	} else if width > MaxLineWidth || height > MaxLines {
		return nil, fmt.Errorf("%w: %dx%d is too large for line mode", ErrGeometry, width, height)
	}
	if opts.FramesToRemember < 1 {
		opts.FramesToRemember = 1
	}

	e := &Encoder{
		opts:   opts,
		geom:   geom,
		width:  width,
		height: height,
		comp:   codec.NewCompressor(opts.HighCompression),
		cache:  make([][LayerCount][]byte, opts.FramesToRemember),
		cur:    make([]byte, geom.Area()),
		prev:   make([]byte, geom.Area()),
		delta:  make([]byte, geom.Area()),
	}
	for i := range e.cache {
		for layer := range e.cache[i] {
			e.cache[i][layer] = make([]byte, width*height)
		}
	}
	e.rows[0] = unitRows(geom.BoxHeight, opts.Interlaced, 0)
	e.rows[1] = unitRows(geom.BoxHeight, opts.Interlaced, 1)
	return e, nil
}

// Geometry returns the box size.
func (e *Encoder) Geometry() Geometry { return e.geom }

// Reset forgets everything sent so far; the next frame is encoded as if the
// viewer's image were blank.
func (e *Encoder) Reset() {
	for i := range e.cache {
		for _, layer := range e.cache[i] {
			clear(layer)
		}
	}
}

// Encode produces the FrameSetup and box (or line) messages for src, which
// must be owned by the caller's connection and match the encoder resolution.
func (e *Encoder) Encode(src *Buffers) (Report, error) {
	if src.Width != e.width || src.Height != e.height {
		return Report{}, fmt.Errorf("%w: source is %dx%d, encoder is %dx%d",
			ErrGeometry, src.Width, src.Height, e.width, e.height)
	}

	e.counter++
	frame := uint8(e.counter)
	n := uint64(len(e.cache))
	slot := &e.cache[e.counter%n]
	prev := &e.cache[(e.counter-1)%n]
	for layer := range slot {
		copy(slot[layer], prev[layer])
	}

	setup := protocol.FrameSetup{
		Frame:      frame,
		TargetX:    src.TargetX,
		TargetY:    src.TargetY,
		BoxWidth:   uint16(e.geom.BoxWidth),
		BoxHeight:  uint16(e.geom.BoxHeight),
		Interlaced: e.opts.Interlaced,
		Delta:      e.opts.Delta && e.opts.UseBoxes,
		OffsetX:    src.OffsetX,
		OffsetY:    src.OffsetY,
	}
	data, err := setup.MarshalBinary()
	if err != nil {
		return Report{}, err
	}

	rep := Report{Frame: frame, Messages: [][]byte{data}}
	for layer := 0; layer < LayerCount; layer++ {
		if e.opts.UseBoxes {
			e.encodeBoxes(layer, src.Layers[layer], slot[layer], frame, &rep)
		} else {
			e.encodeLines(layer, src.Layers[layer], slot[layer], frame, &rep)
		}
	}
	return rep, nil
}

func (e *Encoder) encodeBoxes(layer int, img, cached []byte, frame uint8, rep *Report) {
	rows := e.rows[frame%2]
	cols, boxRows := e.geom.Boxes(e.width, e.height)

	for by := 0; by < boxRows; by++ {
		for bx := 0; bx < cols; bx++ {
			e.cur = gatherBox(img, e.width, e.height, e.geom, bx, by, rows, e.cur)
			e.prev = gatherBox(cached, e.width, e.height, e.geom, bx, by, rows, e.prev)

			kind, payload := decide(e.cur, e.prev, e.delta, e.opts.Delta)
			// The cache always tracks plain pixels, whatever was sent.
			scatterBox(cached, e.width, e.height, e.geom, bx, by, rows, e.cur)

			if !rep.count(kind) {
				continue
			}
			box := protocol.FrameBox{
				Layer: uint8(layer),
				Delta: kind == sendDelta,
				BoxX:  uint8(bx),
				BoxY:  uint8(by),
			}
			box.Data = e.compress(payload, rep)
			if data, err := box.MarshalBinary(); err == nil {
				rep.Messages = append(rep.Messages, data)
			}
		}
	}
}

func (e *Encoder) encodeLines(layer int, img, cached []byte, frame uint8, rep *Report) {
	for y := 0; y < e.height; y++ {
		if e.opts.Interlaced && y%2 != int(frame%2) {
			continue
		}
		cur := img[y*e.width : (y+1)*e.width]
		old := cached[y*e.width : (y+1)*e.width]

		kind, payload := decide(cur, old, nil, false)
		copy(old, cur)

		if !rep.count(kind) {
			continue
		}
		line := protocol.FrameLine{
			Frame:            frame,
			Layer:            uint8(layer),
			Line:             uint16(y),
			UncompressedSize: uint16(e.width),
		}
		line.Data = e.compress(payload, rep)
		if data, err := line.MarshalBinary(); err == nil {
			rep.Messages = append(rep.Messages, data)
		}
	}
}

func (e *Encoder) compress(payload []byte, rep *Report) []byte {
	if len(payload) == 0 {
		return nil
	}
	out, _ := e.comp.Compress(payload)
	rep.Uncompressed += len(payload)
	rep.Compressed += len(out)
	return out
}

// count records the decision and reports whether a message must be sent.
func (r *Report) count(kind decision) bool {
	switch kind {
	case elideEmpty:
		r.EmptyBoxes++
		return false
	case elideUnchanged:
		r.UnchangedBoxes++
		return false
	case sendEmpty:
		r.EmptyBoxes++
	default:
		r.FullBoxes++
	}
	return true
}

type decision uint8

const (
	elideEmpty decision = iota
	elideUnchanged
	sendEmpty
	sendPlain
	sendDelta
)

// decide is the single emptiness and change test for a unit. An empty unit
// is elided when the viewer's copy is already empty and otherwise sent once
// with no payload. A non-empty unit is sent as a delta against prev only when
// the delta has strictly fewer non-zero bytes, and not at all when the delta
// is zero. scratch receives the delta and may be nil when delta is false.
func decide(cur, prev, scratch []byte, delta bool) (decision, []byte) {
	if codec.IsEmpty(cur) {
		if codec.IsEmpty(prev) {
			return elideEmpty, nil
		}
		return sendEmpty, nil
	}
	if delta {
		d := codec.Delta(prev, cur, scratch)
		if codec.IsEmpty(d) {
			return elideUnchanged, nil
		}
		if codec.CountNonZero(d) < codec.CountNonZero(cur) {
			return sendDelta, d
		}
	}
	return sendPlain, cur
}
