package frame

import (
	"fmt"

	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/protocol"
)

// maxDecodeArea bounds the box size a decoder accepts from the wire.
const maxDecodeArea = 1 << 16

// Decoder rebuilds a viewer's image from frame messages.
type Decoder struct {
	width  int
	height int

	slots   [][LayerCount][]byte
	counter uint64

	setup     protocol.FrameSetup
	haveSetup bool
	geom      Geometry
	rows      []int
	unit      []byte
	prev      []byte
}

// NewDecoder creates a decoder for a width x height image.
func NewDecoder(width, height, framesToRemember int) *Decoder {
	if framesToRemember < 1 {
		framesToRemember = 1
	}
	d := &Decoder{
		width:  width,
		height: height,
		slots:  make([][LayerCount][]byte, framesToRemember),
	}
	for i := range d.slots {
		for layer := range d.slots[i] {
			d.slots[i][layer] = make([]byte, width*height)
		}
	}
	return d
}

// Frame returns the number of the last FrameSetup seen.
func (d *Decoder) Frame() uint8 { return d.setup.Frame }

// Setup returns the last FrameSetup seen.
func (d *Decoder) Setup() protocol.FrameSetup { return d.setup }

// Image returns the current image of a layer. The slice is owned by the
// decoder.
func (d *Decoder) Image(layer int) []byte {
	return d.current()[layer]
}

// Reset blanks every slot.
func (d *Decoder) Reset() {
	for i := range d.slots {
		for _, layer := range d.slots[i] {
			clear(layer)
		}
	}
}

func (d *Decoder) current() *[LayerCount][]byte {
	return &d.slots[d.counter%uint64(len(d.slots))]
}

// Handle applies one frame message. Other messages are ignored.
func (d *Decoder) Handle(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.FrameSetup:
		return d.handleSetup(m)
	case protocol.FrameBox:
		return d.handleBox(m)
	case protocol.FrameLine:
		return d.handleLine(m)
	}
	return nil
}

func (d *Decoder) handleSetup(m protocol.FrameSetup) error {
	geom := Geometry{BoxWidth: int(m.BoxWidth), BoxHeight: int(m.BoxHeight)}
	if geom.BoxWidth <= 0 || geom.BoxHeight <= 0 || geom.Area() > maxDecodeArea {
		return fmt.Errorf("%w: box %dx%d", ErrGeometry, geom.BoxWidth, geom.BoxHeight)
	}

	prev := d.current()
	d.counter++
	cur := d.current()
	for layer := range cur {
		copy(cur[layer], prev[layer])
	}

	d.setup = m
	d.haveSetup = true
	if geom != d.geom {
		d.geom = geom
		d.unit = make([]byte, geom.Area())
		d.prev = make([]byte, geom.Area())
	}
	d.rows = unitRows(geom.BoxHeight, m.Interlaced, m.Frame)
	return nil
}

func (d *Decoder) handleBox(m protocol.FrameBox) error {
	if !d.haveSetup {
		return nil
	}
	if int(m.Layer) >= LayerCount {
		return fmt.Errorf("%w: layer %d", ErrGeometry, m.Layer)
	}
	img := d.current()[m.Layer]
	bx, by := int(m.BoxX), int(m.BoxY)

	unit := d.unit[:len(d.rows)*d.geom.BoxWidth]
	if len(m.Data) == 0 {
		clear(unit)
	} else if err := codec.Decompress(m.Data, unit); err != nil {
		return fmt.Errorf("box %d,%d: %w", bx, by, err)
	}
	if m.Delta {
		prev := gatherBox(img, d.width, d.height, d.geom, bx, by, d.rows, d.prev)
		codec.ApplyDelta(prev, unit, unit)
	}
	scatterBox(img, d.width, d.height, d.geom, bx, by, d.rows, unit)
	return nil
}

func (d *Decoder) handleLine(m protocol.FrameLine) error {
	if int(m.Layer) >= LayerCount || int(m.Line) >= d.height {
		return fmt.Errorf("%w: layer %d line %d", ErrGeometry, m.Layer, m.Line)
	}
	row := d.current()[m.Layer][int(m.Line)*d.width : (int(m.Line)+1)*d.width]
	if len(m.Data) == 0 {
		clear(row)
		return nil
	}
	if int(m.UncompressedSize) != d.width {
		return fmt.Errorf("%w: line of %d bytes, width %d", ErrGeometry, m.UncompressedSize, d.width)
	}
	return codec.Decompress(m.Data, row)
}
