package scene

import (
	"fmt"
	"sync"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Bitmap is an in-memory two-layer 8-bit terrain. The simulation writes to
// it while every connection's transfer reads from it, so all access goes
// through an RWMutex.
type Bitmap struct {
	mu       sync.RWMutex
	width    int
	height   int
	wrapsX   bool
	layers   [LayerCount][]byte
	parallax []protocol.LayerDescriptor
}

// NewBitmap creates an empty terrain of the given size.
func NewBitmap(width, height int, wrapsX bool) *Bitmap {
	b := &Bitmap{
		width:  width,
		height: height,
		wrapsX: wrapsX,
	}
	for i := range b.layers {
		b.layers[i] = make([]byte, width*height)
	}
	return b
}

// Descriptor returns the scene dimensions and a copy of the parallax layers.
func (b *Bitmap) Descriptor() Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	layers := make([]protocol.LayerDescriptor, len(b.parallax))
	copy(layers, b.parallax)
	return Descriptor{
		Width:  b.width,
		Height: b.height,
		WrapsX: b.wrapsX,
		Layers: layers,
	}
}

// SetParallax replaces the background layer descriptors.
func (b *Bitmap) SetParallax(layers []protocol.LayerDescriptor) error {
	if len(layers) > protocol.MaxLayers {
		return fmt.Errorf("too many parallax layers: %d > %d", len(layers), protocol.MaxLayers)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parallax = append(b.parallax[:0], layers...)
	return nil
}

// Width returns the scene width in pixels.
func (b *Bitmap) Width() int { return b.width }

// Height returns the scene height in pixels.
func (b *Bitmap) Height() int { return b.height }

// At returns one pixel, or zero outside the scene.
func (b *Bitmap) At(layer, x, y int) uint8 {
	if !b.valid(layer) || x < 0 || y < 0 || x >= b.width || y >= b.height {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.layers[layer][y*b.width+x]
}

// Set writes one pixel. Writes outside the scene are ignored.
func (b *Bitmap) Set(layer, x, y int, c uint8) {
	b.Fill(layer, x, y, 1, 1, c)
}

// Fill paints a rectangle, clipped to the scene.
func (b *Bitmap) Fill(layer, x, y, w, h int, c uint8) {
	if !b.valid(layer) {
		return
	}
	x0, y0, x1, y1, ok := b.clip(x, y, w, h)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.layers[layer]
	for row := y0; row < y1; row++ {
		line := data[row*b.width+x0 : row*b.width+x1]
		for i := range line {
			line[i] = c
		}
	}
}

// Write copies a w*h block of pixels into the scene, clipped to its bounds.
func (b *Bitmap) Write(layer, x, y, w, h int, src []byte) {
	if !b.valid(layer) || len(src) < w*h {
		return
	}
	x0, y0, x1, y1, ok := b.clip(x, y, w, h)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.layers[layer]
	for row := y0; row < y1; row++ {
		off := (row-y)*w + (x0 - x)
		copy(data[row*b.width+x0:row*b.width+x1], src[off:off+(x1-x0)])
	}
}

// ReadRegion implements Terrain.
func (b *Bitmap) ReadRegion(layer, x, y, w, h int, dst []byte) []byte {
	n := w * h
	if n < 0 {
		n = 0
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = 0
	}
	if !b.valid(layer) {
		return dst
	}
	x0, y0, x1, y1, ok := b.clip(x, y, w, h)
	if !ok {
		return dst
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	data := b.layers[layer]
	for row := y0; row < y1; row++ {
		off := (row-y)*w + (x0 - x)
		copy(dst[off:off+(x1-x0)], data[row*b.width+x0:row*b.width+x1])
	}
	return dst
}

func (b *Bitmap) valid(layer int) bool {
	return layer >= 0 && layer < LayerCount
}

func (b *Bitmap) clip(x, y, w, h int) (x0, y0, x1, y1 int, ok bool) {
	x0, y0 = max(x, 0), max(y, 0)
	x1, y1 = min(x+w, b.width), min(y+h, b.height)
	return x0, y0, x1, y1, x0 < x1 && y0 < y1
}
