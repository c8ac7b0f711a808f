// Package frame encodes rendered frames into box or line messages for one
// connection, and decodes them again on the viewer side.
package frame

import (
	"errors"
	"fmt"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Frame layers.
const (
	LayerMO = int(protocol.LayerMO)
	LayerUI = int(protocol.LayerUI)

	LayerCount = 2
)

// Limits imposed by the wire format.
const (
	MaxBoxesPerAxis = 256
	MaxLines        = 1 << 16
	wordSize        = 8
)

// ErrGeometry is returned for box sizes or resolutions the wire format
// cannot carry.
var ErrGeometry = errors.New("invalid frame geometry")

// Geometry is the fixed box size used for the lifetime of the process.
type Geometry struct {
	BoxWidth  int
	BoxHeight int
}

// NewGeometry validates a box size: the height must be even, and the area
// must fit in one payload and be a whole number of machine words.
func NewGeometry(boxWidth, boxHeight, maxPayload int) (Geometry, error) {
	g := Geometry{BoxWidth: boxWidth, BoxHeight: boxHeight}
	area := boxWidth * boxHeight
	switch {
	case boxWidth <= 0 || boxHeight <= 0:
		return g, fmt.Errorf("%w: box %dx%d", ErrGeometry, boxWidth, boxHeight)
	case boxHeight%2 != 0:
		return g, fmt.Errorf("%w: box height %d is odd", ErrGeometry, boxHeight)
	case area > maxPayload:
		return g, fmt.Errorf("%w: box area %d exceeds max payload %d", ErrGeometry, area, maxPayload)
	case area%wordSize != 0:
		return g, fmt.Errorf("%w: box area %d is not a multiple of %d", ErrGeometry, area, wordSize)
	}
	return g, nil
}

// Area returns the box size in bytes.
func (g Geometry) Area() int {
	return g.BoxWidth * g.BoxHeight
}

// Boxes returns how many boxes tile a width x height image.
func (g Geometry) Boxes(width, height int) (cols, rows int) {
	return (width + g.BoxWidth - 1) / g.BoxWidth, (height + g.BoxHeight - 1) / g.BoxHeight
}

// Buffers is one connection's snapshot of the renderer output.
type Buffers struct {
	Width   int
	Height  int
	Layers  [LayerCount][]byte
	TargetX int16
	TargetY int16
	OffsetX [protocol.MaxLayers]float32
	OffsetY [protocol.MaxLayers]float32
}

// NewBuffers allocates zeroed layers of the given size.
func NewBuffers(width, height int) *Buffers {
	b := &Buffers{Width: width, Height: height}
	for i := range b.Layers {
		b.Layers[i] = make([]byte, width*height)
	}
	return b
}

// Clear zeroes both layers.
func (b *Buffers) Clear() {
	for _, layer := range b.Layers {
		clear(layer)
	}
}

// Set writes one pixel; out of range writes are ignored.
func (b *Buffers) Set(layer, x, y int, c uint8) {
	if layer < 0 || layer >= LayerCount || x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	b.Layers[layer][y*b.Width+x] = c
}

// Fill paints a rectangle, clipped to the image.
func (b *Buffers) Fill(layer, x, y, w, h int, c uint8) {
	if layer < 0 || layer >= LayerCount {
		return
	}
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, b.Width), min(y+h, b.Height)
	for row := y0; row < y1; row++ {
		line := b.Layers[layer][row*b.Width+x0 : row*b.Width+x1]
		for i := range line {
			line[i] = c
		}
	}
}

// unitRows lists the rows of a box that travel in one frame: all of them, or
// only those matching the frame parity when interlacing.
func unitRows(boxHeight int, interlaced bool, frame uint8) []int {
	rows := make([]int, 0, boxHeight)
	for r := 0; r < boxHeight; r++ {
		if !interlaced || r%2 == int(frame%2) {
			rows = append(rows, r)
		}
	}
	return rows
}

// gatherBox copies the listed rows of box (bx, by) out of an image into dst,
// zero padding anything outside the image.
func gatherBox(img []byte, width, height int, g Geometry, bx, by int, rows []int, dst []byte) []byte {
	dst = dst[:len(rows)*g.BoxWidth]
	clear(dst)
	x0 := bx * g.BoxWidth
	x1 := min(x0+g.BoxWidth, width)
	if x0 >= x1 {
		return dst
	}
	for i, r := range rows {
		y := by*g.BoxHeight + r
		if y >= height {
			break
		}
		copy(dst[i*g.BoxWidth:], img[y*width+x0:y*width+x1])
	}
	return dst
}

// scatterBox writes the listed rows of a unit back into an image, dropping
// the padding.
func scatterBox(img []byte, width, height int, g Geometry, bx, by int, rows []int, src []byte) {
	x0 := bx * g.BoxWidth
	x1 := min(x0+g.BoxWidth, width)
	if x0 >= x1 {
		return
	}
	for i, r := range rows {
		y := by*g.BoxHeight + r
		if y >= height {
			break
		}
		copy(img[y*width+x0:y*width+x1], src[i*g.BoxWidth:])
	}
}
