// Package testpattern is a small deterministic simulation that drives the
// server in demo mode: a generated landscape, a scrolling per-viewer camera,
// periodic terrain digs and sounds, and mouse-driven digging.
package testpattern

import (
	"math/rand"

	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
)

// Palette indices used by the pattern.
const (
	ColorSky    uint8 = 1
	ColorGrass  uint8 = 20
	ColorDirt   uint8 = 21
	ColorRock   uint8 = 22
	ColorHUD    uint8 = 30
	ColorCursor uint8 = 31

	skyBands  = 4
	dirtDepth = 6
)

// NewScene generates a landscape of the given size. The same seed always
// yields the same scene.
func NewScene(width, height int, seed int64) *scene.Bitmap {
	b := scene.NewBitmap(width, height, true)
	rng := rand.New(rand.NewSource(seed))

	for y := 0; y < height; y++ {
		b.Fill(scene.Background, 0, y, width, 1, ColorSky+uint8(y*skyBands/max(height, 1)))
	}

	lo, hi := height/4, height-height/8
	ground := height / 2
	for x := 0; x < width; x++ {
		ground = min(max(ground+rng.Intn(3)-1, lo), hi)
		b.Set(scene.Foreground, x, ground, ColorGrass)
		b.Fill(scene.Foreground, x, ground+1, 1, dirtDepth, ColorDirt)
		b.Fill(scene.Foreground, x, ground+1+dirtDepth, 1, height, ColorRock)
	}

	for i := 0; i < width/128; i++ {
		cx := rng.Intn(max(width, 1))
		cy := hi - rng.Intn(max(hi-lo, 1))/2
		carve(b, cx, cy, 4+rng.Intn(8), 0)
	}

	b.SetParallax([]protocol.LayerDescriptor{
		{Hash: 0x736b79, ScrollX: 0.25, ScaleX: 1, ScaleY: 1, WrapX: true, FillUp: ColorSky},
		{Hash: 0x68696c6c73, ScrollX: 0.5, ScaleX: 1, ScaleY: 1, WrapX: true, FillDown: ColorDirt},
	})
	return b
}

// carve paints a filled circle on the foreground layer and returns the
// bounding box it touched, clipped to the scene.
func carve(b *scene.Bitmap, cx, cy, radius int, c uint8) (x, y, w, h int) {
	r2 := radius * radius
	for dy := -radius; dy <= radius; dy++ {
		half := 0
		for half*half+dy*dy <= r2 {
			half++
		}
		half--
		if half < 0 {
			continue
		}
		b.Fill(scene.Foreground, cx-half, cy+dy, 2*half+1, 1, c)
	}

	x0, y0 := max(cx-radius, 0), max(cy-radius, 0)
	x1, y1 := min(cx+radius+1, b.Width()), min(cy+radius+1, b.Height())
	if x0 >= x1 || y0 >= y1 {
		return 0, 0, 0, 0
	}
	return x0, y0, x1 - x0, y1 - y0
}
