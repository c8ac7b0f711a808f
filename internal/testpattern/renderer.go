package testpattern

import (
	"sync"
	"sync/atomic"

	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/scene"
	"github.com/framecast-project/framecast/internal/server"
)

// camera is one viewer's view onto the scene.
type camera struct {
	generation uint32
	x, y       int
	dir        int
	ticks      int
	cursorX    int
	cursorY    int
	scratch    []byte
}

type sceneRef struct{ b *scene.Bitmap }

// Renderer is a server.FrameSource that draws the scene through a slowly
// panning camera per viewer, with a progress bar and a cursor on the UI
// layer.
type Renderer struct {
	terrain atomic.Pointer[sceneRef]

	mu      sync.Mutex
	cameras map[int]*camera
}

// NewRenderer creates a renderer over b.
func NewRenderer(b *scene.Bitmap) *Renderer {
	r := &Renderer{cameras: make(map[int]*camera)}
	r.SetScene(b)
	return r
}

// SetScene switches every camera to a new scene.
func (r *Renderer) SetScene(b *scene.Bitmap) {
	r.terrain.Store(&sceneRef{b: b})
}

// Scene returns the scene being rendered.
func (r *Renderer) Scene() *scene.Bitmap {
	return r.terrain.Load().b
}

// cameraFor returns h's camera, replacing one left over from an earlier
// holder of the slot.
func (r *Renderer) cameraFor(h server.Handle) *camera {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cameras[h.Slot]
	if !ok || c.generation != h.Generation {
		c = &camera{generation: h.Generation, dir: 1, cursorX: -1, cursorY: -1}
		r.cameras[h.Slot] = c
	}
	return c
}

// SetCursor records h's mouse position in screen coordinates.
func (r *Renderer) SetCursor(h server.Handle, x, y int) {
	c := r.cameraFor(h)
	r.mu.Lock()
	c.cursorX, c.cursorY = x, y
	r.mu.Unlock()
}

// ToScene converts a screen position of h into scene coordinates.
func (r *Renderer) ToScene(h server.Handle, x, y int) (int, int) {
	c := r.cameraFor(h)
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.x + x, c.y + y
}

// Snapshot implements server.FrameSource. Each client has its own camera
// and scratch buffer; only the camera map is shared.
func (r *Renderer) Snapshot(h server.Handle, dst *frame.Buffers) bool {
	b := r.Scene()
	if b == nil {
		return false
	}
	c := r.cameraFor(h)

	r.mu.Lock()
	r.advance(c, b.Width()-dst.Width, b.Height()-dst.Height)
	camX, camY := c.x, c.y
	cursorX, cursorY := c.cursorX, c.cursorY
	ticks := c.ticks
	r.mu.Unlock()

	mo := dst.Layers[frame.LayerMO]
	b.ReadRegion(scene.Background, camX, camY, dst.Width, dst.Height, mo[:0])
	c.scratch = b.ReadRegion(scene.Foreground, camX, camY, dst.Width, dst.Height, c.scratch)
	for i, px := range c.scratch {
		if px != 0 {
			mo[i] = px
		}
	}

	ui := dst.Layers[frame.LayerUI]
	clear(ui)
	if dst.Width > 0 {
		dst.Fill(frame.LayerUI, 0, 0, ticks%dst.Width+1, 2, ColorHUD)
	}
	if cursorX >= 0 && cursorY >= 0 {
		dst.Fill(frame.LayerUI, cursorX-2, cursorY, 5, 1, ColorCursor)
		dst.Fill(frame.LayerUI, cursorX, cursorY-2, 1, 5, ColorCursor)
	}

	dst.TargetX, dst.TargetY = int16(camX), int16(camY)
	for i := range dst.OffsetX {
		dst.OffsetX[i] = float32(camX) / float32(i+2)
	}
	return true
}

// advance pans the camera one pixel, bouncing at the scene edges. maxX and
// maxY are the largest camera positions that keep the view inside.
func (r *Renderer) advance(c *camera, maxX, maxY int) {
	c.ticks++
	maxX, maxY = max(maxX, 0), max(maxY, 0)
	c.y = maxY / 2
	c.x += c.dir
	if c.x >= maxX {
		c.x, c.dir = maxX, -1
	}
	if c.x <= 0 {
		c.x, c.dir = 0, 1
	}
}
