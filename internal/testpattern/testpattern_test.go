package testpattern

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
	"github.com/framecast-project/framecast/internal/server"
)

type nopTransport struct{}

func (nopTransport) Send(net.Addr, []byte, protocol.Delivery) error { return nil }
func (nopTransport) Receive(ctx context.Context) (network.Packet, error) {
	<-ctx.Done()
	return network.Packet{}, ctx.Err()
}
func (nopTransport) Backlog(net.Addr) int       { return 0 }
func (nopTransport) RTT(net.Addr) time.Duration { return 0 }
func (nopTransport) Disconnect(net.Addr) error  { return nil }

func layerBytes(b *scene.Bitmap, layer int) []byte {
	return b.ReadRegion(layer, 0, 0, b.Width(), b.Height(), nil)
}

func TestNewSceneDeterministic(t *testing.T) {
	// Narrower than one cave per 128 columns, so the rock floor is intact.
	a := NewScene(120, 64, 7)
	b := NewScene(120, 64, 7)
	c := NewScene(120, 64, 8)

	if !bytes.Equal(layerBytes(a, scene.Foreground), layerBytes(b, scene.Foreground)) {
		t.Fatal("same seed produced different terrain")
	}
	if bytes.Equal(layerBytes(a, scene.Foreground), layerBytes(c, scene.Foreground)) {
		t.Fatal("different seeds produced identical terrain")
	}
	if got := a.At(scene.Background, 0, 0); got != ColorSky {
		t.Fatalf("top sky = %d, want %d", got, ColorSky)
	}
	if got := a.At(scene.Foreground, 10, 63); got != ColorRock {
		t.Fatalf("bottom = %d, want rock", got)
	}
	if len(a.Descriptor().Layers) != 2 {
		t.Fatalf("parallax layers = %d", len(a.Descriptor().Layers))
	}
}

func TestCarve(t *testing.T) {
	b := scene.NewBitmap(32, 32, false)
	b.Fill(scene.Foreground, 0, 0, 32, 32, ColorRock)

	x, y, w, h := carve(b, 2, 16, 4, 0)
	if x != 0 || y != 12 || w != 7 || h != 9 {
		t.Fatalf("bounds = %d,%d %dx%d", x, y, w, h)
	}
	if b.At(scene.Foreground, 2, 16) != 0 || b.At(scene.Foreground, 2, 12) != 0 {
		t.Fatal("centre column not carved")
	}
	if b.At(scene.Foreground, 6, 12) != ColorRock {
		t.Fatal("corner outside the circle carved")
	}

	if _, _, w, h := carve(b, -50, -50, 3, 0); w != 0 || h != 0 {
		t.Fatalf("off-scene carve reported %dx%d", w, h)
	}
}

func TestRendererCameras(t *testing.T) {
	b := NewScene(128, 48, 1)
	r := NewRenderer(b)
	h1 := server.Handle{Slot: 0, Generation: 1}
	h2 := server.Handle{Slot: 1, Generation: 1}
	dst := frame.NewBuffers(64, 32)

	for i := 0; i < 3; i++ {
		if !r.Snapshot(h1, dst) {
			t.Fatal("snapshot returned false")
		}
	}
	if dst.TargetX != 3 {
		t.Fatalf("camera x = %d after 3 frames, want 3", dst.TargetX)
	}
	r.Snapshot(h2, dst)
	if dst.TargetX != 1 {
		t.Fatalf("second client camera x = %d, want its own camera", dst.TargetX)
	}

	// A new holder of the slot starts with a fresh camera.
	r.Snapshot(server.Handle{Slot: 0, Generation: 2}, dst)
	if dst.TargetX != 1 {
		t.Fatalf("reused slot camera x = %d, want 1", dst.TargetX)
	}

	r.SetCursor(h2, 10, 10)
	r.Snapshot(h2, dst)
	if got := dst.Layers[frame.LayerUI][10*64+10]; got != ColorCursor {
		t.Fatalf("cursor pixel = %d", got)
	}
	if x, y := r.ToScene(h2, 10, 10); x != int(dst.TargetX)+10 || y != int(dst.TargetY)+10 {
		t.Fatalf("ToScene = %d,%d", x, y)
	}
}

func TestRendererBouncesAtEdge(t *testing.T) {
	r := NewRenderer(NewScene(66, 32, 1))
	h := server.Handle{Slot: 0, Generation: 1}
	dst := frame.NewBuffers(64, 32)

	var xs []int16
	for i := 0; i < 5; i++ {
		r.Snapshot(h, dst)
		xs = append(xs, dst.TargetX)
	}
	want := []int16{1, 2, 1, 0, 1}
	for i := range want {
		if xs[i] != want[i] {
			t.Fatalf("camera path = %v, want %v", xs, want)
		}
	}
}

func TestDemoDigAndRegenerate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Demo.SceneWidth = 128
	cfg.ApplicationData.Demo.SceneHeight = 64
	srv := server.New(cfg, nopTransport{}, nil)

	d := NewDemo(cfg.GetApplicationData().Demo, srv)
	if srv.Terrain() == nil || srv.Epoch() != 1 {
		t.Fatalf("scene not installed: epoch %d", srv.Epoch())
	}

	rec := d.Dig(64, 40, 5)
	if rec.W != 11 || rec.H != 11 || rec.HasColor {
		t.Fatalf("dig record = %+v", rec)
	}
	if got := d.Renderer().Scene().At(scene.Foreground, 64, 40); got != 0 {
		t.Fatalf("dug pixel = %d", got)
	}

	before := d.Renderer().Scene()
	if epoch := d.Regenerate(); epoch != 2 {
		t.Fatalf("epoch after regenerate = %d", epoch)
	}
	if d.Renderer().Scene() == before {
		t.Fatal("renderer still on the old scene")
	}
}
