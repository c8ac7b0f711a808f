package testpattern

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/server"
	"github.com/framecast-project/framecast/internal/terrain"
	"github.com/framecast-project/framecast/internal/util"
)

const (
	inputPoll     = 16 * time.Millisecond
	digRadius     = 6
	clickRadius   = 4
	themeMusic    = "music/theme.ogg"
	soundDigHash  = 0x646967
	effectDigHash = 0x66782d646967
)

// Demo is the simulation loop of demo mode. It owns the scene, feeds the
// server terrain changes, effects and sounds, and consumes viewer input.
type Demo struct {
	cfg      config.DemoConfig
	srv      *server.Server
	renderer *Renderer
	rng      *rand.Rand
	seed     int64
	logger   zerolog.Logger
}

// NewDemo generates the scene and installs it, with the renderer, on srv.
func NewDemo(cfg config.DemoConfig, srv *server.Server) *Demo {
	d := &Demo{
		cfg:    cfg,
		srv:    srv,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		seed:   cfg.Seed,
		logger: util.ComponentLogger("demo"),
	}
	b := NewScene(cfg.SceneWidth, cfg.SceneHeight, d.seed)
	d.renderer = NewRenderer(b)
	if _, err := srv.SetTerrain(b); err != nil {
		d.logger.Error().Err(err).Msg("scene rejected")
	}
	srv.SetFrameSource(d.renderer)
	return d
}

// Renderer returns the frame source.
func (d *Demo) Renderer() *Renderer {
	return d.renderer
}

// Subscribe starts the theme music for every viewer that finishes its
// scene transfer.
func (d *Demo) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventSceneTransferCompleted, "demo.music", d.onStreaming)
}

func (d *Demo) onStreaming(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SceneTransferPayload)
	if !ok {
		return nil
	}
	c, ok := d.srv.Registry().BySlot(p.Slot)
	if !ok || c.SessionID() != p.Session {
		return nil
	}
	d.srv.QueueMusic(c.Handle(), protocol.MusicEvent{State: 1, Loops: -1, Pitch: 1, Path: themeMusic})
	return nil
}

// Run drives the simulation until ctx is cancelled.
func (d *Demo) Run(ctx context.Context) error {
	dig := newTicker(d.cfg.DigIntervalMs)
	defer dig.Stop()
	sound := newTicker(d.cfg.SoundIntervalMs)
	defer sound.Stop()
	input := time.NewTicker(inputPoll)
	defer input.Stop()

	d.logger.Info().
		Int("width", d.cfg.SceneWidth).
		Int("height", d.cfg.SceneHeight).
		Int64("seed", d.seed).
		Msg("demo simulation running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dig.C:
			b := d.renderer.Scene()
			d.Dig(d.rng.Intn(max(b.Width(), 1)), b.Height()/4+d.rng.Intn(max(b.Height()/2, 1)), digRadius)
		case <-sound.C:
			d.srv.BroadcastSounds(protocol.SoundEvent{
				State:  1,
				Hash:   soundDigHash,
				X:      float32(d.rng.Intn(max(d.cfg.SceneWidth, 1))),
				Y:      float32(d.cfg.SceneHeight / 2),
				Pitch:  0.8 + d.rng.Float32()*0.4,
				Volume: 1,
			})
		case <-input.C:
			d.pollInput()
		}
	}
}

// newTicker returns a ticker for a millisecond interval; a non-positive
// interval gives a ticker that never fires.
func newTicker(ms int) *time.Ticker {
	if ms <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(time.Duration(ms) * time.Millisecond)
}

// Dig carves a hole centred on (x, y), publishes it as a terrain change and
// announces it with an effect. It returns the change.
func (d *Demo) Dig(x, y, radius int) terrain.Record {
	b := d.renderer.Scene()
	rx, ry, w, h := carve(b, x, y, radius, 0)
	rec := terrain.Record{X: rx, Y: ry, W: w, H: h}
	if w == 0 || h == 0 {
		return rec
	}

	d.srv.BroadcastTerrainChange(rec)
	d.srv.BroadcastPostEffects(protocol.PostEffect{
		X:        int16(x),
		Y:        int16(y),
		Hash:     effectDigHash,
		Strength: int16(radius),
	})
	return rec
}

// Regenerate replaces the scene with a fresh one from the next seed. Every
// viewer renegotiates.
func (d *Demo) Regenerate() uint8 {
	d.seed++
	b := NewScene(d.cfg.SceneWidth, d.cfg.SceneHeight, d.seed)
	epoch, err := d.srv.SetTerrain(b)
	if err != nil {
		d.logger.Error().Err(err).Msg("regenerated scene rejected")
		return epoch
	}
	d.renderer.SetScene(b)
	d.logger.Info().Int64("seed", d.seed).Uint8("epoch", epoch).Msg("scene regenerated")
	return epoch
}

// pollInput drains every viewer's input: the cursor follows the mouse, the
// left button digs and a restart vote regenerates the scene.
func (d *Demo) pollInput() {
	restart := false
	for _, info := range d.srv.Clients() {
		for _, in := range d.srv.DrainInput(info.Handle) {
			d.renderer.SetCursor(info.Handle, int(in.MouseX), int(in.MouseY))
			if in.Pressed[0] {
				x, y := d.renderer.ToScene(info.Handle, int(in.MouseX), int(in.MouseY))
				d.Dig(x, y, clickRadius)
			}
			if in.RestartVote {
				restart = true
			}
		}
	}
	if restart {
		d.Regenerate()
	}
}
