// Package viewer is the client side of the protocol: it registers with a
// server, takes part in the scene transfer, keeps a local copy of the scene
// current with terrain changes and rebuilds the frame image.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
	"github.com/framecast-project/framecast/internal/terrain"
	"github.com/framecast-project/framecast/internal/util"
)

var (
	// ErrDisconnected is returned by Run when the server drops the viewer.
	ErrDisconnected = errors.New("disconnected by server")
	// ErrConnectionLost is returned by Run when the transport times out.
	ErrConnectionLost = errors.New("connection lost")
)

// Link is the viewer's connection to one server.
type Link interface {
	Send(data []byte, delivery protocol.Delivery) error
	Receive(ctx context.Context) ([]byte, error)
}

// Summary counts what the viewer has received.
type Summary struct {
	Messages       int    `json:"messages"`
	Bytes          uint64 `json:"bytes"`
	Malformed      int    `json:"malformed"`
	Scenes         int    `json:"scenes"`
	SceneLines     int    `json:"scene_lines"`
	TerrainChanges int    `json:"terrain_changes"`
	StaleTerrain   int    `json:"stale_terrain"`
	Frames         int    `json:"frames"`
	FrameBoxes     int    `json:"frame_boxes"`
	FrameLines     int    `json:"frame_lines"`
	PostEffects    int    `json:"post_effects"`
	Sounds         int    `json:"sounds"`
	Music          int    `json:"music"`
}

// Viewer is one client's protocol state. Handle may be fed from a live link
// or from a capture; with no link the acknowledgements are skipped.
type Viewer struct {
	mu      sync.Mutex
	name    string
	width   int
	height  int
	link    Link
	logger  zerolog.Logger
	onReady func(sceneID uint8)

	accepted bool
	terrain  *scene.Bitmap
	sceneID  uint8
	ready    bool
	decoder  *frame.Decoder
	lineBuf  []byte
	summary  Summary
}

// New creates a viewer with a width x height screen. link may be nil.
func New(name string, width, height, framesToRemember int, link Link) *Viewer {
	return &Viewer{
		name:    name,
		width:   width,
		height:  height,
		link:    link,
		logger:  util.ComponentLogger("viewer"),
		decoder: frame.NewDecoder(width, height, framesToRemember),
	}
}

// OnSceneReady registers a callback run after each completed scene transfer.
func (v *Viewer) OnSceneReady(fn func(sceneID uint8)) {
	v.mu.Lock()
	v.onReady = fn
	v.mu.Unlock()
}

// Register asks the server for a slot.
func (v *Viewer) Register() error {
	msg := protocol.Register{
		ResolutionX: int32(v.width),
		ResolutionY: int32(v.height),
		Name:        v.name,
	}
	return v.send(msg)
}

// SendInput reports the viewer's controls for this tick.
func (v *Viewer) SendInput(in protocol.Input) error {
	return v.send(in)
}

// Disconnect tells the server the viewer is leaving.
func (v *Viewer) Disconnect() error {
	return v.send(protocol.Control{Kind: protocol.MsgDisconnect})
}

func (v *Viewer) send(msg protocol.Message) error {
	if v.link == nil {
		return nil
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.ID(), err)
	}
	if err := v.link.Send(data, protocol.DeliveryFor(msg.ID())); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.ID(), err)
	}
	return nil
}

// Run registers and then handles inbound messages until ctx is cancelled or
// the server goes away.
func (v *Viewer) Run(ctx context.Context) error {
	if v.link == nil {
		return errors.New("viewer has no link")
	}
	if err := v.Register(); err != nil {
		return err
	}
	for {
		data, err := v.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive: %w", err)
		}
		if err := v.Handle(data); err != nil {
			if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrConnectionLost) {
				return err
			}
			v.logger.Debug().Err(err).Msg("dropping message")
		}
	}
}

// Handle applies one inbound message.
func (v *Viewer) Handle(data []byte) error {
	v.mu.Lock()
	v.summary.Messages++
	v.summary.Bytes += uint64(len(data))
	v.mu.Unlock()

	msg, err := protocol.Parse(data)
	if err != nil {
		v.mu.Lock()
		v.summary.Malformed++
		v.mu.Unlock()
		return err
	}

	switch m := msg.(type) {
	case protocol.Control:
		return v.handleControl(m)
	case protocol.SceneSetup:
		return v.handleSceneSetup(m)
	case protocol.SceneLine:
		return v.handleSceneLine(m)
	case protocol.TerrainChange:
		return v.handleTerrainChange(m)
	case protocol.FrameSetup, protocol.FrameBox, protocol.FrameLine:
		return v.handleFrame(m)
	case protocol.PostEffects:
		v.mu.Lock()
		v.summary.PostEffects += len(m.Entries)
		v.mu.Unlock()
	case protocol.SoundEvents:
		v.mu.Lock()
		v.summary.Sounds += len(m.Entries)
		v.mu.Unlock()
	case protocol.MusicEvents:
		v.mu.Lock()
		v.summary.Music += len(m.Entries)
		v.mu.Unlock()
	}
	return nil
}

func (v *Viewer) handleControl(m protocol.Control) error {
	switch m.Kind {
	case protocol.MsgAccepted:
		v.mu.Lock()
		v.accepted = true
		v.mu.Unlock()
		v.logger.Info().Str("name", v.name).Msg("registration accepted")
	case protocol.MsgDisconnect:
		return ErrDisconnected
	case protocol.MsgConnectionLost:
		return ErrConnectionLost
	case protocol.MsgSceneEnd:
		return v.handleSceneEnd()
	}
	return nil
}

// handleSceneSetup starts a fresh copy of the scene. Lines and changes of
// any earlier scene id are ignored from here on.
func (v *Viewer) handleSceneSetup(m protocol.SceneSetup) error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("scene setup with size %dx%d", m.Width, m.Height)
	}
	b := scene.NewBitmap(int(m.Width), int(m.Height), m.WrapsX)
	if err := b.SetParallax(m.Layers); err != nil {
		return err
	}

	v.mu.Lock()
	v.terrain = b
	v.sceneID = m.SceneID
	v.ready = false
	v.summary.Scenes++
	v.mu.Unlock()

	v.logger.Debug().
		Uint8("scene", m.SceneID).
		Int16("width", m.Width).
		Int16("height", m.Height).
		Msg("scene setup")
	return v.send(protocol.SceneAck{Kind: protocol.MsgSceneSetupAck, SceneID: m.SceneID})
}

func (v *Viewer) handleSceneLine(m protocol.SceneLine) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.terrain == nil || m.SceneID != v.sceneID {
		return nil
	}
	if cap(v.lineBuf) < int(m.UncompressedSize) {
		v.lineBuf = make([]byte, m.UncompressedSize)
	}
	line := v.lineBuf[:m.UncompressedSize]
	if err := codec.Decompress(m.Data, line); err != nil {
		return fmt.Errorf("failed to decode scene line %d: %w", m.Y, err)
	}
	v.terrain.Write(int(m.Layer), int(m.X), int(m.Y), int(m.Width), 1, line)
	v.summary.SceneLines++
	return nil
}

func (v *Viewer) handleSceneEnd() error {
	v.mu.Lock()
	if v.terrain == nil {
		v.mu.Unlock()
		return nil
	}
	id := v.sceneID
	v.ready = true
	fn := v.onReady
	v.mu.Unlock()

	v.logger.Info().Uint8("scene", id).Msg("scene received")
	if err := v.send(protocol.SceneAck{Kind: protocol.MsgSceneEndAck, SceneID: id}); err != nil {
		return err
	}
	if fn != nil {
		fn(id)
	}
	return nil
}

// handleTerrainChange applies a change to the current scene. A change for
// another scene id arrived across a renegotiation and is dropped.
func (v *Viewer) handleTerrainChange(m protocol.TerrainChange) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.terrain == nil || m.SceneID != v.sceneID {
		v.summary.StaleTerrain++
		return nil
	}
	if err := terrain.Apply(m, v.terrain); err != nil {
		return fmt.Errorf("failed to apply terrain change: %w", err)
	}
	v.summary.TerrainChanges++
	return nil
}

func (v *Viewer) handleFrame(msg protocol.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch msg.(type) {
	case protocol.FrameSetup:
		v.summary.Frames++
	case protocol.FrameBox:
		v.summary.FrameBoxes++
	case protocol.FrameLine:
		v.summary.FrameLines++
	}
	return v.decoder.Handle(msg)
}

// Accepted reports whether the server accepted the registration.
func (v *Viewer) Accepted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accepted
}

// Ready reports whether the current scene has been fully received.
func (v *Viewer) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// SceneID returns the id of the current scene.
func (v *Viewer) SceneID() uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sceneID
}

// Scene returns the local copy of the scene, or nil before the first setup.
func (v *Viewer) Scene() *scene.Bitmap {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.terrain
}

// Image copies the current frame image of a layer.
func (v *Viewer) Image(layer int) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.decoder.Image(layer)...)
}

// FrameSetup returns the last frame header.
func (v *Viewer) FrameSetup() protocol.FrameSetup {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decoder.Setup()
}

// Summary returns the receive counters.
func (v *Viewer) Summary() Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.summary
}
