// Package server ties the pieces together: it registers viewers, runs one
// send loop per viewer, dispatches inbound packets, and exposes the hooks a
// simulation uses to publish terrain changes, events and frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/capture"
	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/effects"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
	"github.com/framecast-project/framecast/internal/stats"
	"github.com/framecast-project/framecast/internal/terrain"
	"github.com/framecast-project/framecast/internal/util"
)

var (
	// ErrNoClient is returned for operations on a slot with no active client.
	ErrNoClient = errors.New("no client in slot")
	// ErrResolutionTooLarge refuses a registration above the configured
	// maximum resolution.
	ErrResolutionTooLarge = errors.New("resolution above server limit")
)

// joinTimeout bounds how long a deregistration waits for the send loop.
const joinTimeout = 5 * time.Second

// Transport is the datagram layer the server speaks through.
type Transport interface {
	Send(addr net.Addr, data []byte, delivery protocol.Delivery) error
	Receive(ctx context.Context) (network.Packet, error)
	Backlog(addr net.Addr) int
	RTT(addr net.Addr) time.Duration
	Disconnect(addr net.Addr) error
}

// FrameSource renders the current frame for one client into dst, which has
// the client's resolution. It returns false when there is nothing to send
// this tick. Snapshot is called from the client's send loop.
type FrameSource interface {
	Snapshot(h Handle, dst *frame.Buffers) bool
}

type terrainRef struct{ t scene.Terrain }
type sourceRef struct{ s FrameSource }

// Server is the frame and terrain synchronization service.
type Server struct {
	cfg       *config.Config
	transport Transport
	eventBus  *events.EventBus
	registry  *ConnectionRegistry
	stats     *stats.Aggregator
	logger    zerolog.Logger

	frameOpts  frame.Options
	sceneOpts  scene.Options
	limits     effects.Limits
	interval   time.Duration
	fixedSleep time.Duration
	capture    config.CaptureConfig
	maxResX    int
	maxResY    int

	epoch     atomic.Uint32
	terrain   atomic.Pointer[terrainRef]
	source    atomic.Pointer[sourceRef]
	startedAt time.Time
	wg        sync.WaitGroup
}

// New creates a server. The event bus may be nil.
func New(cfg *config.Config, transport Transport, eventBus *events.EventBus) *Server {
	enc := cfg.GetEncoding()
	srvCfg := cfg.GetServer()
	s := &Server{
		cfg:        cfg,
		transport:  transport,
		eventBus:   eventBus,
		stats:      stats.NewAggregator(),
		logger:     util.ComponentLogger("server"),
		frameOpts:  enc.FrameOptions(),
		sceneOpts:  cfg.SceneOptions(),
		limits:     enc.EffectLimits(),
		interval:   enc.FrameInterval(),
		fixedSleep: enc.FixedSleep(),
		capture:    cfg.GetApplicationData().Capture,
		maxResX:    srvCfg.MaxResolutionX,
		maxResY:    srvCfg.MaxResolutionY,
		startedAt:  time.Now(),
	}
	s.registry = NewConnectionRegistry(srvCfg.MaxClients, s.buildClient)
	s.registry.OnRelease(func(h Handle) { s.stats.Remove(h.Slot) })

	if eventBus != nil {
		s.subscribeEvents()
	}
	return s
}

func (s *Server) subscribeEvents() {
	s.eventBus.Subscribe(events.EventKickClient, "server.kick", s.onKick)
	s.eventBus.Subscribe(events.EventRescene, "server.rescene", s.onRescene)
}

func (s *Server) onKick(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.KickPayload)
	if !ok {
		return nil
	}
	return s.Kick(payload.Slot)
}

func (s *Server) onRescene(ctx context.Context, event events.Event) error {
	s.BumpEpoch()
	return nil
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(context.Background(), events.Event{Type: t, Source: "server", Payload: payload})
}

// buildClient is the registry's factory. A resolution the encoder cannot
// serve refuses the registration.
func (s *Server) buildClient(h Handle, addr net.Addr, width, height int, name string) (*Client, error) {
	if (s.maxResX > 0 && width > s.maxResX) || (s.maxResY > 0 && height > s.maxResY) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrResolutionTooLarge, width, height, s.maxResX, s.maxResY)
	}
	enc, err := frame.NewEncoder(width, height, s.frameOpts)
	if err != nil {
		return nil, err
	}
	c := newClient(h, addr, width, height, name)
	c.encoder = enc
	c.buffers = frame.NewBuffers(width, height)
	c.batcher = effects.NewBatcher(s.limits)
	c.terrainEnc = terrain.NewEncoder(s.sceneOpts.HighCompression)
	c.pipeline = scene.NewPipeline(s.sceneOpts, &c.transferMu, c.logger)
	c.pipeline.Reset(s.Epoch())
	return c, nil
}

// Run dispatches inbound packets until ctx is cancelled, then disconnects
// every client and waits for their send loops.
func (s *Server) Run(ctx context.Context) error {
	srv := s.cfg.GetServer()
	s.logger.Info().
		Str("name", srv.Name).
		Int("max_clients", s.registry.Capacity()).
		Dur("frame_interval", s.interval).
		Bool("boxes", s.frameOpts.UseBoxes).
		Bool("delta", s.frameOpts.Delta).
		Bool("interlaced", s.frameOpts.Interlaced).
		Msg("server running")

	err := newDispatcher(s).run(ctx)
	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	clients := s.registry.All()
	for _, c := range clients {
		c.setReason(events.ReasonShutdown)
		s.disconnect(c)
	}
	s.wg.Wait()
	s.logger.Info().Int("clients", len(clients)).Msg("server stopped")
}

// register handles a Register packet.
func (s *Server) register(addr net.Addr, msg protocol.Register) {
	c, err := s.registry.Register(addr, int(msg.ResolutionX), int(msg.ResolutionY), msg.Name)
	if err != nil {
		reason := events.RejectResolution
		if errors.Is(err, ErrRegistryFull) {
			reason = events.RejectFull
		}
		s.logger.Info().
			Err(err).
			Str("remote", addr.String()).
			Str("reason", reason.String()).
			Msg("registration refused")

		s.sendControl(addr, protocol.MsgDisconnect)
		s.transport.Disconnect(addr)
		s.emit(events.EventClientRejected, events.ClientRejectedPayload{Addr: addr.String(), Reason: reason})
		return
	}

	s.startClient(c)
	newSink(s, c).Send([]byte{byte(protocol.MsgAccepted)}, protocol.ReliableOrdered)
}

func (s *Server) sendControl(addr net.Addr, id protocol.MessageID) {
	if err := s.transport.Send(addr, []byte{byte(id)}, protocol.ReliableOrdered); err != nil {
		s.logger.Debug().Err(err).Str("remote", addr.String()).Str("msg", id.String()).Msg("failed to send control message")
	}
}

// startClient launches the send loop once per client.
func (s *Server) startClient(c *Client) {
	c.startOnce.Do(func() {
		if s.capture.Enabled {
			path := capture.Path(s.capture.Directory, c.sessionID)
			rec, err := capture.Create(path, s.capture.Level, c.width, c.height)
			if err != nil {
				c.logger.Warn().Err(err).Msg("capture disabled for this client")
			} else {
				c.recorder = rec
			}
		}

		c.logger.Info().
			Str("name", c.name).
			Str("session", c.sessionID).
			Int("width", c.width).
			Int("height", c.height).
			Msg("client registered")
		s.emit(events.EventClientRegistered, c.payload())

		s.wg.Add(1)
		c.started.Store(true)
		go func() {
			defer s.wg.Done()
			s.runClient(c)
		}()
	})
}

// disconnect tells the client it is being dropped and deregisters it.
func (s *Server) disconnect(c *Client) {
	s.sendControl(c.addr, protocol.MsgDisconnect)
	s.transport.Disconnect(c.addr)
	s.deregister(c)
}

// deregister releases c's slot and joins its send loop. It must not be
// called from that loop.
func (s *Server) deregister(c *Client) {
	if !s.registry.Deregister(c.handle) {
		return
	}
	if !c.started.Load() {
		return
	}
	select {
	case <-c.done:
	case <-time.After(joinTimeout):
		c.logger.Warn().Msg("send loop did not exit in time")
	}
}

// Kick disconnects the client in slot.
func (s *Server) Kick(slot int) error {
	c, ok := s.registry.BySlot(slot)
	if !ok {
		return fmt.Errorf("failed to kick slot %d: %w", slot, ErrNoClient)
	}
	c.setReason(events.ReasonKicked)
	s.disconnect(c)
	return nil
}

// Registry returns the connection registry.
func (s *Server) Registry() *ConnectionRegistry {
	return s.registry
}

// SetFrameSource installs the renderer. nil stops frames.
func (s *Server) SetFrameSource(src FrameSource) {
	if src == nil {
		s.source.Store(nil)
		return
	}
	s.source.Store(&sourceRef{s: src})
}

func (s *Server) frameSource() FrameSource {
	if ref := s.source.Load(); ref != nil {
		return ref.s
	}
	return nil
}

// SetTerrain installs a new scene and bumps the epoch so every client
// renegotiates. It returns the new epoch. A scene that does not fit
// SceneSetup is refused and the current one stays.
func (s *Server) SetTerrain(t scene.Terrain) (uint8, error) {
	if t == nil {
		s.terrain.Store(nil)
		return s.BumpEpoch(), nil
	}
	if err := t.Descriptor().Validate(); err != nil {
		return s.Epoch(), err
	}
	s.terrain.Store(&terrainRef{t: t})
	return s.BumpEpoch(), nil
}

// Terrain returns the current scene, or nil.
func (s *Server) Terrain() scene.Terrain {
	if ref := s.terrain.Load(); ref != nil {
		return ref.t
	}
	return nil
}

// Epoch returns the current scene epoch.
func (s *Server) Epoch() uint8 {
	return uint8(s.epoch.Load())
}

// BumpEpoch advances the scene epoch; every client renegotiates the scene
// on its next tick.
func (s *Server) BumpEpoch() uint8 {
	epoch := uint8(s.epoch.Add(1))

	payload := events.EpochChangedPayload{Epoch: epoch}
	if t := s.Terrain(); t != nil {
		desc := t.Descriptor()
		payload.Width, payload.Height = desc.Width, desc.Height
	}
	s.logger.Info().Uint8("epoch", epoch).Msg("scene epoch changed")
	s.emit(events.EventEpochChanged, payload)
	return epoch
}

// BroadcastTerrainChange queues rec for every active client.
func (s *Server) BroadcastTerrainChange(rec terrain.Record) {
	t := s.Terrain()
	if t == nil {
		return
	}
	desc := t.Descriptor()
	rec, ok := rec.Clip(desc.Width, desc.Height, desc.WrapsX)
	if !ok {
		return
	}
	for _, c := range s.registry.All() {
		c.transferMu.Lock()
		c.queue.Enqueue(rec)
		c.transferMu.Unlock()
	}
}

// QueuePostEffects queues post effects for one streaming client.
func (s *Server) QueuePostEffects(h Handle, entries ...protocol.PostEffect) bool {
	c, ok := s.streamingClient(h)
	if ok {
		c.batcher.QueuePostEffects(entries...)
	}
	return ok
}

// QueueSounds queues sound events for one streaming client.
func (s *Server) QueueSounds(h Handle, entries ...protocol.SoundEvent) bool {
	c, ok := s.streamingClient(h)
	if ok {
		c.batcher.QueueSounds(entries...)
	}
	return ok
}

// QueueMusic queues music events for one streaming client.
func (s *Server) QueueMusic(h Handle, entries ...protocol.MusicEvent) bool {
	c, ok := s.streamingClient(h)
	if ok {
		c.batcher.QueueMusic(entries...)
	}
	return ok
}

// BroadcastPostEffects queues post effects for every streaming client.
func (s *Server) BroadcastPostEffects(entries ...protocol.PostEffect) {
	for _, c := range s.streamingClients() {
		c.batcher.QueuePostEffects(entries...)
	}
}

// BroadcastSounds queues sound events for every streaming client.
func (s *Server) BroadcastSounds(entries ...protocol.SoundEvent) {
	for _, c := range s.streamingClients() {
		c.batcher.QueueSounds(entries...)
	}
}

// BroadcastMusic queues music events for every streaming client.
func (s *Server) BroadcastMusic(entries ...protocol.MusicEvent) {
	for _, c := range s.streamingClients() {
		c.batcher.QueueMusic(entries...)
	}
}

func (s *Server) streamingClient(h Handle) (*Client, bool) {
	c, ok := s.registry.Get(h)
	if !ok || !c.Streaming() {
		return nil, false
	}
	return c, true
}

func (s *Server) streamingClients() []*Client {
	all := s.registry.All()
	out := all[:0]
	for _, c := range all {
		if c.Streaming() {
			out = append(out, c)
		}
	}
	return out
}

// DrainInput returns the inputs received from h since the last call, each
// exactly once. A stale handle returns nil.
func (s *Server) DrainInput(h Handle) []protocol.Input {
	c, ok := s.registry.Get(h)
	if !ok {
		return nil
	}
	return c.drainInputs()
}

// Clients returns a snapshot of every active client.
func (s *Server) Clients() []ClientInfo {
	clients := s.registry.All()
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		info := c.info()
		info.RTT = s.transport.RTT(c.addr)
		info.Backlog = s.transport.Backlog(c.addr)
		out = append(out, info)
	}
	return out
}

// Stats returns the traffic aggregator.
func (s *Server) Stats() *stats.Aggregator {
	return s.stats
}

// RefreshPing copies every client's transport RTT into the aggregator.
func (s *Server) RefreshPing() {
	for _, c := range s.registry.All() {
		s.stats.SetRTT(c.handle.Slot, s.transport.RTT(c.addr))
	}
}

// RotateStats closes the current statistics window and publishes it.
func (s *Server) RotateStats() events.StatsWindowPayload {
	total := s.stats.Rotate()
	payload := events.StatsWindowPayload{
		Window:  s.stats.Window(),
		Total:   total,
		Clients: make(map[int]stats.Counters),
	}
	for _, slot := range s.stats.Slots() {
		if c, ok := s.stats.Last(slot); ok {
			payload.Clients[slot] = c
		}
	}
	s.emit(events.EventStatsWindow, payload)
	return payload
}

// Status summarizes the server for the API and console.
type Status struct {
	Name      string        `json:"name"`
	Epoch     uint8         `json:"epoch"`
	Clients   int           `json:"clients"`
	Capacity  int           `json:"capacity"`
	Streaming int           `json:"streaming"`
	HasScene  bool          `json:"has_scene"`
	Uptime    time.Duration `json:"uptime_ns"`
}

// Status returns the current server summary.
func (s *Server) Status() Status {
	return Status{
		Name:      s.cfg.GetServer().Name,
		Epoch:     s.Epoch(),
		Clients:   s.registry.Count(),
		Capacity:  s.registry.Capacity(),
		Streaming: len(s.streamingClients()),
		HasScene:  s.Terrain() != nil,
		Uptime:    time.Since(s.startedAt),
	}
}
