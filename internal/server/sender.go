package server

import (
	"runtime/debug"
	"time"

	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
)

// runClient is the send loop of one client. It returns when the client's
// context is cancelled or the loop panics; either way the client ends up
// deregistered.
func (s *Server) runClient(c *Client) {
	defer close(c.done)
	defer s.finishClient(c)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("send loop panicked")
			c.setReason(events.ReasonSendFailure)
			s.registry.Deregister(c.handle)
		}
	}()

	sink := newSink(s, c)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		start := time.Now()
		s.tick(c, sink)
		if c.ctx.Err() != nil {
			return
		}

		elapsed := time.Since(start)
		wait := s.interval - elapsed
		if s.fixedSleep > 0 {
			wait = s.fixedSleep
		}
		if elapsed > s.interval && c.Streaming() {
			c.longTicks.Add(1)
			c.logger.Debug().Dur("elapsed", elapsed).Msg("tick overran frame interval")
		}
		if wait <= 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// tick runs one iteration of the send loop in priority order: renegotiation,
// scene transfer, terrain changes, the frame, then batched events.
func (s *Server) tick(c *Client, sink clientSink) {
	if epoch := s.Epoch(); c.pipeline.Epoch() != epoch {
		s.renegotiate(c, epoch)
	}

	ter := s.Terrain()
	if !c.pipeline.Streaming() {
		s.advanceScene(c, ter, sink)
		return
	}
	if !c.transferStart.IsZero() {
		s.emit(events.EventSceneTransferCompleted, events.SceneTransferPayload{
			Slot:     c.handle.Slot,
			Session:  c.sessionID,
			Epoch:    c.pipeline.Epoch(),
			Lines:    c.pipeline.LinesSent(),
			Duration: time.Since(c.transferStart),
		})
		c.logger.Info().Dur("duration", time.Since(c.transferStart)).Msg("client streaming")
		c.transferStart = time.Time{}
	}

	s.sendTerrain(c, ter, sink)
	s.sendFrame(c, sink)
	s.sendEvents(c, sink)
}

// renegotiate drops everything tied to the old scene and restarts the
// pipeline on the new epoch.
func (s *Server) renegotiate(c *Client, epoch uint8) {
	c.transferMu.Lock()
	c.queue.Clear()
	c.transferMu.Unlock()
	c.batcher.Clear()
	c.encoder.Reset()
	c.pipeline.Reset(epoch)
	c.transferStart = time.Time{}

	c.logger.Info().Uint8("epoch", epoch).Msg("renegotiating scene")
}

func (s *Server) advanceScene(c *Client, ter scene.Terrain, sink clientSink) {
	if ter != nil && c.pipeline.State() == scene.SendingData {
		c.transferStart = time.Now()
		s.emit(events.EventSceneTransferStarted, events.SceneTransferPayload{
			Slot:    c.handle.Slot,
			Session: c.sessionID,
			Epoch:   c.pipeline.Epoch(),
		})
	}
	if err := c.pipeline.Tick(c.ctx, ter, sink); err != nil {
		c.logger.Debug().Err(err).Msg("scene transfer interrupted")
	}
}

func (s *Server) sendTerrain(c *Client, ter scene.Terrain, sink clientSink) {
	records := c.queue.DrainFragmented(s.sceneOpts.MaxPayload)
	if len(records) == 0 {
		return
	}
	epoch := c.pipeline.Epoch()
	for _, rec := range records {
		msg := c.terrainEnc.EncodeChange(rec, ter, epoch)
		data, err := msg.MarshalBinary()
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to encode terrain change")
			continue
		}
		if err := sink.Send(data, protocol.ReliableOrdered); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send terrain change")
		}
	}
}

func (s *Server) sendFrame(c *Client, sink clientSink) {
	src := s.frameSource()
	if src == nil || !src.Snapshot(c.handle, c.buffers) {
		return
	}

	rep, err := c.encoder.Encode(c.buffers)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode frame")
		return
	}
	c.frame = rep.Frame
	for _, msg := range rep.Messages {
		if err := sink.Send(msg, protocol.DeliveryFor(protocol.MessageID(msg[0]))); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send frame message")
		}
	}
	if c.ctx.Err() != nil {
		return
	}
	s.stats.AddFrame(c.handle.Slot, rep.FullBoxes, rep.EmptyBoxes, rep.Uncompressed, rep.Compressed)
}

func (s *Server) sendEvents(c *Client, sink clientSink) {
	for _, msg := range c.batcher.Flush(c.frame) {
		data, err := msg.MarshalBinary()
		if err != nil {
			c.logger.Error().Err(err).Str("msg", msg.ID().String()).Msg("failed to encode events")
			continue
		}
		if err := sink.Send(data, protocol.ReliableOrdered); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send events")
		}
	}
}

// finishClient releases what the send loop owned and reports the departure.
func (s *Server) finishClient(c *Client) {
	s.registry.Deregister(c.handle)

	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close capture")
		}
	}

	connected := time.Since(c.connectedAt)
	c.logger.Info().
		Str("reason", c.disconnectReason().String()).
		Dur("connected", connected).
		Uint64("bytes_sent", c.bytesSent.Load()).
		Msg("client deregistered")

	s.emit(events.EventClientDeregistered, events.ClientLeftPayload{
		ClientPayload: c.payload(),
		Reason:        c.disconnectReason(),
		Connected:     connected,
		BytesSent:     c.bytesSent.Load(),
	})
}
