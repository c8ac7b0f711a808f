package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/util"
)

// Dispatcher routes inbound packets. It runs on a single goroutine.
type Dispatcher struct {
	srv    *Server
	logger zerolog.Logger
}

func newDispatcher(s *Server) *Dispatcher {
	return &Dispatcher{srv: s, logger: util.ComponentLogger("dispatcher")}
}

// run receives until ctx is cancelled or the transport closes.
func (d *Dispatcher) run(ctx context.Context) error {
	for {
		pkt, err := d.srv.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrClosed) {
				return nil
			}
			d.logger.Warn().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		d.handle(pkt)
	}
}

func (d *Dispatcher) handle(pkt network.Packet) {
	if len(pkt.Data) == 0 {
		return
	}
	id := protocol.MessageID(pkt.Data[0])

	switch id {
	case protocol.MsgNewConnection:
		d.logger.Debug().Str("remote", pkt.Addr.String()).Msg("new connection")
		return
	case protocol.MsgConnectionLost:
		d.drop(pkt, events.ReasonTimeout)
		return
	case protocol.MsgDisconnect:
		d.drop(pkt, events.ReasonClientRequest)
		return
	}

	msg, err := protocol.Parse(pkt.Data)
	if err != nil {
		d.logger.Debug().Err(err).Str("remote", pkt.Addr.String()).Msg("dropping malformed packet")
		return
	}

	if reg, ok := msg.(protocol.Register); ok {
		d.srv.register(pkt.Addr, reg)
		return
	}

	c, ok := d.srv.registry.FindClient(pkt.Addr)
	if !ok {
		d.logger.Debug().Str("remote", pkt.Addr.String()).Str("msg", id.String()).Msg("dropping packet from unregistered peer")
		return
	}

	switch m := msg.(type) {
	case protocol.SceneAck:
		var advanced bool
		if m.Kind == protocol.MsgSceneSetupAck {
			advanced = c.pipeline.HandleSetupAck(m.SceneID)
		} else {
			advanced = c.pipeline.HandleEndAck(m.SceneID)
		}
		if !advanced {
			c.logger.Debug().Str("msg", id.String()).Uint8("scene", m.SceneID).Msg("ignoring stale scene ack")
		}
	case protocol.Input:
		c.pushInput(m)
	default:
		c.logger.Debug().Str("msg", id.String()).Msg("dropping unexpected message")
	}
}

func (d *Dispatcher) drop(pkt network.Packet, reason events.DisconnectReason) {
	c, ok := d.srv.registry.FindClient(pkt.Addr)
	if !ok {
		return
	}
	c.setReason(reason)
	d.srv.deregister(c)
}
