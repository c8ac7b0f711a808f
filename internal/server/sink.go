package server

import (
	"errors"

	"github.com/framecast-project/framecast/internal/capture"
	"github.com/framecast-project/framecast/internal/protocol"
)

// clientSink is the outbound path of one client: the transport, plus byte
// accounting and the optional capture.
type clientSink struct {
	srv    *Server
	client *Client
}

func newSink(s *Server, c *Client) clientSink {
	return clientSink{srv: s, client: c}
}

// Send transmits one message. data is not retained.
func (k clientSink) Send(data []byte, delivery protocol.Delivery) error {
	if len(data) == 0 {
		return nil
	}
	c := k.client
	if err := k.srv.transport.Send(c.addr, data, delivery); err != nil {
		return err
	}

	// A deregistered client's slot may already belong to someone else.
	if c.ctx.Err() == nil {
		k.srv.stats.AddBytes(c.handle.Slot, protocol.MessageID(data[0]), len(data))
	}
	c.bytesSent.Add(uint64(len(data)))

	if c.recorder != nil {
		if err := c.recorder.Write(data); err != nil && !errors.Is(err, capture.ErrClosed) {
			c.logger.Warn().Err(err).Msg("capture write failed, closing capture")
			c.recorder.Close()
		}
	}
	return nil
}

// Backlog returns the client's unacknowledged reliable datagrams.
func (k clientSink) Backlog() int {
	return k.srv.transport.Backlog(k.client.addr)
}
