package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/protocol"
)

// UDPLink is a Link over a client-mode UDP transport.
type UDPLink struct {
	transport *network.UDPTransport
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts network.Options) (*UDPLink, error) {
	t, err := network.Dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &UDPLink{transport: t}, nil
}

// Send implements Link.
func (l *UDPLink) Send(data []byte, delivery protocol.Delivery) error {
	return l.transport.Send(nil, data, delivery)
}

// Receive implements Link.
func (l *UDPLink) Receive(ctx context.Context) ([]byte, error) {
	pkt, err := l.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return pkt.Data, nil
}

// RTT returns the smoothed round-trip time to the server.
func (l *UDPLink) RTT() time.Duration {
	return l.transport.RTT(nil)
}

// Close says goodbye to the server and releases the socket.
func (l *UDPLink) Close() error {
	return l.transport.Close()
}
