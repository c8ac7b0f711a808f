package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/framecast-project/framecast/internal/protocol"
)

const (
	readBufSize     = 65536
	maintainEvery   = 10 * time.Millisecond
	limiterIdle     = time.Minute
	limiterCleanup  = 30 * time.Second
	defaultInboxLen = 1024
	defaultSockBuf  = 4 << 20
)

// Options configures a UDPTransport.
type Options struct {
	ConnectionTimeout time.Duration
	PingInterval      time.Duration
	MinRetransmit     time.Duration
	MaxRetransmit     time.Duration
	MaxResends        int
	InboundRate       float64
	InboundBurst      int
	InboxSize         int
	SocketBuffer      int
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		ConnectionTimeout: 10 * time.Second,
		PingInterval:      time.Second,
		MinRetransmit:     50 * time.Millisecond,
		MaxRetransmit:     2 * time.Second,
		MaxResends:        64,
		InboundRate:       4000,
		InboundBurst:      8000,
		InboxSize:         defaultInboxLen,
		SocketBuffer:      defaultSockBuf,
	}
}

// Packet is one inbound message. Data starts with a protocol.MessageID;
// lifecycle messages (NewConnection, ConnectionLost, Disconnect) are
// synthesized by the transport.
type Packet struct {
	Addr net.Addr
	Data []byte
}

// UDPTransport multiplexes a reliable ordered channel and an unreliable
// sequenced channel per peer over one UDP socket.
type UDPTransport struct {
	conn    *net.UDPConn
	opts    Options
	logger  zerolog.Logger
	limiter *sourceLimiter

	// server is set in client mode; only datagrams from it are accepted.
	server *net.UDPAddr

	mu    sync.RWMutex
	peers map[string]*peer

	inbox     chan Packet
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

// Listen opens a server transport on addr. New peers are accepted on their
// first payload datagram.
func Listen(ctx context.Context, addr string, opts Options) (*UDPTransport, error) {
	lc := ListenConfig(opts.SocketBuffer)
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t := newTransport(pc.(*net.UDPConn), opts, nil)
	t.logger.Info().Str("addr", t.conn.LocalAddr().String()).Msg("UDP transport listening")
	t.start()
	return t, nil
}

// Dial opens a client transport talking to the server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open client socket: %w", err)
	}
	t := newTransport(pc.(*net.UDPConn), opts, raddr)
	t.peers[raddr.String()] = newPeer(raddr, t.now())
	t.start()
	return t, nil
}

func newTransport(conn *net.UDPConn, opts Options, server *net.UDPAddr) *UDPTransport {
	def := DefaultOptions()
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = def.ConnectionTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.MinRetransmit <= 0 {
		opts.MinRetransmit = def.MinRetransmit
	}
	if opts.MaxRetransmit <= 0 {
		opts.MaxRetransmit = def.MaxRetransmit
	}
	if opts.MaxResends <= 0 {
		opts.MaxResends = def.MaxResends
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	return &UDPTransport{
		conn:    conn,
		opts:    opts,
		logger:  log.With().Str("component", "transport").Logger(),
		limiter: newSourceLimiter(opts.InboundRate, opts.InboundBurst),
		server:  server,
		peers:   make(map[string]*peer),
		inbox:   make(chan Packet, opts.InboxSize),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
}

func (t *UDPTransport) start() {
	t.wg.Add(2)
	go t.readLoop()
	go t.maintainLoop()
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// ServerAddr returns the server address in client mode, or nil.
func (t *UDPTransport) ServerAddr() net.Addr {
	if t.server == nil {
		return nil
	}
	return t.server
}

func (t *UDPTransport) lookup(addr net.Addr) (*peer, error) {
	if addr == nil && t.server != nil {
		addr = t.server
	}
	if addr == nil {
		return nil, ErrPeerUnknown
	}
	t.mu.RLock()
	p, ok := t.peers[addr.String()]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, addr)
	}
	return p, nil
}

// Send queues data for addr on the given delivery class. In client mode a
// nil addr means the server.
func (t *UDPTransport) Send(addr net.Addr, data []byte, delivery protocol.Delivery) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if len(data) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	p, err := t.lookup(addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var dgram []byte
	if delivery == protocol.ReliableOrdered {
		dgram = p.nextReliable(data, t.now())
	} else {
		dgram = p.nextUnreliable(data)
	}
	p.mu.Unlock()

	return t.write(dgram, p.addr)
}

func (t *UDPTransport) write(dgram []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(dgram, addr); err != nil {
		return fmt.Errorf("failed to write to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks until a packet arrives, ctx is done or the transport closes.
func (t *UDPTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case pkt := <-t.inbox:
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-t.closed:
		return Packet{}, ErrClosed
	}
}

// Backlog returns the reliable datagrams to addr still awaiting an ack.
func (t *UDPTransport) Backlog(addr net.Addr) int {
	p, err := t.lookup(addr)
	if err != nil {
		return 0
	}
	return p.backlog()
}

// RTT returns the smoothed round-trip time to addr.
func (t *UDPTransport) RTT(addr net.Addr) time.Duration {
	p, err := t.lookup(addr)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

// PeerCount returns the number of known peers.
func (t *UDPTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Disconnect tells addr the session is over and forgets it. No
// ConnectionLost is synthesized for it.
func (t *UDPTransport) Disconnect(addr net.Addr) error {
	p, err := t.lookup(addr)
	if err != nil {
		return err
	}
	t.removePeer(p.key)
	return t.write(encodeDatagram(kindDisco, 0, nil), p.addr)
}

// Close stops the transport. In client mode the server is told first.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.server != nil {
			t.conn.WriteToUDP(encodeDatagram(kindDisco, 0, nil), t.server)
		}
		close(t.closed)
		err = t.conn.Close()
		t.wg.Wait()
		t.logger.Debug().Msg("UDP transport closed")
	})
	return err
}

func (t *UDPTransport) removePeer(key string) {
	t.mu.Lock()
	delete(t.peers, key)
	t.mu.Unlock()
}

// deliver hands a packet to Receive, giving up only when the transport
// closes.
func (t *UDPTransport) deliver(addr net.Addr, data []byte) {
	select {
	case t.inbox <- Packet{Addr: addr, Data: data}:
	case <-t.closed:
	}
}

func (t *UDPTransport) synthesize(addr net.Addr, id protocol.MessageID) {
	t.deliver(addr, []byte{byte(id)})
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.logger.Debug().Err(err).Msg("UDP read error")
				continue
			}
		}
		t.handleDatagram(addr, buf[:n])
	}
}

func (t *UDPTransport) handleDatagram(addr *net.UDPAddr, b []byte) {
	if t.server != nil && addr.String() != t.server.String() {
		return
	}
	d, err := decodeDatagram(b)
	if err != nil {
		t.logger.Trace().Err(err).Str("remote", addr.String()).Msg("dropped datagram")
		return
	}

	now := t.now()
	key := addr.String()
	t.mu.RLock()
	p, known := t.peers[key]
	t.mu.RUnlock()

	payloadKind := d.kind == kindReliable || d.kind == kindUnreliable
	if (!known || payloadKind) && !t.limiter.allow(extractIP(addr), now) {
		return
	}

	if !known {
		if !payloadKind {
			return
		}
		p = t.addPeer(addr, now)
	}

	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()

	switch d.kind {
	case kindReliable:
		p.mu.Lock()
		ready, keep := p.acceptReliable(d.seq, d.payload)
		p.mu.Unlock()
		if !keep {
			t.logger.Trace().Str("remote", key).Uint32("seq", d.seq).Msg("reorder buffer full, datagram left unacked")
			return
		}
		t.write(encodeDatagram(kindAck, d.seq, nil), addr)
		for _, msg := range ready {
			if len(msg) > 0 {
				t.deliver(addr, msg)
			}
		}
	case kindUnreliable:
		p.mu.Lock()
		fresh := p.acceptUnreliable(d.seq)
		p.mu.Unlock()
		if fresh && len(d.payload) > 0 {
			t.deliver(addr, append([]byte(nil), d.payload...))
		}
	case kindAck:
		p.mu.Lock()
		p.ack(d.seq)
		p.mu.Unlock()
	case kindPing:
		t.write(encodeDatagram(kindPong, d.seq, d.payload), addr)
	case kindPong:
		if len(d.payload) >= 8 {
			sent := time.Unix(0, int64(binary.LittleEndian.Uint64(d.payload)))
			p.mu.Lock()
			p.observeRTT(now.Sub(sent))
			p.mu.Unlock()
		}
	case kindDisco:
		t.removePeer(key)
		t.logger.Debug().Str("remote", key).Msg("peer disconnected")
		t.synthesize(addr, protocol.MsgDisconnect)
	}
}

// addPeer registers a new peer, or returns the one a concurrent caller added.
func (t *UDPTransport) addPeer(addr *net.UDPAddr, now time.Time) *peer {
	t.mu.Lock()
	p, ok := t.peers[addr.String()]
	if !ok {
		p = newPeer(addr, now)
		t.peers[p.key] = p
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug().Str("remote", p.key).Msg("new peer")
		t.synthesize(addr, protocol.MsgNewConnection)
	}
	return p
}

func (t *UDPTransport) maintainLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(maintainEvery)
	defer ticker.Stop()
	lastCleanup := t.now()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		now := t.now()
		t.mu.RLock()
		peers := make([]*peer, 0, len(t.peers))
		for _, p := range t.peers {
			peers = append(peers, p)
		}
		t.mu.RUnlock()

		for _, p := range peers {
			if reason := t.maintainPeer(p, now); reason != "" {
				t.removePeer(p.key)
				t.logger.Info().Str("remote", p.key).Str("reason", reason).Msg("connection lost")
				t.synthesize(p.addr, protocol.MsgConnectionLost)
			}
		}

		if now.Sub(lastCleanup) >= limiterCleanup {
			t.limiter.cleanup(now, limiterIdle)
			lastCleanup = now
		}
	}
}

// maintainPeer retransmits overdue reliable datagrams, at most MaxResends
// per pass, and pings the peer.
// It returns a non-empty reason when the peer should be dropped.
func (t *UDPTransport) maintainPeer(p *peer, now time.Time) string {
	p.mu.Lock()
	if now.Sub(p.lastSeen) > t.opts.ConnectionTimeout {
		p.mu.Unlock()
		return "timeout"
	}

	resend, expired := p.dueResends(now, t.opts.MinRetransmit, t.opts.MaxRetransmit, t.opts.ConnectionTimeout, t.opts.MaxResends)
	if expired {
		p.mu.Unlock()
		return "retransmit timeout"
	}

	var ping []byte
	if now.Sub(p.lastPing) >= t.opts.PingInterval {
		p.lastPing = now
		stamp := make([]byte, 8)
		binary.LittleEndian.PutUint64(stamp, uint64(now.UnixNano()))
		ping = encodeDatagram(kindPing, 0, stamp)
	}
	p.mu.Unlock()

	for _, dgram := range resend {
		t.write(dgram, p.addr)
	}
	if ping != nil {
		t.write(ping, p.addr)
	}
	return ""
}
