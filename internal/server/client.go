package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/capture"
	"github.com/framecast-project/framecast/internal/effects"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
	"github.com/framecast-project/framecast/internal/terrain"
	"github.com/framecast-project/framecast/internal/util"
)

// maxNameLength is the longest display name kept, leaving room for the NUL
// of the fixed wire field.
const maxNameLength = protocol.NameLength - 1

// Client is one registered viewer. Its send loop owns the encoder, the
// pipeline's send side and the frame buffers; the queues are shared with
// producers and guarded internally.
type Client struct {
	handle      Handle
	addr        net.Addr
	name        string
	width       int
	height      int
	sessionID   string
	connectedAt time.Time
	logger      zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	started   atomic.Bool

	// transferMu is held by the scene pipeline while it reads a batch of
	// lines and by producers while they queue terrain changes.
	transferMu sync.Mutex
	queue      *terrain.Queue
	batcher    *effects.Batcher
	pipeline   *scene.Pipeline
	encoder    *frame.Encoder
	buffers    *frame.Buffers
	terrainEnc *terrain.Encoder
	recorder   *capture.Writer

	inputMu   sync.Mutex
	inputs    []protocol.Input
	lastInput protocol.Input
	hasInput  bool
	dropped   int

	frame         uint8
	transferStart time.Time
	longTicks     atomic.Uint64
	bytesSent     atomic.Uint64
	reason        atomic.Int32
}

func newClient(h Handle, addr net.Addr, width, height int, name string) *Client {
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		handle:      h,
		addr:        addr,
		name:        name,
		width:       width,
		height:      height,
		sessionID:   uuid.NewString(),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		queue:       terrain.NewQueue(),
		batcher:     effects.NewBatcher(effects.DefaultLimits()),
	}
	c.logger = util.ComponentLogger("client").With().
		Int("slot", h.Slot).
		Str("remote", addr.String()).
		Logger()
	return c
}

// Handle returns the client's registry handle.
func (c *Client) Handle() Handle { return c.handle }

// Addr returns the transport identity.
func (c *Client) Addr() net.Addr { return c.addr }

// Name returns the display name sent at registration.
func (c *Client) Name() string { return c.name }

// Resolution returns the negotiated frame size.
func (c *Client) Resolution() (width, height int) { return c.width, c.height }

// SessionID identifies this registration in history and captures.
func (c *Client) SessionID() string { return c.sessionID }

// Done is closed when the client's send loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// State returns the scene negotiation phase.
func (c *Client) State() scene.State {
	if c.pipeline == nil {
		return scene.Idle
	}
	return c.pipeline.State()
}

// Streaming reports whether the client has the current scene.
func (c *Client) Streaming() bool {
	return c.pipeline != nil && c.pipeline.Streaming()
}

func (c *Client) setReason(r events.DisconnectReason) {
	c.reason.CompareAndSwap(int32(events.ReasonUnknown), int32(r))
}

func (c *Client) disconnectReason() events.DisconnectReason {
	return events.DisconnectReason(c.reason.Load())
}

func (c *Client) payload() events.ClientPayload {
	return events.ClientPayload{
		Slot:       c.handle.Slot,
		Generation: c.handle.Generation,
		Session:    c.sessionID,
		Addr:       c.addr.String(),
		Name:       c.name,
		Width:      c.width,
		Height:     c.height,
	}
}

// ClientInfo is a point-in-time view of a client for the API and console.
type ClientInfo struct {
	Handle         Handle        `json:"handle"`
	Session        string        `json:"session"`
	Addr           string        `json:"addr"`
	Name           string        `json:"name"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	State          string        `json:"state"`
	Epoch          uint8         `json:"epoch"`
	LinesSent      int           `json:"lines_sent"`
	ConnectedAt    time.Time     `json:"connected_at"`
	RTT            time.Duration `json:"rtt_ns"`
	Backlog        int           `json:"backlog"`
	PendingTerrain int           `json:"pending_terrain"`
	PendingEvents  int           `json:"pending_events"`
	BytesSent      uint64        `json:"bytes_sent"`
	LongTicks      uint64        `json:"long_ticks"`
	DroppedInputs  int           `json:"dropped_inputs"`
}

func (c *Client) info() ClientInfo {
	info := ClientInfo{
		Handle:         c.handle,
		Session:        c.sessionID,
		Addr:           c.addr.String(),
		Name:           c.name,
		Width:          c.width,
		Height:         c.height,
		State:          c.State().String(),
		ConnectedAt:    c.connectedAt,
		PendingTerrain: c.queue.Len(),
		PendingEvents:  c.batcher.Pending(),
		BytesSent:      c.bytesSent.Load(),
		LongTicks:      c.longTicks.Load(),
	}
	c.inputMu.Lock()
	info.DroppedInputs = c.dropped
	c.inputMu.Unlock()
	if c.pipeline != nil {
		info.Epoch = c.pipeline.Epoch()
		info.LinesSent = c.pipeline.LinesSent()
	}
	return info
}
