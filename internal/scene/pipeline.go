package scene

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/protocol"
)

// Options tunes the bulk transfer.
type Options struct {
	MaxPayload       int
	LinesPerCheck    int
	BacklogThreshold int
	BackoffSleep     time.Duration
	MaxBackoff       time.Duration
	HighCompression  bool
}

// DefaultOptions returns the transfer settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxPayload:       1280,
		LinesPerCheck:    250,
		BacklogThreshold: 256,
		BackoffSleep:     5 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
	}
}

// Pipeline drives one connection from registration to streaming:
// Idle, SendingSetup, AwaitSetupAck, SendingData, AwaitEndAck, Streaming.
// Tick runs on the connection's send goroutine; the ack handlers run on the
// dispatcher goroutine.
type Pipeline struct {
	opts       Options
	transferMu *sync.Mutex
	comp       *codec.Compressor
	logger     zerolog.Logger
	lineBuf    []byte

	mu        sync.Mutex
	state     State
	epoch     uint8
	linesSent int
}

// NewPipeline creates an idle pipeline. transferMu is held while scene data
// is read so terrain changes cannot be queued for this connection in the
// middle of a batch of lines.
func NewPipeline(opts Options, transferMu *sync.Mutex, logger zerolog.Logger) *Pipeline {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultOptions().MaxPayload
	}
	if opts.LinesPerCheck <= 0 {
		opts.LinesPerCheck = DefaultOptions().LinesPerCheck
	}
	if transferMu == nil {
		transferMu = &sync.Mutex{}
	}
	return &Pipeline{
		opts:       opts,
		transferMu: transferMu,
		comp:       codec.NewCompressor(opts.HighCompression),
		logger:     logger,
	}
}

// State returns the current phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Epoch returns the scene id this pipeline negotiates.
func (p *Pipeline) Epoch() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Streaming reports whether terrain changes, frames and events may be sent.
func (p *Pipeline) Streaming() bool {
	return p.State() == Streaming
}

// LinesSent returns how many scanlines of the current epoch have been sent.
func (p *Pipeline) LinesSent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linesSent
}

// Reset returns to Idle for a new epoch.
func (p *Pipeline) Reset(epoch uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Idle
	p.epoch = epoch
	p.linesSent = 0
}

// HandleSetupAck advances AwaitSetupAck to SendingData when the ack is for
// the current epoch. It reports whether the state changed.
func (p *Pipeline) HandleSetupAck(sceneID uint8) bool {
	return p.advance(AwaitSetupAck, SendingData, sceneID)
}

// HandleEndAck advances AwaitEndAck to Streaming when the ack is for the
// current epoch. It reports whether the state changed.
func (p *Pipeline) HandleEndAck(sceneID uint8) bool {
	return p.advance(AwaitEndAck, Streaming, sceneID)
}

func (p *Pipeline) advance(from, to State, epoch uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from || p.epoch != epoch {
		return false
	}
	p.state = to
	return true
}

// Tick performs the work of the current phase. A nil terrain keeps the
// pipeline where it is. The only error returned is ctx's.
func (p *Pipeline) Tick(ctx context.Context, terrain Terrain, sink Sink) error {
	if terrain == nil {
		return nil
	}

	p.mu.Lock()
	state, epoch := p.state, p.epoch
	p.mu.Unlock()

	switch state {
	case Idle:
		if !p.advance(Idle, SendingSetup, epoch) {
			return nil
		}
		fallthrough
	case SendingSetup:
		// Move on before sending so a fast ack cannot arrive ahead of the
		// state it acknowledges.
		if !p.advance(SendingSetup, AwaitSetupAck, epoch) {
			return nil
		}
		p.sendSetup(terrain, sink, epoch)
	case AwaitSetupAck:
		p.sendSetup(terrain, sink, epoch)
	case SendingData:
		return p.sendData(ctx, terrain, sink, epoch)
	}
	return nil
}

func (p *Pipeline) sendSetup(terrain Terrain, sink Sink, epoch uint8) {
	desc := terrain.Descriptor()
	msg := protocol.SceneSetup{
		SceneID: epoch,
		Width:   int16(desc.Width),
		Height:  int16(desc.Height),
		WrapsX:  desc.WrapsX,
		Layers:  desc.Layers,
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode scene setup")
		return
	}
	if err := sink.Send(data, protocol.ReliableOrdered); err != nil {
		p.logger.Debug().Err(err).Msg("failed to send scene setup")
	}
}

// sendData streams every scanline of both layers, then SceneEnd.
func (p *Pipeline) sendData(ctx context.Context, terrain Terrain, sink Sink, epoch uint8) error {
	desc := terrain.Descriptor()
	start := time.Now()

	p.logger.Info().
		Uint8("scene", epoch).
		Int("width", desc.Width).
		Int("height", desc.Height).
		Msg("sending scene data")

	var sent, compressed int
	for y := 0; y < desc.Height; y += p.opts.LinesPerCheck {
		end := min(y+p.opts.LinesPerCheck, desc.Height)

		p.transferMu.Lock()
		for line := y; line < end; line++ {
			for layer := Background; layer < LayerCount; layer++ {
				n, c := p.sendLine(terrain, sink, epoch, desc.Width, line, layer)
				sent += n
				compressed += c
			}
		}
		p.transferMu.Unlock()

		p.mu.Lock()
		p.linesSent = end
		p.mu.Unlock()

		if err := p.backoff(ctx, sink); err != nil {
			return err
		}
	}

	if !p.advance(SendingData, AwaitEndAck, epoch) {
		// Reset while the data was going out; the new epoch starts over.
		return nil
	}
	if err := sink.Send([]byte{byte(protocol.MsgSceneEnd)}, protocol.ReliableOrdered); err != nil {
		p.logger.Debug().Err(err).Msg("failed to send scene end")
	}

	p.logger.Info().
		Uint8("scene", epoch).
		Int("messages", sent).
		Int("compressed", compressed).
		Dur("duration", time.Since(start)).
		Msg("scene data sent")
	return nil
}

// sendLine emits one scanline of one layer as SceneLine segments of at most
// MaxPayload pixels. It returns the number of messages and how many of them
// were compressed.
func (p *Pipeline) sendLine(terrain Terrain, sink Sink, epoch uint8, width, y, layer int) (sent, compressed int) {
	for x := 0; x < width; x += p.opts.MaxPayload {
		w := min(p.opts.MaxPayload, width-x)
		p.lineBuf = terrain.ReadRegion(layer, x, y, w, 1, p.lineBuf)

		payload, ok := p.comp.Compress(p.lineBuf)
		msg := protocol.SceneLine{
			SceneID:          epoch,
			X:                uint16(x),
			Y:                uint16(y),
			Width:            uint16(w),
			Layer:            uint8(layer),
			UncompressedSize: uint16(w),
			Data:             payload,
		}
		data, err := msg.MarshalBinary()
		if err != nil {
			p.logger.Error().Err(err).Int("line", y).Msg("failed to encode scene line")
			continue
		}
		if err := sink.Send(data, protocol.ReliableOrdered); err != nil {
			p.logger.Debug().Err(err).Int("line", y).Msg("failed to send scene line")
		}
		sent++
		if ok {
			compressed++
		}
	}
	return sent, compressed
}

// backoff sleeps while the connection's reliable backlog is above the
// threshold, for at most MaxBackoff.
func (p *Pipeline) backoff(ctx context.Context, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.opts.BacklogThreshold <= 0 || p.opts.BackoffSleep <= 0 {
		return nil
	}

	var waited time.Duration
	for sink.Backlog() > p.opts.BacklogThreshold && waited < p.opts.MaxBackoff {
		timer := time.NewTimer(p.opts.BackoffSleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		waited += p.opts.BackoffSleep
	}
	if waited > 0 {
		p.logger.Debug().Dur("waited", waited).Int("backlog", sink.Backlog()).Msg("scene transfer backed off")
	}
	return nil
}
