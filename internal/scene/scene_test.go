package scene

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/protocol"
)

type recordingSink struct {
	mu      sync.Mutex
	sent    [][]byte
	backlog int
}

func (s *recordingSink) Send(data []byte, _ protocol.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *recordingSink) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

func (s *recordingSink) ids() []protocol.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]protocol.MessageID, len(s.sent))
	for i, m := range s.sent {
		ids[i] = protocol.MessageID(m[0])
	}
	return ids
}

func testBitmap() *Bitmap {
	b := NewBitmap(100, 3, true)
	for y := 0; y < 3; y++ {
		for x := 0; x < 100; x++ {
			b.Set(Foreground, x, y, uint8(x%7))
		}
	}
	b.Fill(Background, 10, 1, 20, 1, 9)
	return b
}

func testPipeline() *Pipeline {
	opts := DefaultOptions()
	opts.MaxPayload = 64
	return NewPipeline(opts, nil, zerolog.Nop())
}

func TestPipelineFullTransfer(t *testing.T) {
	ctx := context.Background()
	terrain := testBitmap()
	sink := &recordingSink{}
	p := testPipeline()

	if err := p.Tick(ctx, terrain, sink); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if p.State() != AwaitSetupAck {
		t.Fatalf("state = %s, want await_setup_ack", p.State())
	}

	// The setup is re-sent every tick until it is acknowledged.
	p.Tick(ctx, terrain, sink)
	if got := sink.ids(); len(got) != 2 || got[0] != protocol.MsgSceneSetup || got[1] != protocol.MsgSceneSetup {
		t.Fatalf("sent %v, want two scene setups", got)
	}

	if p.HandleSetupAck(7) {
		t.Fatalf("ack for another scene accepted")
	}
	if !p.HandleSetupAck(0) {
		t.Fatalf("setup ack rejected")
	}
	if err := p.Tick(ctx, terrain, sink); err != nil {
		t.Fatalf("data tick: %v", err)
	}
	if p.State() != AwaitEndAck {
		t.Fatalf("state = %s, want await_end_ack", p.State())
	}
	if p.Streaming() {
		t.Fatalf("streaming before end ack")
	}
	if !p.HandleEndAck(0) || !p.Streaming() {
		t.Fatalf("end ack did not start streaming")
	}

	// 3 lines x 2 layers x 2 segments, then SceneEnd.
	ids := sink.ids()[2:]
	if len(ids) != 13 || ids[12] != protocol.MsgSceneEnd {
		t.Fatalf("data messages = %v", ids)
	}

	rebuilt := [LayerCount][]byte{make([]byte, 300), make([]byte, 300)}
	for _, raw := range sink.sent[2:14] {
		msg, err := protocol.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		line := msg.(protocol.SceneLine)
		if line.Width > 64 {
			t.Fatalf("segment width %d exceeds max payload", line.Width)
		}
		off := int(line.Y)*100 + int(line.X)
		if err := codec.Decompress(line.Data, rebuilt[line.Layer][off:off+int(line.Width)]); err != nil {
			t.Fatalf("decompress: %v", err)
		}
	}
	for layer := range rebuilt {
		want := terrain.ReadRegion(layer, 0, 0, 100, 3, nil)
		if !bytes.Equal(rebuilt[layer], want) {
			t.Fatalf("layer %d does not match the terrain", layer)
		}
	}
}

func TestPipelineWithoutTerrainStaysIdle(t *testing.T) {
	p := testPipeline()
	sink := &recordingSink{}
	if err := p.Tick(context.Background(), nil, sink); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if p.State() != Idle || len(sink.ids()) != 0 {
		t.Fatalf("state %s with %d messages, want idle and silent", p.State(), len(sink.ids()))
	}
}

func TestPipelineResetIgnoresStaleAcks(t *testing.T) {
	p := testPipeline()
	p.Tick(context.Background(), testBitmap(), &recordingSink{})
	p.Reset(1)

	if p.State() != Idle || p.Epoch() != 1 {
		t.Fatalf("reset left state %s epoch %d", p.State(), p.Epoch())
	}
	if p.HandleSetupAck(0) {
		t.Fatalf("ack of the previous epoch accepted")
	}
}

func TestPipelineCancelledTransfer(t *testing.T) {
	opts := DefaultOptions()
	opts.LinesPerCheck = 1
	opts.MaxBackoff = time.Hour
	p := NewPipeline(opts, nil, zerolog.Nop())
	sink := &recordingSink{backlog: 1 << 20}

	p.Tick(context.Background(), testBitmap(), sink)
	p.HandleSetupAck(0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Tick(ctx, testBitmap(), sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.State() != SendingData {
		t.Fatalf("state = %s, want sending_data", p.State())
	}
	if p.LinesSent() != 1 {
		t.Fatalf("lines sent = %d, want 1", p.LinesSent())
	}
}

func TestBitmapClipping(t *testing.T) {
	b := NewBitmap(4, 4, false)
	b.Fill(Foreground, -2, -2, 4, 4, 5)

	got := b.ReadRegion(Foreground, -1, -1, 3, 3, nil)
	want := []byte{
		0, 0, 0,
		0, 5, 5,
		0, 5, 5,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("region = %v, want %v", got, want)
	}
	if b.At(Foreground, 9, 9) != 0 {
		t.Fatalf("out of bounds read should be zero")
	}

	b.Write(Background, 3, 3, 2, 2, []byte{1, 2, 3, 4})
	if b.At(Background, 3, 3) != 1 {
		t.Fatalf("clipped write lost its in-bounds pixel")
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		w, h int
		ok   bool
	}{
		{1, 1, true},
		{MaxDimension, MaxDimension, true},
		{MaxDimension + 1, 16, false},
		{16, MaxDimension + 1, false},
		{0, 16, false},
		{16, -1, false},
	}
	for _, tt := range tests {
		err := Descriptor{Width: tt.w, Height: tt.h}.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("%dx%d: err = %v, want ok %v", tt.w, tt.h, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrSceneSize) {
			t.Fatalf("%dx%d: err = %v, want ErrSceneSize", tt.w, tt.h, err)
		}
	}
}

func TestSetParallaxLimit(t *testing.T) {
	b := NewBitmap(1, 1, false)
	if err := b.SetParallax(make([]protocol.LayerDescriptor, protocol.MaxLayers+1)); err == nil {
		t.Fatalf("expected an error for too many layers")
	}
}
