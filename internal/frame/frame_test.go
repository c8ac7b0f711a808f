package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/framecast-project/framecast/internal/protocol"
)

func mustEncoder(t *testing.T, width, height int, opts Options) *Encoder {
	t.Helper()
	e, err := NewEncoder(width, height, opts)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	return e
}

func mustEncode(t *testing.T, e *Encoder, src *Buffers) Report {
	t.Helper()
	rep, err := e.Encode(src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return rep
}

func feed(t *testing.T, d *Decoder, rep Report) {
	t.Helper()
	for _, raw := range rep.Messages {
		msg, err := protocol.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if err := d.Handle(msg); err != nil {
			t.Fatalf("decode %s: %v", msg.ID(), err)
		}
	}
}

// scribble changes a few random rectangles, sometimes clearing them.
func scribble(rng *rand.Rand, b *Buffers) {
	for i := 0; i < 4; i++ {
		c := uint8(rng.Intn(256))
		if rng.Intn(3) == 0 {
			c = 0
		}
		b.Fill(rng.Intn(LayerCount), rng.Intn(b.Width), rng.Intn(b.Height), 1+rng.Intn(40), 1+rng.Intn(30), c)
	}
	for i := 0; i < 20; i++ {
		b.Set(rng.Intn(LayerCount), rng.Intn(b.Width), rng.Intn(b.Height), uint8(rng.Intn(256)))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	lines := DefaultOptions()
	lines.UseBoxes = false
	plain := DefaultOptions()
	plain.Delta = false
	interlaced := DefaultOptions()
	interlaced.Interlaced = true
	high := DefaultOptions()
	high.HighCompression = true
	interlacedLines := lines
	interlacedLines.Interlaced = true

	cases := []struct {
		name string
		opts Options
	}{
		{"boxes_delta", DefaultOptions()},
		{"boxes_plain", plain},
		{"boxes_interlaced", interlaced},
		{"boxes_high_compression", high},
		{"lines", lines},
		{"lines_interlaced", interlacedLines},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const width, height = 100, 90
			rng := rand.New(rand.NewSource(5))
			e := mustEncoder(t, width, height, tc.opts)
			d := NewDecoder(width, height, tc.opts.FramesToRemember)
			src := NewBuffers(width, height)

			for frame := 0; frame < 30; frame++ {
				scribble(rng, src)
				feed(t, d, mustEncode(t, e, src))
				if tc.opts.Interlaced {
					// The other half of the rows arrives with the next frame.
					feed(t, d, mustEncode(t, e, src))
				}
				for layer := 0; layer < LayerCount; layer++ {
					if !bytes.Equal(d.Image(layer), src.Layers[layer]) {
						t.Fatalf("frame %d layer %d: decoded image differs", frame, layer)
					}
				}
			}
		})
	}
}

func boxMessages(rep Report) [][]byte {
	return rep.Messages[1:]
}

func TestEmptyBoxFullyElided(t *testing.T) {
	e := mustEncoder(t, 32, 40, DefaultOptions())
	src := NewBuffers(32, 40)

	for tick := 0; tick < 2; tick++ {
		rep := mustEncode(t, e, src)
		if n := len(boxMessages(rep)); n != 0 {
			t.Fatalf("tick %d: %d box messages for an empty frame", tick, n)
		}
		if rep.Compressed != 0 || rep.FullBoxes != 0 || rep.EmptyBoxes != 2 {
			t.Fatalf("tick %d: report %+v", tick, rep)
		}
	}
}

func TestNowEmptyNotification(t *testing.T) {
	for _, delta := range []bool{true, false} {
		opts := DefaultOptions()
		opts.Delta = delta
		e := mustEncoder(t, 32, 40, opts)
		src := NewBuffers(32, 40)

		var sent [][]byte
		sent = append(sent, boxMessages(mustEncode(t, e, src))...)
		src.Set(LayerMO, 3, 4, 1)
		sent = append(sent, boxMessages(mustEncode(t, e, src))...)
		src.Clear()
		sent = append(sent, boxMessages(mustEncode(t, e, src))...)

		if len(sent) != 2 {
			t.Fatalf("delta=%v: %d messages, want 2", delta, len(sent))
		}
		first, _ := protocol.Parse(sent[0])
		if box := first.(protocol.FrameBox); len(box.Data) == 0 {
			t.Fatalf("delta=%v: first message should carry the pixel", delta)
		}
		last, _ := protocol.Parse(sent[1])
		if box := last.(protocol.FrameBox); len(box.Data) != 0 || box.Delta {
			t.Fatalf("delta=%v: second message should be a plain now-empty box, got %+v", delta, box)
		}
	}
}

func TestDeltaChosenOnlyWhenSmaller(t *testing.T) {
	e := mustEncoder(t, 32, 40, DefaultOptions())
	src := NewBuffers(32, 40)

	src.Fill(LayerUI, 0, 0, 32, 40, 5)
	rep := mustEncode(t, e, src)
	if got := protocol.MessageID(boxMessages(rep)[0][0]); got != protocol.MsgFrameBoxUI {
		t.Fatalf("first frame sent %s, want frame_box_ui", got)
	}

	src.Set(LayerUI, 10, 10, 6)
	rep = mustEncode(t, e, src)
	if got := protocol.MessageID(boxMessages(rep)[0][0]); got != protocol.MsgFrameBoxUIDelta {
		t.Fatalf("single pixel change sent %s, want frame_box_ui_delta", got)
	}

	rep = mustEncode(t, e, src)
	if len(boxMessages(rep)) != 0 || rep.UnchangedBoxes != 1 {
		t.Fatalf("unchanged box was sent: %+v", rep)
	}

	// Every byte changes, so the delta is no sparser than the plain box.
	src.Fill(LayerUI, 0, 0, 32, 40, 9)
	rep = mustEncode(t, e, src)
	if got := protocol.MessageID(boxMessages(rep)[0][0]); got != protocol.MsgFrameBoxUI {
		t.Fatalf("full change sent %s, want frame_box_ui", got)
	}
}

func TestResetResendsContent(t *testing.T) {
	e := mustEncoder(t, 64, 40, DefaultOptions())
	src := NewBuffers(64, 40)
	src.Fill(LayerMO, 0, 0, 64, 40, 3)
	mustEncode(t, e, src)

	e.Reset()
	rep := mustEncode(t, e, src)
	if n := len(boxMessages(rep)); n != 2 {
		t.Fatalf("after reset sent %d boxes, want 2", n)
	}
}

func TestFrameSetupFields(t *testing.T) {
	opts := DefaultOptions()
	opts.Interlaced = true
	e := mustEncoder(t, 32, 40, opts)
	src := NewBuffers(32, 40)
	src.TargetX, src.TargetY = -5, 7
	src.OffsetX[2] = 1.5

	rep := mustEncode(t, e, src)
	msg, err := protocol.Parse(rep.Messages[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	setup := msg.(protocol.FrameSetup)
	if setup.Frame != 1 || setup.TargetX != -5 || setup.TargetY != 7 || setup.OffsetX[2] != 1.5 {
		t.Fatalf("setup = %+v", setup)
	}
	if setup.BoxWidth != 32 || setup.BoxHeight != 40 || !setup.Interlaced || !setup.Delta {
		t.Fatalf("setup geometry = %+v", setup)
	}
}

func TestGeometryValidation(t *testing.T) {
	cases := []struct {
		w, h, max int
		ok        bool
	}{
		{32, 40, 1280, true},
		{32, 41, 1280, false},
		{64, 40, 1280, false},
		{3, 2, 1280, false},
		{0, 40, 1280, false},
		{8, 2, 16, true},
	}
	for _, tc := range cases {
		_, err := NewGeometry(tc.w, tc.h, tc.max)
		if (err == nil) != tc.ok {
			t.Fatalf("NewGeometry(%d, %d, %d) err = %v", tc.w, tc.h, tc.max, err)
		}
		if err != nil && !errors.Is(err, ErrGeometry) {
			t.Fatalf("error does not wrap ErrGeometry: %v", err)
		}
	}
}

func TestEncoderRejectsBadResolutions(t *testing.T) {
	if _, err := NewEncoder(32*257, 40, DefaultOptions()); !errors.Is(err, ErrGeometry) {
		t.Fatalf("too many boxes accepted: %v", err)
	}
	e := mustEncoder(t, 32, 40, DefaultOptions())
	if _, err := e.Encode(NewBuffers(16, 40)); !errors.Is(err, ErrGeometry) {
		t.Fatalf("mismatched source accepted: %v", err)
	}
}
