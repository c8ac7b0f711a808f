package stats

import (
	"testing"
	"time"

	"github.com/framecast-project/framecast/internal/protocol"
)

func TestCategoryFor(t *testing.T) {
	cases := map[protocol.MessageID]Category{
		protocol.MsgFrameSetup:      Frame,
		protocol.MsgFrameBoxUIDelta: Frame,
		protocol.MsgSceneLine:       Terrain,
		protocol.MsgTerrainChange:   Terrain,
		protocol.MsgPostEffects:     PostEffect,
		protocol.MsgMusicEvents:     Sound,
		protocol.MsgAccepted:        Other,
	}
	for id, want := range cases {
		if got := CategoryFor(id); got != want {
			t.Fatalf("CategoryFor(%s) = %s, want %s", id, got, want)
		}
	}
}

func TestRotate(t *testing.T) {
	a := NewAggregator()
	clock := time.Unix(1000, 0)
	a.now = func() time.Time { return clock }
	a.started = clock

	a.AddBytes(0, protocol.MsgFrameBoxMO, 100)
	a.AddBytes(0, protocol.MsgSceneLine, 50)
	a.AddBytes(1, protocol.MsgSoundEvents, 10)
	a.AddFrame(0, 3, 5, 1000, 400)
	a.SetRTT(0, 20*time.Millisecond)
	a.SetRTT(1, 40*time.Millisecond)

	clock = clock.Add(2 * time.Second)
	total := a.Rotate()

	if total.Total() != 160 || total.BytesFor(Frame) != 100 || total.BytesFor(Terrain) != 50 {
		t.Fatalf("window total = %+v", total)
	}
	if total.RTT != 40*time.Millisecond {
		t.Fatalf("total rtt = %v, want the worst slot", total.RTT)
	}
	if a.Window() != 2*time.Second {
		t.Fatalf("window = %v", a.Window())
	}
	last, ok := a.Last(0)
	if !ok || last.FullBoxes != 3 || last.EmptyBoxes != 5 || last.Frames != 1 || last.Ratio() != 0.4 {
		t.Fatalf("last(0) = %+v", last)
	}

	cur := a.Current(0)
	if cur.Total() != 0 || cur.RTT != 20*time.Millisecond {
		t.Fatalf("current window after rotate = %+v", cur)
	}

	a.AddBytes(0, protocol.MsgFrameLine, 5)
	a.Rotate()
	if a.LastTotal().Total() != 5 {
		t.Fatalf("second window total = %d", a.LastTotal().Total())
	}
	if a.Totals().Total() != 165 {
		t.Fatalf("cumulative total = %d", a.Totals().Total())
	}
	if Rate(100, 2*time.Second) != 50 {
		t.Fatalf("rate mismatch")
	}
}

func TestRemove(t *testing.T) {
	a := NewAggregator()
	a.AddBytes(3, protocol.MsgInput, 1)
	a.Rotate()
	a.Remove(3)
	if _, ok := a.Last(3); ok {
		t.Fatalf("removed slot still reported")
	}
	if len(a.Slots()) != 0 {
		t.Fatalf("slots = %v", a.Slots())
	}
}
