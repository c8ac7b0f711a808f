package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func mustMarshal(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal %s: %v", m.ID(), err)
	}
	return data
}

func TestFixedLayoutSizes(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want int
	}{
		{"register", Register{ResolutionX: 640, ResolutionY: 360, Name: "viewer"}, 73},
		{"frame_setup", FrameSetup{Frame: 7}, 92},
		{"frame_box_empty", FrameBox{Layer: LayerUI, BoxX: 1, BoxY: 2}, 5},
		{"frame_line_empty", FrameLine{UncompressedSize: 640}, 9},
		{"scene_setup_two_layers", SceneSetup{Layers: make([]LayerDescriptor, 2)}, 9 + 2*38},
		{"scene_ack", SceneAck{Kind: MsgSceneEndAck, SceneID: 3}, 2},
		{"scene_line_empty", SceneLine{}, 13},
		{"terrain_change_pixel", TerrainChange{W: 1, H: 1, Color: 9}, 16},
		{"post_effects_one", PostEffects{Entries: make([]PostEffect, 1)}, 6 + 18},
		{"sound_events_two", SoundEvents{Entries: make([]SoundEvent, 2)}, 6 + 2*28},
		{"music_events_one", MusicEvents{Entries: make([]MusicEvent, 1)}, 6 + 271},
		{"input", Input{}, 28},
		{"accepted", Control{Kind: MsgAccepted}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(mustMarshal(t, tc.msg)); got != tc.want {
				t.Fatalf("size = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	setup := FrameSetup{Frame: 200, TargetX: -12, TargetY: 40, BoxWidth: 32, BoxHeight: 40, Interlaced: true, Delta: true}
	setup.OffsetX[0] = 1.5
	setup.OffsetY[9] = -2.25

	msgs := []Message{
		Register{ResolutionX: 1280, ResolutionY: 720, Name: "alice"},
		setup,
		FrameBox{Layer: LayerUI, Delta: true, BoxX: 3, BoxY: 4, Data: []byte{1, 2, 3}},
		FrameLine{Frame: 1, Layer: LayerMO, Line: 99, UncompressedSize: 4, Data: []byte{9, 8, 7, 6}},
		SceneSetup{SceneID: 5, Width: 1024, Height: 512, WrapsX: true, Layers: []LayerDescriptor{
			{Hash: 0xDEADBEEF, ScrollX: 0.5, ScaleX: 1, ScaleY: 1, WrapX: true, FillDown: 4},
		}},
		SceneAck{Kind: MsgSceneSetupAck, SceneID: 5},
		SceneLine{SceneID: 5, X: 1280, Y: 10, Width: 3, Layer: 1, UncompressedSize: 3, Data: []byte{1, 1, 1}},
		TerrainChange{X: 4, Y: 5, W: 2, H: 1, Back: true, SceneID: 5, UncompressedSize: 2, Data: []byte{3, 4}},
		PostEffects{Frame: 3, Entries: []PostEffect{{X: 1, Y: -1, Hash: 42, Strength: 7, Angle: 0.25}}},
		SoundEvents{Frame: 3, Entries: []SoundEvent{{State: EventStatePlay, Hash: 77, X: 1, Y: 2, Loops: -1, Pitch: 1, Volume: 0.5, Immobile: true}}},
		MusicEvents{Frame: 3, Entries: []MusicEvent{{State: EventStateStop, Loops: 2, Position: 12.5, Pitch: 1, Path: "music/theme.ogg"}}},
		Input{MouseX: 10, MouseY: 20, Pressed: [3]bool{true}, Held: [3]bool{false, false, true}, Wheel: -3, Elements: 0x5},
		Control{Kind: MsgSceneEnd},
	}

	for _, m := range msgs {
		got, err := Parse(mustMarshal(t, m))
		if err != nil {
			t.Fatalf("parse %s: %v", m.ID(), err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("%s round trip:\n got %#v\nwant %#v", m.ID(), got, m)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	register := mustMarshal(t, Register{Name: "bob"})
	box := mustMarshal(t, FrameBox{Data: []byte{1, 2, 3, 4}})
	sounds := mustMarshal(t, SoundEvents{Entries: make([]SoundEvent, 2)})
	// Claim more entries than the datagram holds.
	sounds[2] = 200

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"unknown", []byte{0xEE, 1, 2}, ErrUnknownMessage},
		{"short_register", register[:20], ErrTruncated},
		{"short_box_payload", box[:len(box)-1], ErrTruncated},
		{"short_ack", []byte{byte(MsgSceneSetupAck)}, ErrTruncated},
		{"event_count", sounds, ErrTruncated},
		{"scene_line_size", []byte{byte(MsgSceneLine), 0, 0, 0, 0, 0, 0, 0, 0, 5, 0, 1, 0}, ErrPayloadSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFixedStringTruncatesAndTerminates(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	data := mustMarshal(t, Register{Name: string(long)})
	if data[len(data)-1] != 0 {
		t.Fatalf("name field is not NUL terminated")
	}
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(m.(Register).Name); got != NameLength-1 {
		t.Fatalf("name length = %d, want %d", got, NameLength-1)
	}
}

func TestDeliveryClasses(t *testing.T) {
	for _, id := range []MessageID{MsgFrameSetup, MsgFrameLine, MsgFrameBoxMO, MsgFrameBoxUIDelta} {
		if DeliveryFor(id) != UnreliableSequenced {
			t.Fatalf("%s should be unreliable sequenced", id)
		}
	}
	for _, id := range []MessageID{MsgSceneSetup, MsgSceneLine, MsgSceneEnd, MsgTerrainChange, MsgSoundEvents, MsgInput, MsgAccepted} {
		if DeliveryFor(id) != ReliableOrdered {
			t.Fatalf("%s should be reliable ordered", id)
		}
	}
}

func TestFrameBoxID(t *testing.T) {
	cases := map[MessageID]FrameBox{
		MsgFrameBoxMO:      {Layer: LayerMO},
		MsgFrameBoxMODelta: {Layer: LayerMO, Delta: true},
		MsgFrameBoxUI:      {Layer: LayerUI},
		MsgFrameBoxUIDelta: {Layer: LayerUI, Delta: true},
	}
	for want, box := range cases {
		if got := box.ID(); got != want {
			t.Fatalf("FrameBox%+v.ID() = %s, want %s", box, got, want)
		}
	}
}
