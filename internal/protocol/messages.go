package protocol

import (
	"fmt"
	"math"
)

// Message is any entry of the wire catalog.
type Message interface {
	ID() MessageID
	MarshalBinary() ([]byte, error)
}

func checkPayload(id MessageID, n int) error {
	if n > math.MaxUint16 {
		return fmt.Errorf("%s payload of %d bytes exceeds u16 size field", id, n)
	}
	return nil
}

// Control is an id-only message: Accepted, Disconnect, SceneEnd and the
// transport-synthesized NewConnection/ConnectionLost.
type Control struct {
	Kind MessageID
}

func (m Control) ID() MessageID { return m.Kind }

func (m Control) MarshalBinary() ([]byte, error) {
	return []byte{byte(m.Kind)}, nil
}

// Register is sent by a viewer to claim a connection slot.
// Layout: resX:i32 resY:i32 name:char[64]
type Register struct {
	ResolutionX int32
	ResolutionY int32
	Name        string
}

func (m Register) ID() MessageID { return MsgRegister }

func (m Register) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(RegisterSize)
	b.WriteID(MsgRegister).
		WriteInt32(m.ResolutionX).
		WriteInt32(m.ResolutionY).
		WriteFixedString(m.Name, NameLength)
	return b.Build(), nil
}

// FrameSetup opens a frame and carries the per-layer parallax offsets.
// Layout: frame:u8 targetX:i16 targetY:i16 boxW:u16 boxH:u16
// interlaced:bool delta:bool offX:f32[MaxLayers] offY:f32[MaxLayers]
type FrameSetup struct {
	Frame      uint8
	TargetX    int16
	TargetY    int16
	BoxWidth   uint16
	BoxHeight  uint16
	Interlaced bool
	Delta      bool
	OffsetX    [MaxLayers]float32
	OffsetY    [MaxLayers]float32
}

func (m FrameSetup) ID() MessageID { return MsgFrameSetup }

func (m FrameSetup) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(FrameSetupSize)
	b.WriteID(MsgFrameSetup).
		WriteUint8(m.Frame).
		WriteInt16(m.TargetX).
		WriteInt16(m.TargetY).
		WriteUint16(m.BoxWidth).
		WriteUint16(m.BoxHeight).
		WriteBool(m.Interlaced).
		WriteBool(m.Delta)
	for _, v := range m.OffsetX {
		b.WriteFloat32(v)
	}
	for _, v := range m.OffsetY {
		b.WriteFloat32(v)
	}
	return b.Build(), nil
}

// FrameLine is the legacy per-row frame encoding. An empty Data means the
// row is now blank; len(Data) == UncompressedSize means raw bytes.
// Layout: frame:u8 layer:u8 line:u16 dataSize:u16 uncompressedSize:u16 payload
type FrameLine struct {
	Frame            uint8
	Layer            uint8
	Line             uint16
	UncompressedSize uint16
	Data             []byte
}

func (m FrameLine) ID() MessageID { return MsgFrameLine }

func (m FrameLine) MarshalBinary() ([]byte, error) {
	if err := checkPayload(MsgFrameLine, len(m.Data)); err != nil {
		return nil, err
	}
	b := NewPacketBuilder(FrameLineHeaderSize + len(m.Data))
	b.WriteID(MsgFrameLine).
		WriteUint8(m.Frame).
		WriteUint8(m.Layer).
		WriteUint16(m.Line).
		WriteUint16(uint16(len(m.Data))).
		WriteUint16(m.UncompressedSize).
		WriteBytes(m.Data)
	return b.Build(), nil
}

// Frame layers.
const (
	LayerMO uint8 = 0 // simulation color layer
	LayerUI uint8 = 1 // GUI layer
)

// FrameBox carries one box of one layer. An empty Data means the box is now
// blank; a Data length equal to the expected box payload means raw bytes,
// anything else is an LZ4 block.
// Layout: boxX:u8 boxY:u8 dataSize:u16 payload
type FrameBox struct {
	Layer uint8
	Delta bool
	BoxX  uint8
	BoxY  uint8
	Data  []byte
}

// FrameBoxID returns the message id for a layer/delta combination.
func FrameBoxID(layer uint8, delta bool) MessageID {
	id := MsgFrameBoxMO
	if layer == LayerUI {
		id = MsgFrameBoxUI
	}
	if delta {
		id++
	}
	return id
}

func (m FrameBox) ID() MessageID { return FrameBoxID(m.Layer, m.Delta) }

func (m FrameBox) MarshalBinary() ([]byte, error) {
	if err := checkPayload(m.ID(), len(m.Data)); err != nil {
		return nil, err
	}
	b := NewPacketBuilder(FrameBoxHeaderSize + len(m.Data))
	b.WriteID(m.ID()).
		WriteUint8(m.BoxX).
		WriteUint8(m.BoxY).
		WriteUint16(uint16(len(m.Data))).
		WriteBytes(m.Data)
	return b.Build(), nil
}

// LayerDescriptor describes one parallax background layer.
// Layout (38 bytes): hash:u64 offX,offY,scrollX,scrollY,scaleX,scaleY:f32
// wrapX,wrapY:bool fillL,fillR,fillU,fillD:u8
type LayerDescriptor struct {
	Hash      uint64  `json:"hash"`
	OffsetX   float32 `json:"offset_x"`
	OffsetY   float32 `json:"offset_y"`
	ScrollX   float32 `json:"scroll_x"`
	ScrollY   float32 `json:"scroll_y"`
	ScaleX    float32 `json:"scale_x"`
	ScaleY    float32 `json:"scale_y"`
	WrapX     bool    `json:"wrap_x"`
	WrapY     bool    `json:"wrap_y"`
	FillLeft  uint8   `json:"fill_left"`
	FillRight uint8   `json:"fill_right"`
	FillUp    uint8   `json:"fill_up"`
	FillDown  uint8   `json:"fill_down"`
}

// SceneSetup announces a new scene epoch.
// Layout: scene:u8 width:i16 height:i16 wrapsX:bool layerCount:i16 layers[]
type SceneSetup struct {
	SceneID uint8
	Width   int16
	Height  int16
	WrapsX  bool
	Layers  []LayerDescriptor
}

func (m SceneSetup) ID() MessageID { return MsgSceneSetup }

func (m SceneSetup) MarshalBinary() ([]byte, error) {
	if len(m.Layers) > MaxLayers {
		return nil, fmt.Errorf("scene setup has %d layers, max %d", len(m.Layers), MaxLayers)
	}
	b := NewPacketBuilder(SceneSetupHeaderSize + len(m.Layers)*LayerDescriptorSize)
	b.WriteID(MsgSceneSetup).
		WriteUint8(m.SceneID).
		WriteInt16(m.Width).
		WriteInt16(m.Height).
		WriteBool(m.WrapsX).
		WriteInt16(int16(len(m.Layers)))
	for _, l := range m.Layers {
		b.WriteUint64(l.Hash).
			WriteFloat32(l.OffsetX).
			WriteFloat32(l.OffsetY).
			WriteFloat32(l.ScrollX).
			WriteFloat32(l.ScrollY).
			WriteFloat32(l.ScaleX).
			WriteFloat32(l.ScaleY).
			WriteBool(l.WrapX).
			WriteBool(l.WrapY).
			WriteUint8(l.FillLeft).
			WriteUint8(l.FillRight).
			WriteUint8(l.FillUp).
			WriteUint8(l.FillDown)
	}
	return b.Build(), nil
}

// SceneAck acknowledges SceneSetup or SceneEnd for one scene id.
// Layout: scene:u8
type SceneAck struct {
	Kind    MessageID
	SceneID uint8
}

func (m SceneAck) ID() MessageID { return m.Kind }

func (m SceneAck) MarshalBinary() ([]byte, error) {
	if m.Kind != MsgSceneSetupAck && m.Kind != MsgSceneEndAck {
		return nil, fmt.Errorf("%s is not a scene ack", m.Kind)
	}
	return []byte{byte(m.Kind), m.SceneID}, nil
}

// SceneLine carries one scanline segment of one terrain layer.
// Layout: scene:u8 x:u16 y:u16 width:u16 layer:u8 dataSize:u16
// uncompressedSize:u16 payload
type SceneLine struct {
	SceneID          uint8
	X                uint16
	Y                uint16
	Width            uint16
	Layer            uint8
	UncompressedSize uint16
	Data             []byte
}

func (m SceneLine) ID() MessageID { return MsgSceneLine }

func (m SceneLine) MarshalBinary() ([]byte, error) {
	if err := checkPayload(MsgSceneLine, len(m.Data)); err != nil {
		return nil, err
	}
	b := NewPacketBuilder(SceneLineHeaderSize + len(m.Data))
	b.WriteID(MsgSceneLine).
		WriteUint8(m.SceneID).
		WriteUint16(m.X).
		WriteUint16(m.Y).
		WriteUint16(m.Width).
		WriteUint8(m.Layer).
		WriteUint16(uint16(len(m.Data))).
		WriteUint16(m.UncompressedSize).
		WriteBytes(m.Data)
	return b.Build(), nil
}

// TerrainChange updates a rectangle of one terrain layer. A 1x1 change
// carries its pixel in Color with no payload. A larger change with no
// payload is a uniform fill with Color.
// Layout: x,y,w,h:u16 back:bool color:u8 scene:u8 dataSize:u16
// uncompressedSize:u16 payload
type TerrainChange struct {
	X                uint16
	Y                uint16
	W                uint16
	H                uint16
	Back             bool
	Color            uint8
	SceneID          uint8
	UncompressedSize uint16
	Data             []byte
}

func (m TerrainChange) ID() MessageID { return MsgTerrainChange }

func (m TerrainChange) MarshalBinary() ([]byte, error) {
	if err := checkPayload(MsgTerrainChange, len(m.Data)); err != nil {
		return nil, err
	}
	b := NewPacketBuilder(TerrainChangeHeaderSize + len(m.Data))
	b.WriteID(MsgTerrainChange).
		WriteUint16(m.X).
		WriteUint16(m.Y).
		WriteUint16(m.W).
		WriteUint16(m.H).
		WriteBool(m.Back).
		WriteUint8(m.Color).
		WriteUint8(m.SceneID).
		WriteUint16(uint16(len(m.Data))).
		WriteUint16(m.UncompressedSize).
		WriteBytes(m.Data)
	return b.Build(), nil
}

// PostEffect is one screen-space effect sprite.
// Layout (18 bytes): x:i16 y:i16 hash:u64 strength:i16 angle:f32
type PostEffect struct {
	X        int16   `json:"x"`
	Y        int16   `json:"y"`
	Hash     uint64  `json:"hash"`
	Strength int16   `json:"strength"`
	Angle    float32 `json:"angle"`
}

// PostEffects is a capped batch of post effects for one frame.
type PostEffects struct {
	Frame   uint8
	Entries []PostEffect
}

func (m PostEffects) ID() MessageID { return MsgPostEffects }

func (m PostEffects) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(EventHeaderSize + len(m.Entries)*PostEffectSize)
	b.WriteID(MsgPostEffects).
		WriteUint8(m.Frame).
		WriteInt32(int32(len(m.Entries)))
	for _, e := range m.Entries {
		b.WriteInt16(e.X).
			WriteInt16(e.Y).
			WriteUint64(e.Hash).
			WriteInt16(e.Strength).
			WriteFloat32(e.Angle)
	}
	return b.Build(), nil
}

// Sound and music event states.
const (
	EventStatePlay   uint8 = 0
	EventStateStop   uint8 = 1
	EventStateUpdate uint8 = 2
)

// SoundEvent is one positional sound command.
// Layout (28 bytes): state:u8 hash:u64 x:f32 y:f32 loops:i16 pitch:f32
// volume:f32 immobile:bool
type SoundEvent struct {
	State    uint8   `json:"state"`
	Hash     uint64  `json:"hash"`
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	Loops    int16   `json:"loops"`
	Pitch    float32 `json:"pitch"`
	Volume   float32 `json:"volume"`
	Immobile bool    `json:"immobile"`
}

// SoundEvents is a capped batch of sound events for one frame.
type SoundEvents struct {
	Frame   uint8
	Entries []SoundEvent
}

func (m SoundEvents) ID() MessageID { return MsgSoundEvents }

func (m SoundEvents) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(EventHeaderSize + len(m.Entries)*SoundEventSize)
	b.WriteID(MsgSoundEvents).
		WriteUint8(m.Frame).
		WriteInt32(int32(len(m.Entries)))
	for _, e := range m.Entries {
		b.WriteUint8(e.State).
			WriteUint64(e.Hash).
			WriteFloat32(e.X).
			WriteFloat32(e.Y).
			WriteInt16(e.Loops).
			WriteFloat32(e.Pitch).
			WriteFloat32(e.Volume).
			WriteBool(e.Immobile)
	}
	return b.Build(), nil
}

// MusicEvent is one music stream command.
// Layout (271 bytes): state:u8 loops:i16 position:f64 pitch:f32 path:char[256]
type MusicEvent struct {
	State    uint8   `json:"state"`
	Loops    int16   `json:"loops"`
	Position float64 `json:"position"`
	Pitch    float32 `json:"pitch"`
	Path     string  `json:"path"`
}

// MusicEvents is a capped batch of music events for one frame.
type MusicEvents struct {
	Frame   uint8
	Entries []MusicEvent
}

func (m MusicEvents) ID() MessageID { return MsgMusicEvents }

func (m MusicEvents) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(EventHeaderSize + len(m.Entries)*MusicEventSize)
	b.WriteID(MsgMusicEvents).
		WriteUint8(m.Frame).
		WriteInt32(int32(len(m.Entries)))
	for _, e := range m.Entries {
		b.WriteUint8(e.State).
			WriteInt16(e.Loops).
			WriteFloat64(e.Position).
			WriteFloat32(e.Pitch).
			WriteFixedString(e.Path, MusicPathLength)
	}
	return b.Build(), nil
}

// Input is the viewer's control state for one tick. It is comparable so the
// dispatcher can drop exact repeats.
// Layout: mouseX:i32 mouseY:i32 pressed[3] released[3] held[3]:bool
// resetVote:bool restartVote:bool wheel:i32 elements:u32
type Input struct {
	MouseX      int32                  `json:"mouse_x"`
	MouseY      int32                  `json:"mouse_y"`
	Pressed     [InputButtonCount]bool `json:"pressed"`
	Released    [InputButtonCount]bool `json:"released"`
	Held        [InputButtonCount]bool `json:"held"`
	ResetVote   bool                   `json:"reset_vote"`
	RestartVote bool                   `json:"restart_vote"`
	Wheel       int32                  `json:"wheel"`
	Elements    uint32                 `json:"elements"`
}

func (m Input) ID() MessageID { return MsgInput }

func (m Input) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder(InputSize)
	b.WriteID(MsgInput).
		WriteInt32(m.MouseX).
		WriteInt32(m.MouseY)
	for _, set := range [...][InputButtonCount]bool{m.Pressed, m.Released, m.Held} {
		for _, v := range set {
			b.WriteBool(v)
		}
	}
	b.WriteBool(m.ResetVote).
		WriteBool(m.RestartVote).
		WriteInt32(m.Wheel).
		WriteUint32(m.Elements)
	return b.Build(), nil
}
