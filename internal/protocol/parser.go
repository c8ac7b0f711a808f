package protocol

import (
	"fmt"
)

// Parse decodes one message. Malformed, truncated and unknown messages
// return an error wrapping ErrTruncated, ErrPayloadSize or ErrUnknownMessage;
// callers drop them.
func Parse(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrTruncated)
	}

	r := NewPacketReader(data)
	id := r.ReadID()

	var (
		msg Message
		err error
	)
	switch id {
	case MsgNewConnection, MsgConnectionLost, MsgDisconnect, MsgAccepted, MsgSceneEnd:
		msg = Control{Kind: id}
	case MsgRegister:
		msg = parseRegister(r)
	case MsgFrameSetup:
		msg = parseFrameSetup(r)
	case MsgFrameLine:
		msg, err = parseFrameLine(r)
	case MsgFrameBoxMO, MsgFrameBoxMODelta, MsgFrameBoxUI, MsgFrameBoxUIDelta:
		msg, err = parseFrameBox(id, r)
	case MsgSceneSetup:
		msg, err = parseSceneSetup(r)
	case MsgSceneSetupAck, MsgSceneEndAck:
		msg = SceneAck{Kind: id, SceneID: r.ReadUint8()}
	case MsgSceneLine:
		msg, err = parseSceneLine(r)
	case MsgTerrainChange:
		msg, err = parseTerrainChange(r)
	case MsgPostEffects:
		msg, err = parsePostEffects(r)
	case MsgSoundEvents:
		msg, err = parseSoundEvents(r)
	case MsgMusicEvents:
		msg, err = parseMusicEvents(r)
	case MsgInput:
		msg = parseInput(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessage, byte(id))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", id, err)
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", id, r.Err())
	}
	return msg, nil
}

func parseRegister(r *PacketReader) Register {
	return Register{
		ResolutionX: r.ReadInt32(),
		ResolutionY: r.ReadInt32(),
		Name:        r.ReadFixedString(NameLength),
	}
}

func parseFrameSetup(r *PacketReader) FrameSetup {
	m := FrameSetup{
		Frame:      r.ReadUint8(),
		TargetX:    r.ReadInt16(),
		TargetY:    r.ReadInt16(),
		BoxWidth:   r.ReadUint16(),
		BoxHeight:  r.ReadUint16(),
		Interlaced: r.ReadBool(),
		Delta:      r.ReadBool(),
	}
	for i := range m.OffsetX {
		m.OffsetX[i] = r.ReadFloat32()
	}
	for i := range m.OffsetY {
		m.OffsetY[i] = r.ReadFloat32()
	}
	return m
}

func parseFrameLine(r *PacketReader) (FrameLine, error) {
	m := FrameLine{
		Frame: r.ReadUint8(),
		Layer: r.ReadUint8(),
		Line:  r.ReadUint16(),
	}
	size := int(r.ReadUint16())
	m.UncompressedSize = r.ReadUint16()
	if size > int(m.UncompressedSize) {
		return m, fmt.Errorf("%w: data %d > uncompressed %d", ErrPayloadSize, size, m.UncompressedSize)
	}
	m.Data = r.ReadBytes(size)
	return m, nil
}

func parseFrameBox(id MessageID, r *PacketReader) (FrameBox, error) {
	m := FrameBox{
		Layer: LayerMO,
		Delta: id == MsgFrameBoxMODelta || id == MsgFrameBoxUIDelta,
		BoxX:  r.ReadUint8(),
		BoxY:  r.ReadUint8(),
	}
	if id == MsgFrameBoxUI || id == MsgFrameBoxUIDelta {
		m.Layer = LayerUI
	}
	size := int(r.ReadUint16())
	m.Data = r.ReadBytes(size)
	return m, nil
}

func parseSceneSetup(r *PacketReader) (SceneSetup, error) {
	m := SceneSetup{
		SceneID: r.ReadUint8(),
		Width:   r.ReadInt16(),
		Height:  r.ReadInt16(),
		WrapsX:  r.ReadBool(),
	}
	count := int(r.ReadInt16())
	if count < 0 || count > MaxLayers {
		return m, fmt.Errorf("%w: %d layers", ErrPayloadSize, count)
	}
	if r.Remaining() < count*LayerDescriptorSize {
		return m, fmt.Errorf("%w: %d layer descriptors", ErrTruncated, count)
	}
	m.Layers = make([]LayerDescriptor, count)
	for i := range m.Layers {
		m.Layers[i] = LayerDescriptor{
			Hash:      r.ReadUint64(),
			OffsetX:   r.ReadFloat32(),
			OffsetY:   r.ReadFloat32(),
			ScrollX:   r.ReadFloat32(),
			ScrollY:   r.ReadFloat32(),
			ScaleX:    r.ReadFloat32(),
			ScaleY:    r.ReadFloat32(),
			WrapX:     r.ReadBool(),
			WrapY:     r.ReadBool(),
			FillLeft:  r.ReadUint8(),
			FillRight: r.ReadUint8(),
			FillUp:    r.ReadUint8(),
			FillDown:  r.ReadUint8(),
		}
	}
	return m, nil
}

func parseSceneLine(r *PacketReader) (SceneLine, error) {
	m := SceneLine{
		SceneID: r.ReadUint8(),
		X:       r.ReadUint16(),
		Y:       r.ReadUint16(),
		Width:   r.ReadUint16(),
		Layer:   r.ReadUint8(),
	}
	size := int(r.ReadUint16())
	m.UncompressedSize = r.ReadUint16()
	if size > int(m.UncompressedSize) {
		return m, fmt.Errorf("%w: data %d > uncompressed %d", ErrPayloadSize, size, m.UncompressedSize)
	}
	m.Data = r.ReadBytes(size)
	return m, nil
}

func parseTerrainChange(r *PacketReader) (TerrainChange, error) {
	m := TerrainChange{
		X:       r.ReadUint16(),
		Y:       r.ReadUint16(),
		W:       r.ReadUint16(),
		H:       r.ReadUint16(),
		Back:    r.ReadBool(),
		Color:   r.ReadUint8(),
		SceneID: r.ReadUint8(),
	}
	size := int(r.ReadUint16())
	m.UncompressedSize = r.ReadUint16()
	if size > int(m.UncompressedSize) {
		return m, fmt.Errorf("%w: data %d > uncompressed %d", ErrPayloadSize, size, m.UncompressedSize)
	}
	m.Data = r.ReadBytes(size)
	return m, nil
}

// readCount validates an entry count against the bytes left in r.
func readCount(r *PacketReader, entrySize int) (int, error) {
	count := int(r.ReadInt32())
	if r.Err() != nil {
		return 0, r.Err()
	}
	if count < 0 || count*entrySize > r.Remaining() {
		return 0, fmt.Errorf("%w: %d entries of %d bytes", ErrTruncated, count, entrySize)
	}
	return count, nil
}

func parsePostEffects(r *PacketReader) (PostEffects, error) {
	m := PostEffects{Frame: r.ReadUint8()}
	count, err := readCount(r, PostEffectSize)
	if err != nil {
		return m, err
	}
	m.Entries = make([]PostEffect, count)
	for i := range m.Entries {
		m.Entries[i] = PostEffect{
			X:        r.ReadInt16(),
			Y:        r.ReadInt16(),
			Hash:     r.ReadUint64(),
			Strength: r.ReadInt16(),
			Angle:    r.ReadFloat32(),
		}
	}
	return m, nil
}

func parseSoundEvents(r *PacketReader) (SoundEvents, error) {
	m := SoundEvents{Frame: r.ReadUint8()}
	count, err := readCount(r, SoundEventSize)
	if err != nil {
		return m, err
	}
	m.Entries = make([]SoundEvent, count)
	for i := range m.Entries {
		m.Entries[i] = SoundEvent{
			State:    r.ReadUint8(),
			Hash:     r.ReadUint64(),
			X:        r.ReadFloat32(),
			Y:        r.ReadFloat32(),
			Loops:    r.ReadInt16(),
			Pitch:    r.ReadFloat32(),
			Volume:   r.ReadFloat32(),
			Immobile: r.ReadBool(),
		}
	}
	return m, nil
}

func parseMusicEvents(r *PacketReader) (MusicEvents, error) {
	m := MusicEvents{Frame: r.ReadUint8()}
	count, err := readCount(r, MusicEventSize)
	if err != nil {
		return m, err
	}
	m.Entries = make([]MusicEvent, count)
	for i := range m.Entries {
		m.Entries[i] = MusicEvent{
			State:    r.ReadUint8(),
			Loops:    r.ReadInt16(),
			Position: r.ReadFloat64(),
			Pitch:    r.ReadFloat32(),
			Path:     r.ReadFixedString(MusicPathLength),
		}
	}
	return m, nil
}

func parseInput(r *PacketReader) Input {
	m := Input{
		MouseX: r.ReadInt32(),
		MouseY: r.ReadInt32(),
	}
	for i := range m.Pressed {
		m.Pressed[i] = r.ReadBool()
	}
	for i := range m.Released {
		m.Released[i] = r.ReadBool()
	}
	for i := range m.Held {
		m.Held[i] = r.ReadBool()
	}
	m.ResetVote = r.ReadBool()
	m.RestartVote = r.ReadBool()
	m.Wheel = r.ReadInt32()
	m.Elements = r.ReadUint32()
	return m
}
