// Package protocol implements the binary wire format spoken between the
// Framecast server and its viewers. Every message starts with a one-byte
// MessageID followed by fixed-width little-endian fields; there is no
// implicit padding and no length prefix (the transport frames datagrams).
package protocol

import "fmt"

// MessageID is the leading discriminant byte of every message.
type MessageID byte

// Connection lifecycle. NewConnection and ConnectionLost are never sent on
// the wire: the transport synthesizes them for the dispatcher.
const (
	MsgNewConnection  MessageID = 0x01
	MsgConnectionLost MessageID = 0x02
	MsgDisconnect     MessageID = 0x03
)

// Registration.
const (
	MsgRegister MessageID = 0x10
	MsgAccepted MessageID = 0x11
)

// Frame stream (unreliable, sequenced).
const (
	MsgFrameSetup      MessageID = 0x20
	MsgFrameLine       MessageID = 0x21
	MsgFrameBoxMO      MessageID = 0x22
	MsgFrameBoxMODelta MessageID = 0x23
	MsgFrameBoxUI      MessageID = 0x24
	MsgFrameBoxUIDelta MessageID = 0x25
)

// Scene negotiation and bulk terrain transfer.
const (
	MsgSceneSetup    MessageID = 0x30
	MsgSceneSetupAck MessageID = 0x31
	MsgSceneLine     MessageID = 0x32
	MsgSceneEnd      MessageID = 0x33
	MsgSceneEndAck   MessageID = 0x34
)

// Incremental terrain, events and input.
const (
	MsgTerrainChange MessageID = 0x40
	MsgPostEffects   MessageID = 0x50
	MsgSoundEvents   MessageID = 0x51
	MsgMusicEvents   MessageID = 0x52
	MsgInput         MessageID = 0x60
)

var messageNames = map[MessageID]string{
	MsgNewConnection:   "new_connection",
	MsgConnectionLost:  "connection_lost",
	MsgDisconnect:      "disconnect",
	MsgRegister:        "register",
	MsgAccepted:        "accepted",
	MsgFrameSetup:      "frame_setup",
	MsgFrameLine:       "frame_line",
	MsgFrameBoxMO:      "frame_box_mo",
	MsgFrameBoxMODelta: "frame_box_mo_delta",
	MsgFrameBoxUI:      "frame_box_ui",
	MsgFrameBoxUIDelta: "frame_box_ui_delta",
	MsgSceneSetup:      "scene_setup",
	MsgSceneSetupAck:   "scene_setup_ack",
	MsgSceneLine:       "scene_line",
	MsgSceneEnd:        "scene_end",
	MsgSceneEndAck:     "scene_end_ack",
	MsgTerrainChange:   "terrain_change",
	MsgPostEffects:     "post_effects",
	MsgSoundEvents:     "sound_events",
	MsgMusicEvents:     "music_events",
	MsgInput:           "input",
}

// String returns the lowercase message name used in logs.
func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(id))
}

// IsFrame reports whether the message belongs to the frame stream.
func (id MessageID) IsFrame() bool {
	return id >= MsgFrameSetup && id <= MsgFrameBoxUIDelta
}

// Delivery selects the transport class a message travels on.
type Delivery uint8

const (
	// ReliableOrdered messages are retransmitted until acknowledged and
	// delivered in send order.
	ReliableOrdered Delivery = iota
	// UnreliableSequenced messages are never retransmitted; a receiver drops
	// anything older than the newest one it has seen.
	UnreliableSequenced
)

func (d Delivery) String() string {
	if d == UnreliableSequenced {
		return "unreliable_sequenced"
	}
	return "reliable_ordered"
}

// DeliveryFor returns the delivery class for a message id. Frames supersede
// each other and are never retransmitted; everything else is reliable.
func DeliveryFor(id MessageID) Delivery {
	if id.IsFrame() {
		return UnreliableSequenced
	}
	return ReliableOrdered
}

// Protocol limits.
const (
	MaxLayers        = 10  // background layer descriptors per scene and frame offsets
	NameLength       = 64  // Register.name, NUL padded
	MusicPathLength  = 256 // MusicEvent.path, NUL padded
	MaxDatagramSize  = 65000
	InputButtonCount = 3
)

// Fixed sizes (including the id byte).
const (
	RegisterSize            = 1 + 4 + 4 + NameLength
	FrameSetupSize          = 1 + 1 + 2 + 2 + 2 + 2 + 1 + 1 + 4*MaxLayers*2
	FrameLineHeaderSize     = 1 + 1 + 1 + 2 + 2 + 2
	FrameBoxHeaderSize      = 1 + 1 + 1 + 2
	SceneSetupHeaderSize    = 1 + 1 + 2 + 2 + 1 + 2
	LayerDescriptorSize     = 8 + 4*6 + 2 + 4
	SceneAckSize            = 1 + 1
	SceneLineHeaderSize     = 1 + 1 + 2 + 2 + 2 + 1 + 2 + 2
	TerrainChangeHeaderSize = 1 + 2*4 + 1 + 1 + 1 + 2 + 2
	EventHeaderSize         = 1 + 1 + 4
	PostEffectSize          = 2 + 2 + 8 + 2 + 4
	SoundEventSize          = 1 + 8 + 4 + 4 + 2 + 4 + 4 + 1
	MusicEventSize          = 1 + 2 + 8 + 4 + MusicPathLength
	InputSize               = 1 + 4 + 4 + InputButtonCount*3 + 1 + 1 + 4 + 4
)
