package terrain

import (
	"github.com/framecast-project/framecast/internal/codec"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/scene"
)

// Encoder turns drained records into TerrainChange messages. It is owned by
// one connection's send loop.
type Encoder struct {
	comp *codec.Compressor
	buf  []byte
}

// NewEncoder creates an encoder.
func NewEncoder(high bool) *Encoder {
	return &Encoder{comp: codec.NewCompressor(high)}
}

// EncodeChange builds the message for one record. Single pixels and uniform
// fills carry only the color and no payload; anything else carries the
// region read back from terrain, compressed when that makes it smaller.
// The returned message's Data is only valid until the next call.
func (e *Encoder) EncodeChange(rec Record, terrain scene.Terrain, sceneID uint8) protocol.TerrainChange {
	msg := protocol.TerrainChange{
		X:       uint16(rec.X),
		Y:       uint16(rec.Y),
		W:       uint16(rec.W),
		H:       uint16(rec.H),
		Back:    rec.Back,
		Color:   rec.Color,
		SceneID: sceneID,
	}

	layer := scene.Foreground
	if rec.Back {
		layer = scene.Background
	}

	if rec.Area() == 1 {
		if !rec.HasColor && terrain != nil {
			e.buf = terrain.ReadRegion(layer, rec.X, rec.Y, 1, 1, e.buf)
			msg.Color = e.buf[0]
		}
		return msg
	}
	if rec.HasColor || terrain == nil {
		return msg
	}

	e.buf = terrain.ReadRegion(layer, rec.X, rec.Y, rec.W, rec.H, e.buf)
	payload, _ := e.comp.Compress(e.buf)
	msg.UncompressedSize = uint16(len(e.buf))
	msg.Data = payload
	return msg
}

// Apply writes a received change into a terrain bitmap. It is the inverse of
// EncodeChange.
func Apply(msg protocol.TerrainChange, dst *scene.Bitmap) error {
	layer := scene.Foreground
	if msg.Back {
		layer = scene.Background
	}
	w, h := int(msg.W), int(msg.H)
	if len(msg.Data) == 0 {
		dst.Fill(layer, int(msg.X), int(msg.Y), w, h, msg.Color)
		return nil
	}

	pixels := make([]byte, w*h)
	if err := codec.Decompress(msg.Data, pixels); err != nil {
		return err
	}
	dst.Write(layer, int(msg.X), int(msg.Y), w, h, pixels)
	return nil
}
