// Package scene owns the terrain bitmap and the per-connection bulk transfer
// that brings a freshly registered viewer up to date with it.
package scene

import (
	"errors"
	"fmt"
	"math"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Terrain layers.
const (
	Background = 0
	Foreground = 1

	LayerCount = 2
)

// MaxDimension bounds the scene width and height SceneSetup can carry.
const MaxDimension = math.MaxInt16

// ErrSceneSize is returned for a scene that is empty or too large to
// describe to a viewer.
var ErrSceneSize = errors.New("scene size out of range")

// State is the negotiation phase of one connection's scene transfer.
type State uint8

const (
	Idle State = iota
	SendingSetup
	AwaitSetupAck
	SendingData
	AwaitEndAck
	Streaming
)

var stateNames = map[State]string{
	Idle:          "idle",
	SendingSetup:  "sending_setup",
	AwaitSetupAck: "await_setup_ack",
	SendingData:   "sending_data",
	AwaitEndAck:   "await_end_ack",
	Streaming:     "streaming",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Descriptor is what a viewer needs to allocate its copy of the scene and
// rebuild the parallax layers without receiving their bitmaps.
type Descriptor struct {
	Width  int
	Height int
	WrapsX bool
	Layers []protocol.LayerDescriptor
}

// Validate checks that both dimensions are in 1..MaxDimension.
func (d Descriptor) Validate() error {
	if d.Width < 1 || d.Height < 1 || d.Width > MaxDimension || d.Height > MaxDimension {
		return fmt.Errorf("%w: %dx%d", ErrSceneSize, d.Width, d.Height)
	}
	return nil
}

// Terrain is a read-only view of the scene bitmap.
type Terrain interface {
	Descriptor() Descriptor
	// ReadRegion copies a w*h region of layer into dst (grown if needed) and
	// returns it. Pixels outside the scene read as zero.
	ReadRegion(layer, x, y, w, h int, dst []byte) []byte
}

// Sink is the outbound side of one connection.
type Sink interface {
	Send(data []byte, delivery protocol.Delivery) error
	// Backlog reports reliable messages still waiting for acknowledgement.
	Backlog() int
}
