// Package events defines event types and enumerations for the Framecast event system.
package events

import (
	"time"

	"github.com/framecast-project/framecast/internal/stats"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Client lifecycle events
	EventClientRegistered   EventType = "client_registered"
	EventClientDeregistered EventType = "client_deregistered"
	EventClientRejected     EventType = "client_rejected"

	// Scene events
	EventSceneTransferStarted   EventType = "scene_transfer_started"
	EventSceneTransferCompleted EventType = "scene_transfer_completed"
	EventEpochChanged           EventType = "epoch_changed"

	// Statistics
	EventStatsWindow EventType = "stats_window"

	// Operator commands
	EventKickClient EventType = "cmd_kick_client"
	EventRescene    EventType = "cmd_rescene"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// DisconnectReason records why a client left.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonClientRequest
	ReasonTimeout
	ReasonKicked
	ReasonSendFailure
	ReasonShutdown
)

var disconnectReasonStrings = map[DisconnectReason]string{
	ReasonUnknown:       "unknown",
	ReasonClientRequest: "client_request",
	ReasonTimeout:       "timeout",
	ReasonKicked:        "kicked",
	ReasonSendFailure:   "send_failure",
	ReasonShutdown:      "shutdown",
}

// String returns the string representation of DisconnectReason.
func (r DisconnectReason) String() string {
	if str, ok := disconnectReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes DisconnectReason as a JSON string (e.g. "timeout").
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// RejectReason records why a registration was refused.
type RejectReason int

const (
	RejectFull RejectReason = iota
	RejectResolution
)

// String returns the string representation of RejectReason.
func (r RejectReason) String() string {
	switch r {
	case RejectFull:
		return "server_full"
	case RejectResolution:
		return "bad_resolution"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes RejectReason as a JSON string.
func (r RejectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ClientPayload identifies a registered client.
type ClientPayload struct {
	Slot       int    `json:"slot"`
	Generation uint32 `json:"generation"`
	Session    string `json:"session"`
	Addr       string `json:"addr"`
	Name       string `json:"name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ClientLeftPayload is emitted when a client's connection is torn down.
type ClientLeftPayload struct {
	ClientPayload
	Reason    DisconnectReason `json:"reason"`
	Connected time.Duration    `json:"connected_ns"`
	BytesSent uint64           `json:"bytes_sent"`
}

// ClientRejectedPayload is emitted when a registration is refused.
type ClientRejectedPayload struct {
	Addr   string       `json:"addr"`
	Reason RejectReason `json:"reason"`
}

// SceneTransferPayload describes one client's scene transfer.
type SceneTransferPayload struct {
	Slot     int           `json:"slot"`
	Session  string        `json:"session"`
	Epoch    uint8         `json:"epoch"`
	Lines    int           `json:"lines"`
	Duration time.Duration `json:"duration_ns"`
}

// EpochChangedPayload is emitted when the scene is replaced.
type EpochChangedPayload struct {
	Epoch  uint8 `json:"epoch"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
}

// StatsWindowPayload carries the counters of a closed statistics window.
type StatsWindowPayload struct {
	Window  time.Duration          `json:"window_ns"`
	Total   stats.Counters         `json:"total"`
	Clients map[int]stats.Counters `json:"clients"`
}

// KickPayload asks the server to drop a client.
type KickPayload struct {
	Slot   int    `json:"slot"`
	Reason string `json:"reason"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
