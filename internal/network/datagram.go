// Package network implements the UDP transport between the server and its
// viewers: a reliable ordered channel and an unreliable sequenced channel
// multiplexed over one socket, with acknowledgements, retransmission,
// keepalive pings and per-source rate limiting.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Magic prefixes every datagram ("FMCX").
const Magic uint32 = 0x464D4358

// HeaderSize is the transport header: magic:u32 kind:u8 seq:u32.
const HeaderSize = 9

// MaxPayload is the largest message one datagram can carry.
const MaxPayload = protocol.MaxDatagramSize - HeaderSize

// Transport errors.
var (
	ErrPeerUnknown = errors.New("unknown peer")
	ErrTooLarge    = errors.New("message too large")
	ErrClosed      = errors.New("transport closed")
	errBadDatagram = errors.New("bad datagram")
)

type kind uint8

const (
	kindReliable kind = iota + 1
	kindUnreliable
	kindAck
	kindPing
	kindPong
	kindDisco
)

func (k kind) String() string {
	switch k {
	case kindReliable:
		return "reliable"
	case kindUnreliable:
		return "unreliable"
	case kindAck:
		return "ack"
	case kindPing:
		return "ping"
	case kindPong:
		return "pong"
	case kindDisco:
		return "disco"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type datagram struct {
	kind    kind
	seq     uint32
	payload []byte
}

func encodeDatagram(k kind, seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(k)
	binary.LittleEndian.PutUint32(buf[5:9], seq)
	copy(buf[HeaderSize:], payload)
	return buf
}

// decodeDatagram parses a datagram. The payload aliases b.
func decodeDatagram(b []byte) (datagram, error) {
	if len(b) < HeaderSize {
		return datagram{}, fmt.Errorf("%w: %d bytes", errBadDatagram, len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return datagram{}, fmt.Errorf("%w: bad magic", errBadDatagram)
	}
	d := datagram{
		kind:    kind(b[4]),
		seq:     binary.LittleEndian.Uint32(b[5:9]),
		payload: b[HeaderSize:],
	}
	if d.kind < kindReliable || d.kind > kindDisco {
		return datagram{}, fmt.Errorf("%w: %s", errBadDatagram, d.kind)
	}
	return d, nil
}
