package network

import (
	"net"
	"slices"
	"sync"
	"time"
)

// maxReorder bounds how many out-of-order reliable datagrams a peer buffers.
const maxReorder = 4096

// maxBackoffShift caps the retransmit timeout doubling at 64x.
const maxBackoffShift = 6

type outbound struct {
	data      []byte
	firstSent time.Time
	sentAt    time.Time
	tries     int
}

// peer is the per-address channel state.
type peer struct {
	addr *net.UDPAddr
	key  string

	mu             sync.Mutex
	sendSeq        uint32
	unreliableSeq  uint32
	recvNext       uint32
	lastUnreliable uint32
	reorder        map[uint32][]byte
	reorderLimit   int
	pending        map[uint32]*outbound
	rtt            time.Duration
	lastSeen       time.Time
	lastPing       time.Time
}

func newPeer(addr *net.UDPAddr, now time.Time) *peer {
	return &peer{
		addr:     addr,
		key:      addr.String(),
		recvNext:     1,
		reorder:      make(map[uint32][]byte),
		reorderLimit: maxReorder,
		pending:      make(map[uint32]*outbound),
		lastSeen:     now,
	}
}

// nextReliable allocates a reliable sequence number and records the
// datagram as awaiting acknowledgement. Caller holds p.mu.
func (p *peer) nextReliable(payload []byte, now time.Time) []byte {
	p.sendSeq++
	data := encodeDatagram(kindReliable, p.sendSeq, payload)
	p.pending[p.sendSeq] = &outbound{data: data, firstSent: now, sentAt: now, tries: 1}
	return data
}

// nextUnreliable allocates an unreliable sequence number. Caller holds p.mu.
func (p *peer) nextUnreliable(payload []byte) []byte {
	p.unreliableSeq++
	return encodeDatagram(kindUnreliable, p.unreliableSeq, payload)
}

// acceptReliable buffers a reliable payload and returns everything that is
// now deliverable in order. keep reports whether the datagram may be acked:
// it was delivered, buffered, or is a duplicate of one that was. A datagram
// that does not fit in the reorder buffer is not kept, so the sender
// retransmits it. Caller holds p.mu.
func (p *peer) acceptReliable(seq uint32, payload []byte) (ready [][]byte, keep bool) {
	if seq < p.recvNext {
		return nil, true
	}
	if seq > p.recvNext {
		if _, dup := p.reorder[seq]; dup {
			return nil, true
		}
		if len(p.reorder) >= p.reorderLimit {
			return nil, false
		}
		p.reorder[seq] = append([]byte(nil), payload...)
		return nil, true
	}

	ready = [][]byte{append([]byte(nil), payload...)}
	p.recvNext++
	for {
		next, ok := p.reorder[p.recvNext]
		if !ok {
			break
		}
		delete(p.reorder, p.recvNext)
		ready = append(ready, next)
		p.recvNext++
	}
	return ready, true
}

// acceptUnreliable reports whether an unreliable datagram is newer than the
// last one delivered. Caller holds p.mu.
func (p *peer) acceptUnreliable(seq uint32) bool {
	if seq <= p.lastUnreliable {
		return false
	}
	p.lastUnreliable = seq
	return true
}

// ack clears a pending reliable datagram. Caller holds p.mu.
func (p *peer) ack(seq uint32) {
	delete(p.pending, seq)
}

// observeRTT folds a ping sample into the smoothed round-trip time. Caller
// holds p.mu.
func (p *peer) observeRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if p.rtt == 0 {
		p.rtt = sample
		return
	}
	p.rtt = (7*p.rtt + sample) / 8
}

// rto is the retransmission timeout for a datagram already sent tries
// times: twice the smoothed RTT (at least floor), doubled per retry up to
// ceiling. Caller holds p.mu.
func (p *peer) rto(floor, ceiling time.Duration, tries int) time.Duration {
	base := max(2*p.rtt, floor)
	shift := min(max(tries-1, 0), maxBackoffShift)
	return min(base<<shift, max(ceiling, floor))
}

// dueResends returns up to limit overdue reliable datagrams, oldest
// sequence first, and marks them resent. expired is true when a datagram
// has gone unacknowledged for longer than giveUp. Caller holds p.mu.
func (p *peer) dueResends(now time.Time, floor, ceiling, giveUp time.Duration, limit int) (resend [][]byte, expired bool) {
	var due []uint32
	for seq, o := range p.pending {
		if now.Sub(o.firstSent) > giveUp {
			return nil, true
		}
		if now.Sub(o.sentAt) >= p.rto(floor, ceiling, o.tries) {
			due = append(due, seq)
		}
	}
	slices.Sort(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, seq := range due {
		o := p.pending[seq]
		o.tries++
		o.sentAt = now
		resend = append(resend, o.data)
	}
	return resend, false
}

func (p *peer) backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
