// Package stats aggregates outbound bandwidth and encoder counters per
// connection and in total, with a current window that is rotated into a
// "last" snapshot on a fixed interval.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Category groups outbound bytes for reporting.
type Category int

const (
	Frame Category = iota
	Terrain
	PostEffect
	Sound
	Other

	categoryCount
)

var categoryNames = [categoryCount]string{"frame", "terrain", "post_effect", "sound", "other"}

func (c Category) String() string {
	if c < 0 || c >= categoryCount {
		return "unknown"
	}
	return categoryNames[c]
}

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{Frame, Terrain, PostEffect, Sound, Other}
}

// CategoryFor classifies a message. Scene transfer counts as terrain.
func CategoryFor(id protocol.MessageID) Category {
	switch {
	case id.IsFrame():
		return Frame
	case id == protocol.MsgSceneSetup, id == protocol.MsgSceneLine, id == protocol.MsgSceneEnd, id == protocol.MsgTerrainChange:
		return Terrain
	case id == protocol.MsgPostEffects:
		return PostEffect
	case id == protocol.MsgSoundEvents, id == protocol.MsgMusicEvents:
		return Sound
	}
	return Other
}

// Counters is one connection's (or the total's) figures for a window.
type Counters struct {
	Bytes        [categoryCount]uint64 `json:"-"`
	Frames       uint64                `json:"frames"`
	FullBoxes    uint64                `json:"full_boxes"`
	EmptyBoxes   uint64                `json:"empty_boxes"`
	Uncompressed uint64                `json:"uncompressed_bytes"`
	Compressed   uint64                `json:"compressed_bytes"`
	RTT          time.Duration         `json:"rtt_ns"`
}

// BytesFor returns the bytes sent in one category.
func (c Counters) BytesFor(cat Category) uint64 {
	if cat < 0 || cat >= categoryCount {
		return 0
	}
	return c.Bytes[cat]
}

// Total returns the bytes sent across all categories.
func (c Counters) Total() uint64 {
	var n uint64
	for _, b := range c.Bytes {
		n += b
	}
	return n
}

// ByCategory returns the byte counts keyed by category name.
func (c Counters) ByCategory() map[string]uint64 {
	out := make(map[string]uint64, categoryCount)
	for _, cat := range Categories() {
		out[cat.String()] = c.Bytes[cat]
	}
	return out
}

// Ratio returns compressed/uncompressed, or 1 when nothing was compressed.
func (c Counters) Ratio() float64 {
	if c.Uncompressed == 0 {
		return 1
	}
	return float64(c.Compressed) / float64(c.Uncompressed)
}

func (c *Counters) merge(o Counters) {
	for i := range c.Bytes {
		c.Bytes[i] += o.Bytes[i]
	}
	c.Frames += o.Frames
	c.FullBoxes += o.FullBoxes
	c.EmptyBoxes += o.EmptyBoxes
	c.Uncompressed += o.Uncompressed
	c.Compressed += o.Compressed
}

// Aggregator collects counters from every send loop. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	current    map[int]*Counters
	last       map[int]Counters
	lastTotal  Counters
	cumulative Counters
	started    time.Time
	window     time.Duration
	now        func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		current: make(map[int]*Counters),
		last:    make(map[int]Counters),
		now:     time.Now,
	}
	a.started = a.now()
	return a
}

func (a *Aggregator) counters(slot int) *Counters {
	c, ok := a.current[slot]
	if !ok {
		c = &Counters{}
		a.current[slot] = c
	}
	return c
}

// AddBytes records n bytes of a message sent to slot.
func (a *Aggregator) AddBytes(slot int, id protocol.MessageID, n int) {
	cat := CategoryFor(id)
	a.mu.Lock()
	a.counters(slot).Bytes[cat] += uint64(n)
	a.cumulative.Bytes[cat] += uint64(n)
	a.mu.Unlock()
}

// AddFrame records the encoder figures of one frame.
func (a *Aggregator) AddFrame(slot, fullBoxes, emptyBoxes, uncompressed, compressed int) {
	f := Counters{
		Frames:       1,
		FullBoxes:    uint64(fullBoxes),
		EmptyBoxes:   uint64(emptyBoxes),
		Uncompressed: uint64(uncompressed),
		Compressed:   uint64(compressed),
	}
	a.mu.Lock()
	a.counters(slot).merge(f)
	a.cumulative.merge(f)
	a.mu.Unlock()
}

// SetRTT records the latest round-trip time of slot.
func (a *Aggregator) SetRTT(slot int, rtt time.Duration) {
	a.mu.Lock()
	a.counters(slot).RTT = rtt
	a.mu.Unlock()
}

// Remove forgets a deregistered slot.
func (a *Aggregator) Remove(slot int) {
	a.mu.Lock()
	delete(a.current, slot)
	delete(a.last, slot)
	a.mu.Unlock()
}

// Rotate moves the current window into the last snapshot and starts a new
// window. RTTs carry over. It returns the total of the closed window.
func (a *Aggregator) Rotate() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.window = now.Sub(a.started)
	a.started = now

	var total Counters
	var rtt time.Duration
	last := make(map[int]Counters, len(a.current))
	for slot, c := range a.current {
		last[slot] = *c
		total.merge(*c)
		rtt = max(rtt, c.RTT)
		*c = Counters{RTT: c.RTT}
	}
	total.RTT = rtt
	a.last = last
	a.lastTotal = total
	return total
}

// Window returns the length of the last closed window.
func (a *Aggregator) Window() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// Last returns the last closed window of slot.
func (a *Aggregator) Last(slot int) (Counters, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.last[slot]
	return c, ok
}

// LastTotal returns the last closed window summed over all slots. Its RTT
// is the worst slot's.
func (a *Aggregator) LastTotal() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTotal
}

// Current returns the open window of slot.
func (a *Aggregator) Current(slot int) Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.current[slot]; ok {
		return *c
	}
	return Counters{}
}

// Totals returns the cumulative counters since start.
func (a *Aggregator) Totals() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cumulative
}

// Slots returns the slots with counters, sorted.
func (a *Aggregator) Slots() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	slots := make([]int, 0, len(a.current))
	for slot := range a.current {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// Rate converts a window byte count into bytes per second.
func Rate(bytes uint64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(bytes) / window.Seconds()
}
