// Package terrain queues incremental terrain mutations per connection and
// turns them into TerrainChange messages.
package terrain

import (
	"sync"
)

// Record is one rectangular terrain mutation. When HasColor is set the whole
// rectangle was filled with Color; otherwise the pixels are read back from
// the terrain when the change is sent.
type Record struct {
	X        int   `json:"x"`
	Y        int   `json:"y"`
	W        int   `json:"w"`
	H        int   `json:"h"`
	Color    uint8 `json:"color"`
	HasColor bool  `json:"has_color"`
	Back     bool  `json:"back"`
}

// Area returns the number of pixels the record covers.
func (r Record) Area() int {
	return r.W * r.H
}

// Clip returns the part of r inside a width*height scene. On a scene that
// wraps horizontally X is first taken modulo width. ok is false when
// nothing is left.
func (r Record) Clip(width, height int, wrapsX bool) (Record, bool) {
	if width <= 0 || height <= 0 || r.W <= 0 || r.H <= 0 {
		return r, false
	}
	if wrapsX {
		r.X = ((r.X % width) + width) % width
	}
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.W, width), min(r.Y+r.H, height)
	if x0 >= x1 || y0 >= y1 {
		return r, false
	}
	r.X, r.Y, r.W, r.H = x0, y0, x1-x0, y1-y0
	return r, true
}

// Queue is a FIFO of pending mutations for one connection. Enqueue is called
// from the simulation; DrainFragmented from the connection's send loop.
type Queue struct {
	mu      sync.Mutex
	pending []Record
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a mutation.
func (q *Queue) Enqueue(rec Record) {
	q.mu.Lock()
	q.pending = append(q.pending, rec)
	q.mu.Unlock()
}

// DrainFragmented takes every pending record and returns them in order,
// with each record larger than maxPayload pixels replaced by its fragments.
// The lock is held only for the swap.
func (q *Queue) DrainFragmented(maxPayload int) []Record {
	q.mu.Lock()
	processing := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(processing) == 0 {
		return nil
	}

	out := make([]Record, 0, len(processing))
	for _, rec := range processing {
		out = append(out, Fragment(rec, maxPayload)...)
	}
	return out
}

// Clear drops every pending record.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
