// Package effects batches post-effect, sound and music events for one
// connection into capped messages.
package effects

import (
	"sync"

	"github.com/framecast-project/framecast/internal/protocol"
)

// Limits caps the number of entries per message.
type Limits struct {
	PostEffects int `json:"post_effects_per_message"`
	Sounds      int `json:"sound_events_per_message"`
	Music       int `json:"music_events_per_message"`
}

// DefaultLimits keeps each message of the default sizes well under one
// datagram.
func DefaultLimits() Limits {
	return Limits{
		PostEffects: 64,
		Sounds:      75,
		Music:       4,
	}
}

// Batcher accumulates events between two ticks of a connection's send loop.
// Queue methods are called by producers; Flush and Clear by the send loop.
type Batcher struct {
	limits Limits

	mu          sync.Mutex
	postEffects []protocol.PostEffect
	sounds      []protocol.SoundEvent
	music       []protocol.MusicEvent
}

// NewBatcher creates a batcher. Non-positive limits fall back to the defaults.
func NewBatcher(limits Limits) *Batcher {
	def := DefaultLimits()
	if limits.PostEffects <= 0 {
		limits.PostEffects = def.PostEffects
	}
	if limits.Sounds <= 0 {
		limits.Sounds = def.Sounds
	}
	if limits.Music <= 0 {
		limits.Music = def.Music
	}
	return &Batcher{limits: limits}
}

// QueuePostEffects appends post effects.
func (b *Batcher) QueuePostEffects(entries ...protocol.PostEffect) {
	b.mu.Lock()
	b.postEffects = append(b.postEffects, entries...)
	b.mu.Unlock()
}

// QueueSounds appends sound events.
func (b *Batcher) QueueSounds(entries ...protocol.SoundEvent) {
	b.mu.Lock()
	b.sounds = append(b.sounds, entries...)
	b.mu.Unlock()
}

// QueueMusic appends music events.
func (b *Batcher) QueueMusic(entries ...protocol.MusicEvent) {
	b.mu.Lock()
	b.music = append(b.music, entries...)
	b.mu.Unlock()
}

// Pending returns the number of queued events of every kind.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.postEffects) + len(b.sounds) + len(b.music)
}

// Clear drops everything queued.
func (b *Batcher) Clear() {
	b.mu.Lock()
	b.postEffects, b.sounds, b.music = nil, nil, nil
	b.mu.Unlock()
}

// Flush takes every queued event and returns the encoded messages tagged
// with frame, post effects first, then sounds, then music. Each message
// holds at most the configured number of entries; empty queues produce
// nothing.
func (b *Batcher) Flush(frame uint8) []protocol.Message {
	b.mu.Lock()
	postEffects, sounds, music := b.postEffects, b.sounds, b.music
	b.postEffects, b.sounds, b.music = nil, nil, nil
	b.mu.Unlock()

	var out []protocol.Message
	for _, chunk := range chunks(postEffects, b.limits.PostEffects) {
		out = append(out, protocol.PostEffects{Frame: frame, Entries: chunk})
	}
	for _, chunk := range chunks(sounds, b.limits.Sounds) {
		out = append(out, protocol.SoundEvents{Frame: frame, Entries: chunk})
	}
	for _, chunk := range chunks(music, b.limits.Music) {
		out = append(out, protocol.MusicEvents{Frame: frame, Entries: chunk})
	}
	return out
}

func chunks[T any](entries []T, size int) [][]T {
	if len(entries) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(entries)+size-1)/size)
	for len(entries) > size {
		out = append(out, entries[:size:size])
		entries = entries[size:]
	}
	return append(out, entries)
}
