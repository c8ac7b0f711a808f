package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of events a subscription may have pending
// before Emit starts dropping events for it.
const DefaultQueueSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Client lifecycle, scene transfers, and statistics windows flow through it
// to the API, telemetry, and session store.
//
// Every subscription has its own queue and goroutine, so a handler sees the
// events of its type in emission order and a slow handler only delays
// itself.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[EventType][]*subscription
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

type subscription struct {
	name    string
	handler HandlerFunc
	queue   chan queuedEvent
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:      make(map[EventType][]*subscription),
		queueSize: DefaultQueueSize,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name identifies the handler in logs and for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	sub := &subscription{
		name:    name,
		handler: handler,
		queue:   make(chan queuedEvent, eb.queueSize),
	}
	eb.subs[eventType] = append(eb.subs[eventType], sub)

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for q := range sub.queue {
			invoke(sub, q.ctx, q.event)
		}
	}()

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type. Events
// already queued for it are still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.subs[eventType]
	if !exists {
		return
	}

	kept := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.name == name {
			if !eb.stopped {
				close(sub.queue)
			}
			continue
		}
		kept = append(kept, sub)
	}
	eb.subs[eventType] = kept

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues an event for every subscribed handler and returns without
// waiting. A handler whose queue is full misses the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.subs[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, sub := range subs {
		select {
		case sub.queue <- queuedEvent{ctx: ctx, event: event}:
		default:
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("handler queue full, event dropped")
		}
	}
}

// EmitSync runs every handler for the event in the caller's goroutine and
// returns the first error. It does not wait for events queued by Emit.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]*subscription(nil), eb.subs[event.Type]...)
	eb.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := invoke(sub, ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// invoke runs one handler, logging its error or panic.
func invoke(sub *subscription, ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = sub.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting new events, delivers what is already queued and
// waits for the handlers to finish. Calling it twice is a no-op.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, subs := range eb.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}

// Dropped returns how many deliveries Emit has dropped on full queues.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
