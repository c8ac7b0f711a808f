package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitSyncRunsAllHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	bus.Subscribe(EventClientRegistered, "counter", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventClientRegistered, "failing", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return boom
	})
	bus.Subscribe(EventClientRegistered, "panicking", func(ctx context.Context, e Event) error {
		calls.Add(1)
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventClientRegistered, Payload: ClientPayload{Slot: 1}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestEmitAsyncAndStop(t *testing.T) {
	bus := NewEventBus()

	done := make(chan Event, 1)
	bus.Subscribe(EventEpochChanged, "watcher", func(ctx context.Context, e Event) error {
		done <- e
		return nil
	})
	bus.Emit(context.Background(), Event{Type: EventEpochChanged, Payload: EpochChangedPayload{Epoch: 2}})

	select {
	case e := <-done:
		if e.Payload.(EpochChangedPayload).Epoch != 2 {
			t.Fatalf("payload = %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}

	bus.Stop()
	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatalf("stop channel not closed")
	}

	// Nothing is delivered after Stop.
	bus.Emit(context.Background(), Event{Type: EventEpochChanged})
	select {
	case <-done:
		t.Fatalf("event delivered after stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmitPreservesOrderPerHandler(t *testing.T) {
	bus := NewEventBus()

	var got []int
	bus.Subscribe(EventClientRegistered, "recorder", func(ctx context.Context, e Event) error {
		got = append(got, e.Payload.(ClientPayload).Slot)
		return nil
	})
	for i := 0; i < 200; i++ {
		bus.Emit(context.Background(), Event{Type: EventClientRegistered, Payload: ClientPayload{Slot: i}})
	}
	bus.Stop()

	if len(got) != 200 {
		t.Fatalf("delivered %d events, want 200", len(got))
	}
	for i, slot := range got {
		if slot != i {
			t.Fatalf("event %d carried slot %d", i, slot)
		}
	}
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	bus := NewEventBus()
	bus.queueSize = 1

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int32
	bus.Subscribe(EventStatsWindow, "slow", func(ctx context.Context, e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		handled.Add(1)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventStatsWindow})
	<-started
	// One event in flight, one queued, the rest dropped.
	for n := 0; n < 4; n++ {
		bus.Emit(context.Background(), Event{Type: EventStatsWindow})
	}
	if n := bus.Dropped(); n != 3 {
		t.Fatalf("dropped = %d, want 3", n)
	}

	close(release)
	bus.Stop()
	if n := handled.Load(); n != 2 {
		t.Fatalf("handled = %d, want 2", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	noop := func(ctx context.Context, e Event) error { return nil }
	bus.Subscribe(EventStatsWindow, "a", noop)
	bus.Subscribe(EventStatsWindow, "b", noop)
	bus.Unsubscribe(EventStatsWindow, "a")
	if n := bus.HandlerCount(EventStatsWindow); n != 1 {
		t.Fatalf("handlers = %d, want 1", n)
	}
}

func TestReasonJSON(t *testing.T) {
	p := ClientLeftPayload{ClientPayload: ClientPayload{Slot: 3}, Reason: ReasonTimeout}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["reason"] != "timeout" || out["slot"] != float64(3) {
		t.Fatalf("json = %s", data)
	}
	if DisconnectReason(99).String() != "unknown" || RejectResolution.String() != "bad_resolution" {
		t.Fatalf("unexpected reason strings")
	}
}
