package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/stats"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*SessionStore, *fakeClock) {
	t.Helper()
	store, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	store.now = clock.now
	return store, clock
}

func testClient(slot int) events.ClientPayload {
	return events.ClientPayload{
		Slot:       slot,
		Generation: 1,
		Session:    uuid.NewString(),
		Addr:       "127.0.0.1:40000",
		Name:       "viewer",
		Width:      640,
		Height:     360,
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	client := testClient(0)

	if err := store.Start(ctx, client); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Second)
	if err := store.MarkStreaming(ctx, client.Session, 120, 1500*time.Millisecond); err != nil {
		t.Fatalf("streaming: %v", err)
	}
	clock.t = clock.t.Add(time.Minute)
	if err := store.End(ctx, client.Session, events.ReasonTimeout.String(), 4096); err != nil {
		t.Fatalf("end: %v", err)
	}

	sess, err := store.Get(ctx, client.Session)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Name != "viewer" || sess.Width != 640 || sess.Height != 360 {
		t.Fatalf("session = %+v", sess)
	}
	if sess.StreamingAt == nil || sess.EndedAt == nil {
		t.Fatalf("timestamps missing: %+v", sess)
	}
	if sess.EndedAt.Sub(sess.StartedAt) != time.Minute+2*time.Second {
		t.Fatalf("duration = %s", sess.EndedAt.Sub(sess.StartedAt))
	}
	if sess.Reason != "timeout" || sess.BytesSent != 4096 || sess.SceneLines != 120 || sess.TransferTime != 1500 {
		t.Fatalf("session = %+v", sess)
	}

	// A session ends once.
	if err := store.End(ctx, client.Session, "kicked", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second end err = %v, want ErrNotFound", err)
	}
}

func TestStartRejectsBadSessionID(t *testing.T) {
	store, _ := newTestStore(t)
	client := testClient(0)
	client.Session = "not-a-uuid"
	if err := store.Start(context.Background(), client); err == nil {
		t.Fatal("expected error for malformed session id")
	}
}

func TestGetUnknown(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		c := testClient(i)
		ids = append(ids, c.Session)
		if err := store.Start(ctx, c); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		clock.t = clock.t.Add(time.Second)
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("recent = %+v", got)
	}
}

func TestPurgeKeepsOpenSessions(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	old := testClient(0)
	open := testClient(1)
	store.Start(ctx, old)
	store.Start(ctx, open)
	store.End(ctx, old.Session, "client_request", 10)

	var total stats.Counters
	total.Frames = 30
	if _, err := store.RecordWindow(ctx, events.StatsWindowPayload{Window: time.Second, Total: total}); err != nil {
		t.Fatalf("record window: %v", err)
	}

	clock.t = clock.t.Add(48 * time.Hour)
	removed, err := store.Purge(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := store.Get(ctx, open.Session); err != nil {
		t.Fatalf("open session purged: %v", err)
	}
	if _, err := store.Get(ctx, old.Session); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ended session survived: %v", err)
	}

	n, err := store.CloseOpen(ctx, "shutdown")
	if err != nil || n != 1 {
		t.Fatalf("close open = %d, %v", n, err)
	}
}

func TestSubscribeRecordsEvents(t *testing.T) {
	store, _ := newTestStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	store.Subscribe(bus)

	ctx := context.Background()
	client := testClient(3)
	bus.EmitSync(ctx, events.Event{Type: events.EventClientRegistered, Payload: client})
	bus.EmitSync(ctx, events.Event{Type: events.EventSceneTransferCompleted, Payload: events.SceneTransferPayload{
		Slot: 3, Session: client.Session, Lines: 8, Duration: 40 * time.Millisecond,
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventClientDeregistered, Payload: events.ClientLeftPayload{
		ClientPayload: client, Reason: events.ReasonKicked, BytesSent: 900,
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventStatsWindow, Payload: events.StatsWindowPayload{
		Window: time.Second, Clients: map[int]stats.Counters{3: {Frames: 5}},
	}})

	sess, err := store.Get(ctx, client.Session)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Reason != "kicked" || sess.SceneLines != 8 || sess.BytesSent != 900 {
		t.Fatalf("session = %+v", sess)
	}

	windows, err := store.Windows(ctx, 10)
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if len(windows) != 1 || windows[0].Clients != 1 || windows[0].WindowMS != 1000 {
		t.Fatalf("windows = %+v", windows)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	for i := 0; i < 2; i++ {
		store, err := NewSessionStore(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		store.Close()
	}
}
