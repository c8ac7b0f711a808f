package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
)

type countingSource struct {
	rotations atomic.Int32
	pings     atomic.Int32
}

func (c *countingSource) RotateStats() events.StatsWindowPayload {
	c.rotations.Add(1)
	return events.StatsWindowPayload{}
}

func (c *countingSource) RefreshPing() { c.pings.Add(1) }

type countingPurger struct {
	calls     atomic.Int32
	retention atomic.Int64
}

func (p *countingPurger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	p.calls.Add(1)
	p.retention.Store(int64(retention))
	return 0, nil
}

type panickingPublisher struct{ calls atomic.Int32 }

func (p *panickingPublisher) PublishStatus() {
	p.calls.Add(1)
	panic("broker gone")
}

func TestSchedulerRunsTasks(t *testing.T) {
	src := &countingSource{}
	purger := &countingPurger{}
	pub := &panickingPublisher{}

	s := NewScheduler(config.DefaultConfig(), src)
	s.SetPurger(purger)
	s.SetPublisher(pub)
	s.statsEvery = 5 * time.Millisecond
	s.pingEvery = 5 * time.Millisecond
	s.telemetryEvery = 5 * time.Millisecond
	s.cleanupEvery = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for src.rotations.Load() < 2 || src.pings.Load() < 2 || purger.calls.Load() < 1 || pub.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not run: rotations=%d pings=%d purges=%d publishes=%d",
				src.rotations.Load(), src.pings.Load(), purger.calls.Load(), pub.calls.Load())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if got := time.Duration(purger.retention.Load()); got != 30*24*time.Hour {
		t.Fatalf("retention = %s, want 30 days", got)
	}
}

func TestDisabledTaskDoesNotRun(t *testing.T) {
	src := &countingSource{}
	s := NewScheduler(config.DefaultConfig(), src)
	s.statsEvery = 0
	s.pingEvery = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if src.rotations.Load() != 0 {
		t.Fatalf("disabled stats task ran %d times", src.rotations.Load())
	}
	if src.pings.Load() == 0 {
		t.Fatal("ping task never ran")
	}
}

func TestCleanCaptures(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Capture.Enabled = true
	cfg.ApplicationData.Capture.Directory = dir
	s := NewScheduler(cfg, &countingSource{})

	old := time.Now().Add(-72 * time.Hour)
	files := map[string]time.Time{
		"old.fcap":   old,
		"fresh.fcap": time.Now(),
		"old.txt":    old,
	}
	for name, mod := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("capture"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	deleted, freed := s.cleanCaptures(time.Now().Add(-24 * time.Hour))
	if deleted != 1 || freed != int64(len("capture")) {
		t.Fatalf("deleted %d files (%d bytes), want 1", deleted, freed)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.fcap")); !os.IsNotExist(err) {
		t.Fatal("old capture survived")
	}
	for _, keep := range []string{"fresh.fcap", "old.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("%s removed: %v", keep, err)
		}
	}
}
