// Package scheduler runs Framecast's periodic background work: statistics
// windows, RTT sampling, telemetry heartbeats and history cleanup.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/capture"
	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/util"
)

// StatsSource is the server side of the statistics tasks.
type StatsSource interface {
	RotateStats() events.StatsWindowPayload
	RefreshPing()
}

// Purger removes persisted history older than a retention period.
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// StatusPublisher publishes a status heartbeat.
type StatusPublisher interface {
	PublishStatus()
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	stats     StatsSource
	purger    Purger
	publisher StatusPublisher
	logger    zerolog.Logger

	statsEvery     time.Duration
	pingEvery      time.Duration
	telemetryEvery time.Duration
	cleanupEvery   time.Duration

	retention  time.Duration
	captureDir string
}

// NewScheduler creates a scheduler for src with the configured intervals.
func NewScheduler(cfg *config.Config, src StatsSource) *Scheduler {
	data := cfg.GetApplicationData()
	s := &Scheduler{
		stats:          src,
		logger:         util.ComponentLogger("scheduler"),
		statsEvery:     time.Duration(data.Timers.StatsWindowInterval) * time.Second,
		pingEvery:      time.Duration(data.Timers.PingInterval) * time.Second,
		telemetryEvery: time.Duration(data.Timers.TelemetryInterval) * time.Second,
		cleanupEvery:   time.Duration(data.Timers.SessionCleanupInterval) * time.Second,
		retention:      time.Duration(data.Database.RetentionDays) * 24 * time.Hour,
	}
	if data.Capture.Enabled {
		s.captureDir = data.Capture.Directory
	}
	return s
}

// SetPurger enables history cleanup through p.
func (s *Scheduler) SetPurger(p Purger) {
	s.purger = p
}

// SetPublisher enables the telemetry heartbeat through p.
func (s *Scheduler) SetPublisher(p StatusPublisher) {
	s.publisher = p
}

// Start runs every enabled task and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	run := func(name string, every time.Duration, task func(context.Context)) {
		if every <= 0 {
			s.logger.Debug().Str("task", name).Msg("task disabled")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, name, every, task)
		}()
	}

	run("stats_window", s.statsEvery, func(context.Context) { s.stats.RotateStats() })
	run("ping", s.pingEvery, func(context.Context) { s.stats.RefreshPing() })
	if s.publisher != nil {
		run("telemetry", s.telemetryEvery, func(context.Context) { s.publisher.PublishStatus() })
	}
	if s.retention > 0 && (s.purger != nil || s.captureDir != "") {
		run("cleanup", s.cleanupEvery, s.cleanup)
	}

	s.logger.Info().
		Dur("stats_window", s.statsEvery).
		Dur("ping", s.pingEvery).
		Dur("retention", s.retention).
		Msg("scheduler started")

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, name, task)
		}
	}
}

// runTask keeps a panicking task from taking the scheduler down.
func (s *Scheduler) runTask(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("task", name).Msg("scheduled task panicked")
		}
	}()
	task(ctx)
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if s.purger != nil {
		if _, err := s.purger.Purge(ctx, s.retention); err != nil {
			s.logger.Warn().Err(err).Msg("history purge failed")
		}
	}
	if s.captureDir != "" {
		s.cleanCaptures(time.Now().Add(-s.retention))
	}
}

// cleanCaptures deletes capture files last written before cutoff.
func (s *Scheduler) cleanCaptures(cutoff time.Time) (deleted int, freed int64) {
	err := filepath.Walk(s.captureDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != capture.FileSuffix {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			deleted++
			freed += info.Size()
			s.logger.Debug().Str("file", info.Name()).Msg("deleted old capture")
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("capture cleanup encountered errors")
	}

	if deleted > 0 {
		s.logger.Info().
			Int("deleted_files", deleted).
			Str("freed_space", humanize.Bytes(uint64(freed))).
			Msg("capture cleanup completed")
	}
	return deleted, freed
}
