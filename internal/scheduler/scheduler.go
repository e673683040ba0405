// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/syncer"
)

// Scheduler runs periodic maintenance: a stale-mapping sweep and a full
// re-sync of every known room.
type Scheduler struct {
	mappings *mapping.Store
	coord    *syncer.Coordinator
	cron     *cron.Cron

	sweepSchedule  string
	resyncSchedule string
	maxAge         time.Duration
	syncOpts       reconcile.Options
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds the scheduler's cron expressions and retention policy.
type Config struct {
	SweepSchedule  string
	ResyncSchedule string
	MaxAge         time.Duration
	SyncOpts       reconcile.Options
}

// New creates a Scheduler. An empty schedule disables that job.
func New(mappings *mapping.Store, coord *syncer.Coordinator, cfg Config) *Scheduler {
	return &Scheduler{
		mappings:       mappings,
		coord:          coord,
		cron:           cron.New(cron.WithParser(cronParser)),
		sweepSchedule:  cfg.SweepSchedule,
		resyncSchedule: cfg.ResyncSchedule,
		maxAge:         cfg.MaxAge,
		syncOpts:       cfg.SyncOpts,
	}
}

// Start registers the cron entries and starts the ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.sweepSchedule != "" {
		_, err := s.cron.AddFunc(s.sweepSchedule, func() { s.Sweep(ctx) })
		if err != nil {
			return err
		}
		slog.Info("scheduled stale-mapping sweep", "schedule", s.sweepSchedule, "max_age", s.maxAge)
	}
	if s.resyncSchedule != "" {
		_, err := s.cron.AddFunc(s.resyncSchedule, func() { s.ResyncAll(ctx) })
		if err != nil {
			return err
		}
		slog.Info("scheduled full resync", "schedule", s.resyncSchedule)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Sweep removes mappings whose LastUsed is older than the retention window.
func (s *Scheduler) Sweep(ctx context.Context) {
	removed, err := s.mappings.CleanupStale(ctx, s.maxAge)
	if err != nil {
		slog.Error("stale-mapping sweep failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("stale-mapping sweep done", "removed", removed)
	}
}

// ResyncAll reconciles every known room. Rooms already syncing are skipped
// by the coordinator's single-flight guard.
func (s *Scheduler) ResyncAll(ctx context.Context) {
	all, err := s.mappings.List(ctx)
	if err != nil {
		slog.Error("resync: list mappings", "error", err)
		return
	}
	for _, m := range all {
		result := s.coord.SyncRoom(ctx, m.RoomID, m.SessionID, s.syncOpts)
		if !result.Success {
			slog.Warn("resync room failed", "room_id", m.RoomID, "errors", result.Errors)
			continue
		}
		if result.AddedCount > 0 {
			slog.Info("resync recovered messages", "room_id", m.RoomID, "added", result.AddedCount)
		}
	}
}
