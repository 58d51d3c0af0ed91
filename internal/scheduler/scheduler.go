// Package scheduler triggers orchestration runs on an interval. It keeps no
// registry of due sources: every tick scans the persisted source records, so
// a restart loses nothing.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"unical/internal/model"
)

// tickSpec runs the scan at the smallest unit of the interval surface.
const tickSpec = "@every 1m"

// Store lists the sources the scan considers.
type Store interface {
	EnabledSources(ctx context.Context) ([]model.CalendarSource, error)
}

// Trigger starts sync attempts; the orchestrator implements it.
type Trigger interface {
	SyncSource(sourceID string) bool
}

// Scheduler owns the periodic scan.
type Scheduler struct {
	store    Store
	trigger  Trigger
	log      *zap.Logger
	interval time.Duration
	cron     *cron.Cron

	// now is injectable for eligibility tests.
	now func() time.Time
}

// New constructs a Scheduler with the process-wide sync interval.
func New(store Store, trigger Trigger, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		trigger:  trigger,
		log:      log,
		interval: interval,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start begins the periodic scan and runs one immediately.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(tickSpec, s.Tick); err != nil {
		return err
	}
	s.cron.Start()
	go s.Tick()
	return nil
}

// Stop halts the tick loop; in-flight sync attempts keep running and are
// awaited by the orchestrator's own shutdown.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Tick scans all enabled sources and triggers those that are due.
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sources, err := s.store.EnabledSources(ctx)
	if err != nil {
		s.log.Error("scheduler scan failed", zap.Error(err))
		return
	}

	now := s.now().UTC()
	triggered := 0
	for _, src := range sources {
		if !s.due(src, now) {
			continue
		}
		if s.trigger.SyncSource(src.ID) {
			triggered++
		}
	}
	if triggered > 0 {
		s.log.Info("scheduler tick",
			zap.Int("scanned", len(sources)),
			zap.Int("triggered", triggered))
	}
}

// due decides eligibility from persisted state alone:
//
//   - needs-reauth is terminal for the scheduler; only user action (or a
//     manual sync) re-attempts it;
//   - syncing sources are already in flight;
//   - failed sources retry once their backoff window elapses;
//   - everything else goes by the process-wide interval.
func (s *Scheduler) due(src model.CalendarSource, now time.Time) bool {
	switch src.Status {
	case model.StatusNeedsReauth, model.StatusSyncing:
		return false
	case model.StatusFailed:
		return !src.NextAttemptAt.IsZero() && !now.Before(src.NextAttemptAt)
	default:
		if !src.NextAttemptAt.IsZero() && now.Before(src.NextAttemptAt) {
			return false
		}
		if src.LastSyncAt.IsZero() {
			return true
		}
		return now.Sub(src.LastSyncAt) >= s.interval
	}
}
