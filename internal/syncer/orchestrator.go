// Package syncer drives the per-source sync lifecycle: mutual exclusion,
// bounded concurrency, retry backoff, and the transactional commit of each
// successful fetch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"unical/internal/adapter"
	"unical/internal/errs"
	"unical/internal/model"
	"unical/internal/normalize"
)

// configInvalidRetryAfter keeps a misconfigured source out of the scheduler
// scan until the user fixes it (config updates reset the source to pending).
const configInvalidRetryAfter = 24 * time.Hour

// Store is the orchestrator's view of the unified store.
type Store interface {
	SourceByID(ctx context.Context, id string) (model.CalendarSource, error)
	SourcesForUser(ctx context.Context, userID string) ([]model.CalendarSource, error)
	SetSourceStatus(ctx context.Context, id string, status model.SyncStatus) error
	RecordSourceFailure(ctx context.Context, id string, status model.SyncStatus, errMsg string, failures int, nextAttempt time.Time) error
	ReplaceEvents(ctx context.Context, sourceID string, events []model.Event, syncedAt time.Time) (int, error)
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
}

// CredentialResolver supplies ready-to-use credentials per source.
type CredentialResolver interface {
	Resolve(ctx context.Context, src model.CalendarSource) (adapter.Credentials, error)
}

// Options tune one Orchestrator.
type Options struct {
	// Timeout bounds one sync attempt; exceeding it aborts the attempt
	// and records a transient failure.
	Timeout time.Duration
	// WindowPast / WindowFuture define the fetch window around now.
	WindowPast   time.Duration
	WindowFuture time.Duration
	// MaxConcurrent bounds the worker pool across sources.
	MaxConcurrent int
	// BackoffBase is the first retry delay after a failure.
	BackoffBase time.Duration
}

func (o *Options) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.WindowPast <= 0 {
		o.WindowPast = 30 * 24 * time.Hour
	}
	if o.WindowFuture <= 0 {
		o.WindowFuture = 365 * 24 * time.Hour
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Minute
	}
}

// Orchestrator runs sync attempts. Within one source at most one attempt is
// in flight; concurrent triggers for the same source coalesce into it.
type Orchestrator struct {
	store    Store
	creds    CredentialResolver
	adapters adapter.Registry
	log      *zap.Logger
	opts     Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}

	// now is injectable for backoff tests.
	now func() time.Time
}

// New constructs an Orchestrator.
func New(st Store, creds CredentialResolver, adapters adapter.Registry, log *zap.Logger, opts Options) *Orchestrator {
	opts.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		creds:    creds,
		adapters: adapters,
		log:      log,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// SyncSource starts a sync attempt for the source and returns immediately.
// It reports true if an attempt was started, false if one was already in
// flight (the trigger coalesces into that attempt's outcome). Manual
// triggers call this directly, bypassing any backoff window.
func (o *Orchestrator) SyncSource(sourceID string) bool {
	o.mu.Lock()
	if _, busy := o.inflight[sourceID]; busy {
		o.mu.Unlock()
		return false
	}
	o.inflight[sourceID] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(sourceID)
	return true
}

// SyncUser triggers immediate attempts for all of a user's enabled sources
// and returns how many were started (the rest coalesced).
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) (int, error) {
	sources, err := o.store.SourcesForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if o.SyncSource(src.ID) {
			started++
		}
	}
	return started, nil
}

// Wait blocks until all in-flight attempts finish. Used on shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) run(sourceID string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, sourceID)
		o.mu.Unlock()
	}()

	// The attempt runs detached from its trigger: an HTTP caller hanging
	// up must not abort a half-finished fetch.
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.Timeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.log.Warn("sync attempt timed out waiting for a worker slot",
			zap.String("source_id", sourceID))
		return
	}
	defer o.sem.Release(1)

	src, err := o.store.SourceByID(ctx, sourceID)
	if err != nil {
		o.log.Error("cannot load source for sync", zap.String("source_id", sourceID), zap.Error(err))
		return
	}

	started := o.now().UTC()
	if err := o.store.SetSourceStatus(ctx, src.ID, model.StatusSyncing); err != nil {
		o.log.Error("cannot mark source syncing", zap.String("source_id", src.ID), zap.Error(err))
		return
	}

	events, fetchErr := o.fetch(ctx, src)

	// Record outcomes on a fresh context: the attempt's deadline may
	// already have fired, and the local store writes must still land.
	recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recCancel()

	run := model.SyncRun{
		ID:        uuid.NewString(),
		SourceID:  src.ID,
		StartedAt: started,
	}

	if fetchErr != nil {
		o.fail(recCtx, src, &run, fetchErr)
	} else {
		delta, commitErr := o.store.ReplaceEvents(recCtx, src.ID, events, o.now().UTC())
		if commitErr != nil {
			// A failed commit rolls back; the prior event set is intact.
			o.fail(recCtx, src, &run, fmt.Errorf("commit: %v: %w", commitErr, errs.ErrTransientNetwork))
		} else {
			run.Outcome = model.OutcomeSuccess
			if delta == 0 {
				run.Outcome = model.OutcomeNoop
			}
			run.EventDelta = delta
			o.log.Info("sync succeeded",
				zap.String("source_id", src.ID),
				zap.Int("event_count", len(events)),
				zap.Int("delta", delta))
		}
	}

	run.FinishedAt = o.now().UTC()
	if err := o.store.RecordSyncRun(recCtx, run); err != nil {
		o.log.Warn("cannot record sync run", zap.String("source_id", src.ID), zap.Error(err))
	}
}

// fetch resolves credentials, calls the adapter and normalizes the result.
// Every error it returns is classified into the taxonomy.
func (o *Orchestrator) fetch(ctx context.Context, src model.CalendarSource) ([]model.Event, error) {
	a, err := o.adapters.For(src.Kind)
	if err != nil {
		return nil, err
	}

	creds, err := o.creds.Resolve(ctx, src)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("credential resolution timed out: %w", errs.ErrTransientNetwork)
		}
		return nil, err
	}

	now := o.now().UTC()
	window := adapter.Window{
		Start: now.Add(-o.opts.WindowPast),
		End:   now.Add(o.opts.WindowFuture),
	}

	raw, err := a.FetchEvents(ctx, src, creds, window)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("fetch timed out: %w", errs.ErrTransientNetwork)
		}
		return nil, err
	}

	return normalize.Events(src.ID, raw), nil
}

// fail resolves a classified error into the state machine: needs-reauth for
// terminal auth errors, failed with growing backoff for retryable ones, and
// failed with a long hold for invalid configuration. The source's stored
// events are never touched.
func (o *Orchestrator) fail(ctx context.Context, src model.CalendarSource, run *model.SyncRun, ferr error) {
	run.Error = ferr.Error()

	switch {
	case errs.IsAuth(ferr):
		run.Outcome = model.OutcomeNeedsReauth
		if err := o.store.RecordSourceFailure(ctx, src.ID, model.StatusNeedsReauth, run.Error, 0, time.Time{}); err != nil {
			o.log.Error("cannot record needs-reauth", zap.String("source_id", src.ID), zap.Error(err))
		}
		o.log.Warn("source needs re-authorization", zap.String("source_id", src.ID), zap.String("reason", run.Error))

	case errs.IsRetryable(ferr):
		run.Outcome = model.OutcomeFailed
		failures := src.ConsecutiveFailures + 1
		delay := Backoff(o.opts.BackoffBase, failures, errors.Is(ferr, errs.ErrRateLimited))
		next := o.now().UTC().Add(delay)
		if err := o.store.RecordSourceFailure(ctx, src.ID, model.StatusFailed, run.Error, failures, next); err != nil {
			o.log.Error("cannot record failure", zap.String("source_id", src.ID), zap.Error(err))
		}
		o.log.Warn("sync failed, will retry",
			zap.String("source_id", src.ID),
			zap.String("reason", run.Error),
			zap.Int("consecutive_failures", failures),
			zap.Duration("backoff", delay))

	default:
		// config-invalid and anything unclassified: surfaced, held out of
		// the periodic scan until the user acts.
		run.Outcome = model.OutcomeFailed
		next := o.now().UTC().Add(configInvalidRetryAfter)
		if err := o.store.RecordSourceFailure(ctx, src.ID, model.StatusFailed, run.Error, src.ConsecutiveFailures, next); err != nil {
			o.log.Error("cannot record failure", zap.String("source_id", src.ID), zap.Error(err))
		}
		o.log.Warn("sync failed on configuration",
			zap.String("source_id", src.ID), zap.String("reason", run.Error))
	}
}
