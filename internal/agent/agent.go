// Package agent provides the background scheduler for onStride: a periodic
// refresh of the sync engine and a nightly retention job.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// DefaultRetentionAt is the local wall-clock time of the nightly retention job.
const DefaultRetentionAt = "03:00"

// Refresher receives the lifecycle inputs of the sync engine.
type Refresher interface {
	OnBecameActive()
	OnRefreshRequested()
}

// Pruner evicts cached days older than the retention window.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// RunPruner prunes the sync-run log.
type RunPruner interface {
	DeleteSyncRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Agent drives the engine on a schedule.
type Agent struct {
	engine        Refresher
	cache         Pruner
	runs          RunPruner
	interval      time.Duration
	retentionDays int
	retentionAt   string
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithRunPruner enables pruning of the sync-run log alongside the cache.
func WithRunPruner(r RunPruner) Option {
	return func(a *Agent) { a.runs = r }
}

// WithRetentionAt overrides the "HH:MM" time of the retention job.
func WithRetentionAt(at string) Option {
	return func(a *Agent) { a.retentionAt = at }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates a new Agent with the given dependencies.
func New(engine Refresher, cache Pruner, interval time.Duration, retentionDays int, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		engine:        engine,
		cache:         cache,
		interval:      interval,
		retentionDays: retentionDays,
		retentionAt:   DefaultRetentionAt,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run signals the engine that the app became active, then refreshes at the
// configured interval and prunes nightly until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.interval <= 0 {
		return fmt.Errorf("agent: refresh interval must be positive, got %v", a.interval)
	}

	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()

	if _, err := s.Every(a.interval).WaitForSchedule().Do(a.refresh); err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	if _, err := s.Every(1).Day().At(a.retentionAt).Do(a.Prune, ctx); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}

	a.logger.Info("Agent started", "interval", a.interval, "retention_days", a.retentionDays, "retention_at", a.retentionAt)
	a.engine.OnBecameActive()
	s.StartAsync()

	<-ctx.Done()
	s.Stop()
	a.logger.Info("Agent stopped")
	return nil
}

func (a *Agent) refresh() {
	a.logger.Debug("Scheduled refresh")
	a.engine.OnRefreshRequested()
}

// Prune evicts cached days and sync runs outside the retention window.
// Failures are logged; the next run retries.
func (a *Agent) Prune(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	deleted, err := a.cache.DeleteOlderThan(ctx, a.retentionDays)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("Failed to evict cached days", "error", err)
		}
	} else if deleted > 0 {
		a.logger.Info("Evicted cached days", "deleted", deleted, "retention_days", a.retentionDays)
	}

	if a.runs == nil {
		return
	}
	cutoff := a.now().AddDate(0, 0, -a.retentionDays)
	pruned, err := a.runs.DeleteSyncRunsBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("Failed to prune sync runs", "error", err)
		}
		return
	}
	if pruned > 0 {
		a.logger.Info("Pruned sync runs", "deleted", pruned)
	}
}
