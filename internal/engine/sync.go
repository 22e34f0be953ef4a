package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onllm-dev/onstride/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// errAllDaysFailed marks a reconciliation in which no day could be fetched.
var errAllDaysFailed = errors.New("engine: every day in the window failed")

// cachedWindow is the result of the cache fast path.
type cachedWindow struct {
	today    time.Time
	series   []metrics.DailyMetric // gap-filled, always WindowDays entries
	previous []metrics.DailyMetric
	hasData  bool
	err      error
}

// windowResult is the result of a reconciliation fetch.
type windowResult struct {
	today    time.Time
	series   []metrics.DailyMetric // sorted, always WindowDays entries on success
	previous []metrics.DailyMetric
	fetched  int
	failed   int
	invalid  int
	err      error
}

// activate runs on a worker: authorization check, then cache fast path. gen is
// the loop's generation when the activation was spawned.
func (e *Engine) activate(ctx context.Context, gen uint64) {
	status := e.checkAuthorization(ctx)
	cached := e.loadCached(ctx)
	if ctx.Err() != nil {
		return
	}
	e.post(func() {
		e.applyCached(status, cached, gen)
		if status == metrics.Authorized {
			e.startReconciliation(TriggerActive)
		}
	})
}

func (e *Engine) checkAuthorization(ctx context.Context) metrics.AuthorizationStatus {
	status, err := e.source.AuthorizationStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Authorization check failed, treating source as unavailable", "error", err)
		}
		return metrics.Unavailable
	}
	return status
}

func (e *Engine) loadCached(ctx context.Context) cachedWindow {
	today := e.now()
	days := metrics.WindowDates(today, metrics.WindowDays)
	res := cachedWindow{today: today}

	todayRec, err := e.cache.Get(ctx, today)
	if err != nil {
		res.err = fmt.Errorf("engine: cached today: %w", err)
		return res
	}
	records, err := e.cache.GetRange(ctx, days[0], days[len(days)-1])
	if err != nil {
		res.err = fmt.Errorf("engine: cached range: %w", err)
		return res
	}
	if todayRec != nil {
		records = append(records, *todayRec)
	}
	res.hasData = len(records) > 0
	res.series = metrics.GapFill(records, today, metrics.WindowDays)
	res.previous = e.loadPrevious(ctx, today)
	return res
}

// loadPrevious reads the cached window for 13..7 days ago. Failures yield an
// empty series; the comparison insight then shows its no-comparison variant.
func (e *Engine) loadPrevious(ctx context.Context, today time.Time) []metrics.DailyMetric {
	start := metrics.StartOfDay(today).AddDate(0, 0, -(2*metrics.WindowDays - 1))
	end := metrics.StartOfDay(today).AddDate(0, 0, -metrics.WindowDays)
	prev, err := e.cache.GetRange(ctx, start, end)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Failed to read previous week from cache", "error", err)
		}
		return nil
	}
	return prev
}

// applyCached publishes the fast-path result. A reconciliation applied since
// gen is newer than anything the cache read saw, so only the authorization
// status is taken. Must be called on the loop.
func (e *Engine) applyCached(status metrics.AuthorizationStatus, res cachedWindow, gen uint64) {
	e.state.Authorization = status
	switch {
	case gen != e.generation:
		e.logger.Debug("Discarding cached window superseded by reconciliation")
	case res.err != nil:
		e.logger.Warn("Cache fast path failed", "error", res.err)
		switch {
		case e.hasData:
			e.state.State = metrics.Loaded
		case status == metrics.Authorized:
			// Reconciliation is about to run and may still find data.
			e.state.State = metrics.Empty
		default:
			e.state.State = metrics.ErrorState("Saved activity could not be read")
		}
	default:
		if res.hasData {
			e.hasData = true
		}
		e.setWindow(res.series, res.previous, res.today)
		if e.hasData {
			e.state.State = metrics.Loaded
		} else {
			e.state.State = metrics.Empty
		}
	}
	e.publish()
}

// startReconciliation launches a reconciliation unless one is already in
// flight. Must be called on the loop.
func (e *Engine) startReconciliation(trigger string) {
	if e.inFlight {
		e.logger.Debug("Reconciliation already in flight, coalescing", "trigger", trigger)
		return
	}
	e.inFlight = true
	e.spawn(func(ctx context.Context) { e.reconcile(ctx, trigger) })
}

// reconcile runs on a worker: fetch the window, persist, read the previous
// week, then post the result to the loop.
func (e *Engine) reconcile(ctx context.Context, trigger string) {
	ctx, span := e.tracer.Start(ctx, "Engine.Reconcile",
		trace.WithAttributes(attribute.String("sync.trigger", trigger)),
	)
	defer span.End()

	run := SyncRun{ID: uuid.NewString(), Trigger: trigger, StartedAt: e.now()}
	res := e.fetchWindow(ctx, run.StartedAt)

	if res.err == nil {
		e.persist(ctx, res.series)
		res.previous = e.loadPrevious(ctx, res.today)
	} else {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	run.EndedAt = e.now()
	run.DaysFetched = res.fetched
	run.DaysFailed = res.failed
	switch {
	case errors.Is(res.err, context.Canceled):
		run.Outcome = OutcomeCancelled
	case res.err != nil:
		run.Outcome = OutcomeFailed
		run.Error = res.err.Error()
	case res.failed > 0:
		run.Outcome = OutcomePartial
	default:
		run.Outcome = OutcomeSuccess
	}
	span.SetAttributes(
		attribute.String("sync.outcome", run.Outcome),
		attribute.Int("sync.days_failed", run.DaysFailed),
	)

	if ctx.Err() != nil {
		return
	}
	e.post(func() { e.applyReconciled(res, run.EndedAt) })

	e.logger.Info("Reconciliation complete",
		"trigger", trigger,
		"outcome", run.Outcome,
		"days_failed", run.DaysFailed,
		"duration", run.EndedAt.Sub(run.StartedAt),
	)

	if res.err == nil {
		if n, err := e.cache.DeleteOlderThan(ctx, e.retentionDays); err != nil {
			e.logger.Warn("Cache eviction failed", "retention_days", e.retentionDays, "error", err)
		} else if n > 0 {
			e.logger.Debug("Evicted old days", "count", n)
		}
	}
	if e.recorder != nil {
		if err := e.recorder.RecordSyncRun(ctx, run); err != nil {
			e.logger.Warn("Failed to record sync run", "error", err)
		}
	}
}

// fetchWindow fetches every day of the window concurrently. Each task applies
// its own zero-value fallback, so the join only ever sees values.
func (e *Engine) fetchWindow(ctx context.Context, today time.Time) windowResult {
	res := windowResult{today: today}
	days := metrics.WindowDates(today, metrics.WindowDays)
	if len(days) != metrics.WindowDays {
		res.err = fmt.Errorf("engine: could not enumerate window for %s", metrics.DayKey(today))
		return res
	}

	series := make([]metrics.DailyMetric, len(days))
	failures := make([]*metrics.FetchError, len(days))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, day := range days {
		g.Go(func() error {
			series[i], failures[i] = e.fetchDay(ctx, day)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	var last *metrics.FetchError
	for _, fe := range failures {
		if fe == nil {
			res.fetched++
			continue
		}
		res.failed++
		if fe.Kind == metrics.KindInvalidData {
			res.invalid++
		}
		last = fe
	}
	if res.failed == len(days) {
		res.err = fmt.Errorf("%w: %w", errAllDaysFailed, last)
		return res
	}

	metrics.SortByDate(series)
	res.series = series
	return res
}

// fetchDay fetches one day, substituting a zero-valued record on failure.
func (e *Engine) fetchDay(ctx context.Context, day time.Time) (metrics.DailyMetric, *metrics.FetchError) {
	key := metrics.DayKey(day)
	ctx, span := e.tracer.Start(ctx, "Engine.FetchDay",
		trace.WithAttributes(attribute.String("metrics.day", key)),
	)
	defer span.End()

	m, err := e.source.FetchDay(ctx, day)
	if err == nil && !m.Valid() {
		err = metrics.NewFetchError(metrics.KindInvalidData, day,
			fmt.Errorf("steps=%v energy=%v", m.StepCount, m.ActiveEnergy))
	}
	if err != nil {
		fe, ok := metrics.AsFetchError(err, day)
		if !ok {
			// Teardown; fetchWindow discards the whole result.
			return metrics.Zero(day), metrics.NewFetchError(metrics.KindQueryFailed, day, err)
		}
		span.RecordError(err)
		e.logger.Warn("Day fetch failed, using zero values", "day", key, "kind", fe.Kind, "error", err)
		return metrics.Zero(day), fe
	}

	e.logger.Debug("Day fetched", "day", key, "steps", m.StepCount, "energy", m.ActiveEnergy)
	return metrics.DailyMetric{Date: metrics.StartOfDay(day), StepCount: m.StepCount, ActiveEnergy: m.ActiveEnergy}, nil
}

// persist upserts every day of the window. Write failures are logged; the
// in-memory window is still published.
func (e *Engine) persist(ctx context.Context, series []metrics.DailyMetric) {
	for _, m := range series {
		if err := e.cache.Upsert(ctx, m.Date, m.StepCount, m.ActiveEnergy); err != nil {
			e.logger.Error("Failed to upsert day", "day", metrics.DayKey(m.Date), "error", err)
		}
	}
}

// applyReconciled publishes a reconciliation result. Must be called on the loop.
func (e *Engine) applyReconciled(res windowResult, syncedAt time.Time) {
	e.inFlight = false
	e.state.IsRefreshing = false
	e.generation++

	if res.err == nil {
		e.hasData = true
		e.setWindow(res.series, res.previous, res.today)
		e.state.LastSyncedAt = &syncedAt
		e.state.State = metrics.Loaded
		e.publish()
		return
	}

	e.logger.Warn("Reconciliation failed", "error", res.err)
	switch {
	case e.hasData:
		e.state.State = metrics.Loaded
	case res.invalid > 0:
		e.state.State = metrics.ErrorState("Health data could not be read")
	default:
		e.state.State = metrics.Empty
	}
	e.publish()
}
