// Package engine keeps a 7-day activity window in sync between a slow,
// permission-gated metrics source and a local cache, and publishes the
// resulting view state to observers.
//
// All state lives on a single event-loop goroutine. Signals (OnBecameActive,
// OnRefreshRequested, SetGoals) are posted to that loop, I/O runs on worker
// goroutines, and results are posted back and applied atomically. Observers
// are invoked on the loop goroutine, in publish order, once per publish.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onllm-dev/onstride/internal/insights"
	"github.com/onllm-dev/onstride/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Source is the external, per-day metrics provider.
type Source interface {
	AuthorizationStatus(ctx context.Context) (metrics.AuthorizationStatus, error)
	RequestAuthorization(ctx context.Context) (bool, error)
	// FetchDay returns totals for the calendar day containing day.
	// Failures should be *metrics.FetchError.
	FetchDay(ctx context.Context, day time.Time) (metrics.DailyMetric, error)
}

// Cache is the durable key-by-day store. Get returns nil, nil when absent;
// GetRange is inclusive by calendar day, ascending and may be sparse.
type Cache interface {
	Get(ctx context.Context, day time.Time) (*metrics.DailyMetric, error)
	GetRange(ctx context.Context, start, end time.Time) ([]metrics.DailyMetric, error)
	Upsert(ctx context.Context, day time.Time, steps, energy float64) error
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// RunRecorder persists a summary of every reconciliation.
type RunRecorder interface {
	RecordSyncRun(ctx context.Context, run SyncRun) error
}

// Reconciliation triggers.
const (
	TriggerActive  = "active"
	TriggerRefresh = "refresh"
)

// Reconciliation outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// SyncRun summarizes one reconciliation.
type SyncRun struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	DaysFetched int       `json:"daysFetched"`
	DaysFailed  int       `json:"daysFailed"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is the observable output of the engine.
type Snapshot struct {
	State         metrics.ViewState           `json:"state"`
	IsRefreshing  bool                        `json:"isRefreshing"`
	Authorization metrics.AuthorizationStatus `json:"authorization"`
	Today         *metrics.DailyMetric        `json:"today"`
	Last7Days     []metrics.DailyMetric       `json:"last7Days"`
	Insights      []metrics.Insight           `json:"insights"`
	Progress      insights.Progress           `json:"progress"`
	Goals         insights.Goals              `json:"goals"`
	LastSyncedAt  *time.Time                  `json:"lastSyncedAt"`
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Last7Days = slices.Clone(s.Last7Days)
	c.Insights = slices.Clone(s.Insights)
	if s.Today != nil {
		t := *s.Today
		c.Today = &t
	}
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now (for testing). The returned time's location
// defines the calendar.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGoals sets the initial scoring goals.
func WithGoals(g insights.Goals) Option {
	return func(e *Engine) { e.calc = insights.New(g) }
}

// WithRetentionDays sets the cache eviction threshold.
func WithRetentionDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.retentionDays = days
		}
	}
}

// WithConcurrency bounds the number of concurrent day fetches.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRunRecorder records every reconciliation.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

type observer struct {
	id uint64
	fn func(Snapshot)
}

// Engine is the sync engine for one presentation session.
type Engine struct {
	source        Source
	cache         Cache
	recorder      RunRecorder
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	retentionDays int
	concurrency   int

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func()
	done      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
	nextID    atomic.Uint64

	// Loop-owned.
	state     Snapshot
	calc      *insights.Calculator
	previous  []metrics.DailyMetric // cached series for 13..7 days ago
	observers []observer
	inFlight  bool
	hasData   bool
	// generation counts applied reconciliations; a cache read started under
	// an older generation must not replace the window.
	generation uint64

	mu     sync.RWMutex
	latest Snapshot
}

// New creates an Engine and starts its event loop. Call Close to tear down.
func New(source Source, cache Cache, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		source:        source,
		cache:         cache,
		logger:        slog.Default(),
		tracer:        otel.Tracer("onstride/engine"),
		now:           time.Now,
		retentionDays: 30,
		concurrency:   metrics.WindowDays,
		calc:          insights.New(insights.DefaultGoals()),
		ctx:           ctx,
		cancel:        cancel,
		cmds:          make(chan func(), 32),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = Snapshot{
		State:         metrics.Loading,
		Authorization: metrics.NotDetermined,
		Goals:         e.calc.Goals(),
	}
	e.latest = e.state.clone()

	go e.loop()
	return e
}

// OnBecameActive checks authorization, publishes cached data immediately and,
// when authorized, starts a reconciliation.
func (e *Engine) OnBecameActive() {
	e.post(func() {
		gen := e.generation
		e.spawn(func(ctx context.Context) { e.activate(ctx, gen) })
	})
}

// OnRefreshRequested sets IsRefreshing and reconciles without the cache fast
// path. A refresh arriving while a reconciliation is in flight is coalesced
// into that run; the flag clears when it completes.
func (e *Engine) OnRefreshRequested() {
	e.post(func() {
		if !e.state.IsRefreshing {
			e.state.IsRefreshing = true
			e.publish()
		}
		e.startReconciliation(TriggerRefresh)
	})
}

// SetGoals replaces the scoring goals and recomputes insights for the
// current window.
func (e *Engine) SetGoals(g insights.Goals) {
	e.post(func() {
		e.calc = insights.New(g)
		e.state.Goals = e.calc.Goals()
		if len(e.state.Last7Days) > 0 {
			e.state.Insights = e.calc.Compute(e.state.Last7Days, e.previous)
			if e.state.Today != nil {
				e.state.Progress = e.calc.RingProgress(*e.state.Today)
			}
		}
		e.publish()
	})
}

// Subscribe registers fn to receive every published snapshot, starting with
// the current one. fn runs on the engine's loop goroutine and must not block
// or call Close.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	id := e.nextID.Add(1)
	e.post(func() {
		e.observers = append(e.observers, observer{id: id, fn: fn})
		fn(e.state.clone())
	})
	return func() {
		e.post(func() {
			e.observers = slices.DeleteFunc(e.observers, func(o observer) bool { return o.id == id })
		})
	}
}

// Snapshot returns a copy of the last published state. Safe from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest.clone()
}

// Close cancels in-flight work, stops the loop and waits for workers.
// No observer is called after Close returns.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.done
		e.workers.Wait()
		e.logger.Debug("Engine closed")
	})
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.cmds:
			if e.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// post enqueues fn on the loop. It returns false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.ctx.Done():
		return false
	case e.cmds <- fn:
		return true
	}
}

// spawn runs fn on a worker goroutine. Must be called on the loop.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		fn(e.ctx)
	}()
}

// publish delivers the current state to observers. Must be called on the loop.
func (e *Engine) publish() {
	snap := e.state.clone()
	e.mu.Lock()
	e.latest = snap
	e.mu.Unlock()
	for _, o := range e.observers {
		o.fn(snap.clone())
	}
}

// setWindow installs a complete, sorted window and recomputes derived fields.
// Must be called on the loop.
func (e *Engine) setWindow(series, previous []metrics.DailyMetric, today time.Time) {
	e.state.Last7Days = series
	e.previous = previous
	e.state.Insights = e.calc.Compute(series, previous)
	if m, ok := metrics.FindDay(series, today); ok {
		e.state.Today = &m
		e.state.Progress = e.calc.RingProgress(m)
	} else {
		e.state.Today = nil
		e.state.Progress = insights.Progress{}
	}
}
