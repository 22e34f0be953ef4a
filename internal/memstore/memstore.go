// Package memstore is an in-memory daily metrics cache. It backs the
// ephemeral mode and serves as a test double for the engine.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// Cache stores one record per calendar day.
type Cache struct {
	mu   sync.RWMutex
	days map[string]metrics.DailyMetric
	now  func() time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{days: make(map[string]metrics.DailyMetric), now: time.Now}
}

// SetClock overrides time.Now for retention (for testing).
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the record for the calendar day containing day, or nil if
// there is none.
func (c *Cache) Get(_ context.Context, day time.Time) (*metrics.DailyMetric, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.days[metrics.DayKey(day)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// GetRange returns records from start's day through end's day inclusive,
// ascending. Days are compared in start's location; missing days are absent.
func (c *Cache) GetRange(_ context.Context, start, end time.Time) ([]metrics.DailyMetric, error) {
	from := metrics.StartOfDay(start)
	to := metrics.StartOfDay(end)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []metrics.DailyMetric
	for _, m := range c.days {
		d := metrics.StartOfDay(m.Date.In(start.Location()))
		if !d.Before(from) && !d.After(to) {
			out = append(out, m)
		}
	}
	metrics.SortByDate(out)
	return out, nil
}

// Upsert creates or replaces the record for day.
func (c *Cache) Upsert(_ context.Context, day time.Time, steps, energy float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.days[metrics.DayKey(day)] = metrics.DailyMetric{
		Date:         metrics.StartOfDay(day),
		StepCount:    steps,
		ActiveEnergy: energy,
	}
	return nil
}

// DeleteOlderThan removes records for days before the start of today minus
// days and returns how many were removed.
func (c *Cache) DeleteOlderThan(_ context.Context, days int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := metrics.StartOfDay(c.now()).AddDate(0, 0, -days)
	var n int64
	for k, m := range c.days {
		if m.Date.Before(cutoff) {
			delete(c.days, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored days.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.days)
}
