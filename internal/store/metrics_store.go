package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// Get returns the cached record for the calendar day containing day, or nil
// if there is none.
func (s *Store) Get(ctx context.Context, day time.Time) (*metrics.DailyMetric, error) {
	var steps, energy float64
	err := s.db.QueryRowContext(ctx,
		"SELECT step_count, active_energy FROM daily_metrics WHERE day = ?",
		metrics.DayKey(day),
	).Scan(&steps, &energy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Get: %w", err)
	}
	return &metrics.DailyMetric{Date: metrics.StartOfDay(day), StepCount: steps, ActiveEnergy: energy}, nil
}

// GetRange returns cached records from start's day through end's day
// inclusive, ascending. Days without a record are absent.
func (s *Store) GetRange(ctx context.Context, start, end time.Time) ([]metrics.DailyMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, step_count, active_energy FROM daily_metrics
		WHERE day >= ? AND day <= ? ORDER BY day ASC`,
		metrics.DayKey(start), metrics.DayKey(end),
	)
	if err != nil {
		return nil, fmt.Errorf("store.GetRange: %w", err)
	}
	defer rows.Close()

	loc := start.Location()
	var out []metrics.DailyMetric
	for rows.Next() {
		var key string
		var m metrics.DailyMetric
		if err := rows.Scan(&key, &m.StepCount, &m.ActiveEnergy); err != nil {
			return nil, fmt.Errorf("store.GetRange: scan: %w", err)
		}
		d, err := metrics.ParseDayKey(key, loc)
		if err != nil {
			return nil, fmt.Errorf("store.GetRange: bad day %q: %w", key, err)
		}
		m.Date = d
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.GetRange: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces the record for day.
func (s *Store) Upsert(ctx context.Context, day time.Time, steps, energy float64) error {
	now := formatTime(s.clock())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_metrics (day, step_count, active_energy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			step_count = excluded.step_count,
			active_energy = excluded.active_energy,
			updated_at = excluded.updated_at`,
		metrics.DayKey(day), steps, energy, now, now,
	)
	if err != nil {
		return fmt.Errorf("store.Upsert: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records for days before the start of today minus
// days. It returns the number of rows removed.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := metrics.StartOfDay(s.clock()).AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, "DELETE FROM daily_metrics WHERE day < ?", metrics.DayKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store.DeleteOlderThan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store.DeleteOlderThan: %w", err)
	}
	return n, nil
}
