// Package pgstore is a PostgreSQL daily metrics cache and sync-run log, for
// deployments that already run a database server.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onllm-dev/onstride/internal/engine"
	"github.com/onllm-dev/onstride/internal/metrics"

	_ "github.com/lib/pq"
)

// DB wraps a *sql.DB and implements the engine's Cache and RunRecorder.
type DB struct {
	sql *sql.DB
	now func() time.Time
}

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(connStr string) (*DB, error) {
	s, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	d := &DB{sql: s, now: time.Now}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// SetClock overrides time.Now for retention (for testing).
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS daily_metrics (day TEXT PRIMARY KEY, step_count DOUBLE PRECISION NOT NULL DEFAULT 0, active_energy DOUBLE PRECISION NOT NULL DEFAULT 0, created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL);",
		"CREATE TABLE IF NOT EXISTS sync_runs (id TEXT PRIMARY KEY, trigger_kind TEXT NOT NULL, started_at TIMESTAMPTZ NOT NULL, ended_at TIMESTAMPTZ NOT NULL, days_fetched INTEGER NOT NULL DEFAULT 0, days_failed INTEGER NOT NULL DEFAULT 0, outcome TEXT NOT NULL, error TEXT NOT NULL DEFAULT '');",
		"CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);",
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Get returns the cached record for the local calendar day containing day.
func (d *DB) Get(ctx context.Context, day time.Time) (*metrics.DailyMetric, error) {
	m := metrics.DailyMetric{Date: metrics.StartOfDay(day)}
	err := d.sql.QueryRowContext(ctx,
		"SELECT step_count, active_energy FROM daily_metrics WHERE day=$1;", metrics.DayKey(day),
	).Scan(&m.StepCount, &m.ActiveEnergy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore.Get: %w", err)
	}
	return &m, nil
}

// GetRange returns cached records from start's day through end's day, ascending.
func (d *DB) GetRange(ctx context.Context, start, end time.Time) ([]metrics.DailyMetric, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT day, step_count, active_energy FROM daily_metrics WHERE day >= $1 AND day <= $2 ORDER BY day ASC;",
		metrics.DayKey(start), metrics.DayKey(end),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore.GetRange: %w", err)
	}
	defer rows.Close()

	var out []metrics.DailyMetric
	for rows.Next() {
		var key string
		var m metrics.DailyMetric
		if err := rows.Scan(&key, &m.StepCount, &m.ActiveEnergy); err != nil {
			return nil, fmt.Errorf("pgstore.GetRange: %w", err)
		}
		if m.Date, err = metrics.ParseDayKey(key, start.Location()); err != nil {
			return nil, fmt.Errorf("pgstore.GetRange: bad day %q: %w", key, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Upsert creates or replaces the record for day.
func (d *DB) Upsert(ctx context.Context, day time.Time, steps, energy float64) error {
	now := d.now().UTC()
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO daily_metrics(day, step_count, active_energy, created_at, updated_at) VALUES($1, $2, $3, $4, $4)
		ON CONFLICT (day) DO UPDATE SET step_count=EXCLUDED.step_count, active_energy=EXCLUDED.active_energy, updated_at=EXCLUDED.updated_at;`,
		metrics.DayKey(day), steps, energy, now,
	)
	if err != nil {
		return fmt.Errorf("pgstore.Upsert: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records for days before the start of today minus days.
func (d *DB) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := metrics.StartOfDay(d.now()).AddDate(0, 0, -days)
	res, err := d.sql.ExecContext(ctx, "DELETE FROM daily_metrics WHERE day < $1;", metrics.DayKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pgstore.DeleteOlderThan: %w", err)
	}
	return res.RowsAffected()
}

// RecordSyncRun stores a reconciliation summary.
func (d *DB) RecordSyncRun(ctx context.Context, run engine.SyncRun) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO sync_runs(id, trigger_kind, started_at, ended_at, days_fetched, days_failed, outcome, error)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING;`,
		run.ID, run.Trigger, run.StartedAt.UTC(), run.EndedAt.UTC(),
		run.DaysFetched, run.DaysFailed, run.Outcome, run.Error,
	)
	if err != nil {
		return fmt.Errorf("pgstore.RecordSyncRun: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs, newest first.
func (d *DB) ListSyncRuns(ctx context.Context, limit int) ([]engine.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx,
		"SELECT id, trigger_kind, started_at, ended_at, days_fetched, days_failed, outcome, error FROM sync_runs ORDER BY started_at DESC LIMIT $1;",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore.ListSyncRuns: %w", err)
	}
	defer rows.Close()

	out := make([]engine.SyncRun, 0, limit)
	for rows.Next() {
		var r engine.SyncRun
		if err := rows.Scan(&r.ID, &r.Trigger, &r.StartedAt, &r.EndedAt, &r.DaysFetched, &r.DaysFailed, &r.Outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("pgstore.ListSyncRuns: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSyncRunsBefore prunes the run log.
func (d *DB) DeleteSyncRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM sync_runs WHERE started_at < $1;", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("pgstore.DeleteSyncRunsBefore: %w", err)
	}
	return res.RowsAffected()
}
