package store

import (
	"context"
	"fmt"
	"time"

	"github.com/onllm-dev/onstride/internal/engine"
)

// RecordSyncRun stores a reconciliation summary.
func (s *Store) RecordSyncRun(ctx context.Context, run engine.SyncRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_runs
		(id, trigger_kind, started_at, ended_at, days_fetched, days_failed, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Trigger,
		formatTime(run.StartedAt), formatTime(run.EndedAt),
		run.DaysFetched, run.DaysFailed, run.Outcome, run.Error,
	)
	if err != nil {
		return fmt.Errorf("store.RecordSyncRun: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]engine.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_kind, started_at, ended_at, days_fetched, days_failed, outcome, error
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store.ListSyncRuns: %w", err)
	}
	defer rows.Close()

	var runs []engine.SyncRun
	for rows.Next() {
		var r engine.SyncRun
		var startedAt, endedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &startedAt, &endedAt,
			&r.DaysFetched, &r.DaysFailed, &r.Outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("store.ListSyncRuns: scan: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.EndedAt = parseTime(endedAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListSyncRuns: %w", err)
	}
	return runs, nil
}

// DeleteSyncRunsBefore prunes the run log.
func (s *Store) DeleteSyncRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_runs WHERE started_at < ?",
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("store.DeleteSyncRunsBefore: %w", err)
	}
	return res.RowsAffected()
}
