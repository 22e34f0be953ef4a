package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// MigrationResult contains the results of a data cleanup migration
type MigrationResult struct {
	Table       string
	RowsChecked int
	RowsDeleted int
}

// RunMetricsCleanupIfNeeded removes cached days that could never be served:
// rows whose key is not a calendar day and rows with negative or non-finite
// values. It runs once per migration version.
func (s *Store) RunMetricsCleanupIfNeeded(logger *slog.Logger) (*MigrationResult, error) {
	const migrationKey = "metrics_cleanup_v1"

	if logger == nil {
		logger = slog.Default()
	}

	var completed string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, migrationKey).Scan(&completed)
	if err == nil && completed == "completed" {
		logger.Debug("Metrics cleanup already completed, skipping")
		return nil, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}

	bad, checked, err := s.findBadMetricRows()
	if err != nil {
		return nil, fmt.Errorf("failed to scan daily metrics: %w", err)
	}

	result := &MigrationResult{Table: "daily_metrics", RowsChecked: checked}
	for _, day := range bad {
		if _, err := s.db.Exec(`DELETE FROM daily_metrics WHERE day = ?`, day); err != nil {
			return result, fmt.Errorf("failed to delete bad row %q: %w", day, err)
		}
		result.RowsDeleted++
		logger.Info("Removed unusable cached day", "day", day)
	}

	if err := s.SetSetting(migrationKey, "completed"); err != nil {
		return result, fmt.Errorf("failed to mark migration complete: %w", err)
	}
	logger.Info("Metrics cleanup complete", "checked", result.RowsChecked, "deleted", result.RowsDeleted)
	return result, nil
}

// findBadMetricRows collects keys first so no statement runs while rows are open.
func (s *Store) findBadMetricRows() ([]string, int, error) {
	rows, err := s.db.Query(`SELECT day, step_count, active_energy FROM daily_metrics`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var bad []string
	checked := 0
	for rows.Next() {
		var day string
		var steps, energy float64
		if err := rows.Scan(&day, &steps, &energy); err != nil {
			return nil, checked, err
		}
		checked++
		if _, err := metrics.ParseDayKey(day, time.UTC); err != nil {
			bad = append(bad, day)
			continue
		}
		if !finiteNonNegative(steps) || !finiteNonNegative(energy) {
			bad = append(bad, day)
		}
	}
	return bad, checked, rows.Err()
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
