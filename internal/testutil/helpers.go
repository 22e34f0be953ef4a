// Package testutil provides shared helpers, fixtures and a fake health bridge
// for onStride tests.
package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/onllm-dev/onstride/internal/config"
	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/onllm-dev/onstride/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// InMemoryStoreWithDays creates an in-memory store with its clock set to now
// and pre-populated with records.
func InMemoryStoreWithDays(t *testing.T, now time.Time, records []metrics.DailyMetric) *store.Store {
	t.Helper()
	s := InMemoryStore(t)
	s.SetClock(FixedClock(now))
	ctx := t.Context()
	for _, m := range records {
		if err := s.Upsert(ctx, m.Date, m.StepCount, m.ActiveEnergy); err != nil {
			t.Fatalf("InMemoryStoreWithDays: upsert %s: %v", metrics.DayKey(m.Date), err)
		}
	}
	return s
}

// TestConfig creates a Config suitable for testing against a bridge at bridgeURL.
func TestConfig(bridgeURL string) *config.Config {
	return &config.Config{
		BridgeURL:        bridgeURL,
		BridgeToken:      "bridge_test_token_12345",
		RefreshInterval:  60 * time.Second,
		RetentionDays:    30,
		FetchConcurrency: 7,
		SettleDelay:      10 * time.Millisecond,
		StepGoal:         10000,
		EnergyGoal:       500,
		Port:             9311,
		Host:             "127.0.0.1",
		AdminUser:        "admin",
		AdminPass:        "testpass",
		DBPath:           ":memory:",
		Cache:            config.CacheSQLite,
		LogLevel:         "debug",
		DebugMode:        true,
		TestMode:         true,
	}
}
