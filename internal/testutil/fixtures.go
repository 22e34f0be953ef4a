package testutil

import (
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// DayResponse is the bridge payload for one day.
func DayResponse(key string, steps, energy float64) map[string]interface{} {
	return map[string]interface{}{
		"date":               key,
		"steps":              steps,
		"active_energy_kcal": energy,
	}
}

// Week returns consecutive records ending today, oldest first. steps[i]
// belongs to today-(len(steps)-1-i); energy is a tenth of steps.
func Week(today time.Time, steps ...float64) []metrics.DailyMetric {
	start := metrics.StartOfDay(today).AddDate(0, 0, -(len(steps) - 1))
	out := make([]metrics.DailyMetric, len(steps))
	for i, s := range steps {
		out[i] = metrics.DailyMetric{
			Date:         start.AddDate(0, 0, i),
			StepCount:    s,
			ActiveEnergy: s / 10,
		}
	}
	return out
}

// SeedBridge loads records into a bridge.
func SeedBridge(b *Bridge, records []metrics.DailyMetric) {
	for _, m := range records {
		b.SetDay(metrics.DayKey(m.Date), m.StepCount, m.ActiveEnergy)
	}
}
