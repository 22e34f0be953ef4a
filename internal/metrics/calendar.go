package metrics

import (
	"slices"
	"time"
)

// DayKeyLayout is the storage key format for a calendar day.
const DayKeyLayout = "2006-01-02"

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar day. b is
// compared in a's location so a stored UTC instant still matches its local day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// DayKey formats the calendar day of t.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// ParseDayKey parses a day key as local midnight in loc.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DayKeyLayout, key, loc)
}

// WindowDates returns n calendar days ending at today's day, oldest first.
// AddDate keeps DST days aligned to midnight.
func WindowDates(today time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	end := StartOfDay(today)
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		out[i] = end.AddDate(0, 0, i-(n-1))
	}
	return out
}

// SortByDate orders metrics ascending by date in place.
func SortByDate(ms []DailyMetric) {
	slices.SortStableFunc(ms, func(a, b DailyMetric) int {
		return a.Date.Compare(b.Date)
	})
}

// FindDay locates the entry for day by calendar-day equality. When no entry
// matches it falls back to the chronologically last entry. ok is false only
// for an empty series.
func FindDay(series []DailyMetric, day time.Time) (DailyMetric, bool) {
	if len(series) == 0 {
		return DailyMetric{}, false
	}
	for _, m := range series {
		if SameDay(day, m.Date) {
			return m, true
		}
	}
	last := series[0]
	for _, m := range series[1:] {
		if m.Date.After(last.Date) {
			last = m
		}
	}
	return last, true
}

// GapFill turns a sparse set of records into exactly n entries covering the n
// days ending at today, oldest first. Days without a record get zero values.
// Filling a complete series returns an equal series.
func GapFill(records []DailyMetric, today time.Time, n int) []DailyMetric {
	days := WindowDates(today, n)
	out := make([]DailyMetric, len(days))
	for i, day := range days {
		out[i] = Zero(day)
		for _, r := range records {
			if SameDay(day, r.Date) {
				out[i] = DailyMetric{Date: day, StepCount: r.StepCount, ActiveEnergy: r.ActiveEnergy}
				break
			}
		}
	}
	return out
}

// HasActivity reports whether any record carries non-zero values.
func HasActivity(ms []DailyMetric) bool {
	for _, m := range ms {
		if !m.IsZero() {
			return true
		}
	}
	return false
}
