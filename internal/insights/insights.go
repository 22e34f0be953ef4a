// Package insights derives comparative facts from a 7-day activity series.
// Everything here is pure: no I/O, no clocks, no shared state.
package insights

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/onllm-dev/onstride/internal/metrics"
)

// Goals normalizes steps and energy into a single day score. The defaults
// match the daily targets shown in the goal rings.
type Goals struct {
	StepGoal   float64 `json:"stepGoal" validate:"gt=0,lte=1000000"`
	EnergyGoal float64 `json:"energyGoal" validate:"gt=0,lte=100000"`
}

// DefaultGoals returns 10,000 steps and 500 kcal.
func DefaultGoals() Goals {
	return Goals{StepGoal: 10000, EnergyGoal: 500}
}

// Valid reports whether both goals are positive and finite.
func (g Goals) Valid() bool {
	return g.StepGoal > 0 && g.EnergyGoal > 0 &&
		!math.IsInf(g.StepGoal, 0) && !math.IsInf(g.EnergyGoal, 0)
}

// Direction is the sign of a week-over-week change.
type Direction string

const (
	Ahead  Direction = "ahead"
	Behind Direction = "behind"
	Same   Direction = "same"
	None   Direction = "none" // no prior week to compare against
)

// Comparison is the numeric result behind the week comparison insight.
type Comparison struct {
	CurrentAvg    float64   `json:"currentAvg"`
	PreviousAvg   float64   `json:"previousAvg"`
	PercentChange int       `json:"percentChange"`
	Direction     Direction `json:"direction"`
}

// Calculator computes insights with a fixed set of goals.
type Calculator struct {
	goals Goals
}

// New creates a Calculator. Invalid goals fall back to DefaultGoals.
func New(goals Goals) *Calculator {
	if !goals.Valid() {
		goals = DefaultGoals()
	}
	return &Calculator{goals: goals}
}

// Goals returns the goals in use.
func (c *Calculator) Goals() Goals { return c.goals }

// Score is steps/stepGoal + energy/energyGoal.
func (c *Calculator) Score(m metrics.DailyMetric) float64 {
	return m.StepCount/c.goals.StepGoal + m.ActiveEnergy/c.goals.EnergyGoal
}

// BestDay returns the highest scoring entry; ties go to the later date.
// ok is false only for an empty series.
func (c *Calculator) BestDay(series []metrics.DailyMetric) (metrics.DailyMetric, bool) {
	if len(series) == 0 {
		return metrics.DailyMetric{}, false
	}
	best := series[0]
	bestScore := c.Score(best)
	for _, m := range series[1:] {
		s := c.Score(m)
		if s > bestScore || (s == bestScore && m.Date.After(best.Date)) {
			best, bestScore = m, s
		}
	}
	return best, true
}

// Compare computes the week-over-week step change. An empty or all-zero
// previous series yields Direction None instead of dividing by zero.
func Compare(current, previous []metrics.DailyMetric) Comparison {
	cmp := Comparison{
		CurrentAvg:  AverageSteps(current),
		PreviousAvg: AverageSteps(previous),
		Direction:   None,
	}
	if len(previous) == 0 || cmp.PreviousAvg == 0 {
		return cmp
	}
	pct := (cmp.CurrentAvg - cmp.PreviousAvg) / cmp.PreviousAvg * 100
	cmp.PercentChange = int(math.Round(pct))
	switch {
	case cmp.PercentChange > 0:
		cmp.Direction = Ahead
	case cmp.PercentChange < 0:
		cmp.Direction = Behind
	default:
		cmp.Direction = Same
	}
	return cmp
}

// AverageSteps is the mean step count, 0 for an empty series.
func AverageSteps(series []metrics.DailyMetric) float64 {
	if len(series) == 0 {
		return 0
	}
	var total float64
	for _, m := range series {
		total += m.StepCount
	}
	return total / float64(len(series))
}

// Compute returns best-day, week-comparison and rolling-average insights in
// that order. previous is the cached series for 13..7 days ago and may be
// sparse or empty. An empty current series yields no insights.
func (c *Calculator) Compute(current, previous []metrics.DailyMetric) []metrics.Insight {
	if len(current) == 0 {
		return nil
	}
	out := make([]metrics.Insight, 0, 3)

	if best, ok := c.BestDay(current); ok {
		out = append(out, metrics.Insight{
			Title: "Best day this week",
			Subtitle: fmt.Sprintf("%s · %s steps · %s cal",
				best.Date.Weekday(), formatCount(best.StepCount), formatCount(best.ActiveEnergy)),
			IconTag: metrics.IconChart,
		})
	}

	out = append(out, comparisonInsight(Compare(current, previous)))

	out = append(out, metrics.Insight{
		Title:    "7-day average",
		Subtitle: formatCount(AverageSteps(current)) + " steps / day",
		IconTag:  metrics.IconWalking,
	})
	return out
}

func comparisonInsight(cmp Comparison) metrics.Insight {
	in := metrics.Insight{Title: "Compared to last week"}
	switch cmp.Direction {
	case Ahead:
		in.Subtitle = fmt.Sprintf("You're +%d%% ahead", cmp.PercentChange)
		in.IconTag = metrics.IconAhead
	case Behind:
		in.Subtitle = fmt.Sprintf("You're %d%% behind", -cmp.PercentChange)
		in.IconTag = metrics.IconBehind
	case Same:
		in.Subtitle = "Same as last week"
		in.IconTag = metrics.IconEqual
	default:
		if cmp.CurrentAvg > 0 {
			in.Subtitle = "Great start this week!"
			in.IconTag = metrics.IconAhead
		} else {
			in.Subtitle = "No data to compare"
			in.IconTag = metrics.IconEqual
		}
	}
	return in
}

func formatCount(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}

// Progress is how far a day is toward each goal, capped at 150%.
type Progress struct {
	Steps  float64 `json:"steps"`
	Energy float64 `json:"energy"`
}

const progressCap = 1.5

// RingProgress computes goal ring fill for one day.
func (c *Calculator) RingProgress(m metrics.DailyMetric) Progress {
	return Progress{
		Steps:  math.Min(m.StepCount/c.goals.StepGoal, progressCap),
		Energy: math.Min(m.ActiveEnergy/c.goals.EnergyGoal, progressCap),
	}
}
