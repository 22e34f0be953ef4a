package insights

import (
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// week builds a 7-day series ending 2026-03-14 (a Saturday) with the given steps.
func week(steps ...float64) []metrics.DailyMetric {
	start := time.Date(2026, 3, 8, 0, 0, 0, 0, time.Local)
	out := make([]metrics.DailyMetric, len(steps))
	for i, s := range steps {
		out[i] = metrics.DailyMetric{Date: start.AddDate(0, 0, i), StepCount: s}
	}
	return out
}

func TestBestDay_TieGoesToLaterDate(t *testing.T) {
	c := New(DefaultGoals())
	a := metrics.DailyMetric{Date: time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local), StepCount: 10000}
	b := metrics.DailyMetric{Date: time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local), ActiveEnergy: 500}

	if c.Score(a) != 1.0 || c.Score(b) != 1.0 {
		t.Fatalf("scores = %v, %v; want 1.0 each", c.Score(a), c.Score(b))
	}
	for _, series := range [][]metrics.DailyMetric{{a, b}, {b, a}} {
		best, ok := c.BestDay(series)
		if !ok || !best.Date.Equal(b.Date) {
			t.Errorf("BestDay = %v, want later date %v", best.Date, b.Date)
		}
	}
}

func TestBestDay_AllZeroStillReturnsDay(t *testing.T) {
	c := New(DefaultGoals())
	series := week(0, 0, 0, 0, 0, 0, 0)
	best, ok := c.BestDay(series)
	if !ok {
		t.Fatal("expected a best day for an all-zero series")
	}
	if !best.Date.Equal(series[6].Date) {
		t.Errorf("all-zero tie should pick the latest date, got %v", best.Date)
	}
	if _, ok := c.BestDay(nil); ok {
		t.Error("empty series should have no best day")
	}
}

func TestCompare_AheadByTenPercent(t *testing.T) {
	cur := week(8800, 8800, 8800, 8800, 8800, 8800, 8800)
	prev := week(8000, 8000, 8000, 8000, 8000, 8000, 8000)

	cmp := Compare(cur, prev)
	if cmp.PercentChange != 10 || cmp.Direction != Ahead {
		t.Fatalf("Compare = %+v, want +10 ahead", cmp)
	}

	got := New(DefaultGoals()).Compute(cur, prev)
	if len(got) != 3 {
		t.Fatalf("expected 3 insights, got %d", len(got))
	}
	if !strings.Contains(got[1].Subtitle, "+10%") {
		t.Errorf("subtitle %q should contain +10%%", got[1].Subtitle)
	}
	if got[1].IconTag != metrics.IconAhead {
		t.Errorf("icon = %q, want %q", got[1].IconTag, metrics.IconAhead)
	}
}

func TestCompare_Directions(t *testing.T) {
	tests := []struct {
		name    string
		cur     float64
		prev    float64
		pct     int
		dir     Direction
		icon    string
		subtext string
	}{
		{"behind", 7000, 8000, -13, Behind, metrics.IconBehind, "13% behind"},
		{"same", 8000, 8000, 0, Same, metrics.IconEqual, "Same as last week"},
		{"rounds to same", 8003, 8000, 0, Same, metrics.IconEqual, "Same as last week"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := week(tt.cur, tt.cur, tt.cur, tt.cur, tt.cur, tt.cur, tt.cur)
			prev := week(tt.prev, tt.prev)
			cmp := Compare(cur, prev)
			if cmp.PercentChange != tt.pct || cmp.Direction != tt.dir {
				t.Fatalf("Compare = %+v", cmp)
			}
			in := comparisonInsight(cmp)
			if in.IconTag != tt.icon || !strings.Contains(in.Subtitle, tt.subtext) {
				t.Errorf("insight = %+v", in)
			}
		})
	}
}

func TestCompute_NoPreviousWeek(t *testing.T) {
	c := New(DefaultGoals())

	got := c.Compute(week(1000, 2000, 0, 0, 0, 0, 0), nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 insights, got %d", len(got))
	}
	if got[1].Subtitle != "Great start this week!" || got[1].IconTag != metrics.IconAhead {
		t.Errorf("no-comparison variant = %+v", got[1])
	}

	got = c.Compute(week(0, 0, 0, 0, 0, 0, 0), week(0, 0))
	if got[1].Subtitle != "No data to compare" || got[1].IconTag != metrics.IconEqual {
		t.Errorf("zero-data variant = %+v", got[1])
	}
}

func TestCompute_OrderAndCopy(t *testing.T) {
	c := New(DefaultGoals())
	cur := week(1000, 12345, 3000, 4000, 5000, 6000, 7000)
	cur[1].ActiveEnergy = 456

	got := c.Compute(cur, week(5000))
	titles := []string{"Best day this week", "Compared to last week", "7-day average"}
	for i, want := range titles {
		if got[i].Title != want {
			t.Errorf("insight %d title = %q, want %q", i, got[i].Title, want)
		}
	}
	if got[0].Subtitle != "Monday · 12,345 steps · 456 cal" {
		t.Errorf("best day subtitle = %q", got[0].Subtitle)
	}
	if got[2].Subtitle != "5,478 steps / day" {
		t.Errorf("average subtitle = %q", got[2].Subtitle)
	}
	if c.Compute(nil, nil) != nil {
		t.Error("empty current series should yield no insights")
	}
}

func TestCustomGoalsChangeBestDay(t *testing.T) {
	cur := []metrics.DailyMetric{
		{Date: time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local), StepCount: 12000},
		{Date: time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), ActiveEnergy: 700},
	}
	if best, _ := New(DefaultGoals()).BestDay(cur); !best.Date.Equal(cur[1].Date) {
		t.Errorf("default goals should favour energy day, got %v", best.Date)
	}
	stepHeavy := New(Goals{StepGoal: 5000, EnergyGoal: 2000})
	if best, _ := stepHeavy.BestDay(cur); !best.Date.Equal(cur[0].Date) {
		t.Errorf("step-weighted goals should favour step day, got %v", best.Date)
	}
}

func TestNew_InvalidGoalsFallBack(t *testing.T) {
	if g := New(Goals{StepGoal: 0, EnergyGoal: 500}).Goals(); g != DefaultGoals() {
		t.Errorf("Goals() = %+v, want defaults", g)
	}
}

func TestRingProgress_Capped(t *testing.T) {
	c := New(DefaultGoals())
	p := c.RingProgress(metrics.DailyMetric{StepCount: 30000, ActiveEnergy: 250})
	if p.Steps != 1.5 {
		t.Errorf("steps progress = %v, want cap 1.5", p.Steps)
	}
	if p.Energy != 0.5 {
		t.Errorf("energy progress = %v, want 0.5", p.Energy)
	}
}
