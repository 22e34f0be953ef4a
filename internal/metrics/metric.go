// Package metrics defines the daily health data model shared by the sync
// engine, the caches and the HTTP surface.
package metrics

import (
	"math"
	"time"
)

// WindowDays is the size of the rolling window shown to the user.
const WindowDays = 7

// DailyMetric is one calendar day's observed activity.
// Date is always normalized to local midnight and is the identity key.
type DailyMetric struct {
	Date         time.Time `json:"date"`
	StepCount    float64   `json:"stepCount"`
	ActiveEnergy float64   `json:"activeEnergy"` // kcal
}

// Zero returns an empty record for the calendar day containing t.
func Zero(t time.Time) DailyMetric {
	return DailyMetric{Date: StartOfDay(t)}
}

// Valid reports whether both values are finite and non-negative.
func (m DailyMetric) Valid() bool {
	for _, v := range []float64{m.StepCount, m.ActiveEnergy} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}

// IsZero reports whether the record carries no activity.
func (m DailyMetric) IsZero() bool {
	return m.StepCount == 0 && m.ActiveEnergy == 0
}

// AuthorizationStatus is the coarse permission state reported by a source.
type AuthorizationStatus string

const (
	Authorized    AuthorizationStatus = "authorized"
	Denied        AuthorizationStatus = "denied"
	NotDetermined AuthorizationStatus = "not_determined"
	Unavailable   AuthorizationStatus = "unavailable"
)

// ParseAuthorizationStatus maps a wire value to a status. Unknown values map
// to Unavailable.
func ParseAuthorizationStatus(s string) AuthorizationStatus {
	switch AuthorizationStatus(s) {
	case Authorized, Denied, NotDetermined:
		return AuthorizationStatus(s)
	default:
		return Unavailable
	}
}

// StateKind enumerates the view states.
type StateKind string

const (
	StateLoading StateKind = "loading"
	StateLoaded  StateKind = "loaded"
	StateEmpty   StateKind = "empty"
	StateError   StateKind = "error"
)

// ViewState is the state exposed to the presentation layer.
// Message is only set for StateError.
type ViewState struct {
	Kind    StateKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

var (
	Loading = ViewState{Kind: StateLoading}
	Loaded  = ViewState{Kind: StateLoaded}
	Empty   = ViewState{Kind: StateEmpty}
)

// ErrorState builds an error view state with a short user-facing message.
func ErrorState(msg string) ViewState {
	return ViewState{Kind: StateError, Message: msg}
}

// Icon tags understood by the presentation layer.
const (
	IconChart   = "chart.bar.fill"
	IconAhead   = "arrow.up.right"
	IconBehind  = "arrow.down.right"
	IconEqual   = "equal"
	IconWalking = "figure.walk.circle.fill"
)

// Insight is a derived, human-readable fact. Never persisted.
type Insight struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	IconTag  string `json:"iconTag"`
}
