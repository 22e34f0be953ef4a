// Package onboard drives the first-launch authorization request and decides
// which surface to show on launch.
package onboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// RequestedKey is the settings key recording that the user has been asked.
const RequestedKey = "has_requested_authorization"

// DefaultSettleDelay is how long to wait after a request before re-checking
// status. The source may report a stale status immediately after the prompt.
const DefaultSettleDelay = 800 * time.Millisecond

// Route is the launch destination.
type Route string

const (
	RouteOnboarding Route = "onboarding"
	RouteHome       Route = "home"
	RouteLimited    Route = "limited"
)

// Authorizer is the subset of the metrics source used by onboarding.
type Authorizer interface {
	AuthorizationStatus(ctx context.Context) (metrics.AuthorizationStatus, error)
	RequestAuthorization(ctx context.Context) (bool, error)
}

// Settings persists the requested flag.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Flow runs onboarding.
type Flow struct {
	source      Authorizer
	settings    Settings
	settleDelay time.Duration
	logger      *slog.Logger
}

// NewFlow creates a Flow. A negative settleDelay is treated as zero.
func NewFlow(source Authorizer, settings Settings, settleDelay time.Duration, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if settleDelay < 0 {
		settleDelay = 0
	}
	return &Flow{source: source, settings: settings, settleDelay: settleDelay, logger: logger}
}

// HasRequested reports whether the user was ever asked for access.
func (f *Flow) HasRequested() (bool, error) {
	v, err := f.settings.GetSetting(RequestedKey)
	if err != nil {
		return false, fmt.Errorf("onboard.HasRequested: %w", err)
	}
	return v == "true", nil
}

// RequestAccess asks the source for access, records that the request was
// made, waits for the settle delay and returns the re-checked status.
// A status that is still not determined after a request is reported as denied.
func (f *Flow) RequestAccess(ctx context.Context) (metrics.AuthorizationStatus, error) {
	granted, err := f.source.RequestAuthorization(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.NotDetermined, ctx.Err()
		}
		f.logger.Warn("Authorization request failed", "error", err)
	} else {
		f.logger.Info("Authorization prompt completed", "granted", granted)
	}

	// The prompt was shown (or attempted); never route back to onboarding.
	if err := f.settings.SetSetting(RequestedKey, "true"); err != nil {
		return metrics.NotDetermined, fmt.Errorf("onboard.RequestAccess: %w", err)
	}

	if f.settleDelay > 0 {
		timer := time.NewTimer(f.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return metrics.NotDetermined, ctx.Err()
		case <-timer.C:
		}
	}

	status, err := f.source.AuthorizationStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.NotDetermined, ctx.Err()
		}
		f.logger.Warn("Authorization status check failed", "error", err)
		return metrics.Unavailable, nil
	}
	if status == metrics.NotDetermined {
		status = metrics.Denied
	}
	f.logger.Info("Authorization status settled", "status", status)
	return status, nil
}

// Route picks the launch destination.
func (f *Flow) Route(ctx context.Context) (Route, error) {
	requested, err := f.HasRequested()
	if err != nil {
		return "", err
	}
	if !requested {
		return RouteOnboarding, nil
	}
	status, err := f.source.AuthorizationStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.logger.Warn("Authorization status check failed", "error", err)
		return RouteLimited, nil
	}
	if status == metrics.Authorized {
		return RouteHome, nil
	}
	return RouteLimited, nil
}
