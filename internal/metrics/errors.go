package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FetchErrorKind classifies why a per-day fetch failed.
type FetchErrorKind string

const (
	KindUnavailable         FetchErrorKind = "unavailable"
	KindAuthorizationDenied FetchErrorKind = "authorization_denied"
	KindQueryFailed         FetchErrorKind = "query_failed"
	KindInvalidData         FetchErrorKind = "invalid_data"
)

// Retryable reports whether a later refresh may succeed without user action.
func (k FetchErrorKind) Retryable() bool {
	return k == KindQueryFailed || k == KindInvalidData
}

// FetchError is the error type returned by metric sources.
type FetchError struct {
	Kind FetchErrorKind
	Day  time.Time // zero when not tied to a day
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrUnavailable         = &FetchError{Kind: KindUnavailable}
	ErrAuthorizationDenied = &FetchError{Kind: KindAuthorizationDenied}
	ErrQueryFailed         = &FetchError{Kind: KindQueryFailed}
	ErrInvalidData         = &FetchError{Kind: KindInvalidData}
)

// NewFetchError wraps err with a kind and the day it concerns.
func NewFetchError(kind FetchErrorKind, day time.Time, err error) *FetchError {
	return &FetchError{Kind: kind, Day: day, Err: err}
}

func (e *FetchError) Error() string {
	msg := "metrics: " + string(e.Kind)
	if !e.Day.IsZero() {
		msg += " for " + DayKey(e.Day)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches any FetchError of the same kind.
func (e *FetchError) Is(target error) bool {
	var t *FetchError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// AsFetchError classifies err into the fetch taxonomy. Unknown errors become
// QueryFailed. Context cancellation is returned as-is with ok=false so callers
// can tell teardown apart from a source failure.
func AsFetchError(err error, day time.Time) (*FetchError, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) {
		return nil, false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return NewFetchError(KindQueryFailed, day, fmt.Errorf("unclassified: %w", err)), true
}
