// Package api provides a client for the health bridge, the HTTP service that
// exposes per-day step and active energy totals.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/sony/gobreaker"
)

// Custom errors for different failure modes.
var (
	ErrUnauthorized    = errors.New("api: unauthorized - invalid bridge token")
	ErrServerError     = errors.New("api: server error")
	ErrNetworkError    = errors.New("api: network error")
	ErrInvalidResponse = errors.New("api: invalid response")
	ErrCircuitOpen     = errors.New("api: circuit open")
)

// Client is an HTTP client for the health bridge. It implements the engine's
// metrics source.
type Client struct {
	httpClient     *http.Client
	token          string
	baseURL        string
	logger         *slog.Logger
	breaker        *gobreaker.CircuitBreaker
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets a custom timeout (for testing).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRetry sets the retry budget for transient failures.
func WithRetry(maxRetries uint64, initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.initialBackoff = initial
		c.maxBackoff = maxInterval
	}
}

// WithBreakerSettings replaces the circuit breaker.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(st)
	}
}

// NewClient creates a new bridge client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          8,
				MaxIdleConnsPerHost:   8,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		token:          token,
		baseURL:        "http://127.0.0.1:9312",
		logger:         logger,
		maxRetries:     2,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     2 * time.Second,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bridge",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
		}),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type statusResponse struct {
	Status string `json:"status"`
}

type requestResponse struct {
	Granted bool `json:"granted"`
}

type dayResponse struct {
	Date             string   `json:"date"`
	Steps            *float64 `json:"steps"`
	ActiveEnergyKcal *float64 `json:"active_energy_kcal"`
}

// response is what the breaker sees as a successful call: any answer that
// is not a transient server failure.
type response struct {
	status int
	body   []byte
}

// AuthorizationStatus returns the bridge's read-permission status. A bridge
// without a health store reports unavailable.
func (c *Client) AuthorizationStatus(ctx context.Context) (metrics.AuthorizationStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/authorization", nil)
	if err != nil {
		return "", err
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNotImplemented:
		return metrics.Unavailable, nil
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	default:
		return "", fmt.Errorf("api: unexpected status code %d", resp.status)
	}

	var sr statusResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return metrics.ParseAuthorizationStatus(sr.Status), nil
}

// RequestAuthorization asks the bridge to prompt for read access. The result
// only says whether the prompt completed, not whether access was granted.
func (c *Client) RequestAuthorization(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/authorization", []byte(`{}`))
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return false, ErrUnauthorized
	case http.StatusNotFound, http.StatusNotImplemented:
		return false, metrics.ErrUnavailable
	default:
		return false, fmt.Errorf("api: unexpected status code %d", resp.status)
	}

	var rr requestResponse
	if err := json.Unmarshal(resp.body, &rr); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return rr.Granted, nil
}

// FetchDay returns totals for the calendar day containing day. Missing values
// are zero. Failures are *metrics.FetchError except context cancellation.
func (c *Client) FetchDay(ctx context.Context, day time.Time) (metrics.DailyMetric, error) {
	key := metrics.DayKey(day)
	resp, err := c.do(ctx, http.MethodGet, "/v1/days/"+key, nil)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.DailyMetric{}, ctx.Err()
		}
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindQueryFailed, day, err)
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusForbidden:
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindAuthorizationDenied, day, nil)
	case http.StatusNotFound, http.StatusNotImplemented:
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindUnavailable, day, nil)
	case http.StatusUnauthorized:
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindQueryFailed, day, ErrUnauthorized)
	default:
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindQueryFailed, day,
			fmt.Errorf("api: unexpected status code %d", resp.status))
	}

	if len(resp.body) == 0 {
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindInvalidData, day,
			fmt.Errorf("%w: empty response body", ErrInvalidResponse))
	}
	var dr dayResponse
	if err := json.Unmarshal(resp.body, &dr); err != nil {
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindInvalidData, day,
			fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	if dr.Date != "" && dr.Date != key {
		return metrics.DailyMetric{}, metrics.NewFetchError(metrics.KindInvalidData, day,
			fmt.Errorf("%w: asked for %s, got %s", ErrInvalidResponse, key, dr.Date))
	}

	m := metrics.Zero(day)
	if dr.Steps != nil {
		m.StepCount = *dr.Steps
	}
	if dr.ActiveEnergyKcal != nil {
		m.ActiveEnergy = *dr.ActiveEnergyKcal
	}
	c.logger.Debug("Day fetched from bridge", "day", key, "steps", m.StepCount, "energy", m.ActiveEnergy)
	return m, nil
}

// do performs one logical request: transient failures are retried with
// exponential backoff, every attempt goes through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*response, error) {
	url := c.baseURL + path
	requestID := uuid.NewString()

	c.logger.Debug("Bridge request",
		"method", method,
		"url", url,
		"request_id", requestID,
		"token", redactToken(c.token),
	)

	var out *response
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.attempt(ctx, method, url, requestID, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		out = result.(*response)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying bridge request", "url", url, "request_id", requestID, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	c.logger.Debug("Bridge response received", "url", url, "status", out.status)
	return out, nil
}

// attempt is a single HTTP round trip. Only network errors and 5xx/429 are
// returned as errors so that the breaker counts just those.
func (c *Client) attempt(ctx context.Context, method, url, requestID string, body []byte) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("api: creating request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "onstride/1.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	// Bounded to 64KB.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrNetworkError, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// redactToken masks the bridge token for logging.
func redactToken(token string) string {
	if token == "" {
		return "(empty)"
	}
	if len(token) < 12 {
		return "***...***"
	}
	return token[:4] + "***...***" + token[len(token)-3:]
}
