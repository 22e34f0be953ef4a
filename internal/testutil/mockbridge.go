package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

// DayValues are the totals the bridge reports for one day.
type DayValues struct {
	Steps  float64
	Energy float64
}

// Bridge is a fake health bridge speaking the same HTTP API as the real one.
// It is safe for concurrent use from tests and handler goroutines.
type Bridge struct {
	mux *http.ServeMux

	mu             sync.RWMutex
	token          string
	status         metrics.AuthorizationStatus
	grantOnRequest bool
	days           map[string]DayValues
	dayErrors      map[string]int
	latency        time.Duration

	injectedError atomic.Int32 // 0 = no error, >0 = HTTP status code

	dayCount     atomic.Int64
	statusCount  atomic.Int64
	requestCount atomic.Int64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeToken requires "Authorization: Bearer <token>" on every /v1 call.
func WithBridgeToken(token string) BridgeOption {
	return func(b *Bridge) { b.token = token }
}

// WithAuthorization sets the reported authorization status.
func WithAuthorization(status metrics.AuthorizationStatus) BridgeOption {
	return func(b *Bridge) { b.status = status }
}

// WithGrantOnRequest makes an authorization request flip the status to authorized.
func WithGrantOnRequest() BridgeOption {
	return func(b *Bridge) { b.grantOnRequest = true }
}

// WithDay sets the totals for a day key ("2006-01-02").
func WithDay(key string, steps, energy float64) BridgeOption {
	return func(b *Bridge) { b.days[key] = DayValues{Steps: steps, Energy: energy} }
}

// WithDayError makes requests for a day key fail with the given status.
func WithDayError(key string, status int) BridgeOption {
	return func(b *Bridge) { b.dayErrors[key] = status }
}

// WithLatency delays every day response.
func WithLatency(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.latency = d }
}

// NewBridge creates a bridge handler. Unknown days report no samples.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		status:    metrics.Authorized,
		days:      make(map[string]DayValues),
		dayErrors: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/authorization", b.handleStatus)
	mux.HandleFunc("POST /v1/authorization", b.handleRequest)
	mux.HandleFunc("GET /v1/days/{date}", b.handleDay)
	mux.HandleFunc("POST /admin/authorization", b.handleAdminAuthorization)
	mux.HandleFunc("POST /admin/day", b.handleAdminDay)
	mux.HandleFunc("POST /admin/error", b.handleAdminError)
	mux.HandleFunc("GET /admin/requests", b.handleAdminRequests)
	b.mux = mux
	return b
}

// ServeHTTP implements http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.requestCount.Add(1)
	b.mux.ServeHTTP(w, r)
}

// MockBridge is a Bridge behind an httptest.Server.
type MockBridge struct {
	*httptest.Server
	*Bridge
}

// NewMockBridge starts a bridge server that is closed when the test ends.
func NewMockBridge(t *testing.T, opts ...BridgeOption) *MockBridge {
	t.Helper()
	b := NewBridge(opts...)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return &MockBridge{Server: srv, Bridge: b}
}

func (b *Bridge) authorized(w http.ResponseWriter, r *http.Request) bool {
	if code := b.injectedError.Load(); code > 0 {
		writeJSON(w, int(code), map[string]string{"error": fmt.Sprintf("injected error %d", code)})
		return false
	}
	b.mu.RLock()
	token := b.token
	b.mu.RUnlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

// handleStatus handles GET /v1/authorization
func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	b.statusCount.Add(1)
	if !b.authorized(w, r) {
		return
	}
	b.mu.RLock()
	status := b.status
	b.mu.RUnlock()
	if status == metrics.Unavailable {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "health data unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleRequest handles POST /v1/authorization
func (b *Bridge) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	if b.grantOnRequest {
		b.status = metrics.Authorized
	} else if b.status == metrics.NotDetermined {
		b.status = metrics.Denied
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"granted": true})
}

// handleDay handles GET /v1/days/{date}
func (b *Bridge) handleDay(w http.ResponseWriter, r *http.Request) {
	b.dayCount.Add(1)
	if !b.authorized(w, r) {
		return
	}
	key := r.PathValue("date")
	if _, err := metrics.ParseDayKey(key, time.Local); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad date"})
		return
	}

	b.mu.RLock()
	status := b.status
	latency := b.latency
	code, failing := b.dayErrors[key]
	values, ok := b.days[key]
	b.mu.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case status == metrics.Unavailable:
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "health data unavailable"})
		return
	case status != metrics.Authorized:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not authorized"})
		return
	case failing:
		writeJSON(w, code, map[string]string{"error": fmt.Sprintf("injected error %d", code)})
		return
	}

	if !ok {
		// No samples recorded for the day.
		writeJSON(w, http.StatusOK, map[string]string{"date": key})
		return
	}
	writeJSON(w, http.StatusOK, DayResponse(key, values.Steps, values.Energy))
}

// handleAdminAuthorization handles POST /admin/authorization {"status": "..."}.
func (b *Bridge) handleAdminAuthorization(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	b.SetAuthorization(metrics.ParseAuthorizationStatus(payload.Status))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminDay handles POST /admin/day {"date", "steps", "active_energy_kcal"}.
func (b *Bridge) handleAdminDay(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Date   string  `json:"date"`
		Steps  float64 `json:"steps"`
		Energy float64 `json:"active_energy_kcal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := metrics.ParseDayKey(payload.Date, time.Local); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad date"})
		return
	}
	b.SetDay(payload.Date, payload.Steps, payload.Energy)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminError handles POST /admin/error {"status_code": N}; 0 clears it.
func (b *Bridge) handleAdminError(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	b.SetError(payload.StatusCode)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminRequests handles GET /admin/requests.
func (b *Bridge) handleAdminRequests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"days":          b.dayCount.Load(),
		"authorization": b.statusCount.Load(),
		"total":         b.requestCount.Load(),
	})
}

// --- Runtime mutation methods (thread-safe) ---

// SetAuthorization changes the reported authorization status.
func (b *Bridge) SetAuthorization(status metrics.AuthorizationStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// SetDay sets the totals for a day key.
func (b *Bridge) SetDay(key string, steps, energy float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.days[key] = DayValues{Steps: steps, Energy: energy}
}

// SetDayError makes one day fail with status; 0 clears it.
func (b *Bridge) SetDayError(key string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.dayErrors, key)
		return
	}
	b.dayErrors[key] = status
}

// SetError injects an HTTP error for every /v1 request; 0 clears it.
func (b *Bridge) SetError(code int) {
	b.injectedError.Store(int32(code))
}

// DayRequests returns the number of day fetches received.
func (b *Bridge) DayRequests() int {
	return int(b.dayCount.Load())
}

// StatusRequests returns the number of authorization status checks received.
func (b *Bridge) StatusRequests() int {
	return int(b.statusCount.Load())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
