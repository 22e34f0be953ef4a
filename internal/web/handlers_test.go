package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onllm-dev/onstride/internal/engine"
	"github.com/onllm-dev/onstride/internal/insights"
	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/onllm-dev/onstride/internal/onboard"
	"github.com/onllm-dev/onstride/internal/secret"
	"github.com/onllm-dev/onstride/internal/store"
	"github.com/onllm-dev/onstride/internal/testutil"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.Local)

const (
	testUser = "admin"
	testPass = "testpass"
)

// fakeEngine records inputs and lets tests publish snapshots.
type fakeEngine struct {
	mu        sync.Mutex
	snap      engine.Snapshot
	observers map[int]func(engine.Snapshot)
	nextID    int
	goals     []insights.Goals

	active  atomic.Int32
	refresh atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		snap:      engine.Snapshot{State: metrics.Loaded, Authorization: metrics.Authorized, Goals: insights.DefaultGoals()},
		observers: make(map[int]func(engine.Snapshot)),
	}
}

func (f *fakeEngine) Snapshot() engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) Subscribe(fn func(engine.Snapshot)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.observers[id] = fn
	snap := f.snap
	f.mu.Unlock()
	fn(snap)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

func (f *fakeEngine) Publish(s engine.Snapshot) {
	f.mu.Lock()
	f.snap = s
	fns := make([]func(engine.Snapshot), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeEngine) ObserverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeEngine) OnBecameActive()     { f.active.Add(1) }
func (f *fakeEngine) OnRefreshRequested() { f.refresh.Add(1) }

func (f *fakeEngine) SetGoals(g insights.Goals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, g)
	f.snap.Goals = g
}

type fakeOnboarding struct {
	route     onboard.Route
	routeErr  error
	status    metrics.AuthorizationStatus
	requested atomic.Int32
}

func (f *fakeOnboarding) Route(context.Context) (onboard.Route, error) {
	return f.route, f.routeErr
}

func (f *fakeOnboarding) RequestAccess(context.Context) (metrics.AuthorizationStatus, error) {
	f.requested.Add(1)
	return f.status, nil
}

type testEnv struct {
	store   *store.Store
	engine  *fakeEngine
	onboard *fakeOnboarding
	sealer  *secret.Sealer
	router  http.Handler
}

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	st := testutil.InMemoryStore(t)
	st.SetClock(testutil.FixedClock(testNow))

	hash, err := bcrypt.GenerateFromPassword([]byte(testPass), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := st.UpsertUser(testUser, string(hash)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	sealer, err := secret.NewSealer(testPass, "bridge-token")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	env := &testEnv{
		store:   st,
		engine:  newFakeEngine(),
		onboard: &fakeOnboarding{route: onboard.RouteHome, status: metrics.Authorized},
		sealer:  sealer,
	}
	logger := testutil.DiscardLogger()
	base := []HandlerOption{
		WithClock(testutil.FixedClock(testNow)),
		WithOnboarding(env.onboard),
		WithSealer(sealer),
		WithRetentionDays(30),
	}
	h := NewHandler(env.engine, st, logger, append(base, opts...)...)
	env.router = NewRouter(h, st, NewRateLimiter(refreshLimit, time.Minute), logger)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth(testUser, testPass)
	req.RemoteAddr = "10.0.0.1:5555"
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

// --- auth ---

func TestHealthz_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rr.Code)
	}
}

func TestAuth_Rejections(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"missing header", func(r *http.Request) {}},
		{"wrong password", func(r *http.Request) { r.SetBasicAuth(testUser, "nope") }},
		{"unknown user", func(r *http.Request) { r.SetBasicAuth("mallory", testPass) }},
		{"bearer scheme", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }},
		{"bad base64", func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!") }},
		{"no colon", func(r *http.Request) { r.Header.Set("Authorization", "Basic YWRtaW4=") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
			if rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAuth_PasswordChangeInvalidatesVerifiedCredentials(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/state", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request = %d", rr.Code)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("rotated"), bcrypt.MinCost)
	if err := env.store.UpsertUser(testUser, string(hash)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if rr := env.do(t, http.MethodGet, "/api/state", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("old password after rotation = %d, want 401", rr.Code)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/state", nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", got)
	}
}

// --- engine ---

func TestState_ReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/state", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		State struct {
			Kind string `json:"kind"`
		} `json:"state"`
		Authorization string `json:"authorization"`
	}
	decode(t, rr, &body)
	if body.State.Kind != "loaded" || body.Authorization != "authorized" {
		t.Errorf("body = %+v", body)
	}
}

func TestActiveAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodPost, "/api/active", nil); rr.Code != http.StatusAccepted {
		t.Errorf("active = %d, want 202", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/refresh", nil); rr.Code != http.StatusAccepted {
		t.Errorf("refresh = %d, want 202", rr.Code)
	}
	if env.engine.active.Load() != 1 || env.engine.refresh.Load() != 1 {
		t.Errorf("active=%d refresh=%d, want 1/1", env.engine.active.Load(), env.engine.refresh.Load())
	}
}

func TestRefresh_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < refreshLimit; i++ {
		if rr := env.do(t, http.MethodPost, "/api/refresh", nil); rr.Code != http.StatusAccepted {
			t.Fatalf("refresh %d = %d", i+1, rr.Code)
		}
	}
	if rr := env.do(t, http.MethodPost, "/api/refresh", nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("refresh over limit = %d, want 429", rr.Code)
	}
	if got := env.engine.refresh.Load(); got != refreshLimit {
		t.Errorf("engine saw %d refreshes, want %d", got, refreshLimit)
	}
	// Other routes are not limited.
	if rr := env.do(t, http.MethodPost, "/api/active", nil); rr.Code != http.StatusAccepted {
		t.Errorf("active after limit = %d, want 202", rr.Code)
	}
}

// --- onboarding ---

func TestLaunch(t *testing.T) {
	env := newTestEnv(t)
	env.onboard.route = onboard.RouteOnboarding
	rr := env.do(t, http.MethodGet, "/api/launch", nil)
	var body map[string]string
	decode(t, rr, &body)
	if rr.Code != http.StatusOK || body["route"] != "onboarding" {
		t.Errorf("launch = %d %v", rr.Code, body)
	}

	env.onboard.routeErr = errors.New("settings unreadable")
	if rr := env.do(t, http.MethodGet, "/api/launch", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("launch with error = %d, want 500", rr.Code)
	}
}

func TestLaunch_NotConfigured(t *testing.T) {
	env := newTestEnv(t, WithOnboarding(nil))
	if rr := env.do(t, http.MethodGet, "/api/launch", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("launch = %d, want 503", rr.Code)
	}
}

func TestRequestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.onboard.status = metrics.Denied
	rr := env.do(t, http.MethodPost, "/api/authorization", nil)
	var body map[string]string
	decode(t, rr, &body)
	if rr.Code != http.StatusOK || body["status"] != "denied" {
		t.Errorf("authorization = %d %v", rr.Code, body)
	}
	if env.onboard.requested.Load() != 1 {
		t.Error("onboarding request not made")
	}
	if env.engine.active.Load() != 1 {
		t.Error("engine should be re-activated after the request")
	}
}

// --- history ---

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.Upsert(ctx, testNow.AddDate(0, 0, -1), 9000, 420)
	env.store.Upsert(ctx, testNow.AddDate(0, 0, -5), 1234, 56)

	rr := env.do(t, http.MethodGet, "/api/history?days=3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d", rr.Code)
	}
	var body struct {
		Days    int                   `json:"days"`
		Metrics []metrics.DailyMetric `json:"metrics"`
	}
	decode(t, rr, &body)
	if body.Days != 3 || len(body.Metrics) != 3 {
		t.Fatalf("days=%d len=%d, want 3/3", body.Days, len(body.Metrics))
	}
	if body.Metrics[1].StepCount != 9000 || !body.Metrics[2].IsZero() || !body.Metrics[0].IsZero() {
		t.Errorf("metrics = %+v", body.Metrics)
	}
	if !metrics.SameDay(body.Metrics[2].Date, testNow) {
		t.Errorf("last day = %v, want today", body.Metrics[2].Date)
	}
}

func TestHistory_Bounds(t *testing.T) {
	env := newTestEnv(t, WithRetentionDays(14))

	rr := env.do(t, http.MethodGet, "/api/history", nil)
	var body struct {
		Days int `json:"days"`
	}
	decode(t, rr, &body)
	if body.Days != 14 {
		t.Errorf("default days = %d, want capped at 14", body.Days)
	}

	for _, q := range []string{"abc", "0", "-3"} {
		if rr := env.do(t, http.MethodGet, "/api/history?days="+q, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("days=%s = %d, want 400", q, rr.Code)
		}
	}
}

// --- goals ---

func TestGoals_GetAndUpdate(t *testing.T) {
	env := newTestEnv(t)

	var got insights.Goals
	decode(t, env.do(t, http.MethodGet, "/api/goals", nil), &got)
	if got != insights.DefaultGoals() {
		t.Errorf("initial goals = %+v", got)
	}

	rr := env.do(t, http.MethodPut, "/api/goals", map[string]float64{"stepGoal": 8000, "energyGoal": 350})
	if rr.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rr.Code, rr.Body.String())
	}
	if len(env.engine.goals) != 1 || env.engine.goals[0].StepGoal != 8000 {
		t.Errorf("engine goals = %+v", env.engine.goals)
	}
	if v, _ := env.store.GetSetting(SettingStepGoal); v != "8000" {
		t.Errorf("stored step goal = %q", v)
	}
	if v, _ := env.store.GetSetting(SettingEnergyGoal); v != "350" {
		t.Errorf("stored energy goal = %q", v)
	}

	decode(t, env.do(t, http.MethodGet, "/api/goals", nil), &got)
	if got.StepGoal != 8000 || got.EnergyGoal != 350 {
		t.Errorf("goals after update = %+v", got)
	}
}

func TestGoals_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body interface{}
	}{
		{"zero step goal", map[string]float64{"stepGoal": 0, "energyGoal": 500}},
		{"negative energy goal", map[string]float64{"stepGoal": 1000, "energyGoal": -1}},
		{"unknown field", map[string]interface{}{"stepGoal": 1000, "energyGoal": 500, "extra": true}},
		{"not json", "stepGoal=1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodPut, "/api/goals", tt.body); rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
	if len(env.engine.goals) != 0 {
		t.Errorf("invalid goals reached the engine: %+v", env.engine.goals)
	}

	rr := env.do(t, http.MethodPut, "/api/goals", map[string]float64{"stepGoal": 0, "energyGoal": 500})
	var body struct {
		Fields []fieldError `json:"fields"`
	}
	decode(t, rr, &body)
	if len(body.Fields) != 1 || body.Fields[0].Field != "StepGoal" {
		t.Errorf("fields = %+v", body.Fields)
	}
}

// --- sync runs ---

func TestSyncRuns(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/sync-runs", nil)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty run log = %s, want []", rr.Body.String())
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		started := testNow.Add(time.Duration(i) * time.Minute)
		env.store.RecordSyncRun(ctx, engine.SyncRun{
			ID: string(rune('a' + i)), Trigger: engine.TriggerRefresh,
			StartedAt: started, EndedAt: started.Add(time.Second),
			DaysFetched: 7, Outcome: engine.OutcomeSuccess,
		})
	}

	var runs []engine.SyncRun
	decode(t, env.do(t, http.MethodGet, "/api/sync-runs?limit=2", nil), &runs)
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("runs = %+v", runs)
	}
}

// --- bridge ---

func TestUpdateBridge_SealsToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPut, "/api/bridge", map[string]string{
		"url":   "http://192.168.1.20:9312",
		"token": "bridge_secret_token",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("bridge = %d %s", rr.Code, rr.Body.String())
	}

	if v, _ := env.store.GetSetting(SettingBridgeURL); v != "http://192.168.1.20:9312" {
		t.Errorf("bridge url = %q", v)
	}
	stored, _ := env.store.GetSetting(SettingBridgeToken)
	if !secret.IsSealed(stored) || strings.Contains(stored, "bridge_secret_token") {
		t.Fatalf("token stored unsealed: %q", stored)
	}
	plain, err := env.sealer.Open(stored, SettingBridgeToken)
	if err != nil || plain != "bridge_secret_token" {
		t.Errorf("Open = %q, %v", plain, err)
	}
}

func TestUpdateBridge_Validation(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]string{
		{"url": "not a url", "token": "t"},
		{"url": "ftp://bridge", "token": "t"},
		{"url": "http://bridge:9312", "token": ""},
	} {
		if rr := env.do(t, http.MethodPut, "/api/bridge", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %v = %d, want 400", body, rr.Code)
		}
	}
}

func TestUpdateBridge_NoSealer(t *testing.T) {
	env := newTestEnv(t, WithSealer(nil))
	rr := env.do(t, http.MethodPut, "/api/bridge", map[string]string{"url": "http://bridge:9312", "token": "t"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
