package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/onllm-dev/onstride/internal/engine"
	"github.com/onllm-dev/onstride/internal/insights"
	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/onllm-dev/onstride/internal/onboard"
	"github.com/onllm-dev/onstride/internal/store"
)

// Settings keys written by the API.
const (
	SettingStepGoal    = "step_goal"
	SettingEnergyGoal  = "energy_goal"
	SettingBridgeURL   = "bridge_url"
	SettingBridgeToken = "bridge_token"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Subscribe(fn func(engine.Snapshot)) (unsubscribe func())
	OnBecameActive()
	OnRefreshRequested()
	SetGoals(g insights.Goals)
}

// Onboarding is the authorization request flow.
type Onboarding interface {
	Route(ctx context.Context) (onboard.Route, error)
	RequestAccess(ctx context.Context) (metrics.AuthorizationStatus, error)
}

// HistoryReader reads cached days.
type HistoryReader interface {
	GetRange(ctx context.Context, start, end time.Time) ([]metrics.DailyMetric, error)
}

// RunLister lists recorded reconciliations, newest first.
type RunLister interface {
	ListSyncRuns(ctx context.Context, limit int) ([]engine.SyncRun, error)
}

// Sealer encrypts secrets before they are written to settings.
type Sealer interface {
	Seal(plaintext, aad string) (string, error)
}

// Handler handles HTTP requests for the onStride API
type Handler struct {
	engine        Engine
	store         *store.Store
	history       HistoryReader
	runs          RunLister
	onboarding    Onboarding
	sealer        Sealer
	retentionDays int
	validate      *validator.Validate
	now           func() time.Time
	logger        *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHistory sets the cache used for history; defaults to the store.
func WithHistory(h HistoryReader) HandlerOption {
	return func(hd *Handler) { hd.history = h }
}

// WithRunLister sets the sync-run log; defaults to the store.
func WithRunLister(r RunLister) HandlerOption {
	return func(hd *Handler) { hd.runs = r }
}

// WithOnboarding enables the launch and authorization endpoints.
func WithOnboarding(o Onboarding) HandlerOption {
	return func(hd *Handler) { hd.onboarding = o }
}

// WithSealer enables PUT /api/bridge.
func WithSealer(s Sealer) HandlerOption {
	return func(hd *Handler) { hd.sealer = s }
}

// WithRetentionDays caps the history window.
func WithRetentionDays(days int) HandlerOption {
	return func(hd *Handler) {
		if days > 0 {
			hd.retentionDays = days
		}
	}
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) HandlerOption {
	return func(hd *Handler) { hd.now = now }
}

// NewHandler creates a new Handler instance
func NewHandler(eng Engine, st *store.Store, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine:        eng,
		store:         st,
		history:       st,
		runs:          st,
		retentionDays: 30,
		validate:      validator.New(),
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// fieldError is one failed validation rule.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (h *Handler) respondValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fields := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldError{Field: fe.Field(), Message: validationMessage(fe)})
	}
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "validation failed",
		"fields": fields,
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "url", "http_url":
		return "must be an http(s) URL"
	default:
		return "is invalid"
	}
}

// decodeBody decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, key string, def, maxVal int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	if v > maxVal {
		v = maxVal
	}
	return v, nil
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// State returns the last published engine snapshot.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Snapshot())
}

// BecameActive forwards the app-active signal to the engine.
func (h *Handler) BecameActive(w http.ResponseWriter, r *http.Request) {
	h.engine.OnBecameActive()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Refresh forwards a user refresh to the engine.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.engine.OnRefreshRequested()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Launch returns where the presentation layer should start.
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	if h.onboarding == nil {
		respondError(w, http.StatusServiceUnavailable, "onboarding not configured")
		return
	}
	route, err := h.onboarding.Route(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("Failed to resolve launch route", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to resolve launch route")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"route": string(route)})
}

// RequestAuthorization runs the onboarding request and then lets the engine
// pick up the new authorization.
func (h *Handler) RequestAuthorization(w http.ResponseWriter, r *http.Request) {
	if h.onboarding == nil {
		respondError(w, http.StatusServiceUnavailable, "onboarding not configured")
		return
	}
	status, err := h.onboarding.RequestAccess(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("Authorization request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "authorization request failed")
		return
	}
	h.engine.OnBecameActive()
	respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// History returns the last N cached days ending today, gap-filled, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30, h.retentionDays)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	today := h.now()
	start := metrics.StartOfDay(today).AddDate(0, 0, -(days - 1))
	records, err := h.history.GetRange(r.Context(), start, today)
	if err != nil {
		h.logger.Error("Failed to read history", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"days":    days,
		"metrics": metrics.GapFill(records, today, days),
	})
}

// GetGoals returns the goals in effect.
func (h *Handler) GetGoals(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Snapshot().Goals)
}

// UpdateGoals validates, persists and applies new goals.
func (h *Handler) UpdateGoals(w http.ResponseWriter, r *http.Request) {
	var g insights.Goals
	if err := decodeBody(w, r, &g); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(g); err != nil {
		h.respondValidation(w, err)
		return
	}

	if err := h.store.SetSetting(SettingStepGoal, strconv.FormatFloat(g.StepGoal, 'f', -1, 64)); err != nil {
		h.logger.Error("Failed to save step goal", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save goals")
		return
	}
	if err := h.store.SetSetting(SettingEnergyGoal, strconv.FormatFloat(g.EnergyGoal, 'f', -1, 64)); err != nil {
		h.logger.Error("Failed to save energy goal", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save goals")
		return
	}

	h.engine.SetGoals(g)
	h.logger.Info("Goals updated", "step_goal", g.StepGoal, "energy_goal", g.EnergyGoal)
	respondJSON(w, http.StatusOK, g)
}

// SyncRuns lists recent reconciliations.
func (h *Handler) SyncRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.runs.ListSyncRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	if runs == nil {
		runs = []engine.SyncRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

type bridgeRequest struct {
	URL   string `json:"url" validate:"required,http_url"`
	Token string `json:"token" validate:"required,max=4096"`
}

// UpdateBridge stores the bridge URL and a sealed token for the next start.
func (h *Handler) UpdateBridge(w http.ResponseWriter, r *http.Request) {
	if h.sealer == nil {
		respondError(w, http.StatusServiceUnavailable, "secret storage not configured")
		return
	}
	var req bridgeRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}

	sealed, err := h.sealer.Seal(req.Token, SettingBridgeToken)
	if err != nil {
		h.logger.Error("Failed to seal bridge token", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save bridge settings")
		return
	}
	if err := h.store.SetSetting(SettingBridgeURL, req.URL); err != nil {
		h.logger.Error("Failed to save bridge URL", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save bridge settings")
		return
	}
	if err := h.store.SetSetting(SettingBridgeToken, sealed); err != nil {
		h.logger.Error("Failed to save bridge token", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save bridge settings")
		return
	}

	h.logger.Info("Bridge settings saved", "url", req.URL)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"saved":           true,
		"restartRequired": true,
	})
}
