package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/onllm-dev/onstride/internal/store"
)

type foodRequest struct {
	FoodName string     `json:"foodName" validate:"required,max=200"`
	Calories float64    `json:"calories" validate:"gte=0,lte=20000"`
	Protein  float64    `json:"protein" validate:"gte=0,lte=2000"`
	Carbs    float64    `json:"carbs" validate:"gte=0,lte=2000"`
	Fat      float64    `json:"fat" validate:"gte=0,lte=2000"`
	Notes    string     `json:"notes" validate:"max=1000"`
	Date     *time.Time `json:"date"`
}

func (req foodRequest) entry() store.FoodEntry {
	e := store.FoodEntry{
		FoodName: strings.TrimSpace(req.FoodName),
		Calories: req.Calories,
		Protein:  req.Protein,
		Carbs:    req.Carbs,
		Fat:      req.Fat,
		Notes:    req.Notes,
	}
	if req.Date != nil {
		e.Date = *req.Date
	}
	return e
}

// FoodSection is a titled group of entries logged on the same calendar day.
type FoodSection struct {
	Title         string            `json:"title"`
	Date          time.Time         `json:"date"`
	TotalCalories float64           `json:"totalCalories"`
	Entries       []store.FoodEntry `json:"entries"`
}

// sectionTitle names a day relative to today: "Today", "Yesterday" or "2 Jan".
func sectionTitle(day, today time.Time) string {
	switch {
	case metrics.SameDay(day, today):
		return "Today"
	case metrics.SameDay(day, metrics.StartOfDay(today).AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("2 Jan")
	}
}

// groupFoodEntries groups newest-first entries into per-day sections,
// newest day first, preserving entry order within a day.
func groupFoodEntries(entries []store.FoodEntry, today time.Time) []FoodSection {
	sections := []FoodSection{}
	for _, e := range entries {
		day := metrics.StartOfDay(e.Date)
		n := len(sections)
		if n == 0 || !sections[n-1].Date.Equal(day) {
			sections = append(sections, FoodSection{
				Title: sectionTitle(day, today),
				Date:  day,
			})
			n++
		}
		sections[n-1].Entries = append(sections[n-1].Entries, e)
		sections[n-1].TotalCalories += e.Calories
	}
	return sections
}

// ListFood returns the food log for the last N days grouped by day.
func (h *Handler) ListFood(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7, 365)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	today := h.now()
	since := metrics.StartOfDay(today).AddDate(0, 0, -(days - 1))

	entries, err := h.store.ListFoodEntries(r.Context(), since)
	if err != nil {
		h.logger.Error("Failed to list food entries", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list food entries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sections": groupFoodEntries(entries, today),
	})
}

// CreateFood logs a new food entry.
func (h *Handler) CreateFood(w http.ResponseWriter, r *http.Request) {
	var req foodRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}

	created, err := h.store.CreateFoodEntry(r.Context(), req.entry())
	if err != nil {
		h.logger.Error("Failed to create food entry", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create food entry")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// UpdateFood replaces a food entry.
func (h *Handler) UpdateFood(w http.ResponseWriter, r *http.Request) {
	id, ok := foodID(w, r)
	if !ok {
		return
	}
	var req foodRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}

	e := req.entry()
	e.ID = id
	if e.Date.IsZero() {
		existing, err := h.store.GetFoodEntry(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to read food entry", "id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to update food entry")
			return
		}
		if existing == nil {
			respondError(w, http.StatusNotFound, "food entry not found")
			return
		}
		e.Date = existing.Date
	}

	if err := h.store.UpdateFoodEntry(r.Context(), e); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "food entry not found")
			return
		}
		h.logger.Error("Failed to update food entry", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update food entry")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// DeleteFood removes a food entry.
func (h *Handler) DeleteFood(w http.ResponseWriter, r *http.Request) {
	id, ok := foodID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteFoodEntry(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "food entry not found")
			return
		}
		h.logger.Error("Failed to delete food entry", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete food entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func foodID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusBadRequest, "invalid food entry id")
		return "", false
	}
	return id, true
}
