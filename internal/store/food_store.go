package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry to update or delete does not exist.
var ErrNotFound = errors.New("store: not found")

// FoodEntry is one logged food item.
type FoodEntry struct {
	ID       string    `json:"id"`
	FoodName string    `json:"foodName"`
	Calories float64   `json:"calories"`
	Protein  float64   `json:"protein"`
	Carbs    float64   `json:"carbs"`
	Fat      float64   `json:"fat"`
	Notes    string    `json:"notes,omitempty"`
	Date     time.Time `json:"date"`
}

// CreateFoodEntry inserts e, assigning a new ID. The stored entry is returned.
func (s *Store) CreateFoodEntry(ctx context.Context, e FoodEntry) (*FoodEntry, error) {
	e.ID = uuid.NewString()
	if e.Date.IsZero() {
		e.Date = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO food_entries (id, food_name, calories, protein, carbs, fat, notes, eaten_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FoodName, e.Calories, e.Protein, e.Carbs, e.Fat, e.Notes,
		formatTime(e.Date), formatTime(s.clock()),
	)
	if err != nil {
		return nil, fmt.Errorf("store.CreateFoodEntry: %w", err)
	}
	return &e, nil
}

// GetFoodEntry returns the entry with id, or nil if absent.
func (s *Store) GetFoodEntry(ctx context.Context, id string) (*FoodEntry, error) {
	var e FoodEntry
	var eatenAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, food_name, calories, protein, carbs, fat, notes, eaten_at
		FROM food_entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.FoodName, &e.Calories, &e.Protein, &e.Carbs, &e.Fat, &e.Notes, &eatenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetFoodEntry: %w", err)
	}
	e.Date = parseTime(eatenAt)
	e.Date = e.Date.Local()
	return &e, nil
}

// ListFoodEntries returns entries eaten at or after since, newest first.
func (s *Store) ListFoodEntries(ctx context.Context, since time.Time) ([]FoodEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, food_name, calories, protein, carbs, fat, notes, eaten_at
		FROM food_entries WHERE eaten_at >= ? ORDER BY eaten_at DESC`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("store.ListFoodEntries: %w", err)
	}
	defer rows.Close()

	var entries []FoodEntry
	for rows.Next() {
		var e FoodEntry
		var eatenAt string
		if err := rows.Scan(&e.ID, &e.FoodName, &e.Calories, &e.Protein, &e.Carbs, &e.Fat, &e.Notes, &eatenAt); err != nil {
			return nil, fmt.Errorf("store.ListFoodEntries: scan: %w", err)
		}
		e.Date = parseTime(eatenAt)
		e.Date = e.Date.Local()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListFoodEntries: %w", err)
	}
	return entries, nil
}

// UpdateFoodEntry replaces every field of the entry with e.ID.
func (s *Store) UpdateFoodEntry(ctx context.Context, e FoodEntry) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE food_entries SET food_name = ?, calories = ?, protein = ?, carbs = ?, fat = ?, notes = ?, eaten_at = ?
		WHERE id = ?`,
		e.FoodName, e.Calories, e.Protein, e.Carbs, e.Fat, e.Notes,
		formatTime(e.Date), e.ID,
	)
	if err != nil {
		return fmt.Errorf("store.UpdateFoodEntry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFoodEntry removes the entry with id.
func (s *Store) DeleteFoodEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM food_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store.DeleteFoodEntry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
