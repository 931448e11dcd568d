// Package events persists the operational event log: trader heartbeats,
// lifecycle transitions, safety trips, and alerts.
package events

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
)

// eventsColumns is the list of columns for the events table
// Column order must match scanEvent()
const eventsColumns = `id, ts, trader_name, level, kind, message`

// Repository handles event database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new event repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "events").Logger(),
	}
}

// Append inserts a new event row. TS defaults to now when zero.
func (r *Repository) Append(e domain.Event) error {
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO events (ts, trader_name, level, kind, message)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, ts, e.TraderName, e.Level, e.Kind, e.Message)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List returns the most recent events, optionally filtered by trader name.
func (r *Repository) List(traderName string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + eventsColumns + " FROM events"
	args := []interface{}{}
	if traderName != "" {
		query += " WHERE trader_name = ?"
		args = append(args, traderName)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var traderName sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &traderName, &e.Level, &e.Kind, &e.Message); err != nil {
		return domain.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	if traderName.Valid {
		e.TraderName = &traderName.String
	}
	return e, nil
}
