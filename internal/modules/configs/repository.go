// Package configs versions strategy parameter sets. At most one version per
// strategy is active; activation clears the prior active row in the same
// transaction.
package configs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/database"
	"github.com/krwquant/ats/internal/domain"
)

// ErrNotFound is returned when no config version exists with the given id.
var ErrNotFound = errors.New("config version not found")

const configColumns = `id, strategy_id, version, params_json, created_at, is_active`

// Repository handles config version persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new config repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "configs").Logger(),
	}
}

// Create inserts a new inactive version, numbered one past the strategy's
// current maximum.
func (r *Repository) Create(strategyID, paramsJSON string) (*domain.ConfigVersion, error) {
	if paramsJSON == "" {
		paramsJSON = "{}"
	}

	var created domain.ConfigVersion
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		err := tx.QueryRow(
			"SELECT MAX(version) FROM config_versions WHERE strategy_id = ?", strategyID,
		).Scan(&maxVersion)
		if err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}

		nextVersion := 1
		if maxVersion.Valid {
			nextVersion = int(maxVersion.Int64) + 1
		}

		now := time.Now().UTC()
		result, err := tx.Exec(`
			INSERT INTO config_versions (strategy_id, version, params_json, created_at, is_active)
			VALUES (?, ?, ?, ?, 0)
		`, strategyID, nextVersion, paramsJSON, now)
		if err != nil {
			return fmt.Errorf("failed to insert config version: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}

		created = domain.ConfigVersion{
			ID:         id,
			StrategyID: strategyID,
			Version:    nextVersion,
			ParamsJSON: paramsJSON,
			CreatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("strategy", strategyID).Int("version", created.Version).Msg("Config version created")
	return &created, nil
}

// Activate flips one version active and clears any prior active rows for
// the same strategy inside a single transaction, so readers never observe
// two active versions.
func (r *Repository) Activate(id int64) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var strategyID string
		err := tx.QueryRow("SELECT strategy_id FROM config_versions WHERE id = ?", id).Scan(&strategyID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up config version: %w", err)
		}

		if _, err := tx.Exec(
			"UPDATE config_versions SET is_active = 0 WHERE strategy_id = ? AND is_active = 1", strategyID,
		); err != nil {
			return fmt.Errorf("failed to clear prior active config: %w", err)
		}
		if _, err := tx.Exec("UPDATE config_versions SET is_active = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to activate config: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// GetActive returns the active version for a strategy, or nil when none.
func (r *Repository) GetActive(strategyID string) (*domain.ConfigVersion, error) {
	query := "SELECT " + configColumns + " FROM config_versions WHERE strategy_id = ? AND is_active = 1"

	var c domain.ConfigVersion
	err := r.db.QueryRow(query, strategyID).Scan(
		&c.ID, &c.StrategyID, &c.Version, &c.ParamsJSON, &c.CreatedAt, &c.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active config: %w", err)
	}
	return &c, nil
}

// List returns config versions, newest first.
func (r *Repository) List(limit int) ([]domain.ConfigVersion, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + configColumns + " FROM config_versions ORDER BY created_at DESC LIMIT ?"
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list config versions: %w", err)
	}
	defer rows.Close()

	var list []domain.ConfigVersion
	for rows.Next() {
		var c domain.ConfigVersion
		if err := rows.Scan(&c.ID, &c.StrategyID, &c.Version, &c.ParamsJSON, &c.CreatedAt, &c.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan config version: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
