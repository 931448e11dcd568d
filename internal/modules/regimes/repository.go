// Package regimes stores market regime snapshots and the per-(regime,
// strategy) bandit posterior, and computes the gating weights workers
// apply during scoring.
package regimes

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
)

const snapshotColumns = `id, ts, market, regime_id, regime_label, confidence, metrics_json`

// Repository handles regime snapshot and bandit state persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new regime repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "regimes").Logger(),
	}
}

// AppendSnapshot inserts an immutable classification sample.
func (r *Repository) AppendSnapshot(s domain.RegimeSnapshot) error {
	ts := s.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	metrics := s.MetricsJSON
	if metrics == "" {
		metrics = "{}"
	}

	query := `
		INSERT INTO regime_snapshots (ts, market, regime_id, regime_label, confidence, metrics_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, ts, s.Market, s.RegimeID, s.RegimeLabel, s.Confidence, metrics)
	if err != nil {
		return fmt.Errorf("failed to append regime snapshot: %w", err)
	}
	return nil
}

// Current returns the most recent snapshot for a market, or nil when none
// has been recorded yet.
func (r *Repository) Current(market string) (*domain.RegimeSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM regime_snapshots WHERE market = ? ORDER BY ts DESC LIMIT 1"

	var s domain.RegimeSnapshot
	err := r.db.QueryRow(query, market).Scan(
		&s.ID, &s.TS, &s.Market, &s.RegimeID, &s.RegimeLabel, &s.Confidence, &s.MetricsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current regime: %w", err)
	}
	return &s, nil
}

// ListSnapshots returns the most recent snapshots across all markets.
func (r *Repository) ListSnapshots(limit int) ([]domain.RegimeSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := "SELECT " + snapshotColumns + " FROM regime_snapshots ORDER BY ts DESC LIMIT ?"
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list regime snapshots: %w", err)
	}
	defer rows.Close()

	var list []domain.RegimeSnapshot
	for rows.Next() {
		var s domain.RegimeSnapshot
		if err := rows.Scan(&s.ID, &s.TS, &s.Market, &s.RegimeID, &s.RegimeLabel, &s.Confidence, &s.MetricsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan regime snapshot: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// GetBandit returns the Beta posterior row for one arm, or nil when missing.
func (r *Repository) GetBandit(regime, strategyID string) (*domain.BanditState, error) {
	query := `SELECT id, regime, strategy_id, alpha, beta, updated_at FROM bandit_states
		WHERE regime = ? AND strategy_id = ?`

	var b domain.BanditState
	err := r.db.QueryRow(query, regime, strategyID).Scan(
		&b.ID, &b.Regime, &b.StrategyID, &b.Alpha, &b.Beta, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bandit state: %w", err)
	}
	return &b, nil
}

// UpdateBandit increments alpha on a positive reward and beta on a negative
// one, creating the row when absent. Upsert keeps the (alpha+k, beta+m)
// accounting independent of delivery order.
func (r *Repository) UpdateBandit(regime, strategyID string, rewardPositive bool) error {
	alphaInc, betaInc := 0.0, 1.0
	if rewardPositive {
		alphaInc, betaInc = 1.0, 0.0
	}

	query := `
		INSERT INTO bandit_states (regime, strategy_id, alpha, beta, updated_at)
		VALUES (?, ?, 1.0 + ?, 1.0 + ?, ?)
		ON CONFLICT(regime, strategy_id) DO UPDATE SET
			alpha = alpha + excluded.alpha - 1.0,
			beta = beta + excluded.beta - 1.0,
			updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, regime, strategyID, alphaInc, betaInc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update bandit state: %w", err)
	}
	return nil
}

// SeedBandits inserts the default posterior Beta(1,1) for every listed
// regime under the given strategy, skipping rows that already exist.
func (r *Repository) SeedBandits(regimeLabels []string, strategyID string) error {
	query := `
		INSERT INTO bandit_states (regime, strategy_id, alpha, beta, updated_at)
		VALUES (?, ?, 1.0, 1.0, ?)
		ON CONFLICT(regime, strategy_id) DO NOTHING
	`
	now := time.Now().UTC()
	for _, label := range regimeLabels {
		if _, err := r.db.Exec(query, label, strategyID, now); err != nil {
			return fmt.Errorf("failed to seed bandit state for %s: %w", label, err)
		}
	}
	return nil
}
