// Package models tracks model versions through the PAPER to LIVE lifecycle,
// with pinned drift baselines and rolling 24-hour performance records.
package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
)

// ErrNotFound is returned when no model version exists with the given id.
var ErrNotFound = errors.New("model version not found")

const modelColumns = `id, strategy_id, version, status, metrics_json, created_at, deployed_at, rolled_back_at, rollback_reason`

const baselineColumns = `id, strategy_id, baseline_model_id, baseline_metrics_json,
	reference_window_start, reference_window_end, drift_warn_count, last_drift_check, created_at, updated_at`

// Repository handles model lifecycle database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new model repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "models").Logger(),
	}
}

// Create registers a new DRAFT model version.
func (r *Repository) Create(strategyID, version, metricsJSON string) (*domain.ModelVersion, error) {
	if metricsJSON == "" {
		metricsJSON = "{}"
	}
	now := time.Now().UTC()

	result, err := r.db.Exec(`
		INSERT INTO model_versions (strategy_id, version, status, metrics_json, created_at)
		VALUES (?, ?, 'DRAFT', ?, ?)
	`, strategyID, version, metricsJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create model version: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}

	return &domain.ModelVersion{
		ID:          id,
		StrategyID:  strategyID,
		Version:     version,
		Status:      domain.ModelDraft,
		MetricsJSON: metricsJSON,
		CreatedAt:   now,
	}, nil
}

// Get returns one model version by id.
func (r *Repository) Get(id int64) (*domain.ModelVersion, error) {
	query := "SELECT " + modelColumns + " FROM model_versions WHERE id = ?"
	m, err := scanModel(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model version: %w", err)
	}
	return m, nil
}

// List returns model versions, newest first.
func (r *Repository) List(strategyID string, limit int) ([]domain.ModelVersion, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + modelColumns + " FROM model_versions"
	args := []interface{}{}
	if strategyID != "" {
		query += " WHERE strategy_id = ?"
		args = append(args, strategyID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()

	var list []domain.ModelVersion
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// SetStatus updates the lifecycle status.
func (r *Repository) SetStatus(id int64, status string) error {
	result, err := r.db.Exec("UPDATE model_versions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to set model status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMetrics replaces the stored metrics snapshot.
func (r *Repository) SetMetrics(id int64, metricsJSON string) error {
	_, err := r.db.Exec("UPDATE model_versions SET metrics_json = ? WHERE id = ?", metricsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to set model metrics: %w", err)
	}
	return nil
}

// MarkDeployed sets PAPER_DEPLOYED and stamps deployed_at.
func (r *Repository) MarkDeployed(id int64, at time.Time) error {
	result, err := r.db.Exec(
		"UPDATE model_versions SET status = 'PAPER_DEPLOYED', deployed_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("failed to mark model deployed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRolledBack returns the model to DRAFT and records why.
func (r *Repository) MarkRolledBack(id int64, at time.Time, reason string) error {
	result, err := r.db.Exec(`
		UPDATE model_versions SET status = 'DRAFT', rolled_back_at = ?, rollback_reason = ?
		WHERE id = ?
	`, at, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark model rolled back: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastDeployedAt returns the most recent deployed_at for a strategy, or nil.
func (r *Repository) LastDeployedAt(strategyID string) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRow(
		"SELECT MAX(deployed_at) FROM model_versions WHERE strategy_id = ? AND deployed_at IS NOT NULL",
		strategyID,
	).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to read last deployed_at: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	ts := t.Time
	return &ts, nil
}

// ListByStatus returns the model versions currently in a lifecycle status.
func (r *Repository) ListByStatus(status string) ([]domain.ModelVersion, error) {
	query := "SELECT " + modelColumns + " FROM model_versions WHERE status = ? ORDER BY created_at"
	rows, err := r.db.Query(query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions by status: %w", err)
	}
	defer rows.Close()

	var list []domain.ModelVersion
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// PinBaseline replaces the strategy's drift baseline with a fresh reference
// window and resets the warn counter.
func (r *Repository) PinBaseline(strategyID string, modelID int64, metricsJSON string, windowStart, windowEnd time.Time) error {
	now := time.Now().UTC()
	if metricsJSON == "" {
		metricsJSON = "{}"
	}

	if _, err := r.db.Exec("DELETE FROM model_baselines WHERE strategy_id = ?", strategyID); err != nil {
		return fmt.Errorf("failed to clear prior baseline: %w", err)
	}
	_, err := r.db.Exec(`
		INSERT INTO model_baselines (strategy_id, baseline_model_id, baseline_metrics_json,
			reference_window_start, reference_window_end, drift_warn_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, strategyID, modelID, metricsJSON, windowStart, windowEnd, now, now)
	if err != nil {
		return fmt.Errorf("failed to pin baseline: %w", err)
	}
	return nil
}

// GetBaseline returns the strategy's pinned baseline, or nil when none.
func (r *Repository) GetBaseline(strategyID string) (*domain.ModelBaseline, error) {
	query := "SELECT " + baselineColumns + " FROM model_baselines WHERE strategy_id = ?"

	var b domain.ModelBaseline
	var modelID sql.NullInt64
	var lastCheck sql.NullTime
	err := r.db.QueryRow(query, strategyID).Scan(
		&b.ID, &b.StrategyID, &modelID, &b.BaselineMetricsJSON,
		&b.ReferenceWindowStart, &b.ReferenceWindowEnd, &b.DriftWarnCount,
		&lastCheck, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	if modelID.Valid {
		b.BaselineModelID = &modelID.Int64
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		b.LastDriftCheck = &t
	}
	return &b, nil
}

// RecordDriftCheck stamps last_drift_check and, when drifted, bumps the
// monotonic warn counter. Returns the counter after the update.
func (r *Repository) RecordDriftCheck(strategyID string, drifted bool) (int, error) {
	now := time.Now().UTC()
	bump := 0
	if drifted {
		bump = 1
	}

	_, err := r.db.Exec(`
		UPDATE model_baselines
		SET drift_warn_count = drift_warn_count + ?, last_drift_check = ?, updated_at = ?
		WHERE strategy_id = ?
	`, bump, now, now, strategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to record drift check: %w", err)
	}

	var count int
	err = r.db.QueryRow(
		"SELECT drift_warn_count FROM model_baselines WHERE strategy_id = ?", strategyID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read drift warn count: %w", err)
	}
	return count, nil
}

// AppendMetrics24h records one rolling 24-hour performance observation.
func (r *Repository) AppendMetrics24h(m domain.ModelMetrics24h) error {
	ts := m.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	metricsJSON := m.MetricsJSON
	if metricsJSON == "" {
		metricsJSON = "{}"
	}

	_, err := r.db.Exec(`
		INSERT INTO model_metrics_24h (model_id, strategy_id, ts, net_return_24h, metrics_json)
		VALUES (?, ?, ?, ?, ?)
	`, m.ModelID, m.StrategyID, ts, m.NetReturn24h, metricsJSON)
	if err != nil {
		return fmt.Errorf("failed to append 24h metrics: %w", err)
	}
	return nil
}

// LatestMetrics24h returns the newest 24h record for a model, or nil.
func (r *Repository) LatestMetrics24h(modelID int64) (*domain.ModelMetrics24h, error) {
	var m domain.ModelMetrics24h
	err := r.db.QueryRow(`
		SELECT id, model_id, strategy_id, ts, net_return_24h, metrics_json
		FROM model_metrics_24h WHERE model_id = ? ORDER BY ts DESC LIMIT 1
	`, modelID).Scan(&m.ID, &m.ModelID, &m.StrategyID, &m.TS, &m.NetReturn24h, &m.MetricsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest 24h metrics: %w", err)
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*domain.ModelVersion, error) {
	var m domain.ModelVersion
	var deployedAt, rolledBackAt sql.NullTime
	var rollbackReason sql.NullString

	err := row.Scan(&m.ID, &m.StrategyID, &m.Version, &m.Status, &m.MetricsJSON,
		&m.CreatedAt, &deployedAt, &rolledBackAt, &rollbackReason)
	if err != nil {
		return nil, err
	}

	if deployedAt.Valid {
		t := deployedAt.Time
		m.DeployedAt = &t
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		m.RolledBackAt = &t
	}
	if rollbackReason.Valid {
		m.RollbackReason = &rollbackReason.String
	}
	return &m, nil
}
