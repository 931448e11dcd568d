// Package trainer owns the offline loop's data: scan runs, feature
// snapshots with forward-return labels, evaluation gating, and the TPE
// hyperparameter search.
package trainer

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/database"
	"github.com/krwquant/ats/internal/domain"
)

// ErrNoScanRun is returned when a strategy has no scan history yet.
var ErrNoScanRun = errors.New("no scan run for strategy")

const snapshotColumns = `id, scan_run_id, market, ts, features_json,
	label_ret_60m, label_ret_240m, label_mfe_240m, label_mae_240m, label_dd_240m`

// Repository handles trainer database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new trainer repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trainer").Logger(),
	}
}

// CreateScanRun inserts a scan batch together with its feature snapshots.
func (r *Repository) CreateScanRun(run domain.ScanRun, snapshots []domain.FeatureSnapshot) (int64, error) {
	ts := run.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	paramsJSON := run.ParamsJSON
	if paramsJSON == "" {
		paramsJSON = "{}"
	}

	var runID int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO scan_runs (ts, strategy_id, market_count, top_n, params_json)
			VALUES (?, ?, ?, ?, ?)
		`, ts, run.StrategyID, run.MarketCount, run.TopN, paramsJSON)
		if err != nil {
			return fmt.Errorf("failed to insert scan run: %w", err)
		}
		runID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read scan run id: %w", err)
		}

		for _, s := range snapshots {
			snapTS := s.TS
			if snapTS.IsZero() {
				snapTS = ts
			}
			featuresJSON := s.FeaturesJSON
			if featuresJSON == "" {
				featuresJSON = "{}"
			}
			_, err := tx.Exec(`
				INSERT INTO feature_snapshots (scan_run_id, market, ts, features_json)
				VALUES (?, ?, ?, ?)
			`, runID, s.Market, snapTS, featuresJSON)
			if err != nil {
				return fmt.Errorf("failed to insert feature snapshot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info().Int64("scan_run_id", runID).Str("strategy", run.StrategyID).
		Int("snapshots", len(snapshots)).Msg("Scan run recorded")
	return runID, nil
}

// LatestScanRun returns the newest scan run for a strategy.
func (r *Repository) LatestScanRun(strategyID string) (*domain.ScanRun, error) {
	var run domain.ScanRun
	err := r.db.QueryRow(`
		SELECT id, ts, strategy_id, market_count, top_n, params_json
		FROM scan_runs WHERE strategy_id = ? ORDER BY ts DESC LIMIT 1
	`, strategyID).Scan(&run.ID, &run.TS, &run.StrategyID, &run.MarketCount, &run.TopN, &run.ParamsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoScanRun
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest scan run: %w", err)
	}
	return &run, nil
}

// Snapshots returns every feature snapshot belonging to one scan run.
func (r *Repository) Snapshots(scanRunID int64) ([]domain.FeatureSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM feature_snapshots WHERE scan_run_id = ? ORDER BY id"
	rows, err := r.db.Query(query, scanRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature snapshots: %w", err)
	}
	defer rows.Close()

	var list []domain.FeatureSnapshot
	for rows.Next() {
		var s domain.FeatureSnapshot
		var r60, r240, mfe, mae, dd sql.NullFloat64
		err := rows.Scan(&s.ID, &s.ScanRunID, &s.Market, &s.TS, &s.FeaturesJSON,
			&r60, &r240, &mfe, &mae, &dd)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature snapshot: %w", err)
		}
		if r60.Valid {
			s.LabelRet60m = &r60.Float64
		}
		if r240.Valid {
			s.LabelRet240m = &r240.Float64
		}
		if mfe.Valid {
			s.LabelMFE240m = &mfe.Float64
		}
		if mae.Valid {
			s.LabelMAE240m = &mae.Float64
		}
		if dd.Valid {
			s.LabelDD240m = &dd.Float64
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// SetLabels writes the forward-return labels on one snapshot. nil labels
// are left untouched so partially elapsed windows can fill in later.
func (r *Repository) SetLabels(id int64, labels Labels) error {
	_, err := r.db.Exec(`
		UPDATE feature_snapshots SET
			label_ret_60m = COALESCE(?, label_ret_60m),
			label_ret_240m = COALESCE(?, label_ret_240m),
			label_mfe_240m = COALESCE(?, label_mfe_240m),
			label_mae_240m = COALESCE(?, label_mae_240m),
			label_dd_240m = COALESCE(?, label_dd_240m)
		WHERE id = ?
	`, labels.Ret60m, labels.Ret240m, labels.MFE240m, labels.MAE240m, labels.DD240m, id)
	if err != nil {
		return fmt.Errorf("failed to set labels: %w", err)
	}
	return nil
}

// AppendCandidate records one tuning trial result.
func (r *Repository) AppendCandidate(c domain.ModelCandidate) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	paramsJSON := c.ParamsJSON
	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	metricsJSON := c.MetricsJSON
	if metricsJSON == "" {
		metricsJSON = "{}"
	}

	_, err := r.db.Exec(`
		INSERT INTO model_candidates (strategy_id, params_json, metrics_json, score, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.StrategyID, paramsJSON, metricsJSON, c.Score, c.Status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append model candidate: %w", err)
	}
	return nil
}

// ListCandidates returns tuning candidates for a strategy, best first.
func (r *Repository) ListCandidates(strategyID string, limit int) ([]domain.ModelCandidate, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, strategy_id, params_json, metrics_json, score, status, created_at
		FROM model_candidates WHERE strategy_id = ? ORDER BY score DESC LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model candidates: %w", err)
	}
	defer rows.Close()

	var list []domain.ModelCandidate
	for rows.Next() {
		var c domain.ModelCandidate
		err := rows.Scan(&c.ID, &c.StrategyID, &c.ParamsJSON, &c.MetricsJSON, &c.Score, &c.Status, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model candidate: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
