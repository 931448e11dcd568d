// Package trades persists the trade ledger: signals, orders, and positions.
// The authoritative OPEN set per trader is reconstructed from FILLED orders,
// never trusted from a cached flag.
package trades

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
)

const signalColumns = `id, trader_name, symbol, ts, total_score, scores_json, regime, action, reason_codes, raw_metrics_json`

const orderColumns = `id, order_id, trader_name, symbol, side, price, size, status, filled_qty, avg_price, error, created_at, updated_at`

const positionColumns = `id, trader_name, symbol, open_time, avg_entry_price, size, current_price,
	unreal_pnl, unreal_pnl_pct, stop_price, take_prices_json, tags, status, updated_at`

// Repository handles trade ledger database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new trade ledger repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// AppendSignal inserts one scored decision row.
func (r *Repository) AppendSignal(s domain.Signal) error {
	ts := s.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO signals (trader_name, symbol, ts, total_score, scores_json, regime, action, reason_codes, raw_metrics_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		s.TraderName, s.Symbol, ts, s.TotalScore,
		defaultJSON(s.ScoresJSON, "{}"), s.Regime, s.Action,
		defaultJSON(s.ReasonCodes, "[]"), defaultJSON(s.RawMetricsJSON, "{}"),
	)
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// ListSignals returns recent signals, optionally filtered by trader.
func (r *Repository) ListSignals(traderName string, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + signalColumns + " FROM signals"
	args := []interface{}{}
	if traderName != "" {
		query += " WHERE trader_name = ?"
		args = append(args, traderName)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var list []domain.Signal
	for rows.Next() {
		var s domain.Signal
		err := rows.Scan(&s.ID, &s.TraderName, &s.Symbol, &s.TS, &s.TotalScore,
			&s.ScoresJSON, &s.Regime, &s.Action, &s.ReasonCodes, &s.RawMetricsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// HasEntrySignalAfter reports whether any ENTRY signal exists for the trader
// after the given time. Used to verify block semantics.
func (r *Repository) HasEntrySignalAfter(traderName string, after time.Time) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(1) FROM signals WHERE trader_name = ? AND action = 'ENTRY' AND ts > ?",
		traderName, after,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count entry signals: %w", err)
	}
	return n > 0, nil
}

// AppendOrder records one terminal order outcome as acknowledged by the
// gateway. Duplicate order ids are skipped silently.
func (r *Repository) AppendOrder(o domain.Order) error {
	now := time.Now().UTC()
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO orders (order_id, trader_name, symbol, side, price, size, status, filled_qty, avg_price, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`
	_, err := r.db.Exec(query,
		o.OrderID, o.TraderName, o.Symbol, o.Side, o.Price, o.Size,
		o.Status, o.FilledQty, o.AvgPrice, o.Error, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append order: %w", err)
	}
	return nil
}

// ListOrders returns recent orders, optionally filtered by trader.
func (r *Repository) ListOrders(traderName string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + orderColumns + " FROM orders"
	args := []interface{}{}
	if traderName != "" {
		query += " WHERE trader_name = ?"
		args = append(args, traderName)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var list []domain.Order
	for rows.Next() {
		var o domain.Order
		var avgPrice sql.NullFloat64
		var errStr sql.NullString
		err := rows.Scan(&o.ID, &o.OrderID, &o.TraderName, &o.Symbol, &o.Side, &o.Price,
			&o.Size, &o.Status, &o.FilledQty, &avgPrice, &errStr, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if avgPrice.Valid {
			o.AvgPrice = &avgPrice.Float64
		}
		if errStr.Valid {
			o.Error = &errStr.String
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// Holdings reconstructs net holdings from the FILLED order log: cumulative
// BUY quantity minus cumulative SELL quantity per symbol, dropping dust
// below 1e-8. This is the cold-start source of truth for "is symbol held".
func (r *Repository) Holdings(traderName string) ([]domain.Holding, error) {
	query := `
		SELECT symbol,
			SUM(CASE WHEN side = 'BUY' THEN filled_qty ELSE -filled_qty END) AS qty
		FROM orders
		WHERE trader_name = ? AND status = 'FILLED'
		GROUP BY symbol
		HAVING qty > 1e-8
		ORDER BY symbol
	`
	rows, err := r.db.Query(query, traderName)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.Symbol, &h.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// UpsertPosition writes the persisted view of an open position keyed by
// (trader, symbol, OPEN status).
func (r *Repository) UpsertPosition(p domain.Position) error {
	now := time.Now().UTC()
	openTime := p.OpenTime
	if openTime.IsZero() {
		openTime = now
	}

	var existingID int64
	err := r.db.QueryRow(
		"SELECT id FROM positions WHERE trader_name = ? AND symbol = ? AND status = 'OPEN'",
		p.TraderName, p.Symbol,
	).Scan(&existingID)

	if err == sql.ErrNoRows {
		query := `
			INSERT INTO positions (trader_name, symbol, open_time, avg_entry_price, size, current_price,
				unreal_pnl, unreal_pnl_pct, stop_price, take_prices_json, tags, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?)
		`
		_, err = r.db.Exec(query, p.TraderName, p.Symbol, openTime, p.AvgEntryPrice, p.Size,
			p.CurrentPrice, p.UnrealPnL, p.UnrealPnLPct, p.StopPrice,
			defaultJSON(p.TakePricesJSON, "[]"), p.Tags, now)
		if err != nil {
			return fmt.Errorf("failed to insert position: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up position: %w", err)
	}

	query := `
		UPDATE positions SET avg_entry_price = ?, size = ?, current_price = ?,
			unreal_pnl = ?, unreal_pnl_pct = ?, stop_price = ?, take_prices_json = ?,
			tags = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	status := p.Status
	if status == "" {
		status = "OPEN"
	}
	_, err = r.db.Exec(query, p.AvgEntryPrice, p.Size, p.CurrentPrice, p.UnrealPnL,
		p.UnrealPnLPct, p.StopPrice, defaultJSON(p.TakePricesJSON, "[]"), p.Tags, status, now, existingID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// ClosePosition marks the OPEN position for (trader, symbol) CLOSED.
func (r *Repository) ClosePosition(traderName, symbol string) error {
	_, err := r.db.Exec(
		"UPDATE positions SET status = 'CLOSED', updated_at = ? WHERE trader_name = ? AND symbol = ? AND status = 'OPEN'",
		time.Now().UTC(), traderName, symbol,
	)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// ListPositions returns positions, optionally filtered by trader and status.
func (r *Repository) ListPositions(traderName, status string, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 200
	}

	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []interface{}{}
	if traderName != "" {
		query += " AND trader_name = ?"
		args = append(args, traderName)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var list []domain.Position
	for rows.Next() {
		var p domain.Position
		var stopPrice sql.NullFloat64
		var tags sql.NullString
		err := rows.Scan(&p.ID, &p.TraderName, &p.Symbol, &p.OpenTime, &p.AvgEntryPrice,
			&p.Size, &p.CurrentPrice, &p.UnrealPnL, &p.UnrealPnLPct, &stopPrice,
			&p.TakePricesJSON, &tags, &p.Status, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if stopPrice.Valid {
			p.StopPrice = &stopPrice.Float64
		}
		if tags.Valid {
			p.Tags = &tags.String
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func defaultJSON(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
