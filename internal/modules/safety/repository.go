// Package safety implements the runtime guard: per-trader rolling counters
// for daily loss, consecutive losses, slippage anomalies, and API/DB errors,
// with a block flag that suppresses new entries once tripped.
package safety

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/database"
	"github.com/krwquant/ats/internal/domain"
)

// ErrNotFound is returned when no safety row exists for a trader.
var ErrNotFound = errors.New("safety state not found")

const safetyColumns = `trader_name, daily_loss_krw, consecutive_losses, last_loss_at,
	blocked, block_reason, slippage_anomaly_count, last_slippage_check,
	api_error_count, db_error_count, last_error_check, updated_at`

// Repository handles safety state persistence. Every compound
// increment-and-trip runs inside one transaction: two concurrent error
// reports must not double-trip or lose a count.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new safety repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "safety").Logger(),
	}
}

// Get returns the safety state for one trader, or nil when absent.
func (r *Repository) Get(traderName string) (*domain.TraderSafetyState, error) {
	query := "SELECT " + safetyColumns + " FROM trader_safety_state WHERE trader_name = ?"
	s, err := scanSafety(r.db.QueryRow(query, traderName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get safety state: %w", err)
	}
	return s, nil
}

// List returns all safety rows.
func (r *Repository) List() ([]domain.TraderSafetyState, error) {
	query := "SELECT " + safetyColumns + " FROM trader_safety_state ORDER BY trader_name"
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list safety states: %w", err)
	}
	defer rows.Close()

	var list []domain.TraderSafetyState
	for rows.Next() {
		s, err := scanSafety(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan safety state: %w", err)
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// UpdatePnLResult reports what the guard decided for one loss report.
type UpdatePnLResult struct {
	Blocked     bool
	BlockReason string
	Tripped     bool // true when this call flipped blocked from false to true
}

// UpdatePnL accumulates a realized loss, maintains the consecutive-loss
// streak, and trips the block when either the daily loss limit or the
// consecutive loss limit is crossed. All in one transaction.
func (r *Repository) UpdatePnL(traderName string, lossKRW float64, consecutive bool, dailyLimitKRW float64, consecutiveLimit int) (*UpdatePnLResult, error) {
	result := &UpdatePnLResult{}
	now := time.Now().UTC()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := ensureRow(tx, traderName, now); err != nil {
			return err
		}

		var lastLossAt interface{}
		consecutiveExpr := "0"
		if consecutive {
			consecutiveExpr = "consecutive_losses + 1"
			lastLossAt = now
		}

		query := fmt.Sprintf(`
			UPDATE trader_safety_state
			SET daily_loss_krw = daily_loss_krw + ?,
				consecutive_losses = %s,
				last_loss_at = COALESCE(?, last_loss_at),
				updated_at = ?
			WHERE trader_name = ?
		`, consecutiveExpr)
		if _, err := tx.Exec(query, lossKRW, lastLossAt, now, traderName); err != nil {
			return fmt.Errorf("failed to update pnl counters: %w", err)
		}

		var dailyLoss float64
		var losses int
		var blocked bool
		err := tx.QueryRow(
			"SELECT daily_loss_krw, consecutive_losses, blocked FROM trader_safety_state WHERE trader_name = ?",
			traderName,
		).Scan(&dailyLoss, &losses, &blocked)
		if err != nil {
			return fmt.Errorf("failed to read updated counters: %w", err)
		}

		result.Blocked = blocked
		switch {
		case dailyLimitKRW > 0 && dailyLoss >= dailyLimitKRW:
			result.BlockReason = fmt.Sprintf("일일 손실 한도 초과 (%.0f KRW)", dailyLoss)
		case consecutiveLimit > 0 && losses >= consecutiveLimit:
			result.BlockReason = fmt.Sprintf("연속 손실 %d회", losses)
		default:
			return nil
		}

		if !blocked {
			result.Tripped = true
		}
		result.Blocked = true
		return setBlocked(tx, traderName, result.BlockReason, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordSlippage increments the anomaly counter when the observed fill
// deviates beyond thresholdPct percent, tripping the block at 3.
// Returns (anomaly detected, tripped, current count, slippage pct).
func (r *Repository) RecordSlippage(traderName string, expectedPrice, actualPrice, thresholdPct float64) (bool, bool, int, float64, error) {
	if expectedPrice == 0 {
		return false, false, 0, 0, nil
	}

	slippagePct := (actualPrice - expectedPrice) / expectedPrice * 100
	if slippagePct < 0 {
		slippagePct = -slippagePct
	}
	if slippagePct <= thresholdPct {
		return false, false, 0, slippagePct, nil
	}

	var count int
	var tripped bool
	now := time.Now().UTC()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := ensureRow(tx, traderName, now); err != nil {
			return err
		}

		_, err := tx.Exec(`
			UPDATE trader_safety_state
			SET slippage_anomaly_count = slippage_anomaly_count + 1,
				last_slippage_check = ?, updated_at = ?
			WHERE trader_name = ?
		`, now, now, traderName)
		if err != nil {
			return fmt.Errorf("failed to increment slippage count: %w", err)
		}

		var blocked bool
		if err := tx.QueryRow(
			"SELECT slippage_anomaly_count, blocked FROM trader_safety_state WHERE trader_name = ?",
			traderName,
		).Scan(&count, &blocked); err != nil {
			return fmt.Errorf("failed to read slippage count: %w", err)
		}

		if count >= 3 {
			reason := fmt.Sprintf("Slippage 이상 감지 %d회 (최근: %.2f%%)", count, slippagePct)
			if !blocked {
				tripped = true
			}
			return setBlocked(tx, traderName, reason, now)
		}
		return nil
	})
	if err != nil {
		return false, false, 0, 0, err
	}
	return true, tripped, count, slippagePct, nil
}

// RecordAPIError increments the API error counter, tripping at 5.
// Returns (tripped, current count).
func (r *Repository) RecordAPIError(traderName string) (bool, int, error) {
	return r.recordError(traderName, "api_error_count", 5, "API 에러 %d회 연속 발생")
}

// RecordDBError increments the DB error counter, tripping at 3.
// Returns (tripped, current count).
func (r *Repository) RecordDBError(traderName string) (bool, int, error) {
	return r.recordError(traderName, "db_error_count", 3, "DB 에러 %d회 연속 발생")
}

func (r *Repository) recordError(traderName, column string, tripAt int, reasonFmt string) (bool, int, error) {
	var count int
	var tripped bool
	now := time.Now().UTC()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := ensureRow(tx, traderName, now); err != nil {
			return err
		}

		query := fmt.Sprintf(`
			UPDATE trader_safety_state
			SET %s = %s + 1, last_error_check = ?, updated_at = ?
			WHERE trader_name = ?
		`, column, column)
		if _, err := tx.Exec(query, now, now, traderName); err != nil {
			return fmt.Errorf("failed to increment %s: %w", column, err)
		}

		var blocked bool
		readQuery := fmt.Sprintf(
			"SELECT %s, blocked FROM trader_safety_state WHERE trader_name = ?", column)
		if err := tx.QueryRow(readQuery, traderName).Scan(&count, &blocked); err != nil {
			return fmt.Errorf("failed to read %s: %w", column, err)
		}

		if count >= tripAt {
			if !blocked {
				tripped = true
			}
			return setBlocked(tx, traderName, fmt.Sprintf(reasonFmt, count), now)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return tripped, count, nil
}

// Block sets the block flag with a reason (PANIC auto-block path).
// Returns true when this call flipped the flag.
func (r *Repository) Block(traderName, reason string) (bool, error) {
	var tripped bool
	now := time.Now().UTC()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := ensureRow(tx, traderName, now); err != nil {
			return err
		}

		var blocked bool
		if err := tx.QueryRow(
			"SELECT blocked FROM trader_safety_state WHERE trader_name = ?", traderName,
		).Scan(&blocked); err != nil {
			return fmt.Errorf("failed to read block flag: %w", err)
		}
		if blocked {
			return nil
		}
		tripped = true
		return setBlocked(tx, traderName, reason, now)
	})
	if err != nil {
		return false, err
	}
	return tripped, nil
}

// Reset clears the block flag and zeroes all counters.
func (r *Repository) Reset(traderName string) error {
	result, err := r.db.Exec(`
		UPDATE trader_safety_state
		SET blocked = 0, block_reason = NULL, daily_loss_krw = 0, consecutive_losses = 0,
			slippage_anomaly_count = 0, api_error_count = 0, db_error_count = 0,
			updated_at = ?
		WHERE trader_name = ?
	`, time.Now().UTC(), traderName)
	if err != nil {
		return fmt.Errorf("failed to reset safety state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetDailyCounters zeroes the daily loss accumulator for all traders.
// Called by the control-plane scheduler at 00:00 UTC.
func (r *Repository) ResetDailyCounters() error {
	_, err := r.db.Exec(
		"UPDATE trader_safety_state SET daily_loss_krw = 0, updated_at = ?", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return nil
}

// ResetErrorCounts zeroes only the transient error counters, used after a
// worker confirms recovery.
func (r *Repository) ResetErrorCounts(traderName string) error {
	_, err := r.db.Exec(`
		UPDATE trader_safety_state
		SET api_error_count = 0, db_error_count = 0, slippage_anomaly_count = 0, updated_at = ?
		WHERE trader_name = ?
	`, time.Now().UTC(), traderName)
	if err != nil {
		return fmt.Errorf("failed to reset error counts: %w", err)
	}
	return nil
}

func ensureRow(tx *sql.Tx, traderName string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO trader_safety_state (trader_name, updated_at) VALUES (?, ?)
		ON CONFLICT(trader_name) DO NOTHING
	`, traderName, now)
	if err != nil {
		return fmt.Errorf("failed to ensure safety row: %w", err)
	}
	return nil
}

func setBlocked(tx *sql.Tx, traderName, reason string, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE trader_safety_state SET blocked = 1, block_reason = ?, updated_at = ?
		WHERE trader_name = ?
	`, reason, now, traderName)
	if err != nil {
		return fmt.Errorf("failed to set block flag: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSafety(row rowScanner) (*domain.TraderSafetyState, error) {
	var s domain.TraderSafetyState
	var blockReason sql.NullString
	var lastLossAt, lastSlippageCheck, lastErrorCheck sql.NullTime

	err := row.Scan(
		&s.TraderName, &s.DailyLossKRW, &s.ConsecutiveLosses, &lastLossAt,
		&s.Blocked, &blockReason, &s.SlippageAnomalyCount, &lastSlippageCheck,
		&s.APIErrorCount, &s.DBErrorCount, &lastErrorCheck, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if blockReason.Valid {
		s.BlockReason = &blockReason.String
	}
	if lastLossAt.Valid {
		ts := lastLossAt.Time
		s.LastLossAt = &ts
	}
	if lastSlippageCheck.Valid {
		ts := lastSlippageCheck.Time
		s.LastSlippageCheck = &ts
	}
	if lastErrorCheck.Valid {
		ts := lastErrorCheck.Time
		s.LastErrorCheck = &ts
	}
	return &s, nil
}
