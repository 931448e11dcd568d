// Package traders owns the trader registry: creation, run/stop/arm
// transitions, the PAPER protection window, and heartbeats.
package traders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
)

// ErrNotFound is returned when no trader exists under the given name.
var ErrNotFound = errors.New("trader not found")

// ErrAlreadyExists is returned when creating a trader whose name is taken.
var ErrAlreadyExists = errors.New("trader already exists")

// tradersColumns is the list of columns for the traders table
// Column order must match scanTrader()
const tradersColumns = `name, strategy, risk_mode, run_mode, credential_name, status,
	container_name, seed_krw, pnl_krw, paper_started_at, armed_at, last_heartbeat_at, created_at`

// Repository handles trader database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new trader repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "traders").Logger(),
	}
}

// Create inserts a new trader. Run mode is forced to PAPER and the
// protection window starts immediately.
func (r *Repository) Create(t domain.Trader) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO traders
		(name, strategy, risk_mode, run_mode, credential_name, status, seed_krw, pnl_krw,
		 paper_started_at, created_at)
		VALUES (?, ?, ?, 'PAPER', ?, 'STOP', ?, 0, ?, ?)
	`
	_, err := r.db.Exec(query, t.Name, t.Strategy, t.RiskMode, t.CredentialName, t.SeedKRW, now, now)
	if err != nil {
		return fmt.Errorf("failed to create trader: %w", err)
	}

	r.log.Info().
		Str("name", t.Name).
		Str("strategy", t.Strategy).
		Str("risk_mode", t.RiskMode).
		Msg("Trader created")
	return nil
}

// Get returns one trader by name.
func (r *Repository) Get(name string) (*domain.Trader, error) {
	query := "SELECT " + tradersColumns + " FROM traders WHERE name = ?"
	t, err := scanTrader(r.db.QueryRow(query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", err)
	}
	return t, nil
}

// List returns all traders, most recently created first.
func (r *Repository) List() ([]domain.Trader, error) {
	query := "SELECT " + tradersColumns + " FROM traders ORDER BY created_at DESC"
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list traders: %w", err)
	}
	defer rows.Close()

	var list []domain.Trader
	for rows.Next() {
		t, err := scanTraderRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// Exists reports whether a trader with the given name exists.
func (r *Repository) Exists(name string) (bool, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(1) FROM traders WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check trader existence: %w", err)
	}
	return n > 0, nil
}

// SetRunState updates run_mode, status and container name together.
func (r *Repository) SetRunState(name, runMode, status string, containerName *string) error {
	result, err := r.db.Exec(
		"UPDATE traders SET run_mode = ?, status = ?, container_name = ? WHERE name = ?",
		runMode, status, containerName, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update trader run state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates only the status field.
func (r *Repository) SetStatus(name, status string) error {
	result, err := r.db.Exec("UPDATE traders SET status = ? WHERE name = ?", status, name)
	if err != nil {
		return fmt.Errorf("failed to update trader status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetArmedAt records the ARM timestamp.
func (r *Repository) SetArmedAt(name string, armedAt time.Time) error {
	result, err := r.db.Exec("UPDATE traders SET armed_at = ? WHERE name = ?", armedAt.UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to arm trader: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat stamps last_heartbeat_at.
func (r *Repository) Heartbeat(name string, ts time.Time) error {
	result, err := r.db.Exec("UPDATE traders SET last_heartbeat_at = ? WHERE name = ?", ts.UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPnL accumulates realized PnL in KRW.
func (r *Repository) AddPnL(name string, pnlKRW float64) error {
	result, err := r.db.Exec("UPDATE traders SET pnl_krw = pnl_krw + ? WHERE name = ?", pnlKRW, name)
	if err != nil {
		return fmt.Errorf("failed to update trader pnl: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a trader.
func (r *Repository) Delete(name string) error {
	result, err := r.db.Exec("DELETE FROM traders WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete trader: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.log.Info().Str("name", name).Msg("Trader deleted")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrader(row rowScanner) (*domain.Trader, error) {
	var t domain.Trader
	var credentialName, containerName sql.NullString
	var seedKRW sql.NullFloat64
	var paperStartedAt, armedAt, lastHeartbeatAt sql.NullTime

	err := row.Scan(
		&t.Name, &t.Strategy, &t.RiskMode, &t.RunMode, &credentialName, &t.Status,
		&containerName, &seedKRW, &t.PnLKRW, &paperStartedAt, &armedAt, &lastHeartbeatAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if credentialName.Valid {
		t.CredentialName = &credentialName.String
	}
	if containerName.Valid {
		t.ContainerName = &containerName.String
	}
	if seedKRW.Valid {
		t.SeedKRW = &seedKRW.Float64
	}
	if paperStartedAt.Valid {
		ts := paperStartedAt.Time
		t.PaperStartedAt = &ts
	}
	if armedAt.Valid {
		ts := armedAt.Time
		t.ArmedAt = &ts
	}
	if lastHeartbeatAt.Valid {
		ts := lastHeartbeatAt.Time
		t.LastHeartbeatAt = &ts
	}
	return &t, nil
}

func scanTraderRows(rows *sql.Rows) (*domain.Trader, error) {
	t, err := scanTrader(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trader: %w", err)
	}
	return t, nil
}
