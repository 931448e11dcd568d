package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// schemaStatements is the control-store DDL. Statements are executed in order
// and must all be idempotent (IF NOT EXISTS).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		access_key_enc TEXT NOT NULL,
		secret_key_enc TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS traders (
		name TEXT PRIMARY KEY,
		strategy TEXT NOT NULL DEFAULT 'default',
		risk_mode TEXT NOT NULL DEFAULT 'STANDARD',
		run_mode TEXT NOT NULL DEFAULT 'PAPER',
		credential_name TEXT,
		status TEXT NOT NULL DEFAULT 'STOP',
		container_name TEXT,
		seed_krw REAL,
		pnl_krw REAL NOT NULL DEFAULT 0,
		paper_started_at DATETIME,
		armed_at DATETIME,
		last_heartbeat_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		trader_name TEXT,
		level TEXT NOT NULL DEFAULT 'INFO',
		kind TEXT NOT NULL DEFAULT 'system',
		message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,

	`CREATE TABLE IF NOT EXISTS regime_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		market TEXT NOT NULL DEFAULT 'KRW-BTC',
		regime_id INTEGER NOT NULL DEFAULT 0,
		regime_label TEXT NOT NULL DEFAULT 'RANGE',
		confidence REAL NOT NULL DEFAULT 0,
		metrics_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_regime_snapshots_market_ts ON regime_snapshots(market, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS trader_safety_state (
		trader_name TEXT PRIMARY KEY,
		daily_loss_krw REAL NOT NULL DEFAULT 0,
		consecutive_losses INTEGER NOT NULL DEFAULT 0,
		last_loss_at DATETIME,
		blocked INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT,
		slippage_anomaly_count INTEGER NOT NULL DEFAULT 0,
		last_slippage_check DATETIME,
		api_error_count INTEGER NOT NULL DEFAULT 0,
		db_error_count INTEGER NOT NULL DEFAULT 0,
		last_error_check DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS bandit_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		regime TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		alpha REAL NOT NULL DEFAULT 1.0,
		beta REAL NOT NULL DEFAULT 1.0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(regime, strategy_id)
	)`,

	`CREATE TABLE IF NOT EXISTS model_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		metrics_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deployed_at DATETIME,
		rolled_back_at DATETIME,
		rollback_reason TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS scan_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		strategy_id TEXT NOT NULL,
		market_count INTEGER NOT NULL DEFAULT 0,
		top_n INTEGER NOT NULL DEFAULT 5,
		params_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_runs_ts ON scan_runs(ts)`,

	`CREATE TABLE IF NOT EXISTS feature_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_run_id INTEGER NOT NULL REFERENCES scan_runs(id),
		market TEXT NOT NULL,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		features_json TEXT NOT NULL DEFAULT '{}',
		label_ret_60m REAL,
		label_ret_240m REAL,
		label_mfe_240m REAL,
		label_mae_240m REAL,
		label_dd_240m REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_snapshots_scan_run ON feature_snapshots(scan_run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_snapshots_ts ON feature_snapshots(ts)`,

	`CREATE TABLE IF NOT EXISTS config_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		params_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_active INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS model_candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		metrics_json TEXT NOT NULL DEFAULT '{}',
		score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_candidates_strategy ON model_candidates(strategy_id)`,

	`CREATE TABLE IF NOT EXISTS model_baselines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		baseline_model_id INTEGER,
		baseline_metrics_json TEXT NOT NULL DEFAULT '{}',
		reference_window_start DATETIME NOT NULL,
		reference_window_end DATETIME NOT NULL,
		drift_warn_count INTEGER NOT NULL DEFAULT 0,
		last_drift_check DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_baselines_strategy ON model_baselines(strategy_id)`,

	`CREATE TABLE IF NOT EXISTS model_metrics_24h (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id INTEGER NOT NULL,
		strategy_id TEXT NOT NULL,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		net_return_24h REAL NOT NULL DEFAULT 0,
		metrics_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_metrics_24h_model ON model_metrics_24h(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_model_metrics_24h_ts ON model_metrics_24h(ts)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trader_name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		total_score REAL NOT NULL DEFAULT 0,
		scores_json TEXT NOT NULL DEFAULT '{}',
		regime TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT 'HOLD',
		reason_codes TEXT NOT NULL DEFAULT '[]',
		raw_metrics_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_trader ON signals(trader_name)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		trader_name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		size REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_price REAL,
		error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_trader ON orders(trader_name)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL UNIQUE,
		trader_name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		entry_price REAL NOT NULL,
		entry_size REAL NOT NULL,
		stop_price REAL,
		exit_time DATETIME,
		exit_price REAL,
		exit_size REAL,
		pnl REAL NOT NULL DEFAULT 0,
		pnl_pct REAL NOT NULL DEFAULT 0,
		mode TEXT NOT NULL DEFAULT 'PAPER',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_trader ON trades(trader_name)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trader_name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		open_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		avg_entry_price REAL NOT NULL,
		size REAL NOT NULL,
		current_price REAL NOT NULL DEFAULT 0,
		unreal_pnl REAL NOT NULL DEFAULT 0,
		unreal_pnl_pct REAL NOT NULL DEFAULT 0,
		stop_price REAL,
		take_prices_json TEXT NOT NULL DEFAULT '[]',
		tags TEXT,
		status TEXT NOT NULL DEFAULT 'OPEN',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_trader ON positions(trader_name)`,
}

// additiveColumns lists columns added after the tables first shipped.
// ALTER TABLE ADD COLUMN fails when the column exists; those errors are
// swallowed so pre-existing databases migrate forward cleanly.
var additiveColumns = []string{
	`ALTER TABLE traders ADD COLUMN seed_krw REAL`,
	`ALTER TABLE traders ADD COLUMN pnl_krw REAL NOT NULL DEFAULT 0`,
	`ALTER TABLE traders ADD COLUMN paper_started_at DATETIME`,
	`ALTER TABLE traders ADD COLUMN armed_at DATETIME`,
	`ALTER TABLE trader_safety_state ADD COLUMN slippage_anomaly_count INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE trader_safety_state ADD COLUMN api_error_count INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE trader_safety_state ADD COLUMN db_error_count INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE model_baselines ADD COLUMN drift_warn_count INTEGER NOT NULL DEFAULT 0`,
}

// ApplySchema creates all control-store tables and applies additive column
// migrations. Safe to call on every startup.
func ApplySchema(conn *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	for _, stmt := range additiveColumns {
		if _, err := conn.Exec(stmt); err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "duplicate column") ||
				strings.Contains(errStr, "already exists") {
				continue
			}
			return fmt.Errorf("failed to apply column migration: %w", err)
		}
	}

	return nil
}
