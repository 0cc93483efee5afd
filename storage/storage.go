/*
Package storage is the single persistence boundary of ChainClaw: one SQLite
file holding every durable table. All writes are short transactions; readers
only ever observe committed state.

# Tables

## Transaction pipeline
  - tx_log        : transaction records, the audit trail of the executor
  - user_limits   : per-user guardrail policy plus the last-send stamp
  - risk_reports  : cached risk oracle reports, keyed by (chain_id, contract)
  - contract_list : user allow/block rules (block > allow > risk decision)

## Background engines
  - dca_jobs             : recurring swap jobs (fixed and value-averaging)
  - limit_orders         : price-triggered swaps
  - whale_watches        : tracked addresses with optional auto-copy
  - whale_copy_claims    : per-watch per-UTC-day copy-trade slot counters
  - whale_flow_samples   : 15-minute signed flow buckets per watch
  - signals              : published trading signals
  - signal_subscriptions : per-user notification cursors
  - signal_providers     : recomputed provider performance stats
  - snipes, auto_snipes  : one-shot buys and standing auto-buy configs
  - privacy_deposits     : reserved for the privacy skill (outside core)

## Notifications
  - delivery_queue : at-least-once user notification rows

Every table has created_at; state tables also maintain updated_at. Monetary
base-unit amounts are stored as decimal strings to avoid precision loss; USD
values are floats. Timestamps are unix milliseconds.

Schema migrations are forward-only additive: on open, any column missing from
an existing table is added with its default.
*/
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/chainclaw/chainclaw/log"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update would leave the
	// transaction lifecycle DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExhausted is returned when a bounded counter has no slots left.
	ErrExhausted = errors.New("exhausted")
)

// Store is the durable row store. Safe for concurrent use; SQLite serializes
// writers and the connection is opened with a busy timeout.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	log.Debugw("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// schema holds the canonical CREATE TABLE statements. Columns added after a
// release ship as addedColumns entries instead of edits here.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tx_log (
		tx_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		skill_name TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		chain_id INTEGER NOT NULL,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL DEFAULT '',
		value_native TEXT NOT NULL DEFAULT '0',
		simulation_json TEXT NOT NULL DEFAULT '',
		guardrails_json TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		hash TEXT NOT NULL DEFAULT '',
		gas_used INTEGER NOT NULL DEFAULT 0,
		effective_gas_price TEXT NOT NULL DEFAULT '',
		gas_cost_usd REAL NOT NULL DEFAULT 0,
		block_number INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tx_log_user_created ON tx_log(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_limits (
		user_id TEXT PRIMARY KEY,
		max_per_tx_usd REAL NOT NULL,
		max_per_day_usd REAL NOT NULL,
		cooldown_seconds INTEGER NOT NULL,
		slippage_bps INTEGER NOT NULL,
		last_sent_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS risk_reports (
		chain_id INTEGER NOT NULL,
		contract TEXT NOT NULL,
		overall_score REAL NOT NULL,
		risk_level TEXT NOT NULL,
		dimensions_json TEXT NOT NULL DEFAULT '',
		is_honeypot INTEGER NOT NULL DEFAULT 0,
		buy_tax_pct REAL NOT NULL DEFAULT 0,
		sell_tax_pct REAL NOT NULL DEFAULT 0,
		source_verified INTEGER NOT NULL DEFAULT 0,
		owner_privileges INTEGER NOT NULL DEFAULT 0,
		cached_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (chain_id, contract)
	)`,
	`CREATE TABLE IF NOT EXISTS contract_list (
		address TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (address, chain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dca_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		from_token TEXT NOT NULL,
		to_token TEXT NOT NULL,
		amount TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		interval_ms INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		total_executions INTEGER NOT NULL DEFAULT 0,
		max_executions INTEGER NOT NULL DEFAULT 0,
		total_spent TEXT NOT NULL DEFAULT '0',
		avg_price REAL NOT NULL DEFAULT 0,
		last_executed_at INTEGER NOT NULL DEFAULT 0,
		next_execution_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dca_jobs_due ON dca_jobs(status, next_execution_at)`,
	`CREATE TABLE IF NOT EXISTS limit_orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		from_token TEXT NOT NULL,
		to_token TEXT NOT NULL,
		amount TEXT NOT NULL,
		trigger_price_usd REAL NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS whale_watches (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		threshold_usd REAL NOT NULL,
		status TEXT NOT NULL,
		auto_copy INTEGER NOT NULL DEFAULT 0,
		copy_wallet TEXT NOT NULL DEFAULT '',
		copy_amount TEXT NOT NULL DEFAULT '0',
		copy_max_daily INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS whale_copy_claims (
		watch_id TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (watch_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS whale_flow_samples (
		watch_id TEXT NOT NULL,
		bucket INTEGER NOT NULL,
		flow_usd REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (watch_id, bucket)
	)`,
	`CREATE TABLE IF NOT EXISTS whale_cursor (
		chain_id INTEGER PRIMARY KEY,
		last_block INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		token TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		tx_hash TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		collateral TEXT NOT NULL DEFAULT '',
		leverage REAL NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		pnl_pct REAL NOT NULL DEFAULT 0,
		closed_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (provider, tx_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS signal_subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		last_notified_id INTEGER NOT NULL DEFAULT 0,
		last_notified_close_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (user_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS signal_providers (
		provider TEXT PRIMARY KEY,
		total_signals INTEGER NOT NULL DEFAULT 0,
		closed_count INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		avg_return_pct REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snipes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auto_snipes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		max_executions INTEGER NOT NULL,
		executed_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS privacy_deposits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		note_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_queue_pending ON delivery_queue(status, created_at)`,
}

// addedColumns lists columns introduced after the initial schema. Each is
// applied with ALTER TABLE ADD COLUMN when missing, so older store files
// upgrade in place.
var addedColumns = []struct {
	table, column, decl string
}{
	{"signals", "verified", "INTEGER NOT NULL DEFAULT 0"},
	{"whale_watches", "copy_wallet", "TEXT NOT NULL DEFAULT ''"},
	{"user_limits", "last_sent_at", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	for _, ac := range addedColumns {
		ok, err := s.hasColumn(ac.table, ac.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", ac.table, ac.column, ac.decl)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", ac.table, ac.column, err)
		}
		log.Infow("store column added", "table", ac.table, "column", ac.column)
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("reading table info for %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// nowMS returns the current time in unix milliseconds.
func nowMS() int64 { return time.Now().UnixMilli() }

// msTime converts unix milliseconds to a time.Time; zero stays zero.
func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
