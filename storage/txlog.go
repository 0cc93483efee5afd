package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

// InsertTransaction persists a new transaction record. The record must carry
// a TxID and a status; timestamps are stamped here.
func (s *Store) InsertTransaction(rec *types.TransactionRecord) error {
	now := nowMS()
	rec.CreatedAt = msTime(now)
	rec.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO tx_log
		(tx_id, user_id, skill_name, intent, chain_id, from_addr, to_addr, value_native,
		 simulation_json, guardrails_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TxID, rec.UserID, rec.SkillName, rec.Intent, rec.ChainID, rec.From, rec.To,
		rec.ValueNative, rec.SimulationJSON, rec.GuardrailsJSON, string(rec.Status), now, now)
	if err != nil {
		return fmt.Errorf("inserting transaction %s: %w", rec.TxID, err)
	}
	return nil
}

// Transaction returns the record for txID, or ErrNotFound.
func (s *Store) Transaction(txID string) (*types.TransactionRecord, error) {
	row := s.db.QueryRow(`SELECT tx_id, user_id, skill_name, intent, chain_id, from_addr,
		to_addr, value_native, simulation_json, guardrails_json, status, hash, gas_used,
		effective_gas_price, gas_cost_usd, block_number, error, created_at, updated_at
		FROM tx_log WHERE tx_id = ?`, txID)
	return scanTransaction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*types.TransactionRecord, error) {
	var rec types.TransactionRecord
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&rec.TxID, &rec.UserID, &rec.SkillName, &rec.Intent, &rec.ChainID,
		&rec.From, &rec.To, &rec.ValueNative, &rec.SimulationJSON, &rec.GuardrailsJSON,
		&status, &rec.Hash, &rec.GasUsed, &rec.EffectiveGasPrice, &rec.GasCostUSD,
		&rec.BlockNumber, &rec.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = types.TxStatus(status)
	rec.CreatedAt = msTime(createdAt)
	rec.UpdatedAt = msTime(updatedAt)
	return &rec, nil
}

// TxUpdate carries the optional on-chain outcome fields of a status change.
type TxUpdate struct {
	Hash              string
	GasUsed           uint64
	EffectiveGasPrice string
	GasCostUSD        float64
	BlockNumber       uint64
	Error             string
}

// UpdateTransactionStatus moves a record to next, enforcing the lifecycle
// DAG. The read and write happen in one transaction so concurrent movers
// cannot interleave an invalid edge.
func (s *Store) UpdateTransactionStatus(txID string, next types.TxStatus, upd *TxUpdate) error {
	return s.inTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM tx_log WHERE tx_id = ?`, txID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !types.TxStatus(current).CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, current, next, txID)
		}
		if upd == nil {
			upd = &TxUpdate{}
		}
		_, err = tx.Exec(`UPDATE tx_log SET status = ?,
			hash = CASE WHEN ? != '' THEN ? ELSE hash END,
			gas_used = CASE WHEN ? != 0 THEN ? ELSE gas_used END,
			effective_gas_price = CASE WHEN ? != '' THEN ? ELSE effective_gas_price END,
			gas_cost_usd = CASE WHEN ? != 0 THEN ? ELSE gas_cost_usd END,
			block_number = CASE WHEN ? != 0 THEN ? ELSE block_number END,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			updated_at = ?
			WHERE tx_id = ?`,
			string(next),
			upd.Hash, upd.Hash,
			upd.GasUsed, upd.GasUsed,
			upd.EffectiveGasPrice, upd.EffectiveGasPrice,
			upd.GasCostUSD, upd.GasCostUSD,
			upd.BlockNumber, upd.BlockNumber,
			upd.Error, upd.Error,
			nowMS(), txID)
		return err
	})
}

// UserTransactions returns the most recent records for a user, newest first.
func (s *Store) UserTransactions(userID string, limit int) ([]*types.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT tx_id, user_id, skill_name, intent, chain_id, from_addr,
		to_addr, value_native, simulation_json, guardrails_json, status, hash, gas_used,
		effective_gas_price, gas_cost_usd, block_number, error, created_at, updated_at
		FROM tx_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var recs []*types.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SpentNativeSince sums value_native of the user's broadcast or confirmed
// records created at or after since. The sum is returned as a decimal string
// of wei; the guardrails convert to USD.
func (s *Store) SpentNativeSince(userID string, since time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT value_native FROM tx_log
		WHERE user_id = ? AND status IN ('broadcast', 'confirmed') AND created_at >= ?`,
		userID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// TimedOutTransactions returns failed records whose error is "timeout" and
// that retained a hash, for the startup reconciler.
func (s *Store) TimedOutTransactions() ([]*types.TransactionRecord, error) {
	rows, err := s.db.Query(`SELECT tx_id, user_id, skill_name, intent, chain_id, from_addr,
		to_addr, value_native, simulation_json, guardrails_json, status, hash, gas_used,
		effective_gas_price, gas_cost_usd, block_number, error, created_at, updated_at
		FROM tx_log WHERE status = 'failed' AND error = 'timeout' AND hash != ''`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var recs []*types.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ReconcileTimedOut rewrites a failed/timeout record that later landed
// on-chain. This is the one permitted exception to the forward-only DAG:
// the record keeps its history but reflects the true on-chain outcome.
func (s *Store) ReconcileTimedOut(txID string, upd *TxUpdate, confirmed bool) error {
	status := types.TxStatusConfirmed
	errStr := ""
	if !confirmed {
		status = types.TxStatusFailed
		errStr = "reverted"
	}
	_, err := s.db.Exec(`UPDATE tx_log SET status = ?, gas_used = ?, effective_gas_price = ?,
		gas_cost_usd = ?, block_number = ?, error = ?, updated_at = ?
		WHERE tx_id = ? AND status = 'failed' AND error = 'timeout'`,
		string(status), upd.GasUsed, upd.EffectiveGasPrice, upd.GasCostUSD,
		upd.BlockNumber, errStr, nowMS(), txID)
	return err
}
