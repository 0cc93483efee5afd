package storage

import (
	"database/sql"
	"errors"

	"github.com/chainclaw/chainclaw/types"
)

// CreateSnipe persists a one-shot snipe.
func (s *Store) CreateSnipe(sn *types.Snipe) error {
	now := nowMS()
	sn.CreatedAt = msTime(now)
	sn.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO snipes
		(id, user_id, wallet_address, chain_id, token, amount, status, tx_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.UserID, sn.WalletAddress, sn.ChainID, sn.Token, sn.Amount,
		string(sn.Status), sn.TxID, now, now)
	return err
}

// Snipe returns a snipe by id, or ErrNotFound.
func (s *Store) Snipe(id string) (*types.Snipe, error) {
	var sn types.Snipe
	var status string
	var createdAt, updatedAt int64
	err := s.db.QueryRow(`SELECT id, user_id, wallet_address, chain_id, token, amount, status,
		tx_id, created_at, updated_at FROM snipes WHERE id = ?`, id).
		Scan(&sn.ID, &sn.UserID, &sn.WalletAddress, &sn.ChainID, &sn.Token, &sn.Amount,
			&status, &sn.TxID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sn.Status = types.SnipeStatus(status)
	sn.CreatedAt = msTime(createdAt)
	sn.UpdatedAt = msTime(updatedAt)
	return &sn, nil
}

// SetSnipeStatus transitions a snipe, recording the executed transaction.
func (s *Store) SetSnipeStatus(id string, status types.SnipeStatus, txID string) error {
	res, err := s.db.Exec(`UPDATE snipes SET status = ?,
		tx_id = CASE WHEN ? != '' THEN ? ELSE tx_id END, updated_at = ? WHERE id = ?`,
		string(status), txID, txID, nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAutoSnipe persists a standing auto-buy config.
func (s *Store) CreateAutoSnipe(a *types.AutoSnipe) error {
	now := nowMS()
	a.CreatedAt = msTime(now)
	a.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO auto_snipes
		(id, user_id, wallet_address, chain_id, token, amount, max_executions,
		 executed_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.WalletAddress, a.ChainID, a.Token, a.Amount,
		a.MaxExecutions, a.ExecutedCount, string(a.Status), now, now)
	return err
}

// AutoSnipe returns a config by id, or ErrNotFound.
func (s *Store) AutoSnipe(id string) (*types.AutoSnipe, error) {
	row := s.db.QueryRow(autoSnipeSelect+` WHERE id = ?`, id)
	return scanAutoSnipe(row)
}

// ActiveAutoSnipes returns every active config.
func (s *Store) ActiveAutoSnipes() ([]*types.AutoSnipe, error) {
	rows, err := s.db.Query(autoSnipeSelect + ` WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var configs []*types.AutoSnipe
	for rows.Next() {
		a, err := scanAutoSnipe(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, a)
	}
	return configs, rows.Err()
}

// ClaimAutoSnipeExecution atomically claims one execution slot: the counter
// increments only while the config is active and below its cap, and the row
// flips to exhausted in the same statement when the cap is reached. Returns
// ErrExhausted when no slot was claimed.
func (s *Store) ClaimAutoSnipeExecution(id string) error {
	res, err := s.db.Exec(`UPDATE auto_snipes SET
		executed_count = executed_count + 1,
		status = CASE WHEN executed_count + 1 >= max_executions THEN 'exhausted' ELSE status END,
		updated_at = ?
		WHERE id = ? AND status = 'active' AND executed_count < max_executions`,
		nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExhausted
	}
	return nil
}

// ReleaseAutoSnipeExecution returns a claimed slot after a failed execution,
// reactivating an exhausted config that never actually ran its last slot.
func (s *Store) ReleaseAutoSnipeExecution(id string) error {
	_, err := s.db.Exec(`UPDATE auto_snipes SET
		executed_count = executed_count - 1,
		status = CASE WHEN status = 'exhausted' THEN 'active' ELSE status END,
		updated_at = ?
		WHERE id = ? AND executed_count > 0`, nowMS(), id)
	return err
}

// SetAutoSnipeStatus cancels or reactivates a config.
func (s *Store) SetAutoSnipeStatus(id string, status types.SnipeStatus) error {
	res, err := s.db.Exec(`UPDATE auto_snipes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const autoSnipeSelect = `SELECT id, user_id, wallet_address, chain_id, token, amount,
	max_executions, executed_count, status, created_at, updated_at FROM auto_snipes`

func scanAutoSnipe(row rowScanner) (*types.AutoSnipe, error) {
	var a types.AutoSnipe
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.UserID, &a.WalletAddress, &a.ChainID, &a.Token, &a.Amount,
		&a.MaxExecutions, &a.ExecutedCount, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = types.SnipeStatus(status)
	a.CreatedAt = msTime(createdAt)
	a.UpdatedAt = msTime(updatedAt)
	return &a, nil
}
