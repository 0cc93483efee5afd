package storage

import (
	"database/sql"
	"errors"

	"github.com/chainclaw/chainclaw/types"
)

// CreateLimitOrder persists a new price-triggered order.
func (s *Store) CreateLimitOrder(o *types.LimitOrder) error {
	now := nowMS()
	o.CreatedAt = msTime(now)
	o.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO limit_orders
		(id, user_id, wallet_address, chain_id, from_token, to_token, amount,
		 trigger_price_usd, direction, status, tx_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.WalletAddress, o.ChainID, o.FromToken, o.ToToken, o.Amount,
		o.TriggerPriceUSD, string(o.Direction), string(o.Status), o.TxID, now, now)
	return err
}

// LimitOrder returns an order by id, or ErrNotFound.
func (s *Store) LimitOrder(id string) (*types.LimitOrder, error) {
	row := s.db.QueryRow(orderSelect+` WHERE id = ?`, id)
	return scanLimitOrder(row)
}

// ActiveLimitOrders returns every active order, oldest first.
func (s *Store) ActiveLimitOrders() ([]*types.LimitOrder, error) {
	rows, err := s.db.Query(orderSelect + ` WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var orders []*types.LimitOrder
	for rows.Next() {
		o, err := scanLimitOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SetLimitOrderStatus transitions an order, recording the transaction that
// filled (or failed) it.
func (s *Store) SetLimitOrderStatus(id string, status types.OrderStatus, txID string) error {
	res, err := s.db.Exec(`UPDATE limit_orders SET status = ?,
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

const orderSelect = `SELECT id, user_id, wallet_address, chain_id, from_token, to_token,
	amount, trigger_price_usd, direction, status, tx_id, created_at, updated_at FROM limit_orders`

func scanLimitOrder(row rowScanner) (*types.LimitOrder, error) {
	var o types.LimitOrder
	var direction, status string
	var createdAt, updatedAt int64
	err := row.Scan(&o.ID, &o.UserID, &o.WalletAddress, &o.ChainID, &o.FromToken, &o.ToToken,
		&o.Amount, &o.TriggerPriceUSD, &direction, &status, &o.TxID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Direction = types.OrderDirection(direction)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = msTime(createdAt)
	o.UpdatedAt = msTime(updatedAt)
	return &o, nil
}
