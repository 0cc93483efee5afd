package storage

import (
	"database/sql"
	"errors"

	"github.com/chainclaw/chainclaw/types"
)

// EnqueueDelivery creates a pending notification row.
func (s *Store) EnqueueDelivery(e *types.DeliveryEntry) error {
	now := nowMS()
	e.Status = types.DeliveryStatusPending
	e.CreatedAt = msTime(now)
	e.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO delivery_queue
		(id, channel, recipient_id, message, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
		e.ID, e.Channel, e.RecipientID, e.Message, string(e.Status), now, now)
	return err
}

// DeliveryEntry returns a queue row by id, or ErrNotFound.
func (s *Store) DeliveryEntry(id string) (*types.DeliveryEntry, error) {
	row := s.db.QueryRow(deliverySelect+` WHERE id = ?`, id)
	return scanDelivery(row)
}

// PendingDeliveries returns pending rows, oldest first.
func (s *Store) PendingDeliveries(limit int) ([]*types.DeliveryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(deliverySelect+` WHERE status = 'pending' ORDER BY created_at LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var entries []*types.DeliveryEntry
	for rows.Next() {
		e, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AckDelivery marks a row as sent.
func (s *Store) AckDelivery(id string) error {
	res, err := s.db.Exec(`UPDATE delivery_queue SET status = 'sent', updated_at = ? WHERE id = ?`,
		nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailDelivery records a failed attempt. The row stays pending until attempts
// reach maxAttempts, then flips to failed.
func (s *Store) FailDelivery(id, lastError string, maxAttempts int) error {
	res, err := s.db.Exec(`UPDATE delivery_queue SET
		attempts = attempts + 1,
		last_error = ?,
		status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		updated_at = ?
		WHERE id = ?`, lastError, maxAttempts, nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const deliverySelect = `SELECT id, channel, recipient_id, message, status, attempts,
	last_error, created_at, updated_at FROM delivery_queue`

func scanDelivery(row rowScanner) (*types.DeliveryEntry, error) {
	var e types.DeliveryEntry
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&e.ID, &e.Channel, &e.RecipientID, &e.Message, &status, &e.Attempts,
		&e.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = types.DeliveryStatus(status)
	e.CreatedAt = msTime(createdAt)
	e.UpdatedAt = msTime(updatedAt)
	return &e, nil
}
