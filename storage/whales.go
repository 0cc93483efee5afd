package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

// CreateWhaleWatch persists a new watch.
func (s *Store) CreateWhaleWatch(w *types.WhaleWatch) error {
	now := nowMS()
	w.CreatedAt = msTime(now)
	w.UpdatedAt = msTime(now)
	_, err := s.db.Exec(`INSERT INTO whale_watches
		(id, user_id, chain_id, address, label, threshold_usd, status, auto_copy,
		 copy_wallet, copy_amount, copy_max_daily, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.ChainID, strings.ToLower(w.Address), w.Label, w.ThresholdUSD,
		string(w.Status), boolInt(w.AutoCopy), w.CopyWallet, w.CopyAmount, w.CopyMaxDaily, now, now)
	return err
}

// ActiveWhaleWatches returns the active watches for a chain.
func (s *Store) ActiveWhaleWatches(chainID uint64) ([]*types.WhaleWatch, error) {
	rows, err := s.db.Query(`SELECT id, user_id, chain_id, address, label, threshold_usd,
		status, auto_copy, copy_wallet, copy_amount, copy_max_daily, created_at, updated_at
		FROM whale_watches WHERE chain_id = ? AND status = 'active'`, chainID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var watches []*types.WhaleWatch
	for rows.Next() {
		var w types.WhaleWatch
		var status string
		var autoCopy int
		var createdAt, updatedAt int64
		if err := rows.Scan(&w.ID, &w.UserID, &w.ChainID, &w.Address, &w.Label,
			&w.ThresholdUSD, &status, &autoCopy, &w.CopyWallet, &w.CopyAmount,
			&w.CopyMaxDaily, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		w.Status = types.WatchStatus(status)
		w.AutoCopy = autoCopy != 0
		w.CreatedAt = msTime(createdAt)
		w.UpdatedAt = msTime(updatedAt)
		watches = append(watches, &w)
	}
	return watches, rows.Err()
}

// WatchedChainIDs returns the distinct chains that currently have an active
// watch.
func (s *Store) WatchedChainIDs() ([]uint64, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chain_id FROM whale_watches WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetWhaleWatchStatus cancels or reactivates a watch.
func (s *Store) SetWhaleWatchStatus(id string, status types.WatchStatus) error {
	res, err := s.db.Exec(`UPDATE whale_watches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMS(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimCopySlot atomically claims one copy-trade slot for a watch on a UTC
// day (formatted YYYY-MM-DD). The counter only increments while below
// maxDaily, so concurrent claimers can never exceed the cap. Returns
// ErrExhausted when no slot is left.
func (s *Store) ClaimCopySlot(watchID, day string, maxDaily int) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := nowMS()
		if _, err := tx.Exec(`INSERT OR IGNORE INTO whale_copy_claims (watch_id, day, count, created_at)
			VALUES (?, ?, 0, ?)`, watchID, day, now); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE whale_copy_claims SET count = count + 1
			WHERE watch_id = ? AND day = ? AND count < ?`, watchID, day, maxDaily)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrExhausted
		}
		return nil
	})
}

// CopySlotCount returns the claimed copy-trade count for a watch and day.
func (s *Store) CopySlotCount(watchID, day string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT count FROM whale_copy_claims WHERE watch_id = ? AND day = ?`,
		watchID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// WhaleCursor returns the last processed block for a chain; zero when the
// chain has never been polled.
func (s *Store) WhaleCursor(chainID uint64) (uint64, error) {
	var block uint64
	err := s.db.QueryRow(`SELECT last_block FROM whale_cursor WHERE chain_id = ?`, chainID).
		Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return block, err
}

// SetWhaleCursor advances the last processed block for a chain.
func (s *Store) SetWhaleCursor(chainID, block uint64) error {
	now := nowMS()
	_, err := s.db.Exec(`INSERT INTO whale_cursor (chain_id, last_block, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET last_block = excluded.last_block, updated_at = excluded.updated_at`,
		chainID, block, now, now)
	return err
}

// AddFlowSample accumulates signed flow into the watch's bucket.
func (s *Store) AddFlowSample(watchID string, bucket time.Time, flowUSD float64) error {
	_, err := s.db.Exec(`INSERT INTO whale_flow_samples (watch_id, bucket, flow_usd, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(watch_id, bucket) DO UPDATE SET flow_usd = flow_usd + excluded.flow_usd`,
		watchID, bucket.UnixMilli(), flowUSD, nowMS())
	return err
}

// RecentFlowSamples returns the latest n buckets for a watch, newest first.
func (s *Store) RecentFlowSamples(watchID string, n int) ([]*types.FlowSample, error) {
	rows, err := s.db.Query(`SELECT watch_id, bucket, flow_usd FROM whale_flow_samples
		WHERE watch_id = ? ORDER BY bucket DESC LIMIT ?`, watchID, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var samples []*types.FlowSample
	for rows.Next() {
		var fs types.FlowSample
		var bucket int64
		if err := rows.Scan(&fs.WatchID, &bucket, &fs.FlowUSD); err != nil {
			return nil, err
		}
		fs.Bucket = msTime(bucket)
		samples = append(samples, &fs)
	}
	return samples, rows.Err()
}

// PruneFlowSamples drops buckets older than the cutoff (24-hour retention).
func (s *Store) PruneFlowSamples(cutoff time.Time) error {
	_, err := s.db.Exec(`DELETE FROM whale_flow_samples WHERE bucket < ?`, cutoff.UnixMilli())
	return err
}
