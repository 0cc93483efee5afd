package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

// CreateSignal persists a published signal and returns its id. The
// (provider, tx_hash) pair is unique; re-publishing the same hash updates
// metadata and preserves identity.
func (s *Store) CreateSignal(sig *types.Signal) (int64, error) {
	now := nowMS()
	if sig.TxHash != "" {
		var existing int64
		err := s.db.QueryRow(`SELECT id FROM signals WHERE provider = ? AND tx_hash = ?`,
			sig.Provider, sig.TxHash).Scan(&existing)
		if err == nil {
			_, err = s.db.Exec(`UPDATE signals SET token = ?, chain_id = ?, side = ?,
				entry_price = ?, collateral = ?, leverage = ?, updated_at = ? WHERE id = ?`,
				sig.Token, sig.ChainID, string(sig.Side), sig.EntryPrice,
				sig.Collateral, sig.Leverage, now, existing)
			sig.ID = existing
			return existing, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}
	res, err := s.db.Exec(`INSERT INTO signals
		(provider, token, chain_id, side, entry_price, tx_hash, verified, collateral,
		 leverage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.Provider, sig.Token, sig.ChainID, string(sig.Side), sig.EntryPrice,
		sig.TxHash, boolInt(sig.Verified), sig.Collateral, sig.Leverage,
		string(types.SignalStatusOpen), now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	sig.ID = id
	sig.Status = types.SignalStatusOpen
	return id, err
}

// Signal returns a signal by id, or ErrNotFound.
func (s *Store) Signal(id int64) (*types.Signal, error) {
	row := s.db.QueryRow(signalSelect+` WHERE id = ?`, id)
	return scanSignal(row)
}

// SetSignalVerified marks a signal as on-chain verified, optionally updating
// the effective entry price extracted from transfer events.
func (s *Store) SetSignalVerified(id int64, entryPrice float64) error {
	_, err := s.db.Exec(`UPDATE signals SET verified = 1,
		entry_price = CASE WHEN ? != 0 THEN ? ELSE entry_price END,
		updated_at = ? WHERE id = ?`, entryPrice, entryPrice, nowMS(), id)
	return err
}

// CloseSignal closes an open signal with its exit price and computed PnL.
// Closing an already-closed signal returns ErrNotFound with no state change.
func (s *Store) CloseSignal(id int64, exitPrice, pnlPct float64) error {
	now := nowMS()
	res, err := s.db.Exec(`UPDATE signals SET status = 'closed', exit_price = ?, pnl_pct = ?,
		closed_at = ?, updated_at = ? WHERE id = ? AND status = 'open'`,
		exitPrice, pnlPct, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSignals transitions signals open since before the cutoff to expired
// and returns how many moved.
func (s *Store) ExpireSignals(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE signals SET status = 'expired', updated_at = ?
		WHERE status = 'open' AND created_at < ?`, nowMS(), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SignalsAfter returns a provider's signals with id greater than afterID,
// oldest first.
func (s *Store) SignalsAfter(provider string, afterID int64) ([]*types.Signal, error) {
	rows, err := s.db.Query(signalSelect+` WHERE provider = ? AND id > ? ORDER BY id`,
		provider, afterID)
	if err != nil {
		return nil, err
	}
	return collectSignals(rows)
}

// SignalsClosedAfter returns a provider's signals closed after the given
// time, oldest close first.
func (s *Store) SignalsClosedAfter(provider string, after time.Time) ([]*types.Signal, error) {
	rows, err := s.db.Query(signalSelect+` WHERE provider = ? AND status = 'closed'
		AND closed_at > ? ORDER BY closed_at`, provider, after.UnixMilli())
	if err != nil {
		return nil, err
	}
	return collectSignals(rows)
}

// ProviderSignals returns every signal of a provider, oldest first.
func (s *Store) ProviderSignals(provider string) ([]*types.Signal, error) {
	rows, err := s.db.Query(signalSelect+` WHERE provider = ? ORDER BY id`, provider)
	if err != nil {
		return nil, err
	}
	return collectSignals(rows)
}

// PutProviderStats upserts a provider's recomputed stats.
func (s *Store) PutProviderStats(ps *types.ProviderStats) error {
	now := nowMS()
	_, err := s.db.Exec(`INSERT INTO signal_providers
		(provider, total_signals, closed_count, wins, losses, avg_return_pct, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			total_signals = excluded.total_signals,
			closed_count = excluded.closed_count,
			wins = excluded.wins,
			losses = excluded.losses,
			avg_return_pct = excluded.avg_return_pct,
			updated_at = excluded.updated_at`,
		ps.Provider, ps.TotalSignals, ps.ClosedCount, ps.Wins, ps.Losses, ps.AvgReturnPct, now, now)
	return err
}

// ProviderStats returns a provider's stats row, or ErrNotFound.
func (s *Store) ProviderStats(provider string) (*types.ProviderStats, error) {
	var ps types.ProviderStats
	var updatedAt int64
	err := s.db.QueryRow(`SELECT provider, total_signals, closed_count, wins, losses,
		avg_return_pct, updated_at FROM signal_providers WHERE provider = ?`, provider).
		Scan(&ps.Provider, &ps.TotalSignals, &ps.ClosedCount, &ps.Wins, &ps.Losses,
			&ps.AvgReturnPct, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ps.UpdatedAt = msTime(updatedAt)
	return &ps, nil
}

// Leaderboard lists providers with at least minClosed closed signals, sorted
// by average return then wins.
func (s *Store) Leaderboard(minClosed, limit int) ([]*types.ProviderStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT provider, total_signals, closed_count, wins, losses,
		avg_return_pct, updated_at FROM signal_providers WHERE closed_count >= ?
		ORDER BY avg_return_pct DESC, wins DESC LIMIT ?`, minClosed, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var stats []*types.ProviderStats
	for rows.Next() {
		var ps types.ProviderStats
		var updatedAt int64
		if err := rows.Scan(&ps.Provider, &ps.TotalSignals, &ps.ClosedCount, &ps.Wins,
			&ps.Losses, &ps.AvgReturnPct, &updatedAt); err != nil {
			return nil, err
		}
		ps.UpdatedAt = msTime(updatedAt)
		stats = append(stats, &ps)
	}
	return stats, rows.Err()
}

// Subscribe creates (or returns) a user's subscription to a provider.
func (s *Store) Subscribe(id, userID, provider string) error {
	now := nowMS()
	_, err := s.db.Exec(`INSERT INTO signal_subscriptions
		(id, user_id, provider, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO NOTHING`, id, userID, provider, now, now)
	return err
}

// Unsubscribe removes a user's subscription to a provider.
func (s *Store) Unsubscribe(userID, provider string) error {
	_, err := s.db.Exec(`DELETE FROM signal_subscriptions WHERE user_id = ? AND provider = ?`,
		userID, provider)
	return err
}

// Subscriptions returns every subscription, used by the notifier poll.
func (s *Store) Subscriptions() ([]*types.SignalSubscription, error) {
	rows, err := s.db.Query(`SELECT id, user_id, provider, last_notified_id,
		last_notified_close_at, created_at, updated_at FROM signal_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var subs []*types.SignalSubscription
	for rows.Next() {
		var sub types.SignalSubscription
		var lastClose, createdAt, updatedAt int64
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Provider, &sub.LastNotifiedID,
			&lastClose, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sub.LastNotifiedCloseAt = msTime(lastClose)
		sub.CreatedAt = msTime(createdAt)
		sub.UpdatedAt = msTime(updatedAt)
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// AdvanceSubscription moves a subscription's notification cursors forward.
func (s *Store) AdvanceSubscription(id string, lastID int64, lastClose time.Time) error {
	_, err := s.db.Exec(`UPDATE signal_subscriptions SET
		last_notified_id = MAX(last_notified_id, ?),
		last_notified_close_at = MAX(last_notified_close_at, ?),
		updated_at = ? WHERE id = ?`,
		lastID, lastClose.UnixMilli(), nowMS(), id)
	return err
}

const signalSelect = `SELECT id, provider, token, chain_id, side, entry_price, exit_price,
	tx_hash, verified, collateral, leverage, status, pnl_pct, closed_at, created_at, updated_at
	FROM signals`

func scanSignal(row rowScanner) (*types.Signal, error) {
	var sig types.Signal
	var side, status string
	var verified int
	var closedAt, createdAt, updatedAt int64
	err := row.Scan(&sig.ID, &sig.Provider, &sig.Token, &sig.ChainID, &side, &sig.EntryPrice,
		&sig.ExitPrice, &sig.TxHash, &verified, &sig.Collateral, &sig.Leverage, &status,
		&sig.PnlPct, &closedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sig.Side = types.SignalSide(side)
	sig.Status = types.SignalStatus(status)
	sig.Verified = verified != 0
	if closedAt != 0 {
		t := msTime(closedAt)
		sig.ClosedAt = &t
	}
	sig.CreatedAt = msTime(createdAt)
	sig.UpdatedAt = msTime(updatedAt)
	return &sig, nil
}

func collectSignals(rows *sql.Rows) ([]*types.Signal, error) {
	defer func() { _ = rows.Close() }()
	var sigs []*types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}
