package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

// Default guardrail policy applied when a user has no limits row.
const (
	DefaultMaxPerTxUSD     = 1000.0
	DefaultMaxPerDayUSD    = 5000.0
	DefaultCooldownSeconds = 30
	DefaultSlippageBps     = 100
)

// DefaultLimits returns the default policy for a user.
func DefaultLimits(userID string) *types.UserLimits {
	return &types.UserLimits{
		UserID:          userID,
		MaxPerTxUSD:     DefaultMaxPerTxUSD,
		MaxPerDayUSD:    DefaultMaxPerDayUSD,
		CooldownSeconds: DefaultCooldownSeconds,
		SlippageBps:     DefaultSlippageBps,
	}
}

// UserLimits returns the stored limits for a user, falling back to defaults
// when no row exists.
func (s *Store) UserLimits(userID string) (*types.UserLimits, error) {
	var l types.UserLimits
	err := s.db.QueryRow(`SELECT user_id, max_per_tx_usd, max_per_day_usd, cooldown_seconds,
		slippage_bps FROM user_limits WHERE user_id = ?`, userID).
		Scan(&l.UserID, &l.MaxPerTxUSD, &l.MaxPerDayUSD, &l.CooldownSeconds, &l.SlippageBps)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultLimits(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SetUserLimits upserts the limits row for a user, preserving the last-send
// stamp.
func (s *Store) SetUserLimits(l *types.UserLimits) error {
	now := nowMS()
	_, err := s.db.Exec(`INSERT INTO user_limits
		(user_id, max_per_tx_usd, max_per_day_usd, cooldown_seconds, slippage_bps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			max_per_tx_usd = excluded.max_per_tx_usd,
			max_per_day_usd = excluded.max_per_day_usd,
			cooldown_seconds = excluded.cooldown_seconds,
			slippage_bps = excluded.slippage_bps,
			updated_at = excluded.updated_at`,
		l.UserID, l.MaxPerTxUSD, l.MaxPerDayUSD, l.CooldownSeconds, l.SlippageBps, now, now)
	return err
}

// RecordTxSent stamps the user's last-send time, creating a defaults row if
// the user has none yet.
func (s *Store) RecordTxSent(userID string, at time.Time) error {
	now := nowMS()
	d := DefaultLimits(userID)
	_, err := s.db.Exec(`INSERT INTO user_limits
		(user_id, max_per_tx_usd, max_per_day_usd, cooldown_seconds, slippage_bps, last_sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_sent_at = excluded.last_sent_at,
			updated_at = excluded.updated_at`,
		userID, d.MaxPerTxUSD, d.MaxPerDayUSD, d.CooldownSeconds, d.SlippageBps,
		at.UnixMilli(), now, now)
	return err
}

// LastTxSentAt returns the user's last recorded send time; zero when the user
// has never sent.
func (s *Store) LastTxSentAt(userID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(`SELECT last_sent_at FROM user_limits WHERE user_id = ?`, userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return msTime(ms), nil
}
