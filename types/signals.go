package types

import "time"

// SignalSide is the direction of a published trading signal.
type SignalSide string

const (
	SignalSideBuy  = SignalSide("buy")
	SignalSideSell = SignalSide("sell")
)

// SignalStatus is the lifecycle state of a trading signal.
type SignalStatus string

const (
	SignalStatusOpen    = SignalStatus("open")
	SignalStatusClosed  = SignalStatus("closed")
	SignalStatusExpired = SignalStatus("expired")
)

// Signal is a published trading intent, optionally verified by an on-chain
// transaction hash. (Provider, TxHash) pairs are unique.
type Signal struct {
	ID       int64      `json:"id"`
	Provider string     `json:"provider"`
	Token    string     `json:"token"`
	ChainID  uint64     `json:"chainId"`
	Side     SignalSide `json:"side"`

	EntryPrice float64 `json:"entryPrice"`
	ExitPrice  float64 `json:"exitPrice,omitempty"`
	TxHash     string  `json:"txHash,omitempty"`
	Verified   bool    `json:"verified"`
	Collateral string  `json:"collateral,omitempty"` // base units, decimal string
	Leverage   float64 `json:"leverage,omitempty"`

	Status SignalStatus `json:"status"`
	PnlPct float64      `json:"pnlPct,omitempty"`

	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Pnl returns the leveraged percentage return of the signal between entry and
// exit.
func (s *Signal) Pnl(exit float64) float64 {
	if s.EntryPrice == 0 {
		return 0
	}
	leverage := s.Leverage
	if leverage == 0 {
		leverage = 1
	}
	switch s.Side {
	case SignalSideSell:
		return (s.EntryPrice - exit) / s.EntryPrice * 100 * leverage
	default:
		return (exit - s.EntryPrice) / s.EntryPrice * 100 * leverage
	}
}

// SignalSubscription tracks which signals a user has already been notified
// about for a given provider.
type SignalSubscription struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Provider string `json:"provider"`

	LastNotifiedID      int64     `json:"lastNotifiedId"`
	LastNotifiedCloseAt time.Time `json:"lastNotifiedCloseAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProviderStats is the recomputed performance summary of a signal provider.
type ProviderStats struct {
	Provider     string    `json:"provider"`
	TotalSignals int       `json:"totalSignals"`
	ClosedCount  int       `json:"closedCount"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	AvgReturnPct float64   `json:"avgReturnPct"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
