package types

import "time"

// DcaFrequency is the human-facing cadence of a recurring buy.
type DcaFrequency string

const (
	DcaFrequencyHourly = DcaFrequency("hourly")
	DcaFrequencyDaily  = DcaFrequency("daily")
	DcaFrequencyWeekly = DcaFrequency("weekly")
)

// IntervalMS returns the polling interval implied by the frequency.
func (f DcaFrequency) IntervalMS() int64 {
	switch f {
	case DcaFrequencyHourly:
		return int64(time.Hour / time.Millisecond)
	case DcaFrequencyDaily:
		return int64(24 * time.Hour / time.Millisecond)
	case DcaFrequencyWeekly:
		return int64(7 * 24 * time.Hour / time.Millisecond)
	}
	return 0
}

// DcaStrategy selects how the per-round buy amount is computed.
type DcaStrategy string

const (
	// DcaStrategyFixed buys the same amount every round.
	DcaStrategyFixed = DcaStrategy("fixed")
	// DcaStrategySmart is value averaging: buy whatever closes the gap to a
	// linearly growing target value, capped at twice the base amount.
	DcaStrategySmart = DcaStrategy("smart")
)

// DcaStatus is the lifecycle state of a recurring buy job.
type DcaStatus string

const (
	DcaStatusActive    = DcaStatus("active")
	DcaStatusPaused    = DcaStatus("paused")
	DcaStatusCompleted = DcaStatus("completed")
	DcaStatusCancelled = DcaStatus("cancelled")
)

// DcaJob is a recurring swap job. Amount is the per-round buy for the fixed
// strategy and the per-round target value for the smart strategy, in
// from-token base units.
type DcaJob struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	FromToken     string `json:"fromToken"`
	ToToken       string `json:"toToken"`
	Amount        string `json:"amount"` // base units, decimal string
	ChainID       uint64 `json:"chainId"`

	Frequency  DcaFrequency `json:"frequency"`
	IntervalMS int64        `json:"intervalMs"`
	Strategy   DcaStrategy  `json:"strategy"`
	Status     DcaStatus    `json:"status"`

	TotalExecutions int     `json:"totalExecutions"`
	MaxExecutions   int     `json:"maxExecutions,omitempty"` // 0 means unlimited
	TotalSpent      string  `json:"totalSpent"`              // base units, decimal string
	AvgPrice        float64 `json:"avgPrice,omitempty"`

	LastExecutedAt  *time.Time `json:"lastExecutedAt,omitempty"`
	NextExecutionAt time.Time  `json:"nextExecutionAt"` // UTC; the scheduler key

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderDirection is the trigger side of a limit order.
type OrderDirection string

const (
	OrderDirectionAbove = OrderDirection("above")
	OrderDirectionBelow = OrderDirection("below")
)

// OrderStatus is the lifecycle state of a limit order.
type OrderStatus string

const (
	OrderStatusActive    = OrderStatus("active")
	OrderStatusFilled    = OrderStatus("filled")
	OrderStatusCancelled = OrderStatus("cancelled")
	OrderStatusFailed    = OrderStatus("failed")
)

// LimitOrder is a price-triggered swap.
type LimitOrder struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	ChainID       uint64 `json:"chainId"`
	FromToken     string `json:"fromToken"`
	ToToken       string `json:"toToken"`
	Amount        string `json:"amount"` // base units, decimal string

	TriggerPriceUSD float64        `json:"triggerPriceUsd"`
	Direction       OrderDirection `json:"direction"`
	Status          OrderStatus    `json:"status"`
	TxID            string         `json:"txId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WatchStatus is the lifecycle state of a whale watch.
type WatchStatus string

const (
	WatchStatusActive    = WatchStatus("active")
	WatchStatusCancelled = WatchStatus("cancelled")
)

// WhaleWatch tracks large transfers touching an address, optionally copying
// detected swap buys.
type WhaleWatch struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`

	ThresholdUSD float64     `json:"thresholdUsd"`
	Status       WatchStatus `json:"status"`

	AutoCopy     bool   `json:"autoCopy"`
	CopyWallet   string `json:"copyWallet,omitempty"`
	CopyAmount   string `json:"copyAmount,omitempty"` // wei, decimal string
	CopyMaxDaily int    `json:"copyMaxDaily,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlowSample is one 15-minute signed-flow bucket for a watched address.
// Positive flow is into the address.
type FlowSample struct {
	WatchID string    `json:"watchId"`
	Bucket  time.Time `json:"bucket"` // truncated to the bucket width
	FlowUSD float64   `json:"flowUsd"`
}

// FlowSignal classifies the recent flow pattern of a watched address.
type FlowSignal string

const (
	FlowSignalNone         = FlowSignal("")
	FlowSignalAccumulation = FlowSignal("accumulation")
	FlowSignalDistribution = FlowSignal("distribution")
	FlowSignalAcceleration = FlowSignal("acceleration")
	FlowSignalReversal     = FlowSignal("reversal")
)

// SnipeStatus is the lifecycle state of snipes and auto-snipe configs.
type SnipeStatus string

const (
	SnipeStatusActive    = SnipeStatus("active")
	SnipeStatusExecuted  = SnipeStatus("executed")
	SnipeStatusExhausted = SnipeStatus("exhausted")
	SnipeStatusCancelled = SnipeStatus("cancelled")
	SnipeStatusFailed    = SnipeStatus("failed")
)

// Snipe is a one-shot buy of a token with mandatory safety checks.
type Snipe struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	ChainID       uint64 `json:"chainId"`
	Token         string `json:"token"`
	Amount        string `json:"amount"` // wei, decimal string

	Status SnipeStatus `json:"status"`
	TxID   string      `json:"txId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AutoSnipe is a standing buy config with a bounded execution count. The
// count is claimed atomically so concurrent triggers can never exceed
// MaxExecutions.
type AutoSnipe struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	ChainID       uint64 `json:"chainId"`
	Token         string `json:"token"`
	Amount        string `json:"amount"` // wei, decimal string

	MaxExecutions int         `json:"maxExecutions"`
	ExecutedCount int         `json:"executedCount"`
	Status        SnipeStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeliveryStatus is the lifecycle state of a queued notification.
type DeliveryStatus string

const (
	DeliveryStatusPending = DeliveryStatus("pending")
	DeliveryStatusSent    = DeliveryStatus("sent")
	DeliveryStatusFailed  = DeliveryStatus("failed")
)

// DeliveryEntry is a durable user notification awaiting push.
type DeliveryEntry struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	RecipientID string         `json:"recipientId"`
	Message     string         `json:"message"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
