package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GasStrategy selects the fee multiplier tier used when estimating EIP-1559
// fees for a transaction.
type GasStrategy string

const (
	GasStrategySlow     = GasStrategy("slow")
	GasStrategyStandard = GasStrategy("standard")
	GasStrategyFast     = GasStrategy("fast")
)

// TransactionRequest is the ephemeral input to the executor. Engines and
// skills build one of these; the executor owns everything that happens next.
type TransactionRequest struct {
	ChainID     uint64          `json:"chainId"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	ValueNative *big.Int        `json:"value"` // wei
	Data        []byte          `json:"data,omitempty"`
	GasLimit    uint64          `json:"gasLimit,omitempty"`
	GasStrategy GasStrategy     `json:"gasStrategy,omitempty"`
}

// Value returns the native value of the request, never nil.
func (r *TransactionRequest) Value() *big.Int {
	if r.ValueNative == nil {
		return new(big.Int)
	}
	return r.ValueNative
}

// TxStatus is the lifecycle state of a transaction record.
type TxStatus string

const (
	TxStatusPending   = TxStatus("pending")
	TxStatusSimulated = TxStatus("simulated")
	TxStatusApproved  = TxStatus("approved")
	TxStatusRejected  = TxStatus("rejected")
	TxStatusBroadcast = TxStatus("broadcast")
	TxStatusConfirmed = TxStatus("confirmed")
	TxStatusFailed    = TxStatus("failed")
)

// txStatusNext encodes the allowed status transitions. A record can only move
// forward along these edges; everything else is rejected by the store.
var txStatusNext = map[TxStatus][]TxStatus{
	TxStatusPending:   {TxStatusSimulated, TxStatusRejected, TxStatusFailed},
	TxStatusSimulated: {TxStatusApproved, TxStatusRejected, TxStatusFailed},
	TxStatusApproved:  {TxStatusBroadcast, TxStatusRejected, TxStatusFailed},
	TxStatusBroadcast: {TxStatusConfirmed, TxStatusFailed},
}

// CanTransition reports whether moving from s to next is a valid edge of the
// transaction lifecycle.
func (s TxStatus) CanTransition(next TxStatus) bool {
	for _, allowed := range txStatusNext[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (s TxStatus) Terminal() bool {
	return len(txStatusNext[s]) == 0
}

// TransactionRecord is the persistent audit row for a transaction, keyed by
// TxID. Monetary base-unit amounts are decimal strings; USD values are
// floats.
type TransactionRecord struct {
	TxID      string `json:"txId"`
	UserID    string `json:"userId"`
	SkillName string `json:"skillName"`
	Intent    string `json:"intent"`

	ChainID     uint64 `json:"chainId"`
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	ValueNative string `json:"value"` // wei, decimal string

	SimulationJSON string `json:"simulation,omitempty"`
	GuardrailsJSON string `json:"guardrails,omitempty"`

	Status TxStatus `json:"status"`

	Hash              string  `json:"hash,omitempty"`
	GasUsed           uint64  `json:"gasUsed,omitempty"`
	EffectiveGasPrice string  `json:"effectiveGasPrice,omitempty"` // wei, decimal string
	GasCostUSD        float64 `json:"gasCostUsd,omitempty"`
	BlockNumber       uint64  `json:"blockNumber,omitempty"`
	Error             string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BalanceDirection marks a simulated balance change as incoming or outgoing.
type BalanceDirection string

const (
	BalanceIn  = BalanceDirection("in")
	BalanceOut = BalanceDirection("out")
)

// BalanceChange is one expected token movement reported by the simulator.
type BalanceChange struct {
	Token     string           `json:"token"`
	Amount    string           `json:"amount"` // base units, decimal string
	Direction BalanceDirection `json:"direction"`
}

// SimulationResult is the outcome of a dry-run.
type SimulationResult struct {
	Success        bool            `json:"success"`
	GasEstimate    uint64          `json:"gasEstimate"`
	BalanceChanges []BalanceChange `json:"balanceChanges,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// AntiRugResult is the outcome of a buy-approve-sell bundle simulation.
type AntiRugResult struct {
	CanSell      bool    `json:"canSell"`
	SellTaxPct   float64 `json:"sellTaxPct"`
	NetLossPct   float64 `json:"netLossPct"`
	BuyReceived  string  `json:"buyReceived,omitempty"`
	SellReceived string  `json:"sellReceived,omitempty"`
	Warning      string  `json:"warning,omitempty"`
}

// GuardrailCheck is the result of a single guardrail rule.
type GuardrailCheck struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// UserLimits is the per-user spending policy. A missing row means defaults.
type UserLimits struct {
	UserID          string  `json:"userId"`
	MaxPerTxUSD     float64 `json:"maxPerTxUsd"`
	MaxPerDayUSD    float64 `json:"maxPerDayUsd"`
	CooldownSeconds int64   `json:"cooldownSeconds"`
	SlippageBps     int64   `json:"slippageBps"`
}
