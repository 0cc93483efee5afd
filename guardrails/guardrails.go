// Package guardrails enforces per-user spending policy: per-transaction
// value, rolling 24-hour volume and a cooldown between sends. The checks are
// a deterministic function of the user's limits, the store's spend snapshot,
// the last-send stamp and the request value.
package guardrails

import (
	"fmt"
	"math/big"
	"time"

	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

// Rule names, in the fixed evaluation order.
const (
	RuleMaxPerTx  = "max_per_tx"
	RuleMaxPerDay = "max_per_day"
	RuleCooldown  = "cooldown"
)

// confirmationFraction of the per-tx limit above which an explicit user
// confirmation is required.
const confirmationFraction = 0.5

// Guardrails evaluates policy against the store.
type Guardrails struct {
	store *storage.Store
}

// New creates a guardrails checker.
func New(store *storage.Store) *Guardrails {
	return &Guardrails{store: store}
}

// Check runs the three rules in order and returns one result per rule.
// nativePriceUSD converts the request's wei value to USD.
func (g *Guardrails) Check(userID string, tx *types.TransactionRequest, nativePriceUSD float64) ([]types.GuardrailCheck, error) {
	limits, err := g.store.UserLimits(userID)
	if err != nil {
		return nil, fmt.Errorf("loading limits for %s: %w", userID, err)
	}

	valueUSD := WeiToUSD(tx.Value(), nativePriceUSD)
	checks := make([]types.GuardrailCheck, 0, 3)

	// 1. max_per_tx
	check := types.GuardrailCheck{Rule: RuleMaxPerTx, Passed: valueUSD <= limits.MaxPerTxUSD}
	if check.Passed {
		check.Message = fmt.Sprintf("value $%.2f within per-tx limit of $%.2f", valueUSD, limits.MaxPerTxUSD)
	} else {
		check.Message = fmt.Sprintf("value $%.2f exceeds per-tx limit of $%.2f", valueUSD, limits.MaxPerTxUSD)
	}
	checks = append(checks, check)

	// 2. max_per_day: sum of broadcast/confirmed records in the last 24h
	// plus this request.
	since := time.Now().Add(-24 * time.Hour)
	spentWei, err := g.store.SpentNativeSince(userID, since)
	if err != nil {
		return nil, fmt.Errorf("loading 24h spend for %s: %w", userID, err)
	}
	spentUSD := 0.0
	for _, v := range spentWei {
		if wei, ok := new(big.Int).SetString(v, 10); ok {
			spentUSD += WeiToUSD(wei, nativePriceUSD)
		}
	}
	total := spentUSD + valueUSD
	check = types.GuardrailCheck{Rule: RuleMaxPerDay, Passed: total <= limits.MaxPerDayUSD}
	if check.Passed {
		check.Message = fmt.Sprintf("24h total $%.2f within daily limit of $%.2f", total, limits.MaxPerDayUSD)
	} else {
		check.Message = fmt.Sprintf("24h total $%.2f would exceed daily limit of $%.2f", total, limits.MaxPerDayUSD)
	}
	checks = append(checks, check)

	// 3. cooldown since the last recorded send.
	lastSent, err := g.store.LastTxSentAt(userID)
	if err != nil {
		return nil, fmt.Errorf("loading last send for %s: %w", userID, err)
	}
	cooldown := time.Duration(limits.CooldownSeconds) * time.Second
	elapsed := time.Since(lastSent)
	passed := lastSent.IsZero() || elapsed >= cooldown
	check = types.GuardrailCheck{Rule: RuleCooldown, Passed: passed}
	if passed {
		check.Message = "cooldown satisfied"
	} else {
		check.Message = fmt.Sprintf("cooldown active: wait %.0fs between transactions, %.0fs elapsed",
			cooldown.Seconds(), elapsed.Seconds())
	}
	checks = append(checks, check)

	return checks, nil
}

// RequiresConfirmation reports whether the value is large enough to need an
// explicit user confirmation: above half the per-tx limit.
func RequiresConfirmation(valueUSD float64, limits *types.UserLimits) bool {
	return valueUSD > confirmationFraction*limits.MaxPerTxUSD
}

// RecordTxSent stamps the user's last-send time; called right after a
// successful broadcast.
func (g *Guardrails) RecordTxSent(userID string) error {
	return g.store.RecordTxSent(userID, time.Now())
}

// Limits returns the effective limits for a user.
func (g *Guardrails) Limits(userID string) (*types.UserLimits, error) {
	return g.store.UserLimits(userID)
}

// FailureMessages concatenates the messages of failed checks.
func FailureMessages(checks []types.GuardrailCheck) string {
	msg := ""
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += c.Message
	}
	return msg
}

// WeiToUSD converts a wei amount to USD at the given native price.
func WeiToUSD(wei *big.Int, nativePriceUSD float64) float64 {
	if wei == nil || wei.Sign() == 0 || nativePriceUSD == 0 {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(1e18))
	f.Mul(f, big.NewFloat(nativePriceUSD))
	usd, _ := f.Float64()
	return usd
}
