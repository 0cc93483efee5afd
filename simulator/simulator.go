// Package simulator dry-runs transactions before broadcast. It prefers an
// external bundle-simulation backend; when none is configured or the call
// fails, it degrades to a local estimate so the pipeline never hard-depends
// on the service.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/types"
)

const (
	// simulateTimeout bounds a single backend call.
	simulateTimeout = 15 * time.Second
	// fallbackGasEstimate is used when neither the request nor the backend
	// provides a gas figure.
	fallbackGasEstimate = 200_000
	// nativeToken marks native-coin balance changes in results.
	nativeToken = "native"
)

// Backend is the external simulation service. SimulateBundle runs the
// transactions in order against recent chain state without committing.
type Backend interface {
	SimulateBundle(ctx context.Context, txs []*types.TransactionRequest) ([]*types.SimulationResult, error)
}

// SellBundleBuilder constructs the approve and sell-all legs of an anti-rug
// bundle for a token against the chain's canonical router.
type SellBundleBuilder interface {
	BuildSellBundle(buy *types.TransactionRequest, token string) ([]*types.TransactionRequest, error)
}

// Simulator wraps the backend with fallback behavior.
type Simulator struct {
	backend Backend
	seller  SellBundleBuilder
}

// New creates a simulator. Both backend and seller may be nil; every caller
// then gets the degraded fallback.
func New(backend Backend, seller SellBundleBuilder) *Simulator {
	return &Simulator{backend: backend, seller: seller}
}

// Simulate dry-runs a single transaction. On backend failure the result is a
// local estimate: gas from the request (or 200k), success assumed, and the
// native value reported as the only balance change.
func (s *Simulator) Simulate(ctx context.Context, tx *types.TransactionRequest) (*types.SimulationResult, error) {
	if s.backend != nil {
		simCtx, cancel := context.WithTimeout(ctx, simulateTimeout)
		defer cancel()
		results, err := s.backend.SimulateBundle(simCtx, []*types.TransactionRequest{tx})
		if err == nil && len(results) == 1 {
			return results[0], nil
		}
		if err != nil {
			log.Warnw("simulation backend unavailable, using local estimate", "err", err.Error())
		}
	}
	return s.localEstimate(tx), nil
}

func (s *Simulator) localEstimate(tx *types.TransactionRequest) *types.SimulationResult {
	gas := tx.GasLimit
	if gas == 0 {
		gas = fallbackGasEstimate
	}
	result := &types.SimulationResult{
		Success:     true,
		GasEstimate: gas,
	}
	if tx.Value().Sign() > 0 {
		result.BalanceChanges = []types.BalanceChange{{
			Token:     nativeToken,
			Amount:    tx.Value().String(),
			Direction: types.BalanceOut,
		}}
	}
	return result
}

// SimulateSellAfterBuy bundle-simulates buy, approve and sell-all for the
// token. When the backend or the bundle builder is absent, the result is
// permissive with a warning so manual callers may still proceed.
func (s *Simulator) SimulateSellAfterBuy(ctx context.Context, buy *types.TransactionRequest, token string) (*types.AntiRugResult, error) {
	unavailable := &types.AntiRugResult{CanSell: true, Warning: "sell simulation unavailable"}
	if s.backend == nil || s.seller == nil {
		return unavailable, nil
	}

	legs, err := s.seller.BuildSellBundle(buy, token)
	if err != nil {
		return nil, fmt.Errorf("building sell bundle for %s: %w", token, err)
	}
	bundle := append([]*types.TransactionRequest{buy}, legs...)

	simCtx, cancel := context.WithTimeout(ctx, simulateTimeout)
	defer cancel()
	results, err := s.backend.SimulateBundle(simCtx, bundle)
	if err != nil {
		log.Warnw("sell simulation unavailable", "token", token, "err", err.Error())
		return unavailable, nil
	}
	if len(results) != len(bundle) {
		return nil, fmt.Errorf("sell bundle returned %d results for %d legs", len(results), len(bundle))
	}

	buyRes, sellRes := results[0], results[len(results)-1]
	out := &types.AntiRugResult{CanSell: sellRes.Success}
	if !sellRes.Success {
		out.Warning = fmt.Sprintf("cannot sell token: %s", sellRes.Error)
		return out, nil
	}

	bought := incomingAmount(buyRes, token)
	received := incomingAmount(sellRes, nativeToken)
	spent := outgoingAmount(buyRes, nativeToken)
	out.BuyReceived = bought
	out.SellReceived = received

	if spentF, receivedF, ok := parsePair(spent, received); ok && spentF > 0 {
		out.NetLossPct = (spentF - receivedF) / spentF * 100
		if out.NetLossPct < 0 {
			out.NetLossPct = 0
		}
		out.SellTaxPct = out.NetLossPct
	}
	return out, nil
}

func incomingAmount(res *types.SimulationResult, token string) string {
	for _, bc := range res.BalanceChanges {
		if bc.Token == token && bc.Direction == types.BalanceIn {
			return bc.Amount
		}
	}
	return ""
}

func outgoingAmount(res *types.SimulationResult, token string) string {
	for _, bc := range res.BalanceChanges {
		if bc.Token == token && bc.Direction == types.BalanceOut {
			return bc.Amount
		}
	}
	return ""
}

func parsePair(a, b string) (float64, float64, bool) {
	var af, bf float64
	if _, err := fmt.Sscan(a, &af); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscan(b, &bf); err != nil {
		return 0, 0, false
	}
	return af, bf, true
}
