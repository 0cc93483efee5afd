// Package executor is the single gate through which every ChainClaw
// transaction reaches a chain. The pipeline runs a fixed stage order: position
// lock, simulation, risk, guardrails, persistence, confirmation gates, fee
// estimation, MEV routing, nonce reservation, broadcast and receipt await.
// Skills and engines never talk to a signer directly.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/guardrails"
	"github.com/chainclaw/chainclaw/lock"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/risk"
	"github.com/chainclaw/chainclaw/simulator"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
)

const (
	// DefaultLockTimeout bounds the wait for the position lock.
	DefaultLockTimeout = 30 * time.Second
	// DefaultReceiptTimeout bounds the wait for a receipt after broadcast.
	DefaultReceiptTimeout = 120 * time.Second
	// DefaultMEVRelayURL is the private relay used for MEV-protected routing.
	DefaultMEVRelayURL = "https://rpc.flashbots.net"

	// broadcastGasHeadroomPct is added on top of the simulated gas estimate.
	broadcastGasHeadroomPct = 10
	// antiRugMaxLossPct is the round-trip loss above which a token is treated
	// as effectively unsellable.
	antiRugMaxLossPct = 20.0

	// errTimeout is the persisted error marker the startup reconciler keys on.
	errTimeout = "timeout"
)

// Metadata identifies who is executing and why, plus the price context used
// for USD conversions and an optional anti-rug gate on the simulation stage.
type Metadata struct {
	UserID         string
	SkillName      string
	Intent         string
	NativePriceUSD float64

	// AntiRugToken, when set, bundle-simulates selling the token right after
	// the buy. AntiRugStrict turns a failed check into a hard block instead of
	// a warning; automated engines set it, manual flows leave it off.
	AntiRugToken  string
	AntiRugStrict bool
}

// Callbacks let the calling surface participate in the pipeline. Every field
// is optional; a nil callback means the stage proceeds without input.
type Callbacks struct {
	OnSimulated            func(result *types.SimulationResult, preview string)
	OnGuardrails           func(checks []types.GuardrailCheck)
	OnRiskWarning          func(warning string) bool
	OnConfirmationRequired func(preview string, txID string) bool
	OnBroadcast            func(hash common.Hash)
	OnConfirmed            func(hash common.Hash, blockNumber uint64)
	OnFailed               func(message string)
}

// Result is the pipeline outcome. TxID is empty when the transaction was
// stopped before persistence; Hash is empty when it never reached a signer.
type Result struct {
	TxID    string
	Hash    string
	Success bool
	Message string
}

// Config tunes the pipeline.
type Config struct {
	LockTimeout    time.Duration
	ReceiptTimeout time.Duration
	MEVProtection  bool
	MEVRelayURL    string
}

// Deps are the collaborators the executor drives.
type Deps struct {
	Store      *storage.Store
	Registry   *web3.Registry
	Locks      *lock.Manager
	Simulator  *simulator.Simulator
	Risk       *risk.Engine
	Guardrails *guardrails.Guardrails
	Nonces     *web3.NonceManager
	Gas        *web3.GasOptimizer
	Hooks      *Hooks
}

// Executor runs the transaction pipeline.
type Executor struct {
	deps Deps
	cfg  Config
}

// New creates an executor. Zero config fields take the package defaults; a
// nil Hooks gets an empty registry so publishing never nil-checks.
func New(deps Deps, cfg Config) *Executor {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.MEVRelayURL == "" {
		cfg.MEVRelayURL = DefaultMEVRelayURL
	}
	if deps.Hooks == nil {
		deps.Hooks = NewHooks()
	}
	return &Executor{deps: deps, cfg: cfg}
}

// Hooks exposes the event registry so engines can subscribe.
func (e *Executor) Hooks() *Hooks { return e.deps.Hooks }

// Execute runs one transaction through the full pipeline. A non-nil error
// means infrastructure trouble (store, RPC); policy rejections and on-chain
// failures come back as a Result with Success false and a human-readable
// Message.
func (e *Executor) Execute(ctx context.Context, tx *types.TransactionRequest, signer types.Signer, meta Metadata, cb *Callbacks) (*Result, error) {
	if cb == nil {
		cb = &Callbacks{}
	}
	if err := e.validate(tx, signer, meta); err != nil {
		return nil, err
	}
	client, err := e.deps.Registry.Client(tx.ChainID)
	if err != nil {
		return nil, err
	}
	chainCfg := client.Config()

	// Stage 0: position lock. One mutation per (user, chain, target) at a
	// time; contention surfaces as a clean rejection rather than a queue.
	key := lock.Key{UserID: meta.UserID, ChainID: tx.ChainID, Target: targetOf(tx)}
	handle, err := e.deps.Locks.Acquire(key, e.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return &Result{Message: "another operation in progress"}, nil
		}
		return nil, err
	}
	defer e.deps.Locks.Release(handle)

	// Stage 1: simulation.
	e.deps.Hooks.publishBeforeSimulate(SimulateEvent{
		UserID: meta.UserID, SkillName: meta.SkillName, ChainID: tx.ChainID, Request: tx,
	})
	sim, err := e.deps.Simulator.Simulate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("simulating transaction: %w", err)
	}
	e.deps.Hooks.publishAfterSimulate(SimulateEvent{
		UserID: meta.UserID, SkillName: meta.SkillName, ChainID: tx.ChainID, Request: tx, Result: sim,
	})
	valueUSD := guardrails.WeiToUSD(tx.Value(), meta.NativePriceUSD)
	preview := e.preview(tx, sim, chainCfg.Name, valueUSD)
	if cb.OnSimulated != nil {
		cb.OnSimulated(sim, preview)
	}
	if !sim.Success {
		return &Result{Message: fmt.Sprintf("transaction would fail: %s", sim.Error)}, nil
	}

	if meta.AntiRugToken != "" {
		if res := e.antiRugGate(ctx, tx, meta, cb); res != nil {
			return res, nil
		}
	}

	// Stage 2: risk, only for contract interactions.
	if tx.To != nil && len(tx.Data) > 0 {
		if res, err := e.riskGate(ctx, tx, meta, cb); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}

	// Stage 3: guardrails.
	checks, err := e.deps.Guardrails.Check(meta.UserID, tx, meta.NativePriceUSD)
	if err != nil {
		return nil, fmt.Errorf("checking guardrails: %w", err)
	}
	if cb.OnGuardrails != nil {
		cb.OnGuardrails(checks)
	}
	if msg := guardrails.FailureMessages(checks); msg != "" {
		return &Result{Message: "guardrail check failed: " + msg}, nil
	}

	// Stage 4: persist. The record is the audit trail; everything after this
	// point leaves a row behind.
	txID := uuid.NewString()
	rec := &types.TransactionRecord{
		TxID:        txID,
		UserID:      meta.UserID,
		SkillName:   meta.SkillName,
		Intent:      meta.Intent,
		ChainID:     tx.ChainID,
		From:        tx.From.Hex(),
		ValueNative: tx.Value().String(),
		Status:      types.TxStatusPending,
	}
	if tx.To != nil {
		rec.To = tx.To.Hex()
	}
	if b, err := json.Marshal(sim); err == nil {
		rec.SimulationJSON = string(b)
	}
	if b, err := json.Marshal(checks); err == nil {
		rec.GuardrailsJSON = string(b)
	}
	if err := e.deps.Store.InsertTransaction(rec); err != nil {
		return nil, err
	}
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusSimulated, nil); err != nil {
		return nil, err
	}

	// Stage 5: confirmation gate for large values.
	limits, err := e.deps.Guardrails.Limits(meta.UserID)
	if err != nil {
		return nil, err
	}
	if guardrails.RequiresConfirmation(valueUSD, limits) && cb.OnConfirmationRequired != nil {
		if !cb.OnConfirmationRequired(preview, txID) {
			return e.reject(txID, "cancelled by user", cb)
		}
	}

	// Stage 6: signer gate. Signers that need a human get one more chance to
	// say no before anything is signed.
	if !signer.IsAutomatic() && cb.OnConfirmationRequired != nil {
		prompt := fmt.Sprintf("signer %q requires approval to sign\n%s", signer.Type(), preview)
		if !cb.OnConfirmationRequired(prompt, txID) {
			return e.reject(txID, "signer approval declined", cb)
		}
	}
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusApproved, nil); err != nil {
		return nil, err
	}

	// Stage 7: fee estimation. Estimation trouble is not fatal; the signer
	// falls back to the node's suggestions.
	var fees *web3.FeeEstimate
	if chainCfg.EIP1559 && e.deps.Gas != nil {
		fees, err = e.deps.Gas.Estimate(ctx, tx.ChainID, tx.GasStrategy)
		if err != nil {
			log.Warnw("fee estimation failed, deferring to signer defaults",
				"chainId", tx.ChainID, "err", err.Error())
			fees = nil
		}
	}

	// Stage 8: MEV routing. Swaps on mainnet go through a private relay.
	rpcURL := ""
	if e.cfg.MEVProtection && chainCfg.Mainnet && len(tx.Data) > 0 {
		rpcURL = e.cfg.MEVRelayURL
	}

	// Stage 9: nonce reservation.
	nonce, err := e.deps.Nonces.Next(ctx, tx.ChainID, tx.From)
	if err != nil {
		return e.fail(txID, "nonce unavailable: "+err.Error(), meta, cb)
	}

	// Stage 10: broadcast with headroom over the simulated gas.
	gas := sim.GasEstimate + sim.GasEstimate*broadcastGasHeadroomPct/100
	if tx.GasLimit > gas {
		gas = tx.GasLimit
	}
	params := types.SendParams{
		ChainID: tx.ChainID,
		To:      tx.To,
		Value:   tx.Value(),
		Data:    tx.Data,
		Gas:     gas,
		Nonce:   nonce,
		RPCURL:  rpcURL,
	}
	if fees != nil {
		params.MaxFeePerGas = fees.MaxFeePerGas
		params.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
	}
	e.deps.Hooks.publishBeforeBroadcast(BroadcastEvent{
		TxID: txID, UserID: meta.UserID, ChainID: tx.ChainID, Nonce: nonce, Gas: gas,
	})
	hash, err := signer.Send(ctx, params)
	if err != nil {
		e.deps.Nonces.Release(tx.ChainID, tx.From, nonce)
		if web3.IsNonceError(err) {
			if rerr := e.deps.Nonces.Resync(ctx, tx.ChainID, tx.From); rerr != nil {
				log.Warnw("nonce resync failed", "chainId", tx.ChainID, "err", rerr.Error())
			}
		}
		return e.fail(txID, "broadcast failed: "+err.Error(), meta, cb)
	}
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusBroadcast,
		&storage.TxUpdate{Hash: hash.Hex()}); err != nil {
		return nil, err
	}
	if err := e.deps.Guardrails.RecordTxSent(meta.UserID); err != nil {
		log.Warnw("failed to stamp last send", "user", meta.UserID, "err", err.Error())
	}
	if cb.OnBroadcast != nil {
		cb.OnBroadcast(hash)
	}
	log.Infow("transaction broadcast", "txId", txID, "hash", hash.Hex(),
		"chainId", tx.ChainID, "nonce", nonce, "user", meta.UserID)

	// Stage 11: await receipt.
	receipt, err := client.WaitReceipt(ctx, hash, e.cfg.ReceiptTimeout)
	if err != nil {
		// The hash stays on the record; the startup reconciler resolves the
		// true outcome later.
		if uerr := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusFailed,
			&storage.TxUpdate{Error: errTimeout}); uerr != nil {
			log.Errorw(uerr, "failed to mark transaction timed out")
		}
		msg := "timed out waiting for receipt; the transaction may still confirm"
		e.notifyFailed(txID, meta, msg, cb)
		return &Result{TxID: txID, Hash: hash.Hex(), Message: msg}, nil
	}

	upd := &storage.TxUpdate{
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if receipt.EffectiveGasPrice != nil {
		upd.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
		upd.GasCostUSD = gasCostUSD(receipt.GasUsed, receipt.EffectiveGasPrice, meta.NativePriceUSD)
	}
	if receipt.Status != 1 {
		upd.Error = "reverted"
		if uerr := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusFailed, upd); uerr != nil {
			log.Errorw(uerr, "failed to mark transaction reverted")
		}
		msg := "transaction reverted on-chain"
		e.notifyFailed(txID, meta, msg, cb)
		return &Result{TxID: txID, Hash: hash.Hex(), Message: msg}, nil
	}
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusConfirmed, upd); err != nil {
		return nil, err
	}
	if cb.OnConfirmed != nil {
		cb.OnConfirmed(hash, upd.BlockNumber)
	}
	e.deps.Hooks.publishConfirmed(ConfirmedEvent{
		TxID: txID, UserID: meta.UserID, Hash: hash.Hex(),
		BlockNumber: upd.BlockNumber, GasCostUSD: upd.GasCostUSD,
	})
	log.Infow("transaction confirmed", "txId", txID, "hash", hash.Hex(),
		"block", upd.BlockNumber, "gasCostUsd", upd.GasCostUSD)
	return &Result{
		TxID: txID, Hash: hash.Hex(), Success: true,
		Message: fmt.Sprintf("confirmed in block %d", upd.BlockNumber),
	}, nil
}

func (e *Executor) validate(tx *types.TransactionRequest, signer types.Signer, meta Metadata) error {
	if signer == nil {
		return errors.New("no signer provided")
	}
	if meta.UserID == "" {
		return errors.New("missing user id")
	}
	if tx.From == (common.Address{}) {
		return errors.New("missing from address")
	}
	if tx.ValueNative != nil && tx.ValueNative.Sign() < 0 {
		return errors.New("negative transaction value")
	}
	if tx.To == nil && len(tx.Data) == 0 {
		return errors.New("transaction has no recipient and no data")
	}
	return nil
}

// antiRugGate runs the sell-after-buy bundle. A non-nil result stops the
// pipeline.
func (e *Executor) antiRugGate(ctx context.Context, tx *types.TransactionRequest, meta Metadata, cb *Callbacks) *Result {
	res, err := e.deps.Simulator.SimulateSellAfterBuy(ctx, tx, meta.AntiRugToken)
	if err != nil {
		log.Warnw("anti-rug simulation errored", "token", meta.AntiRugToken, "err", err.Error())
		return nil
	}
	bad := !res.CanSell || res.NetLossPct > antiRugMaxLossPct
	if !bad {
		return nil
	}
	warning := res.Warning
	if warning == "" {
		warning = fmt.Sprintf("selling %s immediately would lose %.1f%% of the position",
			meta.AntiRugToken, res.NetLossPct)
	}
	if meta.AntiRugStrict {
		return &Result{Message: "anti-rug check failed: " + warning}
	}
	if cb.OnRiskWarning != nil && !cb.OnRiskWarning(warning) {
		return &Result{Message: "cancelled after risk warning"}
	}
	return nil
}

// riskGate blocks or warns on the target contract. A non-nil result stops the
// pipeline.
func (e *Executor) riskGate(ctx context.Context, tx *types.TransactionRequest, meta Metadata, cb *Callbacks) (*Result, error) {
	target := tx.To.Hex()
	decision, err := e.deps.Risk.ShouldBlock(ctx, meta.UserID, tx.ChainID, target)
	if err != nil {
		return nil, fmt.Errorf("risk decision for %s: %w", target, err)
	}
	if decision.Blocked {
		return &Result{Message: "Risk engine blocked this transaction: " + decision.Reason}, nil
	}
	report, err := e.deps.Risk.Analyze(ctx, tx.ChainID, target)
	if err != nil {
		// ShouldBlock already degraded gracefully; a warning is best-effort.
		return nil, nil
	}
	if risk.NeedsWarning(report) && cb.OnRiskWarning != nil {
		if !cb.OnRiskWarning(risk.FormatReport(report)) {
			return &Result{Message: "cancelled after risk warning"}, nil
		}
	}
	return nil, nil
}

// reject moves a persisted record to rejected and reports the outcome.
func (e *Executor) reject(txID, msg string, cb *Callbacks) (*Result, error) {
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusRejected,
		&storage.TxUpdate{Error: msg}); err != nil {
		return nil, err
	}
	return &Result{TxID: txID, Message: msg}, nil
}

// fail moves a persisted record to failed and fans the failure out.
func (e *Executor) fail(txID, msg string, meta Metadata, cb *Callbacks) (*Result, error) {
	if err := e.deps.Store.UpdateTransactionStatus(txID, types.TxStatusFailed,
		&storage.TxUpdate{Error: msg}); err != nil {
		return nil, err
	}
	e.notifyFailed(txID, meta, msg, cb)
	return &Result{TxID: txID, Message: msg}, nil
}

func (e *Executor) notifyFailed(txID string, meta Metadata, msg string, cb *Callbacks) {
	if cb.OnFailed != nil {
		cb.OnFailed(msg)
	}
	e.deps.Hooks.publishFailed(FailedEvent{TxID: txID, UserID: meta.UserID, Error: msg})
}

// preview renders a deterministic human-readable summary for confirmation
// prompts.
func (e *Executor) preview(tx *types.TransactionRequest, sim *types.SimulationResult, chainName string, valueUSD float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction on %s (chain %d)", chainName, tx.ChainID)
	if tx.To != nil {
		fmt.Fprintf(&b, "\nto:    %s", tx.To.Hex())
	}
	fmt.Fprintf(&b, "\nvalue: %s wei ($%.2f)", tx.Value().String(), valueUSD)
	fmt.Fprintf(&b, "\ngas:   ~%d units", sim.GasEstimate)
	for _, bc := range sim.BalanceChanges {
		fmt.Fprintf(&b, "\n%s %s %s", bc.Direction, bc.Amount, bc.Token)
	}
	return b.String()
}

func targetOf(tx *types.TransactionRequest) string {
	if tx.To == nil {
		return ""
	}
	return strings.ToLower(tx.To.Hex())
}

// gasCostUSD converts gasUsed x effectiveGasPrice wei to USD.
func gasCostUSD(gasUsed uint64, effectiveGasPrice *big.Int, nativePriceUSD float64) float64 {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), effectiveGasPrice)
	return guardrails.WeiToUSD(cost, nativePriceUSD)
}
