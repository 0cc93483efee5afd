// Package snipe buys freshly launched tokens, one-shot or through standing
// auto-snipe configs with a hard execution cap. The liquidity floor blocks
// every path; risk and the anti-rug sell simulation block automated buys and
// degrade to warnings for manual ones.
package snipe

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/delivery"
	"github.com/chainclaw/chainclaw/executor"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/quote"
	"github.com/chainclaw/chainclaw/risk"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

// DefaultMinLiquidityUSD is the pool-liquidity floor below which automated
// buys refuse to run.
const DefaultMinLiquidityUSD = 10_000.0

// riskTimeout bounds the pre-trade risk lookup.
const riskTimeout = 10 * time.Second

// LiquiditySource reports the USD liquidity of a token's primary pool.
type LiquiditySource interface {
	LiquidityUSD(ctx context.Context, chainID uint64, token string) (float64, error)
}

// Manager executes snipes.
type Manager struct {
	store        *storage.Store
	exec         *executor.Executor
	aggregator   quote.Aggregator
	riskEng      *risk.Engine
	liquidity    LiquiditySource
	signers      types.SignerProvider
	notify       *delivery.Queue
	minLiquidity float64
}

// New creates the manager. A nil liquidity source skips the floor for manual
// snipes and blocks automated ones; a zero floor means the default.
func New(store *storage.Store, exec *executor.Executor, aggregator quote.Aggregator,
	riskEng *risk.Engine, liquidity LiquiditySource, signers types.SignerProvider,
	notify *delivery.Queue, minLiquidity float64) *Manager {
	if minLiquidity <= 0 {
		minLiquidity = DefaultMinLiquidityUSD
	}
	return &Manager{
		store:        store,
		exec:         exec,
		aggregator:   aggregator,
		riskEng:      riskEng,
		liquidity:    liquidity,
		signers:      signers,
		notify:       notify,
		minLiquidity: minLiquidity,
	}
}

// Snipe runs a one-shot buy. A target below the liquidity floor fails
// outright; the pipeline's risk gate and the anti-rug simulation run in
// warning mode, and the caller's callbacks decide whether to proceed past
// warnings.
func (m *Manager) Snipe(ctx context.Context, userID, walletAddress string, chainID uint64,
	token, amount string, cb *executor.Callbacks) (*types.Snipe, *executor.Result, error) {
	if !common.IsHexAddress(token) {
		return nil, nil, fmt.Errorf("invalid token address %q", token)
	}
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		return nil, nil, fmt.Errorf("invalid amount %q", amount)
	}
	sn := &types.Snipe{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletAddress: walletAddress,
		ChainID:       chainID,
		Token:         token,
		Amount:        amount,
		Status:        types.SnipeStatusActive,
	}
	if err := m.store.CreateSnipe(sn); err != nil {
		return nil, nil, err
	}

	if liq, ok := m.liquidityOf(ctx, chainID, token); ok && liq < m.minLiquidity {
		if serr := m.store.SetSnipeStatus(sn.ID, types.SnipeStatusFailed, ""); serr != nil {
			log.Warnw("failed to mark snipe failed", "snipeId", sn.ID, "err", serr.Error())
		}
		sn.Status = types.SnipeStatusFailed
		return sn, &executor.Result{Message: fmt.Sprintf(
			"liquidity $%.0f below floor of $%.0f", liq, m.minLiquidity)}, nil
	}

	res, err := m.buy(ctx, userID, walletAddress, chainID, token, amount, "snipe", false, cb)
	if err != nil {
		if serr := m.store.SetSnipeStatus(sn.ID, types.SnipeStatusFailed, ""); serr != nil {
			log.Warnw("failed to mark snipe failed", "snipeId", sn.ID, "err", serr.Error())
		}
		return sn, nil, err
	}
	status := types.SnipeStatusExecuted
	if !res.Success {
		status = types.SnipeStatusFailed
	}
	if serr := m.store.SetSnipeStatus(sn.ID, status, res.TxID); serr != nil {
		return sn, res, serr
	}
	sn.Status = status
	sn.TxID = res.TxID
	return sn, res, nil
}

// CreateAutoSnipe persists a standing buy config.
func (m *Manager) CreateAutoSnipe(userID, walletAddress string, chainID uint64,
	token, amount string, maxExecutions int) (*types.AutoSnipe, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if maxExecutions <= 0 {
		return nil, fmt.Errorf("auto-snipe needs a positive execution cap")
	}
	a := &types.AutoSnipe{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletAddress: walletAddress,
		ChainID:       chainID,
		Token:         token,
		Amount:        amount,
		MaxExecutions: maxExecutions,
		Status:        types.SnipeStatusActive,
	}
	if err := m.store.CreateAutoSnipe(a); err != nil {
		return nil, err
	}
	return a, nil
}

// CancelAutoSnipe deactivates a config.
func (m *Manager) CancelAutoSnipe(id string) error {
	return m.store.SetAutoSnipeStatus(id, types.SnipeStatusCancelled)
}

// TriggerAutoSnipe runs one automated execution of a config. The slot is
// claimed before any work so concurrent triggers can never exceed the cap; a
// failed execution returns its slot.
func (m *Manager) TriggerAutoSnipe(ctx context.Context, id string) (*executor.Result, error) {
	a, err := m.store.AutoSnipe(id)
	if err != nil {
		return nil, err
	}
	if err := m.store.ClaimAutoSnipeExecution(id); err != nil {
		if errors.Is(err, storage.ErrExhausted) {
			return &executor.Result{Message: "auto-snipe exhausted"}, nil
		}
		return nil, err
	}

	res, err := m.runAutoExecution(ctx, a)
	if err != nil || !res.Success {
		if rerr := m.store.ReleaseAutoSnipeExecution(id); rerr != nil {
			log.Warnw("failed to release auto-snipe slot", "id", id, "err", rerr.Error())
		}
	}
	return res, err
}

// runAutoExecution applies the strict automated gates, then buys.
func (m *Manager) runAutoExecution(ctx context.Context, a *types.AutoSnipe) (*executor.Result, error) {
	riskCtx, cancel := context.WithTimeout(ctx, riskTimeout)
	report, err := m.riskEng.Analyze(riskCtx, a.ChainID, a.Token)
	cancel()
	if err != nil {
		// Automated buys never run blind.
		return &executor.Result{Message: "risk data unavailable for automated buy"}, nil
	}
	if report.IsHoneypot || report.RiskLevel == types.RiskLevelCritical ||
		report.RiskLevel == types.RiskLevelHigh {
		m.push(ctx, a.UserID, fmt.Sprintf("Auto-snipe %s blocked: %s risk for %s",
			a.ID, report.RiskLevel, a.Token))
		return &executor.Result{Message: fmt.Sprintf("risk level %s blocks automated buy", report.RiskLevel)}, nil
	}

	liq, ok := m.liquidityOf(ctx, a.ChainID, a.Token)
	if !ok {
		return &executor.Result{Message: "liquidity unknown, automated buy refused"}, nil
	}
	if liq < m.minLiquidity {
		return &executor.Result{Message: fmt.Sprintf(
			"liquidity $%.0f below floor of $%.0f", liq, m.minLiquidity)}, nil
	}

	res, err := m.buy(ctx, a.UserID, a.WalletAddress, a.ChainID, a.Token, a.Amount, "auto_snipe", true, nil)
	if err != nil {
		return &executor.Result{Message: err.Error()}, err
	}
	if res.Success {
		m.push(ctx, a.UserID, fmt.Sprintf("Auto-snipe %s bought %s (tx %s)", a.ID, a.Token, res.Hash))
	}
	return res, nil
}

// buy quotes and executes a native-to-token swap through the pipeline.
func (m *Manager) buy(ctx context.Context, userID, walletAddress string, chainID uint64,
	token, amount, skill string, strict bool, cb *executor.Callbacks) (*executor.Result, error) {
	swap, err := m.aggregator.SwapQuote(ctx, &quote.SwapRequest{
		ChainID:     chainID,
		FromToken:   "native",
		ToToken:     token,
		Amount:      amount,
		FromAddress: walletAddress,
		SlippageBps: m.slippage(userID),
	})
	if err != nil {
		return nil, fmt.Errorf("quoting snipe buy: %w", err)
	}
	signer, err := m.signers.SignerFor(userID, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving signer: %w", err)
	}
	nativePrice, _ := m.aggregator.PriceUSD(ctx, chainID, "native")

	tx := swap.Transaction(chainID, common.HexToAddress(walletAddress), types.GasStrategyFast)
	return m.exec.Execute(ctx, tx, signer, executor.Metadata{
		UserID:         userID,
		SkillName:      skill,
		Intent:         fmt.Sprintf("snipe %s on chain %d", token, chainID),
		NativePriceUSD: nativePrice,
		AntiRugToken:   token,
		AntiRugStrict:  strict,
	}, cb)
}

func (m *Manager) liquidityOf(ctx context.Context, chainID uint64, token string) (float64, bool) {
	if m.liquidity == nil {
		return 0, false
	}
	liq, err := m.liquidity.LiquidityUSD(ctx, chainID, token)
	if err != nil {
		log.Warnw("liquidity lookup failed", "token", token, "err", err.Error())
		return 0, false
	}
	return liq, true
}

func (m *Manager) slippage(userID string) int64 {
	limits, err := m.store.UserLimits(userID)
	if err != nil {
		return storage.DefaultSlippageBps
	}
	return limits.SlippageBps
}

func (m *Manager) push(ctx context.Context, userID, message string) {
	if m.notify == nil {
		return
	}
	if err := m.notify.Notify(ctx, delivery.ChannelDefault, userID, message); err != nil {
		log.Warnw("failed to enqueue snipe notification", "user", userID, "err", err.Error())
	}
}
