// Package whalewatch follows large wallets block by block: threshold alerts
// on big native transfers carrying the classified flow pattern, and optional
// copy-trading of detected router buys with a risk screen and a hard daily
// cap.
package whalewatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/delivery"
	"github.com/chainclaw/chainclaw/executor"
	"github.com/chainclaw/chainclaw/guardrails"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/quote"
	"github.com/chainclaw/chainclaw/risk"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
)

const (
	// DefaultPollInterval between chain scans.
	DefaultPollInterval = 30 * time.Second
	// maxBlocksPerTick bounds catch-up work after downtime.
	maxBlocksPerTick = 5
	// copyRiskTimeout bounds the pre-copy risk lookup.
	copyRiskTimeout = 10 * time.Second
)

// Engine is the whale watcher.
type Engine struct {
	store      *storage.Store
	registry   *web3.Registry
	exec       *executor.Executor
	aggregator quote.Aggregator
	riskEng    *risk.Engine
	signers    types.SignerProvider
	notify     *delivery.Queue
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	copyWg sync.WaitGroup
}

// New creates the engine. A zero interval means DefaultPollInterval.
func New(store *storage.Store, registry *web3.Registry, exec *executor.Executor,
	aggregator quote.Aggregator, riskEng *risk.Engine, signers types.SignerProvider,
	notify *delivery.Queue, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{
		store:      store,
		registry:   registry,
		exec:       exec,
		aggregator: aggregator,
		riskEng:    riskEng,
		signers:    signers,
		notify:     notify,
		interval:   interval,
	}
}

// Watch validates and persists a new watch.
func (e *Engine) Watch(userID string, chainID uint64, address, label string,
	thresholdUSD float64, autoCopy bool, copyWallet, copyAmount string, copyMaxDaily int) (*types.WhaleWatch, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	if autoCopy {
		if !common.IsHexAddress(copyWallet) {
			return nil, fmt.Errorf("auto-copy needs a valid copy wallet")
		}
		if _, ok := new(big.Int).SetString(copyAmount, 10); !ok {
			return nil, fmt.Errorf("invalid copy amount %q", copyAmount)
		}
		if copyMaxDaily <= 0 {
			return nil, fmt.Errorf("auto-copy needs a positive daily cap")
		}
	}
	w := &types.WhaleWatch{
		ID:           uuid.NewString(),
		UserID:       userID,
		ChainID:      chainID,
		Address:      strings.ToLower(address),
		Label:        label,
		ThresholdUSD: thresholdUSD,
		Status:       types.WatchStatusActive,
		AutoCopy:     autoCopy,
		CopyWallet:   copyWallet,
		CopyAmount:   copyAmount,
		CopyMaxDaily: copyMaxDaily,
	}
	if err := e.store.CreateWhaleWatch(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Unwatch cancels a watch.
func (e *Engine) Unwatch(id string) error {
	return e.store.SetWhaleWatchStatus(id, types.WatchStatusCancelled)
}

// Start launches the poll loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("whale watcher already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
	log.Infow("whale watcher started", "interval", e.interval.String())
	return nil
}

// Stop halts the loop and waits for in-flight copy trades.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.copyWg.Wait()
}

func (e *Engine) tick(ctx context.Context) {
	chainIDs, err := e.store.WatchedChainIDs()
	if err != nil {
		log.Errorw(err, "failed to list watched chains")
		return
	}
	for _, chainID := range chainIDs {
		if ctx.Err() != nil {
			return
		}
		if err := e.scanChain(ctx, chainID); err != nil {
			log.Warnw("whale scan failed", "chainId", chainID, "err", err.Error())
		}
	}
	if err := e.store.PruneFlowSamples(time.Now().Add(-flowRetention)); err != nil {
		log.Warnw("failed to prune flow samples", "err", err.Error())
	}
}

// scanChain processes new blocks since the cursor, at most maxBlocksPerTick.
func (e *Engine) scanChain(ctx context.Context, chainID uint64) error {
	client, err := e.registry.Client(chainID)
	if err != nil {
		return err
	}
	watches, err := e.store.ActiveWhaleWatches(chainID)
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		return nil
	}
	byAddr := make(map[string][]*types.WhaleWatch, len(watches))
	for _, w := range watches {
		byAddr[w.Address] = append(byAddr[w.Address], w)
	}

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	cursor, err := e.store.WhaleCursor(chainID)
	if err != nil {
		return err
	}
	if cursor == 0 || cursor > latest {
		// First run or a reorged node: start from the tip.
		return e.store.SetWhaleCursor(chainID, latest)
	}

	end := latest
	if end > cursor+maxBlocksPerTick {
		end = cursor + maxBlocksPerTick
	}
	nativePrice, err := e.aggregator.PriceUSD(ctx, chainID, "native")
	if err != nil {
		log.Warnw("native price unavailable, whale scan deferred", "chainId", chainID)
		return nil
	}

	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	for n := cursor + 1; n <= end; n++ {
		block, err := client.BlockWithTxs(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("fetching block %d: %w", n, err)
		}
		blockTime := time.Unix(int64(block.Time()), 0)
		for _, tx := range block.Transactions() {
			from, err := gethtypes.Sender(signer, tx)
			if err != nil {
				continue
			}
			fromKey := strings.ToLower(from.Hex())
			toKey := ""
			if tx.To() != nil {
				toKey = strings.ToLower(tx.To().Hex())
			}
			valueUSD := guardrails.WeiToUSD(tx.Value(), nativePrice)

			for _, w := range byAddr[fromKey] {
				e.observe(ctx, w, tx, -valueUSD, blockTime, true)
			}
			for _, w := range byAddr[toKey] {
				if fromKey == toKey {
					continue
				}
				e.observe(ctx, w, tx, valueUSD, blockTime, false)
			}
		}
		if err := e.store.SetWhaleCursor(chainID, n); err != nil {
			return err
		}
	}
	return nil
}

// observe records one transaction touching a watched address: flow sample,
// threshold alert and, for outgoing swaps, the copy trigger.
func (e *Engine) observe(ctx context.Context, w *types.WhaleWatch, tx *gethtypes.Transaction,
	flowUSD float64, blockTime time.Time, outgoing bool) {
	if flowUSD != 0 {
		if err := e.store.AddFlowSample(w.ID, bucketOf(blockTime), flowUSD); err != nil {
			log.Warnw("failed to record flow sample", "watchId", w.ID, "err", err.Error())
		}
	}
	absUSD := flowUSD
	if absUSD < 0 {
		absUSD = -absUSD
	}
	if w.ThresholdUSD > 0 && absUSD >= w.ThresholdUSD {
		direction := "received"
		if outgoing {
			direction = "sent"
		}
		msg := fmt.Sprintf("Whale %s %s $%.0f (tx %s)",
			e.labelOf(w), direction, absUSD, tx.Hash().Hex())
		if signal := e.flowSignal(w); signal != types.FlowSignalNone {
			msg = fmt.Sprintf("%s, flow: %s", msg, signal)
		}
		e.push(ctx, w.UserID, msg)
	}
	if outgoing && w.AutoCopy {
		if swap := DetectSwap(tx.Data()); swap != nil {
			e.triggerCopy(ctx, w, swap, tx.Hash())
		}
	}
}

// flowSignal classifies the watch's recent flow; load failures read as no
// signal.
func (e *Engine) flowSignal(w *types.WhaleWatch) types.FlowSignal {
	samples, err := e.store.RecentFlowSamples(w.ID, flowWindow)
	if err != nil {
		log.Warnw("failed to load flow samples", "watchId", w.ID, "err", err.Error())
		return types.FlowSignalNone
	}
	return ClassifyFlow(samples)
}

// triggerCopy screens the token, claims a daily slot and runs the copy buy
// in its own goroutine so one slow pipeline never stalls the block scan. The
// risk screen runs before the claim so a refused copy never costs a slot.
func (e *Engine) triggerCopy(ctx context.Context, w *types.WhaleWatch, swap *SwapCall, whaleTx common.Hash) {
	if swap.Token == "" {
		// Detected a swap but not its output; alert only.
		e.push(ctx, w.UserID, fmt.Sprintf("Whale %s swapped (route not decoded, tx %s)",
			e.labelOf(w), whaleTx.Hex()))
		return
	}
	riskCtx, cancel := context.WithTimeout(ctx, copyRiskTimeout)
	report, err := e.riskEng.Analyze(riskCtx, w.ChainID, swap.Token)
	cancel()
	if err != nil {
		// Copy trades never run blind.
		log.Warnw("risk data unavailable, copy trade skipped",
			"watchId", w.ID, "token", swap.Token, "err", err.Error())
		return
	}
	if report.IsHoneypot || report.RiskLevel == types.RiskLevelCritical ||
		report.RiskLevel == types.RiskLevelHigh {
		e.push(ctx, w.UserID, fmt.Sprintf("Copy trade for whale %s skipped: %s risk for %s",
			e.labelOf(w), report.RiskLevel, swap.Token))
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := e.store.ClaimCopySlot(w.ID, day, w.CopyMaxDaily); err != nil {
		if errors.Is(err, storage.ErrExhausted) {
			log.Infow("copy-trade cap reached for today", "watchId", w.ID, "day", day)
		} else {
			log.Warnw("failed to claim copy slot", "watchId", w.ID, "err", err.Error())
		}
		return
	}
	e.copyWg.Add(1)
	go func() {
		defer e.copyWg.Done()
		if err := e.copyTrade(ctx, w, swap.Token, whaleTx); err != nil {
			log.Warnw("copy trade failed", "watchId", w.ID, "token", swap.Token, "err", err.Error())
		}
	}()
}

func (e *Engine) copyTrade(ctx context.Context, w *types.WhaleWatch, token string, whaleTx common.Hash) error {
	swap, err := e.aggregator.SwapQuote(ctx, &quote.SwapRequest{
		ChainID:     w.ChainID,
		FromToken:   "native",
		ToToken:     token,
		Amount:      w.CopyAmount,
		FromAddress: w.CopyWallet,
		SlippageBps: e.slippage(w.UserID),
	})
	if err != nil {
		return fmt.Errorf("quoting copy buy: %w", err)
	}
	signer, err := e.signers.SignerFor(w.UserID, w.CopyWallet)
	if err != nil {
		return fmt.Errorf("resolving signer: %w", err)
	}
	nativePrice, _ := e.aggregator.PriceUSD(ctx, w.ChainID, "native")

	tx := swap.Transaction(w.ChainID, common.HexToAddress(w.CopyWallet), types.GasStrategyFast)
	res, err := e.exec.Execute(ctx, tx, signer, executor.Metadata{
		UserID:         w.UserID,
		SkillName:      "whale_copy",
		Intent:         fmt.Sprintf("copy %s buy of %s (whale tx %s)", e.labelOf(w), token, whaleTx.Hex()),
		NativePriceUSD: nativePrice,
		AntiRugToken:   token,
		AntiRugStrict:  true,
	}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		e.push(ctx, w.UserID, fmt.Sprintf("Copy trade for whale %s not executed: %s",
			e.labelOf(w), res.Message))
		return nil
	}
	e.push(ctx, w.UserID, fmt.Sprintf("Copied whale %s: bought %s (tx %s)",
		e.labelOf(w), token, res.Hash))
	return nil
}

func (e *Engine) labelOf(w *types.WhaleWatch) string {
	if w.Label != "" {
		return w.Label
	}
	return w.Address
}

func (e *Engine) slippage(userID string) int64 {
	limits, err := e.store.UserLimits(userID)
	if err != nil {
		return storage.DefaultSlippageBps
	}
	return limits.SlippageBps
}

func (e *Engine) push(ctx context.Context, userID, message string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, delivery.ChannelDefault, userID, message); err != nil {
		log.Warnw("failed to enqueue whale notification", "user", userID, "err", err.Error())
	}
}
