// Package signals runs the community trading-signals engine: providers
// publish entries (optionally verified against an on-chain transaction),
// subscribers get notified of opens and closes, open signals expire after a
// week, and provider stats feed a leaderboard.
package signals

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/delivery"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
)

const (
	// DefaultPollInterval between notifier sweeps.
	DefaultPollInterval = time.Minute
	// SignalTTL after which an open signal expires.
	SignalTTL = 7 * 24 * time.Hour
	// LeaderboardMinClosed is the closed-signal floor for leaderboard entry.
	LeaderboardMinClosed = 5
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = common.HexToHash(
	"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Engine is the trading-signals service.
type Engine struct {
	store    *storage.Store
	registry *web3.Registry
	notify   *delivery.Queue
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine. A zero interval means DefaultPollInterval.
func New(store *storage.Store, registry *web3.Registry, notify *delivery.Queue, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{store: store, registry: registry, notify: notify, interval: interval}
}

// Publish records a new signal. When a transaction hash and wallet are given,
// the signal is verified against the chain: the receipt must exist, have
// succeeded, and involve the wallet. A verifiable stable-transfer in the
// receipt refines the entry price.
func (e *Engine) Publish(ctx context.Context, provider, token string, chainID uint64,
	side types.SignalSide, entryPrice float64, txHash, wallet, collateral string, leverage float64) (*types.Signal, error) {
	if provider == "" || token == "" {
		return nil, fmt.Errorf("signal needs a provider and a token")
	}
	if side != types.SignalSideBuy && side != types.SignalSideSell {
		return nil, fmt.Errorf("unknown signal side %q", side)
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("invalid entry price %f", entryPrice)
	}
	sig := &types.Signal{
		Provider:   provider,
		Token:      token,
		ChainID:    chainID,
		Side:       side,
		EntryPrice: entryPrice,
		TxHash:     txHash,
		Collateral: collateral,
		Leverage:   leverage,
	}
	if _, err := e.store.CreateSignal(sig); err != nil {
		return nil, err
	}
	if txHash != "" && wallet != "" {
		if err := e.verify(ctx, sig, wallet); err != nil {
			log.Warnw("signal verification failed", "signalId", sig.ID,
				"txHash", txHash, "err", err.Error())
		}
	}
	if err := e.recomputeStats(provider); err != nil {
		log.Warnw("failed to recompute provider stats", "provider", provider, "err", err.Error())
	}
	return sig, nil
}

// verify checks the claimed transaction on-chain. The receipt must be
// successful and the wallet must appear as sender, recipient or in a log.
func (e *Engine) verify(ctx context.Context, sig *types.Signal, wallet string) error {
	client, err := e.registry.Client(sig.ChainID)
	if err != nil {
		return err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(sig.TxHash))
	if err != nil {
		return fmt.Errorf("fetching receipt: %w", err)
	}
	if receipt.Status != 1 {
		return fmt.Errorf("claimed transaction reverted")
	}
	addr := common.HexToAddress(wallet)
	if !receiptInvolves(receipt, addr) && !senderIs(ctx, client, common.HexToHash(sig.TxHash), addr) {
		return fmt.Errorf("wallet %s not involved in transaction", wallet)
	}
	entry := stableEntryPrice(receipt, client.Config().StableAddr, sig)
	if err := e.store.SetSignalVerified(sig.ID, entry); err != nil {
		return err
	}
	sig.Verified = true
	if entry != 0 {
		sig.EntryPrice = entry
	}
	log.Infow("signal verified on-chain", "signalId", sig.ID, "txHash", sig.TxHash)
	return nil
}

// receiptInvolves reports whether the address shows up in any log of the
// receipt: as the emitting contract, inside an indexed topic, or as a
// 32-byte-padded word of the log data (unindexed address parameters).
func receiptInvolves(receipt *gethtypes.Receipt, addr common.Address) bool {
	want := common.BytesToHash(addr.Bytes())
	for _, lg := range receipt.Logs {
		if lg.Address == addr {
			return true
		}
		for _, topic := range lg.Topics[min(1, len(lg.Topics)):] {
			if topic == want {
				return true
			}
		}
		for i := 0; i+32 <= len(lg.Data); i += 32 {
			if common.BytesToHash(lg.Data[i:i+32]) == want {
				return true
			}
		}
	}
	return false
}

// senderIs reports whether the transaction was signed by addr. Receipts do
// not carry the sender, so this needs the transaction itself; a plain value
// transfer involves the wallet only this way.
func senderIs(ctx context.Context, client web3.Chain, hash common.Hash, addr common.Address) bool {
	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return false
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	return err == nil && from == addr
}

// stableEntryPrice derives an effective entry price from a stablecoin
// transfer in the receipt: stable amount paid divided by tokens received.
func stableEntryPrice(receipt *gethtypes.Receipt, stableAddr string, sig *types.Signal) float64 {
	if stableAddr == "" {
		return 0
	}
	stable := common.HexToAddress(stableAddr)
	token := common.HexToAddress(sig.Token)
	var stableAmount, tokenAmount *big.Int
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != erc20TransferTopic || len(lg.Data) < 32 {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data[:32])
		switch lg.Address {
		case stable:
			stableAmount = amount
		case token:
			tokenAmount = amount
		}
	}
	if stableAmount == nil || tokenAmount == nil || tokenAmount.Sign() == 0 {
		return 0
	}
	price := new(big.Float).Quo(new(big.Float).SetInt(stableAmount), new(big.Float).SetInt(tokenAmount))
	f, _ := price.Float64()
	return f
}

// Close closes an open signal at the exit price, computing its PnL. Closing
// twice is rejected by the store, so the PnL of a signal is immutable.
func (e *Engine) Close(id int64, exitPrice float64) (*types.Signal, error) {
	sig, err := e.store.Signal(id)
	if err != nil {
		return nil, err
	}
	if err := e.store.CloseSignal(id, exitPrice, sig.Pnl(exitPrice)); err != nil {
		return nil, err
	}
	if err := e.recomputeStats(sig.Provider); err != nil {
		log.Warnw("failed to recompute provider stats", "provider", sig.Provider, "err", err.Error())
	}
	return e.store.Signal(id)
}

// Subscribe registers a user for a provider's signals.
func (e *Engine) Subscribe(userID, provider string) error {
	return e.store.Subscribe(uuid.NewString(), userID, provider)
}

// Unsubscribe removes the registration.
func (e *Engine) Unsubscribe(userID, provider string) error {
	return e.store.Unsubscribe(userID, provider)
}

// Leaderboard returns providers ranked by average return, requiring at least
// LeaderboardMinClosed closed signals.
func (e *Engine) Leaderboard(limit int) ([]*types.ProviderStats, error) {
	return e.store.Leaderboard(LeaderboardMinClosed, limit)
}

// recomputeStats rebuilds a provider's summary from its closed signals.
func (e *Engine) recomputeStats(provider string) error {
	sigs, err := e.store.ProviderSignals(provider)
	if err != nil {
		return err
	}
	ps := &types.ProviderStats{Provider: provider, TotalSignals: len(sigs)}
	var sum float64
	for _, sig := range sigs {
		if sig.Status != types.SignalStatusClosed {
			continue
		}
		ps.ClosedCount++
		sum += sig.PnlPct
		if sig.PnlPct > 0 {
			ps.Wins++
		} else {
			ps.Losses++
		}
	}
	if ps.ClosedCount > 0 {
		ps.AvgReturnPct = sum / float64(ps.ClosedCount)
	}
	return e.store.PutProviderStats(ps)
}

// Start launches the notifier and expiry loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("signals engine already started")
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
	log.Infow("signals engine started", "interval", e.interval.String())
	return nil
}

// Stop halts the loop and waits for an in-flight sweep.
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
}

func (e *Engine) tick(ctx context.Context) {
	if n, err := e.store.ExpireSignals(time.Now().Add(-SignalTTL)); err != nil {
		log.Errorw(err, "failed to expire signals")
	} else if n > 0 {
		log.Infow("expired stale signals", "count", n)
	}
	subs, err := e.store.Subscriptions()
	if err != nil {
		log.Errorw(err, "failed to list signal subscriptions")
		return
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if err := e.notifySubscription(ctx, sub); err != nil {
			log.Warnw("signal notification sweep failed", "subId", sub.ID, "err", err.Error())
		}
	}
}

// notifySubscription pushes the subscriber's unseen opens and closes, then
// advances the cursors.
func (e *Engine) notifySubscription(ctx context.Context, sub *types.SignalSubscription) error {
	opened, err := e.store.SignalsAfter(sub.Provider, sub.LastNotifiedID)
	if err != nil {
		return err
	}
	lastID := sub.LastNotifiedID
	for _, sig := range opened {
		e.push(ctx, sub.UserID, formatOpen(sig))
		lastID = sig.ID
	}

	closed, err := e.store.SignalsClosedAfter(sub.Provider, sub.LastNotifiedCloseAt)
	if err != nil {
		return err
	}
	lastClose := sub.LastNotifiedCloseAt
	for _, sig := range closed {
		e.push(ctx, sub.UserID, formatClose(sig))
		if sig.ClosedAt != nil {
			lastClose = *sig.ClosedAt
		}
	}

	if lastID == sub.LastNotifiedID && lastClose.Equal(sub.LastNotifiedCloseAt) {
		return nil
	}
	return e.store.AdvanceSubscription(sub.ID, lastID, lastClose)
}

func formatOpen(sig *types.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signal from %s: %s %s at $%.4f", sig.Provider,
		strings.ToUpper(string(sig.Side)), sig.Token, sig.EntryPrice)
	if sig.Leverage > 1 {
		fmt.Fprintf(&b, " (%gx)", sig.Leverage)
	}
	if sig.Verified {
		b.WriteString(" [verified]")
	}
	return b.String()
}

func formatClose(sig *types.Signal) string {
	return fmt.Sprintf("Signal from %s closed: %s at $%.4f, PnL %+.2f%%",
		sig.Provider, sig.Token, sig.ExitPrice, sig.PnlPct)
}

func (e *Engine) push(ctx context.Context, userID, message string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, delivery.ChannelDefault, userID, message); err != nil {
		log.Warnw("failed to enqueue signal notification", "user", userID, "err", err.Error())
	}
}
