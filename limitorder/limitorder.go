// Package limitorder watches token prices and fills price-triggered swaps
// through the transaction pipeline.
package limitorder

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/delivery"
	"github.com/chainclaw/chainclaw/executor"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/quote"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

// DefaultPollInterval between price scans.
const DefaultPollInterval = 30 * time.Second

// Engine is the limit-order watcher.
type Engine struct {
	store      *storage.Store
	exec       *executor.Executor
	aggregator quote.Aggregator
	signers    types.SignerProvider
	notify     *delivery.Queue
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine. A zero interval means DefaultPollInterval.
func New(store *storage.Store, exec *executor.Executor, aggregator quote.Aggregator,
	signers types.SignerProvider, notify *delivery.Queue, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{
		store:      store,
		exec:       exec,
		aggregator: aggregator,
		signers:    signers,
		notify:     notify,
		interval:   interval,
	}
}

// Create validates and persists a new order.
func (e *Engine) Create(userID, walletAddress string, chainID uint64,
	fromToken, toToken, amount string, triggerPriceUSD float64, direction types.OrderDirection) (*types.LimitOrder, error) {
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if triggerPriceUSD <= 0 {
		return nil, fmt.Errorf("invalid trigger price %f", triggerPriceUSD)
	}
	if direction != types.OrderDirectionAbove && direction != types.OrderDirectionBelow {
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	order := &types.LimitOrder{
		ID:              uuid.NewString(),
		UserID:          userID,
		WalletAddress:   walletAddress,
		ChainID:         chainID,
		FromToken:       fromToken,
		ToToken:         toToken,
		Amount:          amount,
		TriggerPriceUSD: triggerPriceUSD,
		Direction:       direction,
		Status:          types.OrderStatusActive,
	}
	if err := e.store.CreateLimitOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel marks an order cancelled.
func (e *Engine) Cancel(id string) error {
	return e.store.SetLimitOrderStatus(id, types.OrderStatusCancelled, "")
}

// Start launches the poll loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("limit-order engine already started")
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
	log.Infow("limit-order engine started", "interval", e.interval.String())
	return nil
}

// Stop halts the loop and waits for an in-flight fill to finish.
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
	orders, err := e.store.ActiveLimitOrders()
	if err != nil {
		log.Errorw(err, "failed to scan active limit orders")
		return
	}
	// One price lookup per (chain, token) pair per tick.
	prices := make(map[string]float64)
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		key := fmt.Sprintf("%d/%s", order.ChainID, order.ToToken)
		price, ok := prices[key]
		if !ok {
			var err error
			price, err = e.aggregator.PriceUSD(ctx, order.ChainID, order.ToToken)
			if err != nil {
				log.Warnw("price unavailable for limit order", "orderId", order.ID,
					"token", order.ToToken, "err", err.Error())
				continue
			}
			prices[key] = price
		}
		if !Triggered(order, price) {
			continue
		}
		if err := e.fill(ctx, order, price); err != nil {
			log.Warnw("limit-order fill failed", "orderId", order.ID, "err", err.Error())
		}
	}
}

// Triggered reports whether the price crosses the order's trigger.
func Triggered(order *types.LimitOrder, priceUSD float64) bool {
	switch order.Direction {
	case types.OrderDirectionAbove:
		return priceUSD >= order.TriggerPriceUSD
	case types.OrderDirectionBelow:
		return priceUSD <= order.TriggerPriceUSD
	}
	return false
}

func (e *Engine) fill(ctx context.Context, order *types.LimitOrder, price float64) error {
	swap, err := e.aggregator.SwapQuote(ctx, &quote.SwapRequest{
		ChainID:     order.ChainID,
		FromToken:   order.FromToken,
		ToToken:     order.ToToken,
		Amount:      order.Amount,
		FromAddress: order.WalletAddress,
		SlippageBps: e.slippage(order.UserID),
	})
	if err != nil {
		// Transient: the order stays active for the next tick.
		return fmt.Errorf("quoting fill: %w", err)
	}
	signer, err := e.signers.SignerFor(order.UserID, order.WalletAddress)
	if err != nil {
		return fmt.Errorf("resolving signer: %w", err)
	}
	nativePrice, _ := e.aggregator.PriceUSD(ctx, order.ChainID, "native")

	tx := swap.Transaction(order.ChainID, common.HexToAddress(order.WalletAddress), types.GasStrategyFast)
	res, err := e.exec.Execute(ctx, tx, signer, executor.Metadata{
		UserID:         order.UserID,
		SkillName:      "limit_order",
		Intent:         fmt.Sprintf("limit order %s -> %s at $%.4f", order.FromToken, order.ToToken, price),
		NativePriceUSD: nativePrice,
	}, nil)
	if err != nil {
		return fmt.Errorf("executing fill: %w", err)
	}
	if !res.Success {
		if serr := e.store.SetLimitOrderStatus(order.ID, types.OrderStatusFailed, res.TxID); serr != nil {
			return serr
		}
		e.push(ctx, order.UserID, fmt.Sprintf("Limit order %s failed: %s", order.ID, res.Message))
		return nil
	}
	if err := e.store.SetLimitOrderStatus(order.ID, types.OrderStatusFilled, res.TxID); err != nil {
		return err
	}
	e.push(ctx, order.UserID, fmt.Sprintf("Limit order filled: %s -> %s at $%.4f (tx %s)",
		order.FromToken, order.ToToken, price, res.Hash))
	return nil
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
		log.Warnw("failed to enqueue limit-order notification", "user", userID, "err", err.Error())
	}
}
