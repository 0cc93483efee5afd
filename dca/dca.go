// Package dca runs recurring buys. The scheduler polls for due jobs and
// executes each round through the transaction pipeline; the smart strategy is
// value averaging against a linearly growing target.
package dca

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

// DefaultPollInterval between due-job scans.
const DefaultPollInterval = time.Minute

// smartCapMultiple caps a smart-strategy round at this multiple of the base
// amount, so one deep dip cannot drain the wallet.
const smartCapMultiple = 2

// Engine is the recurring-buy scheduler.
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

// Create validates and persists a new job, first round due immediately.
func (e *Engine) Create(userID, walletAddress, fromToken, toToken, amount string,
	chainID uint64, freq types.DcaFrequency, strategy types.DcaStrategy, maxExecutions int) (*types.DcaJob, error) {
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	intervalMS := freq.IntervalMS()
	if intervalMS == 0 {
		return nil, fmt.Errorf("unknown frequency %q", freq)
	}
	if strategy != types.DcaStrategyFixed && strategy != types.DcaStrategySmart {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	job := &types.DcaJob{
		ID:              uuid.NewString(),
		UserID:          userID,
		WalletAddress:   walletAddress,
		FromToken:       fromToken,
		ToToken:         toToken,
		Amount:          amount,
		ChainID:         chainID,
		Frequency:       freq,
		IntervalMS:      intervalMS,
		Strategy:        strategy,
		Status:          types.DcaStatusActive,
		MaxExecutions:   maxExecutions,
		TotalSpent:      "0",
		NextExecutionAt: time.Now().UTC(),
	}
	if err := e.store.CreateDcaJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Pause, Resume and Cancel move a job between lifecycle states.
func (e *Engine) Pause(id string) error  { return e.store.SetDcaJobStatus(id, types.DcaStatusPaused) }
func (e *Engine) Resume(id string) error { return e.store.SetDcaJobStatus(id, types.DcaStatusActive) }
func (e *Engine) Cancel(id string) error {
	return e.store.SetDcaJobStatus(id, types.DcaStatusCancelled)
}

// Start launches the poll loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("dca engine already started")
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
	log.Infow("dca engine started", "interval", e.interval.String())
	return nil
}

// Stop halts the loop and waits for an in-flight round to finish.
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
	jobs, err := e.store.DueDcaJobs(time.Now().UTC())
	if err != nil {
		log.Errorw(err, "failed to scan due dca jobs")
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := e.runRound(ctx, job); err != nil {
			log.Warnw("dca round failed", "jobId", job.ID, "err", err.Error())
		}
	}
}

// runRound executes one scheduled buy. Transient quote trouble leaves the job
// untouched for the next tick; everything else advances the schedule.
func (e *Engine) runRound(ctx context.Context, job *types.DcaJob) error {
	buy, skip := e.roundAmount(ctx, job)
	next := time.Now().UTC().Add(time.Duration(job.IntervalMS) * time.Millisecond)
	if skip {
		// Holdings are already at or above target; skipping still advances
		// the schedule so the job does not spin.
		log.Infow("dca round skipped, target already met", "jobId", job.ID)
		return e.store.AdvanceDcaJob(job.ID, job.TotalSpent, job.AvgPrice, false, next)
	}

	swap, err := e.aggregator.SwapQuote(ctx, &quote.SwapRequest{
		ChainID:     job.ChainID,
		FromToken:   job.FromToken,
		ToToken:     job.ToToken,
		Amount:      buy.Text('f', 0),
		FromAddress: job.WalletAddress,
		SlippageBps: e.slippage(job.UserID),
	})
	if err != nil {
		// Transient: retry on the next tick without advancing.
		return fmt.Errorf("quoting round: %w", err)
	}

	signer, err := e.signers.SignerFor(job.UserID, job.WalletAddress)
	if err != nil {
		return fmt.Errorf("resolving signer: %w", err)
	}
	nativePrice, _ := e.aggregator.PriceUSD(ctx, job.ChainID, "native")

	tx := swap.Transaction(job.ChainID, common.HexToAddress(job.WalletAddress), types.GasStrategyStandard)
	res, err := e.exec.Execute(ctx, tx, signer, executor.Metadata{
		UserID:         job.UserID,
		SkillName:      "dca",
		Intent:         fmt.Sprintf("dca round %d: %s -> %s", job.TotalExecutions+1, job.FromToken, job.ToToken),
		NativePriceUSD: nativePrice,
	}, nil)
	if err != nil {
		return fmt.Errorf("executing round: %w", err)
	}
	if !res.Success {
		// A policy rejection will repeat until conditions change; advance the
		// schedule without counting the round.
		e.push(ctx, job.UserID, fmt.Sprintf("DCA %s: round not executed: %s", job.ID, res.Message))
		return e.store.AdvanceDcaJob(job.ID, job.TotalSpent, job.AvgPrice, false, next)
	}

	newSpent, newAvg := e.updatedTotals(ctx, job, buy)
	if err := e.store.AdvanceDcaJob(job.ID, newSpent.Text('f', 0), newAvg, true, next); err != nil {
		return err
	}
	e.push(ctx, job.UserID, fmt.Sprintf("DCA %s: bought %s for %s %s (tx %s)",
		job.ID, job.ToToken, buy.Text('f', 0), job.FromToken, res.Hash))
	return nil
}

// roundAmount computes the buy for this round. The fixed strategy always buys
// the base amount; the smart strategy is value averaging: buy whatever closes
// the gap to target = amount x round, capped at twice the base amount, or
// skip when holdings already exceed the target. Price outages degrade smart
// to fixed.
func (e *Engine) roundAmount(ctx context.Context, job *types.DcaJob) (*big.Float, bool) {
	amount, _, _ := big.ParseFloat(job.Amount, 10, 128, big.ToNearestEven)
	if amount == nil {
		amount = new(big.Float)
	}
	if job.Strategy != types.DcaStrategySmart {
		return amount, false
	}

	price, err := e.aggregator.PriceUSD(ctx, job.ChainID, job.ToToken)
	if err != nil || price <= 0 {
		log.Warnw("dca price unavailable, smart round degrades to fixed",
			"jobId", job.ID, "token", job.ToToken)
		return amount, false
	}
	if job.AvgPrice <= 0 {
		// First round: no holdings yet, buy the base amount.
		return amount, false
	}

	round := new(big.Float).SetInt64(int64(job.TotalExecutions + 1))
	target := new(big.Float).Mul(amount, round)

	spent, _, _ := big.ParseFloat(job.TotalSpent, 10, 128, big.ToNearestEven)
	if spent == nil {
		spent = new(big.Float)
	}
	holdings := new(big.Float).Quo(spent, big.NewFloat(job.AvgPrice))
	current := new(big.Float).Mul(holdings, big.NewFloat(price))

	deficit := new(big.Float).Sub(target, current)
	if deficit.Sign() <= 0 {
		return nil, true
	}
	ceiling := new(big.Float).Mul(amount, big.NewFloat(smartCapMultiple))
	if deficit.Cmp(ceiling) > 0 {
		return ceiling, false
	}
	return deficit, false
}

// updatedTotals folds the executed buy into the running spend and the average
// purchase price of the target token.
func (e *Engine) updatedTotals(ctx context.Context, job *types.DcaJob, buy *big.Float) (*big.Float, float64) {
	spent, _, _ := big.ParseFloat(job.TotalSpent, 10, 128, big.ToNearestEven)
	if spent == nil {
		spent = new(big.Float)
	}
	newSpent := new(big.Float).Add(spent, buy)

	price, err := e.aggregator.PriceUSD(ctx, job.ChainID, job.ToToken)
	if err != nil || price <= 0 {
		return newSpent, job.AvgPrice
	}
	oldHoldings := new(big.Float)
	if job.AvgPrice > 0 {
		oldHoldings.Quo(spent, big.NewFloat(job.AvgPrice))
	}
	bought := new(big.Float).Quo(buy, big.NewFloat(price))
	holdings := new(big.Float).Add(oldHoldings, bought)
	if holdings.Sign() == 0 {
		return newSpent, job.AvgPrice
	}
	avg := new(big.Float).Quo(newSpent, holdings)
	avgF, _ := avg.Float64()
	return newSpent, avgF
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
		log.Warnw("failed to enqueue dca notification", "user", userID, "err", err.Error())
	}
}
