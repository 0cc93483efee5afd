package dca

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/quote"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

// fakeAggregator serves canned prices; swaps are not exercised here.
type fakeAggregator struct {
	prices   map[string]float64
	priceErr error
}

func (f *fakeAggregator) SwapQuote(context.Context, *quote.SwapRequest) (*quote.Swap, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAggregator) PriceUSD(_ context.Context, _ uint64, token string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.prices[token], nil
}

func smartJob(executions int, spent string, avgPrice float64) *types.DcaJob {
	return &types.DcaJob{
		ID:              "job",
		UserID:          "alice",
		ChainID:         8453,
		FromToken:       "native",
		ToToken:         "0xtoken",
		Amount:          "100",
		Strategy:        types.DcaStrategySmart,
		TotalExecutions: executions,
		TotalSpent:      spent,
		AvgPrice:        avgPrice,
	}
}

func TestRoundAmountFixed(t *testing.T) {
	c := qt.New(t)
	e := New(nil, nil, &fakeAggregator{}, nil, nil, 0)

	job := smartJob(5, "500", 1.0)
	job.Strategy = types.DcaStrategyFixed
	buy, skip := e.roundAmount(context.Background(), job)
	c.Assert(skip, qt.IsFalse)
	c.Assert(buy.Text('f', 0), qt.Equals, "100")
}

func TestRoundAmountSmartFirstRound(t *testing.T) {
	c := qt.New(t)
	e := New(nil, nil, &fakeAggregator{prices: map[string]float64{"0xtoken": 2.0}}, nil, nil, 0)

	// No holdings yet: the base amount.
	buy, skip := e.roundAmount(context.Background(), smartJob(0, "0", 0))
	c.Assert(skip, qt.IsFalse)
	c.Assert(buy.Text('f', 0), qt.Equals, "100")
}

func TestRoundAmountSmartBuysDeficit(t *testing.T) {
	c := qt.New(t)
	// Two rounds spent 200 at avg 1.0 = 200 tokens; price now 1.2 makes the
	// position worth 240 against a round-3 target of 300.
	e := New(nil, nil, &fakeAggregator{prices: map[string]float64{"0xtoken": 1.2}}, nil, nil, 0)

	buy, skip := e.roundAmount(context.Background(), smartJob(2, "200", 1.0))
	c.Assert(skip, qt.IsFalse)
	c.Assert(buy.Text('f', 0), qt.Equals, "60")
}

func TestRoundAmountSmartSkips(t *testing.T) {
	c := qt.New(t)
	// Price doubled: holdings are worth 400, past the 300 target.
	e := New(nil, nil, &fakeAggregator{prices: map[string]float64{"0xtoken": 2.0}}, nil, nil, 0)

	_, skip := e.roundAmount(context.Background(), smartJob(2, "200", 1.0))
	c.Assert(skip, qt.IsTrue)
}

func TestRoundAmountSmartCapped(t *testing.T) {
	c := qt.New(t)
	// Price collapsed to 0.4: the raw deficit is 220, capped at 2x the base.
	e := New(nil, nil, &fakeAggregator{prices: map[string]float64{"0xtoken": 0.4}}, nil, nil, 0)

	buy, skip := e.roundAmount(context.Background(), smartJob(2, "200", 1.0))
	c.Assert(skip, qt.IsFalse)
	c.Assert(buy.Text('f', 0), qt.Equals, "200")
}

func TestRoundAmountSmartPriceOutage(t *testing.T) {
	c := qt.New(t)
	// A price outage degrades smart to fixed rather than stalling the job.
	e := New(nil, nil, &fakeAggregator{priceErr: errors.New("feed down")}, nil, nil, 0)

	buy, skip := e.roundAmount(context.Background(), smartJob(2, "200", 1.0))
	c.Assert(skip, qt.IsFalse)
	c.Assert(buy.Text('f', 0), qt.Equals, "100")
}

func TestUpdatedTotals(t *testing.T) {
	c := qt.New(t)
	e := New(nil, nil, &fakeAggregator{prices: map[string]float64{"0xtoken": 2.0}}, nil, nil, 0)

	// 200 spent at avg 1.0 = 200 tokens; buying 100 more at 2.0 adds 50
	// tokens: 300 spent over 250 tokens is an average of 1.2.
	job := smartJob(2, "200", 1.0)
	newSpent, newAvg := e.updatedTotals(context.Background(), job, big.NewFloat(100))
	c.Assert(newSpent.Text('f', 0), qt.Equals, "300")
	c.Assert(newAvg, qt.Equals, 1.2)
}

func TestCreateValidation(t *testing.T) {
	c := qt.New(t)
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	c.Assert(err, qt.IsNil)
	defer func() { _ = store.Close() }()
	e := New(store, nil, &fakeAggregator{}, nil, nil, 0)

	_, err = e.Create("alice", "0x1", "native", "0xtoken", "not-a-number",
		8453, types.DcaFrequencyDaily, types.DcaStrategyFixed, 0)
	c.Assert(err, qt.ErrorMatches, `invalid amount .*`)

	_, err = e.Create("alice", "0x1", "native", "0xtoken", "1000",
		8453, types.DcaFrequency("fortnightly"), types.DcaStrategyFixed, 0)
	c.Assert(err, qt.ErrorMatches, `unknown frequency .*`)

	_, err = e.Create("alice", "0x1", "native", "0xtoken", "1000",
		8453, types.DcaFrequencyDaily, types.DcaStrategy("yolo"), 0)
	c.Assert(err, qt.ErrorMatches, `unknown strategy .*`)

	job, err := e.Create("alice", "0x1", "native", "0xtoken", "1000",
		8453, types.DcaFrequencyDaily, types.DcaStrategySmart, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, types.DcaStatusActive)
	c.Assert(job.IntervalMS, qt.Equals, types.DcaFrequencyDaily.IntervalMS())

	// The first round is due immediately.
	due, err := store.DueDcaJobs(job.NextExecutionAt.Add(1))
	c.Assert(err, qt.IsNil)
	c.Assert(due, qt.HasLen, 1)
}
