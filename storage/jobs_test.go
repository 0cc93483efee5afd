package storage

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/types"
)

func newTestDcaJob(id string, maxExecutions int) *types.DcaJob {
	return &types.DcaJob{
		ID:              id,
		UserID:          "alice",
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		FromToken:       "native",
		ToToken:         "0x2222222222222222222222222222222222222222",
		Amount:          "1000000000000000000",
		ChainID:         8453,
		Frequency:       types.DcaFrequencyDaily,
		IntervalMS:      types.DcaFrequencyDaily.IntervalMS(),
		Strategy:        types.DcaStrategyFixed,
		Status:          types.DcaStatusActive,
		MaxExecutions:   maxExecutions,
		TotalSpent:      "0",
		NextExecutionAt: time.Now().Add(-time.Minute).UTC(),
	}
}

func TestDueDcaJobs(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	due := newTestDcaJob("due", 0)
	c.Assert(s.CreateDcaJob(due), qt.IsNil)

	future := newTestDcaJob("future", 0)
	future.NextExecutionAt = time.Now().Add(time.Hour).UTC()
	c.Assert(s.CreateDcaJob(future), qt.IsNil)

	paused := newTestDcaJob("paused", 0)
	c.Assert(s.CreateDcaJob(paused), qt.IsNil)
	c.Assert(s.SetDcaJobStatus("paused", types.DcaStatusPaused), qt.IsNil)

	jobs, err := s.DueDcaJobs(time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(jobs, qt.HasLen, 1)
	c.Assert(jobs[0].ID, qt.Equals, "due")
}

func TestAdvanceDcaJobCompletion(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	job := newTestDcaJob("job", 2)
	c.Assert(s.CreateDcaJob(job), qt.IsNil)
	next := time.Now().Add(24 * time.Hour).UTC()

	// First executed round: counter moves, job stays active.
	c.Assert(s.AdvanceDcaJob("job", "1000000000000000000", 2000, true, next), qt.IsNil)
	got, err := s.DcaJob("job")
	c.Assert(err, qt.IsNil)
	c.Assert(got.TotalExecutions, qt.Equals, 1)
	c.Assert(got.Status, qt.Equals, types.DcaStatusActive)
	c.Assert(got.LastExecutedAt, qt.IsNotNil)
	c.Assert(got.AvgPrice, qt.Equals, 2000.0)

	// A skipped round advances the schedule without counting.
	c.Assert(s.AdvanceDcaJob("job", got.TotalSpent, got.AvgPrice, false, next.Add(24*time.Hour)), qt.IsNil)
	got, err = s.DcaJob("job")
	c.Assert(err, qt.IsNil)
	c.Assert(got.TotalExecutions, qt.Equals, 1)
	c.Assert(got.Status, qt.Equals, types.DcaStatusActive)

	// The round that reaches the cap completes the job in the same
	// statement.
	c.Assert(s.AdvanceDcaJob("job", "2000000000000000000", 2100, true, next.Add(48*time.Hour)), qt.IsNil)
	got, err = s.DcaJob("job")
	c.Assert(err, qt.IsNil)
	c.Assert(got.TotalExecutions, qt.Equals, 2)
	c.Assert(got.Status, qt.Equals, types.DcaStatusCompleted)
}

func TestLimitOrderLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	order := &types.LimitOrder{
		ID:              "order-1",
		UserID:          "alice",
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		ChainID:         1,
		FromToken:       "native",
		ToToken:         "0x2222222222222222222222222222222222222222",
		Amount:          "500000000000000000",
		TriggerPriceUSD: 1800,
		Direction:       types.OrderDirectionBelow,
		Status:          types.OrderStatusActive,
	}
	c.Assert(s.CreateLimitOrder(order), qt.IsNil)

	active, err := s.ActiveLimitOrders()
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 1)

	c.Assert(s.SetLimitOrderStatus("order-1", types.OrderStatusFilled, "tx-42"), qt.IsNil)
	got, err := s.LimitOrder("order-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.OrderStatusFilled)
	c.Assert(got.TxID, qt.Equals, "tx-42")

	active, err = s.ActiveLimitOrders()
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 0)

	c.Assert(s.SetLimitOrderStatus("missing", types.OrderStatusCancelled, ""), qt.ErrorIs, ErrNotFound)
}
