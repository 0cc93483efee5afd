package storage

import (
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestTx(t *testing.T, s *Store, txID, userID string) *types.TransactionRecord {
	t.Helper()
	rec := &types.TransactionRecord{
		TxID:        txID,
		UserID:      userID,
		SkillName:   "swap",
		Intent:      "test swap",
		ChainID:     8453,
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		ValueNative: "1000000000000000000",
		Status:      types.TxStatusPending,
	}
	qt.Assert(t, s.InsertTransaction(rec), qt.IsNil)
	return rec
}

func TestTransactionLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)
	insertTestTx(t, s, "tx-1", "alice")

	rec, err := s.Transaction("tx-1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusPending)
	c.Assert(rec.ValueNative, qt.Equals, "1000000000000000000")

	// Walk the happy path.
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusSimulated, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusApproved, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusBroadcast,
		&TxUpdate{Hash: "0xabc"}), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusConfirmed, &TxUpdate{
		GasUsed:           150_000,
		EffectiveGasPrice: "20000000000",
		GasCostUSD:        7.5,
		BlockNumber:       123,
	}), qt.IsNil)

	rec, err = s.Transaction("tx-1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(rec.Hash, qt.Equals, "0xabc")
	c.Assert(rec.GasUsed, qt.Equals, uint64(150_000))
	c.Assert(rec.GasCostUSD, qt.Equals, 7.5)
	c.Assert(rec.BlockNumber, qt.Equals, uint64(123))
}

func TestTransactionInvalidTransitions(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)
	insertTestTx(t, s, "tx-1", "alice")

	// pending cannot jump to broadcast or confirmed.
	err := s.UpdateTransactionStatus("tx-1", types.TxStatusBroadcast, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)
	err = s.UpdateTransactionStatus("tx-1", types.TxStatusConfirmed, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	// Terminal states stay terminal.
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusRejected, nil), qt.IsNil)
	err = s.UpdateTransactionStatus("tx-1", types.TxStatusSimulated, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	err = s.UpdateTransactionStatus("missing", types.TxStatusSimulated, nil)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestSpentNativeSince(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	insertTestTx(t, s, "tx-1", "alice")
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusSimulated, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusApproved, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusBroadcast, nil), qt.IsNil)

	// Rejected and pending records never count toward spend.
	insertTestTx(t, s, "tx-2", "alice")
	c.Assert(s.UpdateTransactionStatus("tx-2", types.TxStatusRejected, nil), qt.IsNil)
	insertTestTx(t, s, "tx-3", "alice")

	// Another user's spend is invisible.
	insertTestTx(t, s, "tx-4", "bob")

	values, err := s.SpentNativeSince("alice", time.Now().Add(-24*time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(values, qt.DeepEquals, []string{"1000000000000000000"})
}

func TestTimedOutReconciliation(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	insertTestTx(t, s, "tx-1", "alice")
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusSimulated, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusApproved, nil), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusBroadcast,
		&TxUpdate{Hash: "0xdead"}), qt.IsNil)
	c.Assert(s.UpdateTransactionStatus("tx-1", types.TxStatusFailed,
		&TxUpdate{Error: "timeout"}), qt.IsNil)

	recs, err := s.TimedOutTransactions()
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 1)
	c.Assert(recs[0].TxID, qt.Equals, "tx-1")

	c.Assert(s.ReconcileTimedOut("tx-1", &TxUpdate{
		GasUsed: 90_000, EffectiveGasPrice: "10000000000", BlockNumber: 55,
	}, true), qt.IsNil)

	rec, err := s.Transaction("tx-1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(rec.Error, qt.Equals, "")
	c.Assert(rec.BlockNumber, qt.Equals, uint64(55))

	// Reconciliation only touches failed/timeout rows, so it cannot run
	// twice.
	recs, err = s.TimedOutTransactions()
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 0)
}

func TestUserLimitsDefaults(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	limits, err := s.UserLimits("nobody")
	c.Assert(err, qt.IsNil)
	c.Assert(limits.MaxPerTxUSD, qt.Equals, DefaultMaxPerTxUSD)
	c.Assert(limits.MaxPerDayUSD, qt.Equals, DefaultMaxPerDayUSD)
	c.Assert(limits.CooldownSeconds, qt.Equals, int64(DefaultCooldownSeconds))
	c.Assert(limits.SlippageBps, qt.Equals, int64(DefaultSlippageBps))

	custom := &types.UserLimits{
		UserID: "alice", MaxPerTxUSD: 250, MaxPerDayUSD: 900,
		CooldownSeconds: 5, SlippageBps: 50,
	}
	c.Assert(s.SetUserLimits(custom), qt.IsNil)
	got, err := s.UserLimits("alice")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, custom)

	// The last-send stamp survives a limits update.
	at := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	c.Assert(s.RecordTxSent("alice", at), qt.IsNil)
	c.Assert(s.SetUserLimits(custom), qt.IsNil)
	last, err := s.LastTxSentAt("alice")
	c.Assert(err, qt.IsNil)
	c.Assert(last.UnixMilli(), qt.Equals, at.UnixMilli())
}

func TestRiskReportRoundtrip(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	report := &types.RiskReport{
		ChainID:      1,
		Contract:     "0xAbCd000000000000000000000000000000000001",
		OverallScore: 72,
		RiskLevel:    types.RiskLevelHigh,
		Dimensions: []types.RiskDimension{
			{Name: "liquidity", Score: 80, Comment: "thin pool"},
		},
		IsHoneypot: false,
		SellTaxPct: 12,
		CachedAt:   time.Now().Truncate(time.Millisecond),
	}
	c.Assert(s.PutRiskReport(report), qt.IsNil)

	// Lookup is case-insensitive.
	got, err := s.RiskReport(1, "0xABCD000000000000000000000000000000000001")
	c.Assert(err, qt.IsNil)
	c.Assert(got.OverallScore, qt.Equals, 72.0)
	c.Assert(got.RiskLevel, qt.Equals, types.RiskLevelHigh)
	c.Assert(got.Dimensions, qt.HasLen, 1)
	c.Assert(got.Dimensions[0].Comment, qt.Equals, "thin pool")

	_, err = s.RiskReport(1, "0x0000000000000000000000000000000000000099")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestContractRules(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	rule := &types.ContractRule{
		Address: "0xAAAA000000000000000000000000000000000001",
		ChainID: 8453,
		Action:  types.ListActionBlock,
		Reason:  "rugged before",
	}
	c.Assert(s.PutContractRule(rule), qt.IsNil)

	got, err := s.ContractRule(8453, "0xaaaa000000000000000000000000000000000001")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Action, qt.Equals, types.ListActionBlock)
	c.Assert(got.Reason, qt.Equals, "rugged before")

	c.Assert(s.DeleteContractRule(8453, rule.Address), qt.IsNil)
	_, err = s.ContractRule(8453, rule.Address)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}
