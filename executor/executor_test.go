package executor

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/config"
	"github.com/chainclaw/chainclaw/guardrails"
	"github.com/chainclaw/chainclaw/lock"
	"github.com/chainclaw/chainclaw/risk"
	"github.com/chainclaw/chainclaw/simulator"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
)

// testChain is a canned web3.Chain: fixed base fee and nonce, scripted
// receipt.
type testChain struct {
	cfg        config.ChainConfig
	receipt    *gethtypes.Receipt
	receiptErr error
}

func (f *testChain) ChainID() uint64            { return f.cfg.ChainID }
func (f *testChain) Config() config.ChainConfig { return f.cfg }

func (f *testChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *testChain) ReadContract(context.Context, common.Address, *abi.ABI, string, ...any) ([]any, error) {
	return nil, errors.New("not implemented")
}

func (f *testChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *testChain) BlockWithTxs(context.Context, *big.Int) (*gethtypes.Block, error) {
	return nil, errors.New("not implemented")
}

func (f *testChain) EstimateBaseFee(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *testChain) SuggestTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *testChain) NonceAt(context.Context, common.Address, bool) (uint64, error) {
	return 0, nil
}

func (f *testChain) TransactionByHash(context.Context, common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (f *testChain) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt == nil {
		return nil, errors.New("not found")
	}
	return f.receipt, nil
}

func (f *testChain) WaitReceipt(_ context.Context, _ common.Hash, _ time.Duration) (*gethtypes.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

// testSigner records what was sent and replays a fixed outcome.
type testSigner struct {
	manual bool
	hash   common.Hash
	err    error
	sent   []types.SendParams
}

func (s *testSigner) Type() string      { return "test" }
func (s *testSigner) IsAutomatic() bool { return !s.manual }

func (s *testSigner) Send(_ context.Context, params types.SendParams) (common.Hash, error) {
	s.sent = append(s.sent, params)
	if s.err != nil {
		return common.Hash{}, s.err
	}
	return s.hash, nil
}

// cannedOracle returns one report for every contract.
type cannedOracle struct {
	report *types.RiskReport
	err    error
}

func (o *cannedOracle) GetTokenRisk(context.Context, uint64, string) (*types.RiskReport, error) {
	if o.err != nil {
		return nil, o.err
	}
	cp := *o.report
	return &cp, nil
}

// cannedBackend serves one simulation result for any bundle length.
type cannedBackend struct {
	result *types.SimulationResult
}

func (b *cannedBackend) SimulateBundle(_ context.Context, txs []*types.TransactionRequest) ([]*types.SimulationResult, error) {
	out := make([]*types.SimulationResult, len(txs))
	for i := range out {
		cp := *b.result
		out[i] = &cp
	}
	return out, nil
}

type testFixture struct {
	exec   *Executor
	store  *storage.Store
	locks  *lock.Manager
	chain  *testChain
	signer *testSigner
}

func goodReceipt() *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status:            1,
		GasUsed:           150_000,
		EffectiveGasPrice: big.NewInt(20_000_000_000), // 20 gwei
		BlockNumber:       big.NewInt(123),
	}
}

func newFixture(t *testing.T, backend simulator.Backend, oracle risk.Oracle, cfg Config) *testFixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = store.Close() })

	chain := &testChain{cfg: config.DefaultChains[1], receipt: goodReceipt()}
	registry := web3.NewStaticRegistry(map[uint64]web3.Chain{1: chain})
	locks := lock.NewManager()
	if oracle == nil {
		oracle = &cannedOracle{report: &types.RiskReport{
			OverallScore: 5, RiskLevel: types.RiskLevelSafe,
		}}
	}
	exec := New(Deps{
		Store:      store,
		Registry:   registry,
		Locks:      locks,
		Simulator:  simulator.New(backend, nil),
		Risk:       risk.NewEngine(store, oracle, 0),
		Guardrails: guardrails.New(store),
		Nonces:     web3.NewNonceManager(registry),
		Gas:        web3.NewGasOptimizer(registry),
	}, cfg)
	return &testFixture{
		exec:   exec,
		store:  store,
		locks:  locks,
		chain:  chain,
		signer: &testSigner{hash: common.HexToHash("0xbeef")},
	}
}

func nativeTransfer(wei string) *types.TransactionRequest {
	value, _ := new(big.Int).SetString(wei, 10)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return &types.TransactionRequest{
		ChainID:     1,
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          &to,
		ValueNative: value,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})

	// 0.01 ETH at $2500 = $25, well under every default limit.
	meta := Metadata{UserID: "alice", SkillName: "transfer", Intent: "send", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("10000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsTrue)
	c.Assert(res.Message, qt.Equals, "confirmed in block 123")
	c.Assert(res.Hash, qt.Equals, f.signer.hash.Hex())

	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(rec.BlockNumber, qt.Equals, uint64(123))
	// 150k gas x 20 gwei = 0.003 ETH, $7.50 at $2500.
	c.Assert(rec.GasCostUSD, qt.Equals, 7.5)
	c.Assert(rec.SimulationJSON, qt.Not(qt.Equals), "")
	c.Assert(rec.GuardrailsJSON, qt.Not(qt.Equals), "")

	// Broadcast parameters: local-estimate gas plus 10% headroom, first
	// nonce, EIP-1559 fees from the 1 gwei base, no relay for a plain
	// transfer.
	c.Assert(f.signer.sent, qt.HasLen, 1)
	sent := f.signer.sent[0]
	c.Assert(sent.Gas, qt.Equals, uint64(220_000))
	c.Assert(sent.Nonce, qt.Equals, uint64(0))
	c.Assert(sent.MaxFeePerGas.String(), qt.Equals, "2750000000")
	c.Assert(sent.RPCURL, qt.Equals, "")
}

func TestExecuteConfirmationDeclined(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	c.Assert(f.store.SetUserLimits(&types.UserLimits{
		UserID: "alice", MaxPerTxUSD: 100, MaxPerDayUSD: 1000,
	}), qt.IsNil)

	prompts := 0
	cb := &Callbacks{OnConfirmationRequired: func(preview, txID string) bool {
		prompts++
		return false
	}}

	// $60 is above half the $100 per-tx limit: confirmation required.
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("24000000000000000"), f.signer, meta, cb)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals, "cancelled by user")
	c.Assert(prompts, qt.Equals, 1)
	c.Assert(f.signer.sent, qt.HasLen, 0)

	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusRejected)
}

func TestExecuteManualSignerDeclined(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	f.signer.manual = true

	cb := &Callbacks{OnConfirmationRequired: func(preview, txID string) bool { return false }}
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, cb)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals, "signer approval declined")
}

func TestExecuteHoneypotBlocked(t *testing.T) {
	c := qt.New(t)
	oracle := &cannedOracle{report: &types.RiskReport{
		OverallScore: 95, RiskLevel: types.RiskLevelCritical, IsHoneypot: true,
	}}
	f := newFixture(t, nil, oracle, Config{})

	tx := nativeTransfer("1000000000000000")
	tx.Data = []byte{0x01, 0x02, 0x03, 0x04}
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), tx, f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals,
		"Risk engine blocked this transaction: token is a honeypot: buys succeed but sells revert")
	// Blocked before persistence: no audit row.
	c.Assert(res.TxID, qt.Equals, "")
	c.Assert(f.signer.sent, qt.HasLen, 0)
}

func TestExecuteDailyCap(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	c.Assert(f.store.SetUserLimits(&types.UserLimits{
		UserID: "alice", MaxPerTxUSD: 1000, MaxPerDayUSD: 40,
	}), qt.IsNil)

	// First $25 passes and confirms.
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("10000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsTrue)

	// The next $25 would push the 24h total to $50.
	res, err = f.exec.Execute(context.Background(), nativeTransfer("10000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals,
		"guardrail check failed: 24h total $50.00 would exceed daily limit of $40.00")
	c.Assert(f.signer.sent, qt.HasLen, 1)
}

func TestExecuteSimulationFailure(t *testing.T) {
	c := qt.New(t)
	backend := &cannedBackend{result: &types.SimulationResult{
		Success: false, Error: "execution reverted: INSUFFICIENT_OUTPUT_AMOUNT",
	}}
	f := newFixture(t, backend, nil, Config{})

	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals,
		"transaction would fail: execution reverted: INSUFFICIENT_OUTPUT_AMOUNT")
	c.Assert(res.TxID, qt.Equals, "")
}

func TestExecuteLockBusy(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{LockTimeout: 20 * time.Millisecond})

	tx := nativeTransfer("1000000000000000")
	handle, err := f.locks.Acquire(lock.Key{
		UserID: "alice", ChainID: 1, Target: "0x2222222222222222222222222222222222222222",
	}, time.Second)
	c.Assert(err, qt.IsNil)
	defer f.locks.Release(handle)

	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), tx, f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals, "another operation in progress")
}

func TestExecuteBroadcastFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	f.signer.err = errors.New("nonce too low")

	failures := 0
	cb := &Callbacks{OnFailed: func(string) { failures++ }}
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, cb)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals, "broadcast failed: nonce too low")
	c.Assert(failures, qt.Equals, 1)

	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusFailed)
}

func TestExecuteReceiptTimeout(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	f.chain.receiptErr = context.DeadlineExceeded

	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals,
		"timed out waiting for receipt; the transaction may still confirm")
	c.Assert(res.Hash, qt.Equals, f.signer.hash.Hex())

	// The record keeps the hash and the timeout marker for the reconciler.
	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusFailed)
	c.Assert(rec.Error, qt.Equals, "timeout")
	c.Assert(rec.Hash, qt.Equals, f.signer.hash.Hex())
}

func TestExecuteReverted(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	f.chain.receipt.Status = 0

	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsFalse)
	c.Assert(res.Message, qt.Equals, "transaction reverted on-chain")

	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusFailed)
	c.Assert(rec.Error, qt.Equals, "reverted")
}

func TestExecuteMEVRouting(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{MEVProtection: true})

	// Contract calldata on mainnet routes through the private relay.
	tx := nativeTransfer("1000000000000000")
	tx.Data = []byte{0x01, 0x02, 0x03, 0x04}
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), tx, f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsTrue)
	c.Assert(f.signer.sent, qt.HasLen, 1)
	c.Assert(f.signer.sent[0].RPCURL, qt.Equals, DefaultMEVRelayURL)
}

func TestExecuteAntiRugStrict(t *testing.T) {
	c := qt.New(t)
	backend := &cannedBackend{result: &types.SimulationResult{Success: true, GasEstimate: 100_000}}
	f := newFixture(t, backend, nil, Config{})

	// Without a sell-bundle builder the anti-rug check is permissive
	// (CanSell true with a warning), so even strict mode proceeds.
	meta := Metadata{
		UserID: "alice", NativePriceUSD: 2500,
		AntiRugToken: "0x3333333333333333333333333333333333333333", AntiRugStrict: true,
	}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Success, qt.IsTrue)
}

func TestExecuteValidation(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}

	_, err := f.exec.Execute(context.Background(), nativeTransfer("1000"), nil, meta, nil)
	c.Assert(err, qt.ErrorMatches, "no signer provided")

	_, err = f.exec.Execute(context.Background(), nativeTransfer("1000"), f.signer, Metadata{}, nil)
	c.Assert(err, qt.ErrorMatches, "missing user id")

	tx := nativeTransfer("1000")
	tx.From = common.Address{}
	_, err = f.exec.Execute(context.Background(), tx, f.signer, meta, nil)
	c.Assert(err, qt.ErrorMatches, "missing from address")

	tx = nativeTransfer("1000")
	tx.To = nil
	_, err = f.exec.Execute(context.Background(), tx, f.signer, meta, nil)
	c.Assert(err, qt.ErrorMatches, "transaction has no recipient and no data")
}

func TestReconcileTimedOut(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t, nil, nil, Config{})
	f.chain.receiptErr = context.DeadlineExceeded

	meta := Metadata{UserID: "alice", NativePriceUSD: 2500}
	res, err := f.exec.Execute(context.Background(), nativeTransfer("1000000000000000"), f.signer, meta, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Message, qt.Equals,
		"timed out waiting for receipt; the transaction may still confirm")

	// The chain catches up: the receipt is now available.
	f.chain.receiptErr = nil
	f.chain.receipt = goodReceipt()

	confirmed := 0
	f.exec.Hooks().OnConfirmed(func(ConfirmedEvent) { confirmed++ })
	c.Assert(f.exec.ReconcileTimedOut(context.Background()), qt.IsNil)

	rec, err := f.store.Transaction(res.TxID)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(rec.Error, qt.Equals, "")
	c.Assert(rec.BlockNumber, qt.Equals, uint64(123))
	c.Assert(confirmed, qt.Equals, 1)
}
