package web3

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/config"
)

// fakeChain implements Chain for tests; only the nonce path is live.
type fakeChain struct {
	chainID    uint64
	nonce      uint64
	nonceErr   error
	nonceCalls int
}

func (f *fakeChain) ChainID() uint64            { return f.chainID }
func (f *fakeChain) Config() config.ChainConfig { return config.ChainConfig{ChainID: f.chainID} }

func (f *fakeChain) NonceAt(context.Context, common.Address, bool) (uint64, error) {
	f.nonceCalls++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) ReadContract(context.Context, common.Address, *abi.ABI, string, ...any) ([]any, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeChain) BlockWithTxs(context.Context, *big.Int) (*gethtypes.Block, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChain) EstimateBaseFee(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SuggestTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) TransactionByHash(context.Context, common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChain) WaitReceipt(context.Context, common.Hash, time.Duration) (*gethtypes.Receipt, error) {
	return nil, errors.New("not implemented")
}

var _ Chain = (*fakeChain)(nil)

func TestNonceManagerMonotonic(t *testing.T) {
	c := qt.New(t)
	chain := &fakeChain{chainID: 1, nonce: 7}
	nm := NewNonceManager(NewStaticRegistry(map[uint64]Chain{1: chain}))
	ctx := context.Background()
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	for want := uint64(7); want < 10; want++ {
		got, err := nm.Next(ctx, 1, account)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, want)
	}
	// Only the first reservation touches the network.
	c.Assert(chain.nonceCalls, qt.Equals, 1)

	// A different account tracks independently.
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	got, err := nm.Next(ctx, 1, other)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, uint64(7))
}

func TestNonceManagerRelease(t *testing.T) {
	c := qt.New(t)
	chain := &fakeChain{chainID: 1, nonce: 0}
	nm := NewNonceManager(NewStaticRegistry(map[uint64]Chain{1: chain}))
	ctx := context.Background()
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	first, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	second, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	c.Assert(second, qt.Equals, first+1)

	// Only the latest reservation can be returned.
	nm.Release(1, account, first)
	got, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, second+1)

	nm.Release(1, account, got)
	again, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.Equals, got)
}

func TestNonceManagerResync(t *testing.T) {
	c := qt.New(t)
	chain := &fakeChain{chainID: 1, nonce: 3}
	nm := NewNonceManager(NewStaticRegistry(map[uint64]Chain{1: chain}))
	ctx := context.Background()
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	_, err = nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)

	// Another wallet pushed the network nonce past our tracked value.
	chain.nonce = 12
	c.Assert(nm.Resync(ctx, 1, account), qt.IsNil)

	got, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, uint64(12))
}

func TestNonceManagerErrors(t *testing.T) {
	c := qt.New(t)
	chain := &fakeChain{chainID: 1, nonceErr: errors.New("rpc down")}
	nm := NewNonceManager(NewStaticRegistry(map[uint64]Chain{1: chain}))
	ctx := context.Background()
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, err := nm.Next(ctx, 1, account)
	c.Assert(err, qt.ErrorMatches, ".*rpc down.*")

	_, err = nm.Next(ctx, 999, account)
	c.Assert(err, qt.ErrorIs, ErrUnknownChain)
}

func TestIsNonceError(t *testing.T) {
	c := qt.New(t)
	c.Assert(IsNonceError(errors.New("nonce too low")), qt.IsTrue)
	c.Assert(IsNonceError(errors.New("Nonce too HIGH: expected 4")), qt.IsTrue)
	c.Assert(IsNonceError(errors.New("replacement transaction underpriced")), qt.IsTrue)
	c.Assert(IsNonceError(errors.New("insufficient funds")), qt.IsFalse)
	c.Assert(IsNonceError(nil), qt.IsFalse)
}
