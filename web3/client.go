// Package web3 provides the chain-facing side of ChainClaw: one RPC client
// per chain id, in-process nonce discipline and EIP-1559 fee estimation.
package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainclaw/chainclaw/config"
)

const (
	// defaultTimeout bounds every single RPC call.
	defaultTimeout = 5 * time.Second
	// receiptPollInterval is the wait between receipt polls.
	receiptPollInterval = 3 * time.Second
)

// Chain is the narrow chain-client contract consumed by the executor and the
// background engines.
type Chain interface {
	ChainID() uint64
	Config() config.ChainConfig
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	ReadContract(ctx context.Context, addr common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockWithTxs(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	EstimateBaseFee(ctx context.Context) (*big.Int, error)
	SuggestTipCap(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address, pending bool) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error)
}

// Client wraps an ethclient with per-call timeouts for one chain.
type Client struct {
	cfg config.ChainConfig
	eth *ethclient.Client
}

var _ Chain = (*Client)(nil)

// Dial connects to the chain's RPC endpoint.
func Dial(cfg config.ChainConfig) (*Client, error) {
	eth, err := ethclient.Dial(cfg.DefaultRPC)
	if err != nil {
		return nil, fmt.Errorf("dialing chain %d (%s): %w", cfg.ChainID, cfg.DefaultRPC, err)
	}
	return &Client{cfg: cfg, eth: eth}, nil
}

// ChainID returns the chain id this client serves.
func (c *Client) ChainID() uint64 { return c.cfg.ChainID }

// Config returns the chain configuration.
func (c *Client) Config() config.ChainConfig { return c.cfg }

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// BalanceAt returns the native balance of an address at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.BalanceAt(ctx, addr, nil)
}

// ReadContract calls a read-only contract method and unpacks the results.
func (c *Client) ReadContract(ctx context.Context, addr common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", method, addr.Hex(), err)
	}
	return contractABI.Unpack(method, out)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// BlockWithTxs fetches a block including its full transactions. A nil number
// means the latest block.
func (c *Client) BlockWithTxs(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.BlockByNumber(ctx, number)
}

// EstimateBaseFee returns the base fee of the latest block.
func (c *Client) EstimateBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("chain %d has no base fee", c.cfg.ChainID)
	}
	return header.BaseFee, nil
}

// SuggestTipCap returns the node's suggested priority fee.
func (c *Client) SuggestTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.SuggestGasTipCap(ctx)
}

// NonceAt returns the account nonce, from the pending state when pending is
// true.
func (c *Client) NonceAt(ctx context.Context, addr common.Address, pending bool) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if pending {
		return c.eth.PendingNonceAt(ctx, addr)
	}
	return c.eth.NonceAt(ctx, addr, nil)
}

// TransactionByHash fetches a transaction; the bool reports whether it is
// still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.TransactionByHash(ctx, hash)
}

// TransactionReceipt fetches a receipt once, without waiting.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, hash)
}

// WaitReceipt polls for a receipt until found or the timeout elapses.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("receipt for %s: %w", hash.Hex(), context.DeadlineExceeded)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}
