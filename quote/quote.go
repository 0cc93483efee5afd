// Package quote fronts the swap aggregator. Engines describe the swap they
// want; the aggregator returns calldata against the chain's router plus a
// quoted output amount, which the executor then carries through the pipeline.
package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainclaw/chainclaw/types"
)

// SwapRequest describes the swap to quote. Amount is in from-token base
// units; the zero address or "native" stands for the chain's native coin.
type SwapRequest struct {
	ChainID     uint64
	FromToken   string
	ToToken     string
	Amount      string // base units, decimal string
	FromAddress string
	SlippageBps int64
}

// Swap is an executable quote: the expected output plus the transaction that
// realizes it.
type Swap struct {
	ToAmount string // base units, decimal string
	To       common.Address
	Data     []byte
	Value    *big.Int // wei attached to the call
	Gas      uint64
}

// Aggregator is the external quoting service. PriceUSD doubles as the price
// oracle for schedulers that need a spot price without building a swap.
type Aggregator interface {
	SwapQuote(ctx context.Context, req *SwapRequest) (*Swap, error)
	PriceUSD(ctx context.Context, chainID uint64, token string) (float64, error)
}

// Transaction assembles the executor request realizing a quote.
func (s *Swap) Transaction(chainID uint64, from common.Address, strategy types.GasStrategy) *types.TransactionRequest {
	to := s.To
	value := s.Value
	if value == nil {
		value = new(big.Int)
	}
	return &types.TransactionRequest{
		ChainID:     chainID,
		From:        from,
		To:          &to,
		ValueNative: new(big.Int).Set(value),
		Data:        append([]byte(nil), s.Data...),
		GasLimit:    s.Gas,
		GasStrategy: strategy,
	}
}

// Validate rejects structurally bad requests before they reach the network.
func (r *SwapRequest) Validate() error {
	if r.ChainID == 0 {
		return fmt.Errorf("swap request missing chain id")
	}
	if r.FromToken == "" || r.ToToken == "" {
		return fmt.Errorf("swap request missing token pair")
	}
	if r.FromToken == r.ToToken {
		return fmt.Errorf("swap request has identical tokens: %s", r.FromToken)
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("swap request has invalid amount %q", r.Amount)
	}
	if r.FromAddress == "" {
		return fmt.Errorf("swap request missing from address")
	}
	return nil
}
