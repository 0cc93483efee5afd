package web3

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/chainclaw/chainclaw/types"
)

// gwei in wei.
var gwei = uint256.NewInt(1_000_000_000)

// feeTier is one row of the strategy multiplier table.
type feeTier struct {
	baseMulPct uint64 // base fee multiplier, percent
	tipMilli   uint64 // priority fee, milli-gwei
}

var feeTiers = map[types.GasStrategy]feeTier{
	types.GasStrategySlow:     {baseMulPct: 110, tipMilli: 1000},
	types.GasStrategyStandard: {baseMulPct: 125, tipMilli: 1500},
	types.GasStrategyFast:     {baseMulPct: 200, tipMilli: 3000},
}

// FeeEstimate carries the EIP-1559 fee fields for one transaction.
type FeeEstimate struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// GasOptimizer turns the latest base fee into strategy-tiered EIP-1559 fees:
// slow = base x 1.10 + 1 gwei tip, standard = base x 1.25 + 1.5 gwei,
// fast = base x 2.00 + 3 gwei.
type GasOptimizer struct {
	registry *Registry
}

// NewGasOptimizer creates an optimizer backed by the chain registry.
func NewGasOptimizer(registry *Registry) *GasOptimizer {
	return &GasOptimizer{registry: registry}
}

// Estimate computes the fee fields for a strategy on an EIP-1559 chain. An
// empty strategy falls back to standard.
func (g *GasOptimizer) Estimate(ctx context.Context, chainID uint64, strategy types.GasStrategy) (*FeeEstimate, error) {
	client, err := g.registry.Client(chainID)
	if err != nil {
		return nil, err
	}
	baseFee, err := client.EstimateBaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimating base fee on chain %d: %w", chainID, err)
	}
	return EstimateFromBaseFee(baseFee, strategy)
}

// EstimateFromBaseFee applies the multiplier table to a known base fee.
func EstimateFromBaseFee(baseFee *big.Int, strategy types.GasStrategy) (*FeeEstimate, error) {
	tier, ok := feeTiers[strategy]
	if !ok {
		tier = feeTiers[types.GasStrategyStandard]
	}
	base, overflow := uint256.FromBig(baseFee)
	if overflow {
		return nil, fmt.Errorf("base fee overflows uint256: %s", baseFee)
	}

	tip := new(uint256.Int).Mul(gwei, uint256.NewInt(tier.tipMilli))
	tip.Div(tip, uint256.NewInt(1000))

	maxFee := new(uint256.Int).Mul(base, uint256.NewInt(tier.baseMulPct))
	maxFee.Div(maxFee, uint256.NewInt(100))
	maxFee.Add(maxFee, tip)

	return &FeeEstimate{
		MaxFeePerGas:         maxFee.ToBig(),
		MaxPriorityFeePerGas: tip.ToBig(),
	}, nil
}
