package web3

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/types"
)

func TestEstimateFromBaseFee(t *testing.T) {
	c := qt.New(t)
	baseFee := big.NewInt(100_000_000_000) // 100 gwei

	slow, err := EstimateFromBaseFee(baseFee, types.GasStrategySlow)
	c.Assert(err, qt.IsNil)
	c.Assert(slow.MaxPriorityFeePerGas.String(), qt.Equals, "1000000000")
	c.Assert(slow.MaxFeePerGas.String(), qt.Equals, "111000000000") // 100 x 1.10 + 1 gwei

	std, err := EstimateFromBaseFee(baseFee, types.GasStrategyStandard)
	c.Assert(err, qt.IsNil)
	c.Assert(std.MaxPriorityFeePerGas.String(), qt.Equals, "1500000000")
	c.Assert(std.MaxFeePerGas.String(), qt.Equals, "126500000000") // 100 x 1.25 + 1.5 gwei

	fast, err := EstimateFromBaseFee(baseFee, types.GasStrategyFast)
	c.Assert(err, qt.IsNil)
	c.Assert(fast.MaxPriorityFeePerGas.String(), qt.Equals, "3000000000")
	c.Assert(fast.MaxFeePerGas.String(), qt.Equals, "203000000000") // 100 x 2.00 + 3 gwei

	// Unknown strategies fall back to standard.
	def, err := EstimateFromBaseFee(baseFee, "")
	c.Assert(err, qt.IsNil)
	c.Assert(def.MaxFeePerGas.String(), qt.Equals, std.MaxFeePerGas.String())
}

func TestEstimateFromBaseFeeSmallBase(t *testing.T) {
	c := qt.New(t)

	// L2 base fees are tiny; the tip dominates.
	est, err := EstimateFromBaseFee(big.NewInt(1000), types.GasStrategyStandard)
	c.Assert(err, qt.IsNil)
	c.Assert(est.MaxFeePerGas.String(), qt.Equals, "1500001250")
}
