package whalewatch

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
)

func encodeCall(t *testing.T, selector string, args abi.Arguments, values ...any) []byte {
	t.Helper()
	sel, err := hex.DecodeString(selector)
	qt.Assert(t, err, qt.IsNil)
	packed, err := args.Pack(values...)
	qt.Assert(t, err, qt.IsNil)
	return append(sel, packed...)
}

func TestDetectSwapV2Routes(t *testing.T) {
	c := qt.New(t)
	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// swapExactETHForTokens(amountOutMin, path, to, deadline)
	data := encodeCall(t, "7ff36ab5", ethSwapArgs,
		big.NewInt(1), []common.Address{weth, token}, recipient, big.NewInt(9999999999))
	call := DetectSwap(data)
	c.Assert(call, qt.IsNotNil)
	c.Assert(call.Token, qt.Equals, token.Hex())

	// swapExactTokensForTokens(amountIn, amountOutMin, path, to, deadline)
	data = encodeCall(t, "38ed1739", tokenSwapArgs,
		big.NewInt(500), big.NewInt(1), []common.Address{weth, token}, recipient, big.NewInt(9999999999))
	call = DetectSwap(data)
	c.Assert(call, qt.IsNotNil)
	c.Assert(call.Token, qt.Equals, token.Hex())

	// A multi-hop path resolves to its final token.
	mid := common.HexToAddress("0x4444444444444444444444444444444444444444")
	data = encodeCall(t, "18cbafe5", tokenSwapArgs,
		big.NewInt(500), big.NewInt(1), []common.Address{token, mid, weth}, recipient, big.NewInt(9999999999))
	call = DetectSwap(data)
	c.Assert(call, qt.IsNotNil)
	c.Assert(call.Token, qt.Equals, weth.Hex())
}

func TestDetectSwapOpaqueRoutes(t *testing.T) {
	c := qt.New(t)

	// V3 and multicall selectors are recognized but carry no decodable path.
	for _, selector := range []string{"414bf389", "c04b8d59", "5ae401dc", "ac9650d8"} {
		sel, err := hex.DecodeString(selector)
		c.Assert(err, qt.IsNil)
		call := DetectSwap(append(sel, 0xde, 0xad, 0xbe, 0xef))
		c.Assert(call, qt.IsNotNil)
		c.Assert(call.Token, qt.Equals, "")
	}
}

func TestDetectSwapNonSwaps(t *testing.T) {
	c := qt.New(t)

	c.Assert(DetectSwap(nil), qt.IsNil)
	c.Assert(DetectSwap([]byte{0x01, 0x02}), qt.IsNil)
	// An ERC-20 transfer is not a swap.
	transfer, err := hex.DecodeString("a9059cbb")
	c.Assert(err, qt.IsNil)
	c.Assert(DetectSwap(transfer), qt.IsNil)

	// A known selector with garbage arguments still counts as an opaque swap.
	sel, err := hex.DecodeString("7ff36ab5")
	c.Assert(err, qt.IsNil)
	call := DetectSwap(append(sel, 0x00, 0x01, 0x02))
	c.Assert(call, qt.IsNotNil)
	c.Assert(call.Token, qt.Equals, "")
}
