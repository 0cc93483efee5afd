package whalewatch

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// SwapCall is what the calldata detector recovered from a router call. Token
// is empty when the route could not be decoded (V3 and aggregator paths).
type SwapCall struct {
	Token string
}

var (
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)
	pathTy, _    = abi.NewType("address[]", "", nil)

	// swapExactETHForTokens / swapETHForExactTokens:
	// (uint256, address[] path, address to, uint256 deadline)
	ethSwapArgs = abi.Arguments{
		{Type: uint256Ty}, {Type: pathTy}, {Type: addressTy}, {Type: uint256Ty},
	}
	// swapExactTokensForTokens and friends:
	// (uint256, uint256, address[] path, address to, uint256 deadline)
	tokenSwapArgs = abi.Arguments{
		{Type: uint256Ty}, {Type: uint256Ty}, {Type: pathTy}, {Type: addressTy}, {Type: uint256Ty},
	}
)

// routerSelectors maps known DEX router method selectors to the argument
// layout that carries the path, or nil when the path is not recoverable from
// the top-level calldata.
var routerSelectors = map[string]abi.Arguments{
	"7ff36ab5": ethSwapArgs,   // swapExactETHForTokens
	"fb3bdb41": ethSwapArgs,   // swapETHForExactTokens
	"38ed1739": tokenSwapArgs, // swapExactTokensForTokens
	"18cbafe5": tokenSwapArgs, // swapExactTokensForETH
	"414bf389": nil,           // exactInputSingle (V3)
	"c04b8d59": nil,           // exactInput (V3)
	"5ae401dc": nil,           // multicall (V3 router)
	"ac9650d8": nil,           // multicall
}

// DetectSwap inspects calldata for a known router swap. It returns nil when
// the call is not a recognized swap; a non-nil SwapCall with an empty Token
// means a swap whose output token could not be decoded.
func DetectSwap(data []byte) *SwapCall {
	if len(data) < 4 {
		return nil
	}
	args, ok := routerSelectors[hex.EncodeToString(data[:4])]
	if !ok {
		return nil
	}
	if args == nil {
		return &SwapCall{}
	}
	values, err := args.Unpack(data[4:])
	if err != nil {
		return &SwapCall{}
	}
	for _, v := range values {
		if path, ok := v.([]common.Address); ok && len(path) > 0 {
			return &SwapCall{Token: path[len(path)-1].Hex()}
		}
	}
	return &SwapCall{}
}
