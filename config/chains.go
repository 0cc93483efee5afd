package config

// ChainConfig contains the static parameters of a supported chain: the
// built-in RPC endpoint, the canonical DEX router used for swap simulation
// and calldata matching, and a recognized stable coin for price extraction.
type ChainConfig struct {
	ChainID      uint64
	Name         string
	NativeSymbol string
	DefaultRPC   string
	RouterAddr   string
	WrappedAddr  string
	StableAddr   string
	EIP1559      bool
	// Mainnet marks the public Ethereum L1, the only chain where MEV
	// protected routing applies.
	Mainnet bool
}

// DefaultChains contains the built-in chain table, keyed by chain id. An RPC
// override from configuration replaces DefaultRPC without touching the rest.
var DefaultChains = map[uint64]ChainConfig{
	1: {
		ChainID:      1,
		Name:         "ethereum",
		NativeSymbol: "ETH",
		DefaultRPC:   "https://eth.llamarpc.com",
		RouterAddr:   "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", // Uniswap V2 router
		WrappedAddr:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		StableAddr:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
		EIP1559:      true,
		Mainnet:      true,
	},
	8453: {
		ChainID:      8453,
		Name:         "base",
		NativeSymbol: "ETH",
		DefaultRPC:   "https://mainnet.base.org",
		RouterAddr:   "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
		WrappedAddr:  "0x4200000000000000000000000000000000000006",
		StableAddr:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		EIP1559:      true,
	},
	42161: {
		ChainID:      42161,
		Name:         "arbitrum",
		NativeSymbol: "ETH",
		DefaultRPC:   "https://arb1.arbitrum.io/rpc",
		RouterAddr:   "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
		WrappedAddr:  "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
		StableAddr:   "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		EIP1559:      true,
	},
	10: {
		ChainID:      10,
		Name:         "optimism",
		NativeSymbol: "ETH",
		DefaultRPC:   "https://mainnet.optimism.io",
		RouterAddr:   "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
		WrappedAddr:  "0x4200000000000000000000000000000000000006",
		StableAddr:   "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
		EIP1559:      true,
	},
	137: {
		ChainID:      137,
		Name:         "polygon",
		NativeSymbol: "POL",
		DefaultRPC:   "https://polygon-rpc.com",
		RouterAddr:   "0xedf6066a2b290C185783862C7F4776A2C8077AD1",
		WrappedAddr:  "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
		StableAddr:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		EIP1559:      true,
	},
	56: {
		ChainID:      56,
		Name:         "bsc",
		NativeSymbol: "BNB",
		DefaultRPC:   "https://bsc-dataseed.binance.org",
		RouterAddr:   "0x10ED43C718714eb63d5aA57B78B54704E256024E", // PancakeSwap V2 router
		WrappedAddr:  "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
		StableAddr:   "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		EIP1559:      false,
	},
}

// Chain returns the configuration for a chain id, merged with an optional RPC
// override. The second return is false for unknown chains.
func Chain(chainID uint64, rpcOverrides map[uint64]string) (ChainConfig, bool) {
	cfg, ok := DefaultChains[chainID]
	if !ok {
		return ChainConfig{}, false
	}
	if url, ok := rpcOverrides[chainID]; ok && url != "" {
		cfg.DefaultRPC = url
	}
	return cfg, true
}

// SupportedChainIDs lists the chain ids of the built-in table.
func SupportedChainIDs() []uint64 {
	ids := make([]uint64, 0, len(DefaultChains))
	for id := range DefaultChains {
		ids = append(ids, id)
	}
	return ids
}
