package types

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SendParams carries everything a signer needs to build, sign and broadcast
// one transaction. Fee fields may be nil, in which case the signer uses the
// node's suggestions. RPCURL overrides the default endpoint (used for MEV
// protected routing).
type SendParams struct {
	ChainID              uint64
	To                   *common.Address
	Value                *big.Int
	Data                 []byte
	Gas                  uint64
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	RPCURL               string
}

// SignerProvider resolves the signing capability for a user's wallet. The
// background engines hold one of these instead of keys.
type SignerProvider interface {
	SignerFor(userID, walletAddress string) (Signer, error)
}

// Signer is the opaque signing capability consumed by the executor. Wallet
// storage and key handling live behind it; the core never sees a key.
type Signer interface {
	// Type names the signer kind ("local", "hardware", "multisig", ...).
	Type() string
	// IsAutomatic reports whether the signer can sign without a human in the
	// loop. Non-automatic signers get an extra confirmation gate.
	IsAutomatic() bool
	// Send signs and broadcasts a transaction, returning its hash.
	Send(ctx context.Context, params SendParams) (common.Hash, error)
}
