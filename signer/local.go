// Package signer provides the built-in local signer: plain EOA keys held by
// the host, loaded from a JSON key file. Hardware and multisig signers plug
// in behind the same interface.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainclaw/chainclaw/config"
	cctypes "github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
)

// Local signs with an in-memory ECDSA key and broadcasts through the chain
// registry, or through the override endpoint when one is set (MEV routing).
type Local struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	registry *web3.Registry
}

var _ cctypes.Signer = (*Local)(nil)

// NewLocal creates a signer from a hex-encoded private key.
func NewLocal(hexKey string, registry *web3.Registry) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Local{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		registry: registry,
	}, nil
}

// Address returns the signer's account.
func (l *Local) Address() common.Address { return l.address }

// Type implements Signer.
func (l *Local) Type() string { return "local" }

// IsAutomatic implements Signer: a local key signs without a human.
func (l *Local) IsAutomatic() bool { return true }

// Send implements Signer. EIP-1559 chains get a dynamic-fee transaction when
// fee caps are present; everything else falls back to a legacy transaction
// with the node's suggested price.
func (l *Local) Send(ctx context.Context, params cctypes.SendParams) (common.Hash, error) {
	chainCfg, ok := config.Chain(params.ChainID, nil)
	if !ok {
		return common.Hash{}, fmt.Errorf("unsupported chain %d", params.ChainID)
	}
	endpoint := params.RPCURL
	if endpoint == "" {
		endpoint = chainCfg.DefaultRPC
	}
	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return common.Hash{}, fmt.Errorf("dialing broadcast endpoint: %w", err)
	}
	defer eth.Close()

	chainID := new(big.Int).SetUint64(params.ChainID)
	var tx *types.Transaction
	if chainCfg.EIP1559 && params.MaxFeePerGas != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     params.Nonce,
			To:        params.To,
			Value:     params.Value,
			Data:      params.Data,
			Gas:       params.Gas,
			GasFeeCap: params.MaxFeePerGas,
			GasTipCap: params.MaxPriorityFeePerGas,
		})
	} else {
		gasPrice, err := eth.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggesting gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    params.Nonce,
			To:       params.To,
			Value:    params.Value,
			Data:     params.Data,
			Gas:      params.Gas,
			GasPrice: gasPrice,
		})
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Provider resolves local signers by wallet address.
type Provider struct {
	signers map[string]*Local
}

var _ cctypes.SignerProvider = (*Provider)(nil)

// LoadProvider reads a JSON key file mapping wallet address to hex private
// key. Every key is checked against its claimed address.
func LoadProvider(path string, registry *web3.Registry) (*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var keys map[string]string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	p := &Provider{signers: make(map[string]*Local, len(keys))}
	for addr, hexKey := range keys {
		local, err := NewLocal(hexKey, registry)
		if err != nil {
			return nil, fmt.Errorf("key for %s: %w", addr, err)
		}
		if !strings.EqualFold(local.Address().Hex(), addr) {
			return nil, fmt.Errorf("key for %s derives address %s", addr, local.Address().Hex())
		}
		p.signers[strings.ToLower(addr)] = local
	}
	return p, nil
}

// NewProvider builds a provider from pre-constructed signers, keyed by
// address.
func NewProvider(signers ...*Local) *Provider {
	p := &Provider{signers: make(map[string]*Local, len(signers))}
	for _, s := range signers {
		p.signers[strings.ToLower(s.Address().Hex())] = s
	}
	return p
}

// SignerFor implements SignerProvider.
func (p *Provider) SignerFor(userID, walletAddress string) (cctypes.Signer, error) {
	s, ok := p.signers[strings.ToLower(walletAddress)]
	if !ok {
		return nil, fmt.Errorf("no signer for wallet %s", walletAddress)
	}
	return s, nil
}
