package web3

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainclaw/chainclaw/log"
)

// nonceKey identifies one tracked account on one chain.
type nonceKey struct {
	chainID uint64
	account common.Address
}

// NonceManager tracks the next nonce per (chain, account) within this
// process. The first use of a key fetches the network's pending nonce; every
// reservation afterwards advances the tracked value, so the same nonce is
// never handed out twice. Scope is strictly single-process: horizontal
// scaling would need a lease table or an explicit per-account owner.
type NonceManager struct {
	registry *Registry
	mu       sync.Mutex
	next     map[nonceKey]uint64
}

// NewNonceManager creates a manager backed by the chain registry.
func NewNonceManager(registry *Registry) *NonceManager {
	return &NonceManager{
		registry: registry,
		next:     make(map[nonceKey]uint64),
	}
}

// Next reserves and returns the next nonce for the account. The reservation
// is permanent unless returned with Release or corrected with Resync.
func (nm *NonceManager) Next(ctx context.Context, chainID uint64, account common.Address) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	key := nonceKey{chainID, account}
	if _, ok := nm.next[key]; !ok {
		client, err := nm.registry.Client(chainID)
		if err != nil {
			return 0, err
		}
		nonce, err := client.NonceAt(ctx, account, true)
		if err != nil {
			return 0, fmt.Errorf("fetching network nonce for %s on chain %d: %w",
				account.Hex(), chainID, err)
		}
		nm.next[key] = nonce
		log.Debugw("nonce initialized", "chainId", chainID, "account", account.Hex(), "nonce", nonce)
	}
	nonce := nm.next[key]
	nm.next[key] = nonce + 1
	return nonce, nil
}

// Release returns a reservation after a failed broadcast. Only the most
// recent reservation can be returned; anything older is left to Resync.
func (nm *NonceManager) Release(chainID uint64, account common.Address, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	key := nonceKey{chainID, account}
	if next, ok := nm.next[key]; ok && next == nonce+1 {
		nm.next[key] = nonce
	}
}

// Resync discards the tracked value and refetches the network's pending
// nonce. Called after a broadcast error that indicates a nonce mismatch.
func (nm *NonceManager) Resync(ctx context.Context, chainID uint64, account common.Address) error {
	client, err := nm.registry.Client(chainID)
	if err != nil {
		return err
	}
	nonce, err := client.NonceAt(ctx, account, true)
	if err != nil {
		return fmt.Errorf("resyncing nonce for %s on chain %d: %w", account.Hex(), chainID, err)
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	key := nonceKey{chainID, account}
	log.Warnw("nonce resynced", "chainId", chainID, "account", account.Hex(),
		"was", nm.next[key], "now", nonce)
	nm.next[key] = nonce
	return nil
}

// IsNonceError reports whether a broadcast error indicates a nonce mismatch
// that warrants a resync.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "invalid nonce") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
