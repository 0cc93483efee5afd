package web3

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chainclaw/chainclaw/config"
	"github.com/chainclaw/chainclaw/log"
)

// ErrUnknownChain is returned for chain ids outside the registry.
var ErrUnknownChain = errors.New("unknown chain")

// Registry maps chain ids to clients. It is built once at startup; lookups
// afterwards are read-only.
type Registry struct {
	clients map[uint64]Chain
}

// NewRegistry dials every supported chain, applying RPC overrides where
// present. A chain that fails to dial is skipped with a warning rather than
// failing startup; operations on it will report ErrUnknownChain.
func NewRegistry(rpcOverrides map[uint64]string) *Registry {
	clients := make(map[uint64]Chain, len(config.DefaultChains))
	for id := range config.DefaultChains {
		cfg, _ := config.Chain(id, rpcOverrides)
		client, err := Dial(cfg)
		if err != nil {
			log.Warnw("skipping chain, dial failed", "chainId", id, "err", err.Error())
			continue
		}
		clients[id] = client
	}
	log.Infow("chain registry built", "chains", len(clients))
	return &Registry{clients: clients}
}

// NewStaticRegistry builds a registry from pre-constructed clients.
func NewStaticRegistry(clients map[uint64]Chain) *Registry {
	return &Registry{clients: clients}
}

// Client returns the client for a chain id.
func (r *Registry) Client(chainID uint64) (Chain, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return client, nil
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every dialed connection.
func (r *Registry) Close() {
	for _, client := range r.clients {
		if c, ok := client.(*Client); ok {
			c.Close()
		}
	}
}
