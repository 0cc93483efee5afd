package executor

import (
	"sync"

	"github.com/chainclaw/chainclaw/types"
)

// SimulateEvent is published around the simulation stage.
type SimulateEvent struct {
	UserID    string
	SkillName string
	ChainID   uint64
	Request   *types.TransactionRequest
	// Result is nil on the before edge.
	Result *types.SimulationResult
}

// BroadcastEvent is published immediately before handing a transaction to
// the signer.
type BroadcastEvent struct {
	TxID    string
	UserID  string
	ChainID uint64
	Nonce   uint64
	Gas     uint64
}

// ConfirmedEvent is published when a receipt confirms the transaction.
type ConfirmedEvent struct {
	TxID        string
	UserID      string
	Hash        string
	BlockNumber uint64
	GasCostUSD  float64
}

// FailedEvent is published when the pipeline marks a persisted transaction
// failed.
type FailedEvent struct {
	TxID   string
	UserID string
	Error  string
}

// Hooks is a typed publish/subscribe registry for pipeline events.
// Subscribers are invoked synchronously in registration order; a subscriber
// must not block.
type Hooks struct {
	mu              sync.RWMutex
	beforeSimulate  []func(SimulateEvent)
	afterSimulate   []func(SimulateEvent)
	beforeBroadcast []func(BroadcastEvent)
	confirmed       []func(ConfirmedEvent)
	failed          []func(FailedEvent)
}

// NewHooks creates an empty registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnBeforeSimulate registers a subscriber for the pre-simulation edge.
func (h *Hooks) OnBeforeSimulate(fn func(SimulateEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeSimulate = append(h.beforeSimulate, fn)
}

// OnAfterSimulate registers a subscriber for the post-simulation edge.
func (h *Hooks) OnAfterSimulate(fn func(SimulateEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterSimulate = append(h.afterSimulate, fn)
}

// OnBeforeBroadcast registers a subscriber invoked just before the signer.
func (h *Hooks) OnBeforeBroadcast(fn func(BroadcastEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeBroadcast = append(h.beforeBroadcast, fn)
}

// OnConfirmed registers a subscriber for confirmed transactions.
func (h *Hooks) OnConfirmed(fn func(ConfirmedEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = append(h.confirmed, fn)
}

// OnFailed registers a subscriber for failed transactions.
func (h *Hooks) OnFailed(fn func(FailedEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, fn)
}

func (h *Hooks) publishBeforeSimulate(ev SimulateEvent) {
	h.mu.RLock()
	subs := h.beforeSimulate
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hooks) publishAfterSimulate(ev SimulateEvent) {
	h.mu.RLock()
	subs := h.afterSimulate
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hooks) publishBeforeBroadcast(ev BroadcastEvent) {
	h.mu.RLock()
	subs := h.beforeBroadcast
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hooks) publishConfirmed(ev ConfirmedEvent) {
	h.mu.RLock()
	subs := h.confirmed
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hooks) publishFailed(ev FailedEvent) {
	h.mu.RLock()
	subs := h.failed
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
