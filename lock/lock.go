// Package lock provides per-position mutual exclusion. Every mutating
// operation on a (user, chain, target) position flows through the executor,
// which is the only acquirer; concurrent callers on the same key serialize,
// different keys run in parallel.
package lock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when the lock could not be acquired within the timeout.
var ErrBusy = errors.New("position lock busy")

// Key identifies one position.
type Key struct {
	UserID  string
	ChainID uint64
	Target  string // contract address, lowercase; empty for plain transfers
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.UserID, k.ChainID, strings.ToLower(k.Target))
}

// Handle proves ownership of an acquired lock. Release requires the handle,
// so a stale caller cannot free a lock it no longer holds.
type Handle struct {
	key        Key
	token      string
	acquiredAt time.Time
}

// Key returns the position key the handle guards.
func (h *Handle) Key() Key { return h.key }

// AcquiredAt returns when the lock was taken.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// entry is one keyed lock: a channel-based mutex so acquisition can time out.
type entry struct {
	ch      chan struct{} // capacity 1; full means locked
	holder  string
	waiters int
}

// Manager is a process-local keyed lock table. Single-process scope is
// sufficient here; the store never persists lock state.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Acquire takes the exclusive lock for key, waiting up to timeout. It
// returns ErrBusy when the timeout elapses first.
func (m *Manager) Acquire(key Key, timeout time.Duration) (*Handle, error) {
	norm := key.String()

	m.mu.Lock()
	e, ok := m.locks[norm]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[norm] = e
	}
	e.waiters++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		e.waiters--
		// Drop idle entries so the table does not grow with every key ever
		// seen.
		if e.waiters == 0 && len(e.ch) == 0 {
			delete(m.locks, norm)
		}
		m.mu.Unlock()
	}()

	token := uuid.NewString()
	select {
	case e.ch <- struct{}{}:
		m.mu.Lock()
		e.holder = token
		m.mu.Unlock()
		return &Handle{key: key, token: token, acquiredAt: time.Now()}, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s", ErrBusy, norm)
	}
}

// Release frees the lock held by handle. Releasing with a stale handle is a
// no-op; Release never fails.
func (m *Manager) Release(handle *Handle) {
	if handle == nil {
		return
	}
	norm := handle.key.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[norm]
	if !ok || e.holder != handle.token {
		return
	}
	e.holder = ""
	select {
	case <-e.ch:
	default:
	}
	if e.waiters == 0 {
		delete(m.locks, norm)
	}
}

// Locked reports whether the key is currently held. Intended for tests and
// introspection only.
func (m *Manager) Locked(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key.String()]
	return ok && len(e.ch) == 1
}
