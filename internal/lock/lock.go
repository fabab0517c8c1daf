// Package lock provides mutual exclusion keyed by contract identifier.
//
// Every mutation sequence on a contract — read state, decide, write the new
// state, call the on-chain contract, append the state log — runs under that
// contract's lock, so at most one such sequence is in flight per contract
// across user-initiated and event-driven paths. Locks on different contracts
// are independent; transitions never hold more than one lock at a time, so no
// ordering hazard exists.
//
// The Manager interface is the seam for multi-instance deployments: Mutex is
// process-local and only correct while a single engine instance runs; a
// distributed lease implementation can replace it without touching callers.
package lock

import "sync"

// Handle represents a held lock. Release must be called exactly once, on
// every exit path.
type Handle interface {
	Release()
}

// Manager provides per-identifier mutual exclusion.
type Manager interface {
	// Acquire blocks until the lock for id is held and returns its handle.
	Acquire(id string) Handle

	// IsLocked reports whether id's lock is currently held. Advisory only —
	// a read-side guard, never a substitute for Acquire before mutation.
	IsLocked(id string) bool
}

// WithLock runs fn while holding id's lock, releasing on every exit path.
func WithLock(m Manager, id string, fn func() error) error {
	h := m.Acquire(id)
	defer h.Release()
	return fn()
}

// Mutex is the process-local Manager: a map of per-id mutexes with reference
// counting so entries are dropped once the last waiter releases.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
	held bool
}

// NewMutex creates a process-local lock manager.
func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*entry)}
}

func (m *Mutex) Acquire(id string) Handle {
	m.mu.Lock()
	e, ok := m.locks[id]
	if !ok {
		e = &entry{}
		m.locks[id] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	m.mu.Lock()
	e.held = true
	m.mu.Unlock()

	return &handle{m: m, id: id, e: e}
}

func (m *Mutex) IsLocked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[id]
	return ok && e.held
}

type handle struct {
	m    *Mutex
	id   string
	e    *entry
	once sync.Once
}

func (h *handle) Release() {
	h.once.Do(func() {
		h.m.mu.Lock()
		h.e.held = false
		h.e.refs--
		if h.e.refs == 0 {
			delete(h.m.locks, h.id)
		}
		h.m.mu.Unlock()

		h.e.mu.Unlock()
	})
}
