package pipeline

import (
	"context"
	"sync"
)

// LockManager grants at most one critical section per resource ID within this process.
// Entries are created on first use and dropped once nobody holds or waits on them.
//
// The lock does not span processes. Cross-process safety comes from the conditional
// status writes in the metadata store.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	token chan struct{}
	refs  int // holder + waiters
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*lockEntry)}
}

func (m *LockManager) ref(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[id]
	if e == nil {
		e = &lockEntry{token: make(chan struct{}, 1)}
		e.token <- struct{}{}
		m.locks[id] = e
	}
	e.refs++
	return e
}

func (m *LockManager) unref(id string, e *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.locks[id] == e {
		delete(m.locks, id)
	}
}

// TryAcquire takes the lock for id without waiting. It returns false when another
// caller holds it.
func (m *LockManager) TryAcquire(id string) bool {
	e := m.ref(id)
	select {
	case <-e.token:
		return true
	default:
		m.unref(id, e)
		return false
	}
}

// Acquire waits for the lock for id until ctx is done.
func (m *LockManager) Acquire(ctx context.Context, id string) error {
	e := m.ref(id)
	select {
	case <-e.token:
		return nil
	case <-ctx.Done():
		m.unref(id, e)
		return ctx.Err()
	}
}

// Release gives up the lock for id. Releasing a lock that is not held is a no-op.
func (m *LockManager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[id]
	if e == nil || len(e.token) == 1 {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, id)
	}
	e.token <- struct{}{}
}

// Len returns the number of live entries.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
