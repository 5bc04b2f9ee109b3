// Package session serializes per-session critical sections. Turn persistence
// must see rounds in order, so the complete-and-persist section of a request
// runs under the session's lock.
package session

import "sync"

// Locks hands out one mutex per session id. Entries live for the process
// lifetime; session cardinality is bounded by active users.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the session's mutex and returns its unlock function.
func (l *Locks) Lock(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
