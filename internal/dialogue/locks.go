package dialogue

import "sync"

// KeyedMutex gives every identity its own mutex so events from one user are
// handled one at a time while different users proceed in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*refMutex)}
}

// Lock acquires the mutex for id, creating it on first use.
func (k *KeyedMutex) Lock(id int64) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
}

// Unlock releases id and forgets the mutex once nobody waits on it.
func (k *KeyedMutex) Unlock(id int64) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		k.mu.Unlock()
		return
	}
	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	m.Unlock()
}

// Len reports how many identities currently hold or wait for a lock.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
