package memory

import "sync"

// keyLocks serializes bridge operations on the same key so that a local
// change and its mirror are observed together. Clear takes the write side
// of all, every keyed operation the read side.
type keyLocks struct {
	all   sync.RWMutex
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the release func.
func (k *keyLocks) Lock(key string) func() {
	k.all.RLock()

	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()

		k.all.RUnlock()
	}
}

// LockAll waits for every keyed operation to finish and blocks new ones.
func (k *keyLocks) LockAll() func() {
	k.all.Lock()
	return k.all.Unlock
}

func (k *keyLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
