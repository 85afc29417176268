package chat

import "sync"

// keyedLocks serializes turn processing per (persona, session) key so two
// near-simultaneous messages cannot interleave context assembly and history
// appends. Different keys proceed fully in parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the serializer for key, creating it on first use, and
// returns the unlock function.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
