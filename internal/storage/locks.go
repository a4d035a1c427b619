package storage

import "sync"

// KeyedLocks hands out one mutex per key so writes to the same transaction
// are serialized while different transactions proceed independently.
type KeyedLocks struct {
	mapMu sync.Mutex             // protects muMap
	muMap map[string]*sync.Mutex // one mutex per key
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{muMap: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *KeyedLocks) Lock(key string) func() {
	k.mapMu.Lock()
	mu, exists := k.muMap[key]
	if !exists {
		mu = &sync.Mutex{}
		k.muMap[key] = mu
	}
	k.mapMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
