package util

import "sync"

// KeyedMutex provides a mutual exclusion lock per string key. Locks are
// created on demand and kept for the life of the registry, so a key always
// maps to the same lock regardless of how callers obtained the string.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*sync.Mutex{}}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// Lock acquires the lock for key, blocking until it is available.
func (k *KeyedMutex) Lock(key string) { k.get(key).Lock() }

// Unlock releases the lock for key. Unlocking a key that was never locked
// panics, same as sync.Mutex.
func (k *KeyedMutex) Unlock(key string) { k.get(key).Unlock() }
