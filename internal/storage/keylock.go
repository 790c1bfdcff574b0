package storage

import (
	"sync"

	"github.com/org/lockr/pkg/models"
)

// KeyLocks hands out one mutex per secret key. Entries are reference counted
// and dropped when the last holder unlocks, so the map stays bounded by the
// number of in-flight keys.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[models.SecretKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks returns an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[models.SecretKey]*keyLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *KeyLocks) Lock(key models.SecretKey) func() {
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
	}
}

// Len returns the number of keys currently locked or waited on.
func (k *KeyLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
