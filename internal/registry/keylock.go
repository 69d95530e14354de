package registry

import (
	"sync"

	"github.com/kwld/twitch-bridge/internal/domain"
)

// KeyLock serializes mutations per InterestKey. The registry and the
// subscription manager share one instance, so an upsert and an ensure on
// the same key never interleave. Entries are reference counted and removed
// once the last holder unlocks.
type KeyLock struct {
	mu    sync.Mutex
	locks map[domain.InterestKey]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[domain.InterestKey]*lockEntry)}
}

func (l *KeyLock) Lock(key domain.InterestKey) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

func (l *KeyLock) Unlock(key domain.InterestKey) {
	l.mu.Lock()
	entry := l.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}
