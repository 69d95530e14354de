// Package dedupe suppresses upstream notification replays. Twitch resends
// messages it believes were not acknowledged, so every ingress path checks
// the message id against a sliding window before fan-out.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultTTL matches the upstream retry horizon.
	DefaultTTL = 10 * time.Minute

	// DefaultCapacity bounds memory when an attacker floods unique ids.
	DefaultCapacity = 8192
)

// Window reports whether a message id has been seen within the window.
// Observe returns true exactly once per id per TTL.
type Window interface {
	Observe(ctx context.Context, messageID string) (bool, error)
}

// MemoryWindow is a capacity-bounded TTL window. Entries expire after the
// TTL or when the oldest entry is displaced at capacity, whichever comes
// first. A duplicate does not refresh its entry, so a message replayed
// forever is still dropped forever.
type MemoryWindow struct {
	clock    clockwork.Clock
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type windowEntry struct {
	id     string
	seenAt time.Time
}

var _ Window = (*MemoryWindow)(nil)

func NewMemoryWindow(clock clockwork.Clock, ttl time.Duration, capacity int) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryWindow{
		clock:    clock,
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (w *MemoryWindow) Observe(_ context.Context, messageID string) (bool, error) {
	// An absent id cannot be safely deduplicated, treat it as a replay.
	if messageID == "" {
		return false, nil
	}

	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)

	if _, seen := w.entries[messageID]; seen {
		return false, nil
	}

	elem := w.order.PushBack(windowEntry{id: messageID, seenAt: now})
	w.entries[messageID] = elem

	for len(w.entries) > w.capacity {
		w.removeOldestLocked()
	}
	return true, nil
}

// Len reports the current number of tracked ids.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *MemoryWindow) evictLocked(now time.Time) {
	threshold := now.Add(-w.ttl)
	for {
		front := w.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(windowEntry)
		if entry.seenAt.After(threshold) {
			return
		}
		w.removeOldestLocked()
	}
}

func (w *MemoryWindow) removeOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	entry := w.order.Remove(front).(windowEntry)
	delete(w.entries, entry.id)
}
