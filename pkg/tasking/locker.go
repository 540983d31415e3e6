package tasking

import (
	"context"
	"sort"
	"sync"
)

// Locker grants exclusive hold of a set of resource names.
type Locker interface {
	// Lock blocks until every key is held or ctx is done. The returned
	// function releases all keys.
	Lock(ctx context.Context, keys []string) (func(), error)
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	changed chan struct{}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool), changed: make(chan struct{})}
}

func (l *MemoryLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	for {
		l.mu.Lock()
		free := true
		for _, k := range keys {
			if l.held[k] {
				free = false
				break
			}
		}
		if free {
			for _, k := range keys {
				l.held[k] = true
			}
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { l.release(keys) }) }, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (l *MemoryLocker) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
	close(l.changed)
	l.changed = make(chan struct{})
}

// normalizeKeys sorts and deduplicates keys. Acquiring in a fixed order keeps
// lockers that take keys one at a time free of deadlocks.
func normalizeKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
