// Package inflight gates concurrent work by key.
//
// If work is already in flight for a key, further attempts are refused
// instead of queued. Once the work finishes, the key is free and future
// attempts run again.
package inflight

import "sync"

// Gate refuses duplicate concurrent work by key.
type Gate[K comparable] struct {
	mu     sync.Mutex
	active map[K]struct{}
}

// TryAcquire claims key and reports whether it was free. A successful claim
// must be paired with Release.
func (g *Gate[K]) TryAcquire(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		g.active = make(map[K]struct{})
	}
	if _, ok := g.active[key]; ok {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Release frees key. No-op if the key is not held.
func (g *Gate[K]) Release(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// TryDo executes fn on the calling goroutine if no work is in flight for
// key, and reports whether it ran. The key is released when fn returns.
func (g *Gate[K]) TryDo(key K, fn func() error) (bool, error) {
	if !g.TryAcquire(key) {
		return false, nil
	}
	defer g.Release(key)
	return true, fn()
}

// Len returns the number of keys currently held.
func (g *Gate[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
