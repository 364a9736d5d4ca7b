package objstore

import (
	"context"
	"sync"
	"time"

	"github.com/fruitsalade/objstore/internal/metrics"
)

// LockRegistry hands out one mutual-exclusion handle per object key.
//
// Entries are created on first use and reference counted by holders and
// waiters; an entry is removed once the count drops to zero, so the map only
// grows with the number of keys currently in use. An entry is never removed
// while someone holds or waits for it.
type LockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

type heldKey struct {
	registry *LockRegistry
	key      string
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is free or ctx is done. It returns a context that
// records the hold; calling Lock again with that context (or one derived
// from it) re-enters without blocking and returns a no-op unlock.
func (r *LockRegistry) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	hk := heldKey{registry: r, key: key}
	if ctx.Value(hk) != nil {
		return ctx, func() {}, nil
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	start := time.Now()
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.release(key, e)
		return ctx, func() {}, ctx.Err()
	}
	metrics.RecordLockWait(time.Since(start))

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-e.sem
			r.release(key, e)
		})
	}
	return context.WithValue(ctx, hk, struct{}{}), unlock, nil
}

// TryLock acquires key only if it is free.
func (r *LockRegistry) TryLock(key string) (func(), bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	default:
		r.release(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.release(key, e)
		})
	}, true
}

func (r *LockRegistry) release(key string, e *lockEntry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Held reports whether key is currently locked.
func (r *LockRegistry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && len(e.sem) > 0
}

// HeldByOther is Held, except that a hold recorded in ctx by Lock does not
// count.
func (r *LockRegistry) HeldByOther(ctx context.Context, key string) bool {
	if ctx.Value(heldKey{registry: r, key: key}) != nil {
		return false
	}
	return r.Held(key)
}

// Len returns the number of live entries.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
