// Package threadlock provides a keyed execution lock. The chat handler
// holds a thread's lock for the duration of one request so that two
// concurrent requests against the same thread_id never interleave
// session reads and writes. Locks for different keys are independent.
package threadlock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Registry hands out per-key locks. The zero value is not usable; call
// New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty lock registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. On
// success it returns a release function that must be called exactly
// once. Entries are reference counted and removed when the last holder
// or waiter releases, so the registry stays bounded by the number of
// in-flight keys.
func (r *Registry) Acquire(ctx context.Context, key string) (release func(), err error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			r.unref(key, e)
		}, nil
	case <-ctx.Done():
		r.unref(key, e)
		return nil, ctx.Err()
	}
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}
