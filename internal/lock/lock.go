// Package lock provides advisory mutual exclusion keyed by an arbitrary
// string, such as an organization name or an authority serial number.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed serialises callers that share a key while letting different keys
// proceed in parallel. Entries are reclaimed once no caller holds or waits
// on them. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed returns an empty Keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{}
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock blocks until key is held and returns the function that releases it.
func (k *Keyed) Lock(key string) (unlock func()) {
	e := k.acquire(key)
	e.ch <- struct{}{}
	return k.unlocker(key, e)
}

// LockContext is Lock with cancellation. When ctx ends first the key is not
// held and ctx.Err() is returned.
func (k *Keyed) LockContext(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *Keyed) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
