package mcpserver

import (
	"fmt"
	"sync"
)

// registry is the shared core of the capability containers: an ordered,
// name-keyed collection with copy-on-read snapshots. Listings preserve
// registration order so that repeated list calls against an unchanged
// registry return identical pages.
type registry[T any] struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]T
	keyOf func(T) string

	notifier *ChangeNotifier
}

func newRegistry[T any](keyOf func(T) string, notifier *ChangeNotifier) *registry[T] {
	return &registry[T]{
		byKey:    make(map[string]T),
		keyOf:    keyOf,
		notifier: notifier,
	}
}

// add registers the given entries atomically. If any key collides with an
// existing entry, or with another entry in the same batch, nothing is
// registered and ErrDuplicateCapability is returned naming the offender.
func (r *registry[T]) add(entries ...T) error {
	if len(entries) == 0 {
		return nil
	}

	r.mu.Lock()
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := r.keyOf(e)
		if _, dup := r.byKey[key]; dup {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateCapability, key)
		}
		if _, dup := seen[key]; dup {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateCapability, key)
		}
		seen[key] = struct{}{}
	}
	for _, e := range entries {
		key := r.keyOf(e)
		r.byKey[key] = e
		r.order = append(r.order, key)
	}
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// remove unregisters the entry with the given key. Removing an unknown key
// is a no-op and reports false; no notification is emitted for no-ops.
func (r *registry[T]) remove(key string) bool {
	r.mu.Lock()
	if _, ok := r.byKey[key]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byKey, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notifier.Notify()
	return true
}

func (r *registry[T]) get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e, ok
}

// snapshot returns the registered entries in registration order. The
// returned slice is owned by the caller.
func (r *registry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
