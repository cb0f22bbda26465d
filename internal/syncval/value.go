// Package syncval provides a mutex-guarded value with copy-on-read access and
// a condition variable that wakes waiters on every mutation.
package syncval

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Value guards a T. Readers never receive a live alias to the guarded value:
// Get, Update and WaitFor return clones produced by the clone function.
type Value[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	v     T
	clone func(T) T
}

// New returns a Value holding initial. A nil clone is only correct for types
// without reference semantics (numbers, strings, plain structs).
func New[T any](initial T, clone func(T) T) *Value[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	val := &Value[T]{v: clone(initial), clone: clone}
	val.cond = sync.NewCond(&val.mu)
	return val
}

// Get returns an independent copy of the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clone(v.v)
}

// Set replaces the value and wakes all waiters.
func (v *Value[T]) Set(next T) {
	next = v.clone(next)
	v.mu.Lock()
	v.v = next
	v.mu.Unlock()
	v.cond.Broadcast()
}

// Update applies f to a copy of the current value under the lock, stores the
// result and returns a copy of it. f must not call back into v.
func (v *Value[T]) Update(f func(T) T) T {
	v.mu.Lock()
	v.v = f(v.clone(v.v))
	out := v.clone(v.v)
	v.mu.Unlock()
	v.cond.Broadcast()
	return out
}

// WaitFor blocks until pred holds for the current value or ctx ends. The
// predicate runs with the lock held and must not block. On success the
// value that satisfied pred is returned.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		// Taking the lock orders the broadcast after the waiter has parked.
		v.mu.Lock()
		v.mu.Unlock()
		v.cond.Broadcast()
	})
	defer stop()

	v.mu.Lock()
	defer v.mu.Unlock()
	for !pred(v.v) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		v.cond.Wait()
	}
	return v.clone(v.v), nil
}

// CloneMap copies a map with value-typed values.
func CloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return maps.Clone(m)
}

// CloneSliceMap copies a map of slices, including the slices.
func CloneSliceMap[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, s := range m {
		out[k] = slices.Clone(s)
	}
	return out
}
