// Package observable provides a mutable value whose changes can be watched
// over channels. Slow watchers see the latest values; the oldest pending
// update is dropped to make room for a new one.
package observable

import (
	"context"
	"sync"
)

// DefaultWatchBuffer is the per-watcher channel capacity.
const DefaultWatchBuffer = 32

// Value holds the current value of T and fans updates out to watchers.
type Value[T any] struct {
	mu       sync.Mutex
	v        T
	watchers map[uint64]chan T
	nextID   uint64
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		v:        initial,
		watchers: make(map[uint64]chan T),
	}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and publishes it to every watcher before returning.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = v
	o.publishLocked(v)
}

// Update applies fn to the current value atomically and publishes the result.
func (o *Value[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = fn(o.v)
	o.publishLocked(o.v)
	return o.v
}

func (o *Value[T]) publishLocked(v T) {
	for _, ch := range o.watchers {
		select {
		case ch <- v:
			continue
		default:
		}
		// full: drop the oldest pending update
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Watch returns a channel that first receives the current value and then
// every subsequent update. The channel is closed when ctx is done.
func (o *Value[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, DefaultWatchBuffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = ch
	ch <- o.v
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.watchers, id)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

// Watchers reports the number of active watchers.
func (o *Value[T]) Watchers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.watchers)
}
