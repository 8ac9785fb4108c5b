// Package events provides typed listener sets whose subscriptions can be
// released deterministically.
package events

import (
	"sync"
	"sync/atomic"
)

// Subscription is the handle returned when a listener is added. Unsubscribe
// may be called any number of times; only the first call has an effect.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Listeners is a set of callbacks receiving values of type T.
//
// Callbacks run without any lock held, so a callback may unsubscribe itself
// or add listeners. Once Unsubscribe has returned the callback is not started
// again; a call already running on another goroutine may still finish.
type Listeners[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[uint64]*entry[T]
	closed  bool
}

type entry[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// Add registers fn. On a closed set the returned subscription is inert.
func (l *Listeners[T]) Add(fn func(T)) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &Subscription{}
	}

	if l.entries == nil {
		l.entries = map[uint64]*entry[T]{}
	}

	id := l.nextID
	l.nextID++
	e := &entry[T]{fn: fn}
	l.entries[id] = e

	return &Subscription{cancel: func() {
		e.removed.Store(true)

		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.entries, id)
	}}
}

// Emit calls every registered listener with v.
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	snapshot := make([]*entry[T], 0, len(l.entries))
	for _, e := range l.entries {
		snapshot = append(snapshot, e)
	}
	l.mu.RUnlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		e.fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close drops every listener; later Add calls return inert subscriptions.
func (l *Listeners[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		e.removed.Store(true)
	}
	l.closed = true
	l.entries = nil
}
