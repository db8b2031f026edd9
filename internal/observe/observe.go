// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package observe provides read-only reactive values for presentation layers.
//
// Subscribers are called synchronously, in subscription order, every time the
// value is set. Updates are delivered in the order they were made; a listener
// must not set the same Value from inside its callback.
package observe

import "sync"

// Value holds the latest T and fans updates out to subscribers.
type Value[T any] struct {
	mu        sync.RWMutex
	current   T
	nextID    int
	listeners []listener[T]

	// emitMu keeps set-and-notify atomic so deliveries are never reordered.
	emitMu sync.Mutex
}

type listener[T any] struct {
	id int
	fn func(T)
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores val and notifies every subscriber before returning.
func (v *Value[T]) Set(val T) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	v.current = val
	snapshot := make([]listener[T], len(v.listeners))
	copy(snapshot, v.listeners)
	v.mu.Unlock()

	for _, l := range snapshot {
		l.fn(val)
	}
}

// Update applies fn to the current value and publishes the result.
func (v *Value[T]) Update(fn func(T) T) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	v.current = fn(v.current)
	val := v.current
	snapshot := make([]listener[T], len(v.listeners))
	copy(snapshot, v.listeners)
	v.mu.Unlock()

	for _, l := range snapshot {
		l.fn(val)
	}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners = append(v.listeners, listener[T]{id: id, fn: fn})
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, l := range v.listeners {
				if l.id == id {
					v.listeners = append(v.listeners[:i:i], v.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Watch subscribes fn and immediately calls it with the current value.
func (v *Value[T]) Watch(fn func(T)) (unsubscribe func()) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	unsubscribe = v.Subscribe(fn)
	fn(v.Get())
	return unsubscribe
}
