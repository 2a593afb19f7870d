// Package event provides typed in-process publish/subscribe used by users,
// rooms, players and entities.
package event

import "sync"

// Handle identifies a registered listener for Off.
type Handle uint64

// Emitter dispatches values of type T to registered listeners in
// registration order. The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	next      Handle
	listeners []listener[T]
}

type listener[T any] struct {
	handle Handle
	once   bool
	fn     func(T)
}

// On registers fn for every future Fire.
func (e *Emitter[T]) On(fn func(T)) Handle {
	return e.add(fn, false)
}

// Once registers fn for the next Fire only.
func (e *Emitter[T]) Once(fn func(T)) Handle {
	return e.add(fn, true)
}

// Off removes the listener registered under h. Unknown handles are ignored.
func (e *Emitter[T]) Off(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.handle == h {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Fire invokes the listeners registered at the time of the call. Listeners
// may register or remove listeners while running.
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	kept := e.listeners[:0]
	for _, l := range e.listeners {
		if !l.once {
			kept = append(kept, l)
		}
	}
	clear(e.listeners[len(kept):])
	e.listeners = kept
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

func (e *Emitter[T]) add(fn func(T), once bool) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.listeners = append(e.listeners, listener[T]{handle: e.next, once: once, fn: fn})
	return e.next
}
