package shared

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type listener[T any] struct {
	id   uint64
	fn   func(T)
	once bool
}

// Emitter delivers values of type T to registered listeners in registration
// order. A panicking listener is recovered and logged; delivery to the
// remaining listeners continues. The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.RWMutex
	seq       uint64
	listeners []listener[T]
	logger    LoggerAdapter
}

func NewEmitter[T any](logger LoggerAdapter) *Emitter[T] {
	return &Emitter[T]{logger: logger}
}

// SetLogger sets the logger used to report recovered listener panics.
func (e *Emitter[T]) SetLogger(logger LoggerAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
}

// On registers fn and returns a func that removes it.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	return e.add(fn, false)
}

// Once registers fn for a single delivery.
func (e *Emitter[T]) Once(fn func(T)) (off func()) {
	return e.add(fn, true)
}

func (e *Emitter[T]) add(fn func(T), once bool) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn, once: once})
	e.mu.Unlock()
	var offOnce sync.Once
	return func() {
		offOnce.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers v to a snapshot of the current listeners.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	logger := e.logger
	e.mu.RUnlock()

	for _, l := range snapshot {
		if l.once && !e.remove(l.id) {
			continue
		}
		deliver(logger, l.fn, v)
	}
}

func deliver[T any](logger LoggerAdapter, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("event listener panicked", fmt.Errorf("%v", r), zap.Stack("stack"))
		}
	}()
	fn(v)
}

func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}
