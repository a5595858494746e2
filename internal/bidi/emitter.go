package bidi

import (
	"sync"

	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

// Emitter fans typed events out to subscribers. The zero value is ready to
// use. Handlers run synchronously in the emitting goroutine; a panicking
// handler is logged and does not affect the others.
type Emitter[E any] struct {
	logger *log.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []emitterSub[E]
}

type emitterSub[E any] struct {
	id uint64
	fn func(E)
}

// NewEmitter returns an Emitter that logs handler panics to logger.
func NewEmitter[E any](logger *log.Logger) *Emitter[E] {
	return &Emitter[E]{logger: logger}
}

// Subscribe registers fn and returns a function removing it again.
func (e *Emitter[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, emitterSub[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to the handlers registered at the time of the call.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	subs := make([]emitterSub[E], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		e.call(s.fn, ev)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[E]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Emitter[E]) call(fn func(E), ev E) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("bidi:emitter", "handler panicked: %v", r)
		}
	}()
	fn(ev)
}
