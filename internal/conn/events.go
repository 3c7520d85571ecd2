package conn

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sockline/sockline/internal/wire"
)

// CloseInfo describes a connection closure.
type CloseInfo struct {
	Code   int
	Reason string
}

// events is a typed observer registry, one handler map per event
// category. Every registration returns an unsubscribe func; a
// panicking handler is isolated from the others.
type events struct {
	logger *slog.Logger

	mu     sync.RWMutex
	open   map[string]func()
	closed map[string]func(CloseInfo)
	errs   map[string]func(error)
	msgs   map[string]func(*wire.Envelope)
	states map[string]func(State)
}

func newEvents(logger *slog.Logger) *events {
	if logger == nil {
		logger = slog.Default()
	}
	return &events{
		logger: logger,
		open:   make(map[string]func()),
		closed: make(map[string]func(CloseInfo)),
		errs:   make(map[string]func(error)),
		msgs:   make(map[string]func(*wire.Envelope)),
		states: make(map[string]func(State)),
	}
}

func (e *events) onOpen(fn func()) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.open[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.open, id)
		e.mu.Unlock()
	}
}

func (e *events) onClose(fn func(CloseInfo)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.closed[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.closed, id)
		e.mu.Unlock()
	}
}

func (e *events) onError(fn func(error)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.errs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.errs, id)
		e.mu.Unlock()
	}
}

func (e *events) onMessage(fn func(*wire.Envelope)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.msgs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.msgs, id)
		e.mu.Unlock()
	}
}

func (e *events) onStateChange(fn func(State)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.states[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.states, id)
		e.mu.Unlock()
	}
}

func (e *events) emitOpen() {
	e.mu.RLock()
	handlers := make([]func(), 0, len(e.open))
	for _, fn := range e.open {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		e.safely(func() { fn() })
	}
}

func (e *events) emitClose(info CloseInfo) {
	e.mu.RLock()
	handlers := make([]func(CloseInfo), 0, len(e.closed))
	for _, fn := range e.closed {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		e.safely(func() { fn(info) })
	}
}

func (e *events) emitError(err error) {
	e.mu.RLock()
	handlers := make([]func(error), 0, len(e.errs))
	for _, fn := range e.errs {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		e.safely(func() { fn(err) })
	}
}

func (e *events) emitMessage(env *wire.Envelope) {
	e.mu.RLock()
	handlers := make([]func(*wire.Envelope), 0, len(e.msgs))
	for _, fn := range e.msgs {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		e.safely(func() { fn(env) })
	}
}

func (e *events) emitState(s State) {
	e.mu.RLock()
	handlers := make([]func(State), 0, len(e.states))
	for _, fn := range e.states {
		handlers = append(handlers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		e.safely(func() { fn(s) })
	}
}

func (e *events) safely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("event handler panicked", "panic", rec)
		}
	}()
	fn()
}
