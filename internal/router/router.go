// Package router decodes real-time frames into typed domain events and
// dispatches them to registered handlers.
package router

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Handler receives one event.
type Handler func(Event)

// Registration identifies a handler for Off.
type Registration struct {
	kind Kind
	id   uint64
}

type entry struct {
	id uint64
	fn Handler
}

// HandlerPanic is the bus payload of router.handler_panic.
type HandlerPanic struct {
	Kind  Kind
	Panic any
}

// DecodeFailure is the bus payload of router.decode_failed.
type DecodeFailure struct {
	Err     error
	Unknown bool
}

// Router dispatches events to handlers in registration order. A panicking
// handler is recovered and does not affect the others.
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind][]entry
	next     uint64
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a router. b may be nil.
func New(b *bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[Kind][]entry),
		bus:      b,
		logger:   logger,
	}
}

// On registers fn for events of kind.
func (r *Router) On(kind Kind, fn Handler) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[kind] = append(r.handlers[kind], entry{id: r.next, fn: fn})
	return Registration{kind: kind, id: r.next}
}

// Handle registers a handler typed to one event variant.
func Handle[E Event](r *Router, fn func(E)) Registration {
	var zero E
	return r.On(zero.Kind(), func(evt Event) {
		if e, ok := evt.(E); ok {
			fn(e)
		}
	})
}

// Off removes a registration. Removing twice is a no-op.
func (r *Router) Off(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[reg.kind]
	for i, e := range list {
		if e.id == reg.id {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			r.handlers[reg.kind] = next
			return
		}
	}
}

// Dispatch runs every handler registered for evt's kind. The handler list
// is captured before the first call, so handlers may register or remove
// handlers without affecting the current dispatch.
func (r *Router) Dispatch(evt Event) {
	r.mu.RLock()
	list := r.handlers[evt.Kind()]
	r.mu.RUnlock()

	for _, e := range list {
		r.call(evt, e.fn)
	}
}

func (r *Router) call(evt Event, fn Handler) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind())),
				zap.Any("panic", p),
			)
			r.bus.Publish(bus.Event{
				Kind:    bus.RouterHandlerPanic,
				Payload: HandlerPanic{Kind: evt.Kind(), Panic: p},
			})
		}
	}()
	fn(evt)
}

// HandleFrame decodes a raw frame and dispatches it. Unknown events and
// malformed payloads are logged and dropped.
func (r *Router) HandleFrame(frame []byte) {
	evt, err := Decode(frame)
	if err != nil {
		unknown := errors.Is(err, ErrUnknownEvent)
		if unknown {
			r.logger.Debug("dropping unknown event", zap.Error(err))
		} else {
			r.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(frame)))
		}
		r.bus.Publish(bus.Event{
			Kind:    bus.RouterDecodeFailed,
			Payload: DecodeFailure{Err: err, Unknown: unknown},
		})
		return
	}
	r.Dispatch(evt)
}
