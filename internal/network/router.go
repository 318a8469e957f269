package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

// Handler processes one inbound frame.
type Handler func(s session.Session, code protocol.RequestCode, payload []byte)

// Router dispatches frames to handlers by request code. Interpretation of
// payloads belongs to the handlers; the router only counts and forwards.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.RequestCode]Handler
	fallback Handler
	counts   sync.Map // protocol.RequestCode -> *atomic.Uint64
	trace    atomic.Bool

	bus    *events.EventBus
	logger zerolog.Logger
}

// NewRouter creates a router with no handlers. bus may be nil.
func NewRouter(bus *events.EventBus, logger zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[protocol.RequestCode]Handler),
		bus:      bus,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Handle registers h for code, replacing any previous handler.
func (r *Router) Handle(code protocol.RequestCode, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[code] = h
}

// SetFallback registers the handler for codes with no handler of their own.
func (r *Router) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// SetFrameEvents enables a frame_received event for every routed frame.
func (r *Router) SetFrameEvents(on bool) { r.trace.Store(on) }

// Echo sends every frame straight back to its sender.
func Echo(s session.Session, code protocol.RequestCode, payload []byte) {
	s.SendFrame(code, payload)
}

// Dispatch routes one frame from s.
func (r *Router) Dispatch(s session.Session, code protocol.RequestCode, payload []byte) {
	r.count(code)

	r.mu.RLock()
	h, ok := r.handlers[code]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h != nil {
		if r.trace.Load() {
			r.emit(events.EventFrameReceived, s, code, payload)
		}
		h(s, code, payload)
		return
	}

	r.logger.Debug().
		Str("session", s.ID()).
		Str("code", code.String()).
		Int("size", len(payload)).
		Msg("unrouted frame")
	r.emit(events.EventFrameUnrouted, s, code, payload)
}

func (r *Router) emit(t events.EventType, s session.Session, code protocol.RequestCode, payload []byte) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(context.Background(), events.Event{
		Type:   t,
		Source: s.ID(),
		Payload: events.FramePayload{
			SessionID: s.ID(),
			Code:      code.String(),
			Size:      len(payload),
		},
	})
}

// FrameHandler binds Dispatch to the session *s points at. The pointer is
// read per frame so the handler can be built before the session exists.
func (r *Router) FrameHandler(s *session.Session) protocol.FrameHandler {
	return func(code protocol.RequestCode, payload []byte) {
		if *s != nil {
			r.Dispatch(*s, code, payload)
		}
	}
}

func (r *Router) count(code protocol.RequestCode) {
	v, ok := r.counts.Load(code)
	if !ok {
		v, _ = r.counts.LoadOrStore(code, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

// Counts returns frames seen per request code name.
func (r *Router) Counts() map[string]uint64 {
	out := make(map[string]uint64)
	r.counts.Range(func(k, v any) bool {
		out[k.(protocol.RequestCode).String()] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
