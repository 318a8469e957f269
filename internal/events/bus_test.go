package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEmitReachesTypedAndWildcardHandlers(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	defer bus.Stop()

	var typed, wildcard atomic.Int32
	bus.Subscribe(EventSessionOpened, "typed", func(context.Context, Event) error {
		typed.Add(1)
		return nil
	})
	bus.Subscribe(EventAny, "all", func(context.Context, Event) error {
		wildcard.Add(1)
		return nil
	})

	ctx := context.Background()
	_ = bus.EmitSync(ctx, Event{Type: EventSessionOpened})
	_ = bus.EmitSync(ctx, Event{Type: EventSessionClosed})

	if typed.Load() != 1 || wildcard.Load() != 2 {
		t.Fatalf("typed=%d wildcard=%d, want 1 2", typed.Load(), wildcard.Load())
	}
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventSessionClosed, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventSessionClosed, "panics", func(context.Context, Event) error { panic("handler bug") })

	if err := bus.EmitSync(context.Background(), Event{Type: EventSessionClosed}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	done := make(chan struct{}, 1)
	bus.Subscribe(EventShutdown, "a", func(context.Context, Event) error {
		done <- struct{}{}
		return nil
	})
	bus.Subscribe(EventShutdown, "b", func(context.Context, Event) error { return nil })
	bus.Unsubscribe(EventShutdown, "b")
	if n := bus.HandlerCount(EventShutdown); n != 1 {
		t.Fatalf("handlers = %d, want 1", n)
	}

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}

	bus.Stop()
	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel open after Stop")
	}
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	if len(done) != 0 {
		t.Fatal("handler ran after Stop")
	}
}
