package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

const waitTimeout = 3 * time.Second

type received struct {
	code    protocol.RequestCode
	payload string
}

func frameSink() (chan received, *session.PendingReceive) {
	ch := make(chan received, 16)
	r := session.NewFrameReceiver(func(code protocol.RequestCode, payload []byte) {
		ch <- received{code: code, payload: string(payload)}
	}, nil)
	return ch, r
}

func waitFrame(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for frame")
		return received{}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startEchoServer(t *testing.T, cfg ServerConfig, bus *events.EventBus) (*Server, *Registry) {
	t.Helper()
	logger := zerolog.Nop()
	registry := NewRegistry(logger)
	router := NewRouter(bus, logger)
	router.SetFallback(Echo)

	srv := NewServer(cfg, registry, router, bus, logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, registry
}

func TestServerEchoesOverTCP(t *testing.T) {
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()

	var opened, closed atomic.Int32
	bus.Subscribe(events.EventSessionOpened, "test", func(context.Context, events.Event) error {
		opened.Add(1)
		return nil
	})
	bus.Subscribe(events.EventSessionClosed, "test", func(_ context.Context, e events.Event) error {
		if e.Payload.(events.SessionPayload).Reason != "" {
			closed.Add(1)
		}
		return nil
	})

	srv, registry := startEchoServer(t, ServerConfig{TCPAddr: "127.0.0.1:0", MaxSessions: 4}, bus)

	frames, r := frameSink()
	client, err := DialStream(context.Background(), srv.TCPAddr().String(), r, session.Options{})
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	client.Receive()

	client.SendFrame(protocol.Login, []byte("alice"))
	f := waitFrame(t, frames)
	if f.code != protocol.Login || f.payload != "alice" {
		t.Fatalf("echo = (%v, %q)", f.code, f.payload)
	}
	if registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", registry.Count())
	}

	client.Close()
	eventually(t, func() bool { return registry.Count() == 0 })
	eventually(t, func() bool { return opened.Load() == 1 && closed.Load() == 1 })
}

func TestServerEchoesOverKCP(t *testing.T) {
	srv, registry := startEchoServer(t, ServerConfig{UDPAddr: "127.0.0.1:0", MaxSessions: 4}, nil)

	frames, r := frameSink()
	client, err := DialReliable(context.Background(), srv.UDPAddr().String(), r, session.Options{})
	if err != nil {
		t.Fatalf("DialReliable: %v", err)
	}
	defer client.Close()
	client.Receive()

	client.SendFrame(protocol.Lockstep, []byte("frame-1"))
	f := waitFrame(t, frames)
	if f.code != protocol.Lockstep || f.payload != "frame-1" {
		t.Fatalf("echo = (%v, %q)", f.code, f.payload)
	}

	infos := registry.List()
	if len(infos) != 1 || infos[0].Transport != session.TransportReliable {
		t.Fatalf("registry = %+v", infos)
	}
}

func TestServerEnforcesSessionLimit(t *testing.T) {
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()
	var rejected atomic.Int32
	bus.Subscribe(events.EventSessionRejected, "test", func(context.Context, events.Event) error {
		rejected.Add(1)
		return nil
	})

	srv, registry := startEchoServer(t, ServerConfig{TCPAddr: "127.0.0.1:0", MaxSessions: 1}, bus)

	first, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	eventually(t, func() bool { return registry.Count() == 1 })

	second, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection was not closed")
	}
	eventually(t, func() bool { return rejected.Load() == 1 })
}

func TestServerDropsRetransmitsFromRejectedPeer(t *testing.T) {
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()
	var rejected atomic.Int32
	bus.Subscribe(events.EventSessionRejected, "test", func(context.Context, events.Event) error {
		rejected.Add(1)
		return nil
	})

	srv, registry := startEchoServer(t, ServerConfig{UDPAddr: "127.0.0.1:0", MaxSessions: 1}, bus)
	target := srv.UDPAddr()

	admitted, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer admitted.Close()
	if _, err := admitted.WriteTo([]byte{0x01}, target); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return registry.Count() == 1 })

	refused, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer refused.Close()
	for i := 0; i < 50; i++ {
		if _, err := refused.WriteTo([]byte{0x01}, target); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, func() bool { return rejected.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if n := rejected.Load(); n != 1 {
		t.Fatalf("rejected events = %d, want 1", n)
	}
	if registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", registry.Count())
	}
}

func TestRejectCacheExpires(t *testing.T) {
	rc := newRejectCache(time.Second)
	now := time.Now()
	if rc.blocked("10.0.0.1:7001", now) {
		t.Fatal("unknown peer blocked")
	}
	rc.block("10.0.0.1:7001", now)
	if !rc.blocked("10.0.0.1:7001", now.Add(500*time.Millisecond)) {
		t.Fatal("peer not blocked inside hold-off")
	}
	if rc.blocked("10.0.0.1:7001", now.Add(time.Second)) {
		t.Fatal("peer still blocked after hold-off")
	}
}

func TestRateTracker(t *testing.T) {
	rt := newRateTracker(2)
	if !rt.allow("10.0.0.1") || !rt.allow("10.0.0.1") {
		t.Fatal("first two events rejected")
	}
	if rt.allow("10.0.0.1") {
		t.Fatal("third event in the same second allowed")
	}
	if !rt.allow("10.0.0.2") {
		t.Fatal("other IP rejected")
	}
	if !newRateTracker(0).allow("10.0.0.1") {
		t.Fatal("disabled tracker rejected")
	}
}

func TestRegistryCloseIdle(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	idleServer, idleClient := net.Pipe()
	defer idleClient.Close()
	idle := session.NewStreamSession(idleServer, nil, session.Options{
		OnClose: func(s session.Session, _ session.DisconnectReason) { registry.Unregister(s) },
	})
	loop := session.NewLoopbackSession(nil, session.Options{})
	defer loop.Close()

	registry.Register(idle)
	registry.Register(loop)
	time.Sleep(20 * time.Millisecond)

	if n := registry.CloseIdle(10*time.Millisecond, session.TransportStream); n != 1 {
		t.Fatalf("closed %d, want 1", n)
	}
	if idle.IsConnected() || !loop.IsConnected() {
		t.Fatalf("idle connected=%v loopback connected=%v", idle.IsConnected(), loop.IsConnected())
	}
	if _, ok := registry.Get(loop.ID()); !ok || registry.Count() != 1 {
		t.Fatalf("registry count = %d", registry.Count())
	}
}

func TestRegistryReplacesDuplicateID(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	opts := session.Options{
		ID:      "dup",
		OnClose: func(s session.Session, _ session.DisconnectReason) { registry.Unregister(s) },
	}
	a := session.NewLoopbackSession(nil, opts)
	b := session.NewLoopbackSession(nil, opts)
	defer b.Close()

	registry.Register(a)
	registry.Register(b)
	if a.IsConnected() {
		t.Fatal("replaced session still open")
	}
	select {
	case <-a.Done():
	case <-time.After(waitTimeout):
		t.Fatal("replaced session did not finish")
	}
	if got, ok := registry.Get("dup"); !ok || got != session.Session(b) {
		t.Fatal("replacement was dropped by the old session's close hook")
	}
	if registry.Unregister(a) {
		t.Fatal("unregistering the replaced session succeeded")
	}
}

func TestRouterDispatch(t *testing.T) {
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()
	unrouted := make(chan events.FramePayload, 1)
	bus.Subscribe(events.EventFrameUnrouted, "test", func(_ context.Context, e events.Event) error {
		unrouted <- e.Payload.(events.FramePayload)
		return nil
	})

	router := NewRouter(bus, zerolog.Nop())
	var logins []string
	router.Handle(protocol.Login, func(_ session.Session, _ protocol.RequestCode, payload []byte) {
		logins = append(logins, string(payload))
	})

	s := session.NewLoopbackSession(nil, session.Options{})
	defer s.Close()
	var bound session.Session = s
	handle := router.FrameHandler(&bound)

	handle(protocol.Login, []byte("alice"))
	handle(protocol.Login, []byte("bob"))
	handle(protocol.CreateRoom, []byte("x"))

	if len(logins) != 2 || logins[1] != "bob" {
		t.Fatalf("logins = %v", logins)
	}
	select {
	case p := <-unrouted:
		if p.Code != "create_room" || p.SessionID != s.ID() {
			t.Fatalf("unrouted payload = %+v", p)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no unrouted event")
	}
	if counts := router.Counts(); counts["login"] != 2 || counts["create_room"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRouterFrameEvents(t *testing.T) {
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()
	var seen atomic.Int32
	bus.Subscribe(events.EventFrameReceived, "test", func(_ context.Context, e events.Event) error {
		if e.Payload.(events.FramePayload).Size == 3 {
			seen.Add(1)
		}
		return nil
	})

	router := NewRouter(bus, zerolog.Nop())
	router.SetFallback(func(session.Session, protocol.RequestCode, []byte) {})

	s := session.NewLoopbackSession(nil, session.Options{})
	defer s.Close()

	router.Dispatch(s, protocol.Login, []byte("abc"))
	router.SetFrameEvents(true)
	router.Dispatch(s, protocol.Login, []byte("abc"))

	eventually(t, func() bool { return seen.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := seen.Load(); n != 1 {
		t.Fatalf("frame events = %d, want 1", n)
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	if errors.Is(ErrRateLimited, ErrSessionLimit) {
		t.Fatal("admission errors collide")
	}
}
