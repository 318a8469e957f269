package session

import (
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/lockstep-project/lockstep/internal/protocol"
)

func newStreamPair(t *testing.T, opts Options) (*StreamSession, *sink, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	k, r := newSink()
	s := NewStreamSession(server, r, opts)
	t.Cleanup(func() {
		s.Close()
		client.Close()
	})
	return s, k, client
}

func TestStreamSessionDeliversFramesInOrder(t *testing.T) {
	s, k, client := newStreamPair(t, Options{})
	s.Receive()

	var stream []byte
	names := []string{"alice", "bob", "carol"}
	for _, name := range names {
		f, _ := protocol.PackString(protocol.Login, name)
		stream = append(stream, f...)
	}

	go func() {
		// uneven writes so frames straddle reads
		for i := 0; i < len(stream); i += 7 {
			end := i + 7
			if end > len(stream) {
				end = len(stream)
			}
			if _, err := client.Write(stream[i:end]); err != nil {
				return
			}
		}
	}()

	for _, name := range names {
		f := k.next(t)
		if f.code != protocol.Login || f.payload != name {
			t.Fatalf("got (%v, %q), want (login, %q)", f.code, f.payload, name)
		}
	}
	if s.Stats().BytesIn != uint64(len(stream)) {
		t.Fatalf("bytes in = %d, want %d", s.Stats().BytesIn, len(stream))
	}
}

func TestStreamSessionSendWritesSocket(t *testing.T) {
	s, _, client := newStreamPair(t, Options{})

	want, _ := protocol.PackString(protocol.JoinRoom, "room-1")
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		if _, err := io.ReadFull(client, buf); err == nil {
			got <- buf
		}
	}()

	s.SendFrame(protocol.JoinRoom, []byte("room-1"))
	if string(<-got) != string(want) {
		t.Fatal("peer received a different frame")
	}
}

func TestStreamSessionRemoteCloseSignalsOnce(t *testing.T) {
	var reasons []DisconnectReason
	s, k, client := newStreamPair(t, Options{
		OnClose: func(_ Session, r DisconnectReason) { reasons = append(reasons, r) },
	})
	s.Receive()

	client.Close()
	waitDone(t, s)
	s.Close()

	if s.IsConnected() {
		t.Fatal("still connected after remote close")
	}
	if k.closed.Load() != 1 {
		t.Fatalf("zero completions = %d, want 1", k.closed.Load())
	}
	if len(reasons) != 1 || reasons[0] != ReasonClosedRemote {
		t.Fatalf("reasons = %v, want [closed_remote]", reasons)
	}
}

func TestStreamSessionCloseIdempotent(t *testing.T) {
	var closes atomic.Int32
	s, k, _ := newStreamPair(t, Options{
		OnClose: func(Session, DisconnectReason) { closes.Add(1) },
	})
	s.Receive()

	s.Close()
	s.Close()
	waitDone(t, s)

	s.Send([]byte("dropped"))
	s.Receive()

	if s.IsConnected() {
		t.Fatal("connected after Close")
	}
	if s.Reason() != ReasonClosedLocal {
		t.Fatalf("reason = %v, want closed_local", s.Reason())
	}
	if closes.Load() != 1 || k.closed.Load() != 1 {
		t.Fatalf("OnClose=%d completions=%d, want 1 1", closes.Load(), k.closed.Load())
	}
}

func TestStreamSessionCloseBeforeReceive(t *testing.T) {
	s, k, _ := newStreamPair(t, Options{})
	s.Close()
	waitDone(t, s)
	if k.closed.Load() != 1 {
		t.Fatalf("zero completions = %d, want 1", k.closed.Load())
	}
}

func TestStreamSessionProtocolError(t *testing.T) {
	s, k, client := newStreamPair(t, Options{})
	s.Receive()

	go client.Write([]byte{0x02, 0, 0, 0, 0, 0, 0, 0, 0xff})
	waitDone(t, s)

	if s.Reason() != ReasonProtocolError {
		t.Fatalf("reason = %v, want protocol_error", s.Reason())
	}
	if k.closed.Load() != 1 {
		t.Fatalf("zero completions = %d, want 1", k.closed.Load())
	}
}

func TestStreamSessionCloseFromFrameHandler(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var s *StreamSession
	r := NewFrameReceiver(func(protocol.RequestCode, []byte) { s.Close() }, nil)
	s = NewStreamSession(server, r, Options{})
	s.Receive()

	f, _ := protocol.PackString(protocol.QuitRoom, "")
	go client.Write(f)
	waitDone(t, s)

	if s.Reason() != ReasonClosedLocal {
		t.Fatalf("reason = %v, want closed_local", s.Reason())
	}
}

func TestStreamSessionHandlerPanicForcesClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var closed atomic.Int32
	r := NewFrameReceiver(func(protocol.RequestCode, []byte) {
		panic("handler exploded")
	}, func() { closed.Add(1) })
	s := NewStreamSession(server, r, Options{})
	s.Receive()

	f, _ := protocol.PackString(protocol.Login, "alice")
	go client.Write(f)
	waitDone(t, s)

	if s.Reason() != ReasonHandlerFault {
		t.Fatalf("reason = %v, want handler_fault", s.Reason())
	}
	if s.IsConnected() {
		t.Fatal("session still connected after handler panic")
	}
	if closed.Load() != 1 {
		t.Fatalf("zero completions = %d, want 1", closed.Load())
	}
}

func TestStreamSessionModeIsRecorded(t *testing.T) {
	s, _, _ := newStreamPair(t, Options{Mode: Offline})
	if s.Mode() != Offline {
		t.Fatalf("mode = %v, want offline", s.Mode())
	}
	s.SetMode(Online)
	if s.Mode() != Online {
		t.Fatalf("mode = %v, want online", s.Mode())
	}
	if s.Transport() != TransportStream || s.ID() == "" {
		t.Fatalf("transport=%q id=%q", s.Transport(), s.ID())
	}
}
