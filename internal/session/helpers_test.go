package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lockstep-project/lockstep/internal/protocol"
)

const waitTimeout = 2 * time.Second

type frame struct {
	code    protocol.RequestCode
	payload string
}

// sink collects frames and zero-length completions from a session.
type sink struct {
	frames chan frame
	closed atomic.Int32
}

func newSink() (*sink, *PendingReceive) {
	k := &sink{frames: make(chan frame, 64)}
	r := NewFrameReceiver(func(code protocol.RequestCode, payload []byte) {
		k.frames <- frame{code: code, payload: string(payload)}
	}, func() {
		k.closed.Add(1)
	})
	return k, r
}

func (k *sink) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-k.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func waitDone(t *testing.T, s Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not finish", s.ID())
	}
}

// fakeEngine passes every Send straight to output and returns every Input as
// a received message.
type fakeEngine struct {
	output func([]byte)

	mu    sync.Mutex
	inbox [][]byte

	sends    atomic.Int32
	updates  atomic.Int32
	released atomic.Bool

	sendStatus    int
	panicOnUpdate bool
}

func (e *fakeEngine) Send(p []byte) int {
	e.sends.Add(1)
	e.output(p)
	return e.sendStatus
}

func (e *fakeEngine) Input(datagram []byte) int {
	e.mu.Lock()
	e.inbox = append(e.inbox, append([]byte(nil), datagram...))
	e.mu.Unlock()
	return 0
}

func (e *fakeEngine) Update(time.Time) {
	e.updates.Add(1)
	if e.panicOnUpdate {
		panic("engine exploded")
	}
}

func (e *fakeEngine) TryRecv() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbox) == 0 {
		return nil, false
	}
	p := e.inbox[0]
	e.inbox = e.inbox[1:]
	return p, true
}

func (e *fakeEngine) Release() { e.released.Store(true) }

// withFakeEngine returns a factory that installs the engine it builds into
// *dst.
func withFakeEngine(dst **fakeEngine, tweak func(*fakeEngine)) EngineFactory {
	return func(_ EngineConfig, output func([]byte)) Engine {
		e := &fakeEngine{output: output}
		if tweak != nil {
			tweak(e)
		}
		*dst = e
		return e
	}
}

// packetConn records writes and fails the ones fail selects.
type packetConn struct {
	mu     sync.Mutex
	writes [][]byte
	calls  int
	fail   func(call int) bool

	closed chan struct{}
	once   sync.Once
}

func newPacketConn(fail func(call int) bool) *packetConn {
	return &packetConn{fail: fail, closed: make(chan struct{})}
}

var errWriteRefused = errors.New("write refused")

func (c *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil && c.fail(c.calls) {
		return 0, errWriteRefused
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *packetConn) ReadFrom([]byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *packetConn) written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *packetConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr              { return testAddr }
func (c *packetConn) SetDeadline(time.Time) error      { return nil }
func (c *packetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
