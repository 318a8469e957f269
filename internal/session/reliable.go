package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxLoopbackRounds bounds how many generations of looped-back output a
	// single engine call may feed back into Input.
	maxLoopbackRounds = 8
	readBufferSize    = 64 * 1024
)

// ReliableSession carries frames over a datagram socket through an ARQ
// engine. It is connected from construction until Close, a heartbeat
// timeout, or too many consecutive transmit failures.
//
// Engine output goes to the remote address while Online. While Offline it is
// queued and fed back into the same engine's Input once the current engine
// call returns, so a session can talk to itself with no socket at all.
type ReliableSession struct {
	base

	conn     net.PacketConn
	remote   net.Addr
	receiver *PendingReceive
	ownsConn bool

	interval     time.Duration
	heartbeat    time.Duration
	failureLimit int

	// mu guards everything below, and every engine call. Engine output
	// runs with mu held.
	mu          sync.Mutex
	engine      Engine
	loopback    [][]byte
	failures    int
	lastInbound time.Time

	connected atomic.Bool
	started   atomic.Bool
	stop      chan struct{}
}

// NewReliableSession builds a session that exchanges engine datagrams with
// remote over conn. Inbound bytes land in receiver; a nil receiver discards
// them. Unless opts.OwnsConn is set the caller feeds datagrams via Input.
func NewReliableSession(conn net.PacketConn, receiver *PendingReceive, remote net.Addr, opts Options) *ReliableSession {
	opts = opts.withDefaults()
	if receiver == nil {
		receiver = NewFrameReceiver(nil, nil)
	}

	s := &ReliableSession{
		conn:         conn,
		remote:       remote,
		receiver:     receiver,
		ownsConn:     opts.OwnsConn,
		interval:     opts.TickInterval,
		heartbeat:    opts.HeartbeatTimeout,
		failureLimit: opts.SendFailureLimit,
		lastInbound:  time.Now(),
		stop:         make(chan struct{}),
	}
	s.init(TransportReliable, opts, remote, s.Send)
	s.engine = opts.NewEngine(opts.Engine, s.output)
	s.connected.Store(true)
	return s
}

// NewLoopbackSession builds an Offline session with no socket. Everything
// sent on it comes back through receiver.
func NewLoopbackSession(receiver *PendingReceive, opts Options) *ReliableSession {
	opts.Mode = Offline
	opts.OwnsConn = false
	return NewReliableSession(nil, receiver, nil, opts)
}

func (s *ReliableSession) IsConnected() bool    { return s.connected.Load() }
func (s *ReliableSession) RemoteAddr() net.Addr { return s.remote }

// SetMode switches where engine output goes. Entering Online restarts the
// heartbeat clock.
func (s *ReliableSession) SetMode(m Mode) {
	prev := Mode(s.mode.Swap(int32(m)))
	if prev == m {
		return
	}
	if m == Online {
		s.mu.Lock()
		s.lastInbound = time.Now()
		s.mu.Unlock()
	}
	s.logger.Debug().Str("mode", m.String()).Msg("session mode changed")
}

// Receive starts the tick loop, and the socket read loop when the session
// owns its socket. Later calls are no-ops.
func (s *ReliableSession) Receive() {
	if !s.connected.Load() || s.started.Swap(true) {
		return
	}
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()

	if s.ownsConn && s.conn != nil {
		go s.readLoop()
	}
	go s.tickLoop()
}

// Send queues p on the engine. A nonzero engine status is logged only; the
// engine's retransmission handles recovery.
func (s *ReliableSession) Send(p []byte) {
	if len(p) == 0 || !s.connected.Load() {
		return
	}
	var status int
	err := s.guard(func(e Engine) { status = e.Send(p) })
	if err != nil {
		s.fault(err)
		return
	}
	if !s.connected.Load() {
		// output hit the failure limit during this call
		s.closeWith(ReasonSendFailures)
		return
	}
	if status != 0 {
		s.logger.Warn().Int("status", status).Int("size", len(p)).Msg("engine send error")
	}
}

// Input feeds one raw datagram from the peer. An accepted datagram resets the
// heartbeat clock.
func (s *ReliableSession) Input(datagram []byte) {
	if len(datagram) == 0 || !s.connected.Load() {
		return
	}
	s.datagramsIn.Add(1)
	s.bytesIn.Add(uint64(len(datagram)))

	var status int
	err := s.guard(func(e Engine) {
		status = e.Input(datagram)
		if status >= 0 {
			s.lastInbound = time.Now()
		}
	})
	if err != nil {
		s.fault(err)
		return
	}
	if status < 0 {
		s.logger.Debug().Int("status", status).Int("size", len(datagram)).Msg("engine rejected datagram")
		return
	}
	s.touch()
}

// Close stops the tick loop and releases the engine. The socket is closed
// only when the session owns it. Close is idempotent and safe from any
// goroutine, including the session's own callbacks.
func (s *ReliableSession) Close() { s.closeWith(ReasonClosedLocal) }

func (s *ReliableSession) closeWith(reason DisconnectReason) {
	if !s.beginClose(reason) {
		return
	}
	s.connected.Store(false)
	close(s.stop)

	s.mu.Lock()
	if s.engine != nil {
		s.engine.Release()
		s.engine = nil
	}
	s.loopback = nil
	s.mu.Unlock()

	if s.ownsConn && s.conn != nil {
		_ = s.conn.Close()
	}

	event := s.logger.Info()
	if reason != ReasonClosedLocal {
		event = s.logger.Warn()
	}
	event.Str("reason", s.Reason().String()).Msg("reliable session closed")

	if !s.started.Swap(true) {
		s.finish(s, s.receiver)
	}
}

func (s *ReliableSession) fault(err error) {
	s.logger.Error().Err(err).Msg("engine fault")
	s.closeWith(ReasonEngineFault)
}

// guard runs fn against the engine with mu held, then drains any looped-back
// output. A panic inside the engine is recovered and returned as an error.
func (s *ReliableSession) guard(fn func(e Engine)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ErrSessionClosed
	}
	fn(s.engine)
	s.feedLoopback()
	return nil
}

// feedLoopback feeds queued Offline output back into the engine. Must be
// called with mu held.
func (s *ReliableSession) feedLoopback() {
	for round := 0; round < maxLoopbackRounds && len(s.loopback) > 0; round++ {
		queued := s.loopback
		s.loopback = nil
		for _, datagram := range queued {
			if s.engine.Input(datagram) >= 0 {
				s.lastInbound = time.Now()
			}
		}
	}
	if n := len(s.loopback); n > 0 {
		s.logger.Debug().Int("datagrams", n).Msg("loopback output carried to next call")
	}
}

// output receives every datagram the engine emits. Runs with mu held.
func (s *ReliableSession) output(datagram []byte) {
	s.datagramsOut.Add(1)

	if s.Mode() == Offline {
		s.loopback = append(s.loopback, append([]byte(nil), datagram...))
		return
	}

	var err error
	if s.conn == nil || s.remote == nil {
		err = net.ErrClosed
	} else {
		_, err = s.conn.WriteTo(datagram, s.remote)
	}
	if err != nil {
		s.failures++
		s.sendFailures.Add(1)
		s.logger.Warn().Err(err).Int("consecutive", s.failures).Msg("datagram transmit failed")
		if s.failures >= s.failureLimit {
			s.setReason(ReasonSendFailures)
			s.connected.Store(false)
		}
		return
	}
	s.failures = 0
	s.bytesOut.Add(uint64(len(datagram)))
}

func (s *ReliableSession) tickLoop() {
	defer s.finish(s, s.receiver)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if reason, ok := s.tick(now); !ok {
				s.closeWith(reason)
				return
			}
		}
	}
}

// tick drives one engine cycle: update, drain, deliver, then liveness checks.
// It reports false with a reason when the session must close.
func (s *ReliableSession) tick(now time.Time) (DisconnectReason, bool) {
	var (
		drained  [][]byte
		failures int
		silent   time.Duration
	)
	err := s.guard(func(e Engine) {
		e.Update(now)
		s.feedLoopback()
		for {
			p, ok := e.TryRecv()
			if !ok {
				break
			}
			drained = append(drained, p)
		}
		if s.Mode() == Offline {
			s.lastInbound = now
		}
		failures = s.failures
		silent = now.Sub(s.lastInbound)
	})
	if errors.Is(err, ErrSessionClosed) {
		return ReasonClosedLocal, false
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("engine fault")
		return ReasonEngineFault, false
	}

	for _, p := range drained {
		if !s.connected.Load() {
			break
		}
		derr := contain(func() error { return s.receiver.Deliver(p) })
		if errors.Is(derr, ErrHandlerPanic) {
			s.logger.Error().Err(derr).Msg("frame handler fault")
			return ReasonEngineFault, false
		}
		if derr != nil {
			s.logger.Warn().Err(derr).Msg("dropping session after framing error")
			return ReasonProtocolError, false
		}
	}

	if failures >= s.failureLimit {
		return ReasonSendFailures, false
	}
	if s.heartbeat > 0 && s.Mode() == Online && silent >= s.heartbeat {
		s.logger.Info().Dur("silent", silent).Msg("heartbeat timeout")
		return ReasonHeartbeatTimeout, false
	}
	return ReasonUnknown, true
}

// readLoop feeds datagrams from an owned socket. Datagrams from other
// addresses are ignored when a remote is set.
func (s *ReliableSession) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.connected.Load() {
				s.logger.Debug().Err(err).Msg("datagram read failed")
				s.closeWith(ReasonNetworkError)
			}
			return
		}
		if s.remote != nil && addr != nil && addr.String() != s.remote.String() {
			continue
		}
		s.Input(buf[:n])
	}
}
