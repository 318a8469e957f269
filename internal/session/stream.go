package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockstep-project/lockstep/internal/protocol"
)

// StreamSession carries frames over a connected stream socket. It has no
// timer: a single pump goroutine reads straight into the PendingReceive view
// and re-arms after every completion.
type StreamSession struct {
	base

	conn         net.Conn
	receiver     *PendingReceive
	writeTimeout time.Duration

	writeMu   sync.Mutex
	connected atomic.Bool
	started   atomic.Bool
}

// NewStreamSession wraps a pre-connected stream socket. Inbound bytes land
// in receiver; a nil receiver discards them.
func NewStreamSession(conn net.Conn, receiver *PendingReceive, opts Options) *StreamSession {
	opts = opts.withDefaults()
	if receiver == nil {
		receiver = NewPendingReceive(protocol.NewFrameBuffer())
	}

	s := &StreamSession{
		conn:         conn,
		receiver:     receiver,
		writeTimeout: opts.WriteTimeout,
	}
	var remote net.Addr
	if conn != nil {
		remote = conn.RemoteAddr()
	}
	s.init(TransportStream, opts, remote, s.Send)
	s.connected.Store(conn != nil)
	return s
}

func (s *StreamSession) IsConnected() bool { return s.connected.Load() }

// SetMode records m. Stream traffic is not re-routed by mode.
func (s *StreamSession) SetMode(m Mode) { s.mode.Store(int32(m)) }

func (s *StreamSession) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// Receive starts the read pump. Later calls are no-ops.
func (s *StreamSession) Receive() {
	if !s.connected.Load() || s.started.Swap(true) {
		return
	}
	go s.pump()
}

func (s *StreamSession) pump() {
	defer s.finish(s, s.receiver)

	for s.connected.Load() {
		view := s.receiver.View()
		if len(view) == 0 {
			s.logger.Warn().Msg("receive buffer full")
			s.closeWith(ReasonProtocolError)
			return
		}

		n, err := s.conn.Read(view)
		if n > 0 {
			if !s.connected.Load() {
				return
			}
			s.bytesIn.Add(uint64(n))
			s.touch()
			perr := contain(func() error { return s.receiver.EndReceive(n) })
			if errors.Is(perr, ErrHandlerPanic) {
				s.logger.Error().Err(perr).Msg("frame handler fault")
				s.closeWith(ReasonHandlerFault)
				return
			}
			if perr != nil {
				s.logger.Warn().Err(perr).Msg("dropping stream after framing error")
				s.closeWith(ReasonProtocolError)
				return
			}
		}
		if err != nil {
			if !s.connected.Load() {
				return
			}
			reason := ReasonNetworkError
			if errors.Is(err, io.EOF) {
				reason = ReasonClosedRemote
			} else {
				s.logger.Debug().Err(err).Msg("stream read failed")
			}
			s.closeWith(reason)
			return
		}
	}
}

// Send writes p to the socket. It drops p while disconnected; a write error
// disconnects the session.
func (s *StreamSession) Send(p []byte) {
	if len(p) == 0 || !s.connected.Load() {
		return
	}

	s.writeMu.Lock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	n, err := s.conn.Write(p)
	s.writeMu.Unlock()

	s.bytesOut.Add(uint64(n))
	if err != nil {
		if s.connected.Load() {
			s.logger.Debug().Err(err).Msg("stream write failed")
		}
		s.closeWith(ReasonNetworkError)
		return
	}
	s.touch()
}

// Close closes the socket. It is idempotent and safe from any goroutine,
// including the session's own callbacks.
func (s *StreamSession) Close() { s.closeWith(ReasonClosedLocal) }

func (s *StreamSession) closeWith(reason DisconnectReason) {
	if !s.beginClose(reason) {
		return
	}
	s.connected.Store(false)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.logger.Info().Str("reason", s.Reason().String()).Msg("stream session closed")

	// With no pump running nobody else will deliver the final completion.
	if !s.started.Swap(true) {
		s.finish(s, s.receiver)
	}
}
