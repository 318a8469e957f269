// Package network accepts and dials transport sessions: a TCP acceptor that
// spawns one stream session per connection, a UDP acceptor that demultiplexes
// a shared socket into one reliable session per remote address, and the
// registry and router those sessions report to.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/session"
)

var (
	// ErrSessionLimit rejects a peer when MaxSessions are already open.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrRateLimited rejects a peer opening sessions too quickly.
	ErrRateLimited = errors.New("session rate limit exceeded")
)

const (
	udpReadBufferSize = 64 * 1024
	// DefaultRejectHoldoff is how long datagrams from a refused address are
	// dropped before admission is tried again.
	DefaultRejectHoldoff = 5 * time.Second
)

// ServerConfig configures the acceptors. An empty address disables that
// acceptor.
type ServerConfig struct {
	TCPAddr          string
	UDPAddr          string
	MaxSessions      int
	AcceptRatePerSec int
	// RejectHoldoff overrides DefaultRejectHoldoff when positive.
	RejectHoldoff time.Duration
	// Session is the template applied to every accepted session. Its ID,
	// Logger, OnClose and OwnsConn fields are set by the server.
	Session session.Options
}

// Server owns the listening sockets and every session they accept.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	router   *Router
	bus      *events.EventBus
	logger   zerolog.Logger

	tcpListener net.Listener
	udpConn     net.PacketConn

	peersMu sync.Mutex
	peers   map[string]*session.ReliableSession

	rate     *rateTracker
	rejected *rejectCache
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopped  atomic.Bool
}

// NewServer creates a server. bus may be nil.
func NewServer(cfg ServerConfig, registry *Registry, router *Router, bus *events.EventBus, logger zerolog.Logger) *Server {
	holdoff := cfg.RejectHoldoff
	if holdoff <= 0 {
		holdoff = DefaultRejectHoldoff
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   router,
		bus:      bus,
		logger:   logger.With().Str("component", "server").Logger(),
		peers:    make(map[string]*session.ReliableSession),
		rate:     newRateTracker(cfg.AcceptRatePerSec),
		rejected: newRejectCache(holdoff),
	}
}

// Start binds the configured acceptors and serves them in the background
// until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	lc := ReuseAddrListenConfig()

	if s.cfg.TCPAddr != "" {
		ln, err := lc.Listen(ctx, "tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to start TCP acceptor on %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcpListener = ln
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP acceptor started")
	}

	if s.cfg.UDPAddr != "" {
		pc, err := lc.ListenPacket(ctx, "udp", s.cfg.UDPAddr)
		if err != nil {
			if s.tcpListener != nil {
				s.tcpListener.Close()
			}
			return fmt.Errorf("failed to start UDP acceptor on %s: %w", s.cfg.UDPAddr, err)
		}
		s.udpConn = pc
		s.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("UDP acceptor started")
	}

	if s.tcpListener != nil {
		s.wg.Add(1)
		go s.acceptTCP(ctx)
	}
	if s.udpConn != nil {
		s.wg.Add(1)
		go s.serveUDP(ctx)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop closes the acceptors and every session, then waits for the serving
// goroutines. It is idempotent.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.logger.Info().Msg("stopping server")

	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.registry.CloseAll()
	s.wg.Wait()
	s.logger.Info().Msg("server stopped")
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// admit applies the per-IP rate and the session cap to a new peer.
func (s *Server) admit(transport session.Transport, remote net.Addr) error {
	var err error
	switch {
	case !s.rate.allow(extractIP(remote)):
		err = ErrRateLimited
	case s.cfg.MaxSessions > 0 && s.registry.Count() >= s.cfg.MaxSessions:
		err = ErrSessionLimit
	default:
		return nil
	}

	s.logger.Warn().Err(err).Str("transport", string(transport)).Str("remote", remote.String()).Msg("rejecting peer")
	s.emit(events.EventSessionRejected, remote.String(), events.RejectedPayload{
		Transport: string(transport),
		Remote:    remote.String(),
		Reason:    err.Error(),
	})
	return err
}

func (s *Server) sessionOptions() session.Options {
	opts := s.cfg.Session
	opts.ID = ""
	opts.Logger = &s.logger
	opts.OnClose = s.onSessionClosed
	opts.OwnsConn = false
	return opts
}

func (s *Server) acceptTCP(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil {
				return
			}
			s.logger.Debug().Err(err).Msg("TCP accept error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := s.admit(session.TransportStream, conn.RemoteAddr()); err != nil {
			conn.Close()
			continue
		}

		var sess session.Session
		receiver := session.NewFrameReceiver(s.router.FrameHandler(&sess), nil)
		stream := session.NewStreamSession(conn, receiver, s.sessionOptions())
		sess = stream
		s.opened(stream)
		stream.Receive()
	}
}

func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil {
				return
			}
			s.logger.Debug().Err(err).Msg("UDP read error")
			continue
		}

		peer := s.udpPeer(addr)
		if peer == nil {
			continue
		}
		peer.Input(buf[:n])
	}
}

// udpPeer returns the live session for addr, creating one for a new address.
// It returns nil when the peer is not admitted.
func (s *Server) udpPeer(addr net.Addr) *session.ReliableSession {
	key := addr.String()

	s.peersMu.Lock()
	peer, ok := s.peers[key]
	s.peersMu.Unlock()
	if ok && peer.IsConnected() {
		return peer
	}

	now := time.Now()
	if s.rejected.blocked(key, now) {
		return nil
	}
	if err := s.admit(session.TransportReliable, addr); err != nil {
		s.rejected.block(key, now)
		return nil
	}

	var sess session.Session
	receiver := session.NewFrameReceiver(s.router.FrameHandler(&sess), nil)
	peer = session.NewReliableSession(s.udpConn, receiver, addr, s.sessionOptions())
	sess = peer

	s.peersMu.Lock()
	s.peers[key] = peer
	s.peersMu.Unlock()

	s.opened(peer)
	peer.Receive()
	return peer
}

func (s *Server) opened(sess session.Session) {
	s.registry.Register(sess)
	if s.stopped.Load() {
		sess.Close()
		return
	}
	info := session.Describe(sess)
	s.logger.Info().
		Str("session", info.ID).
		Str("transport", string(info.Transport)).
		Str("remote", info.Remote).
		Msg("session opened")
	s.emit(events.EventSessionOpened, info.ID, payloadFor(info))
}

func (s *Server) onSessionClosed(sess session.Session, reason session.DisconnectReason) {
	s.registry.Unregister(sess)

	if rs, ok := sess.(*session.ReliableSession); ok && rs.RemoteAddr() != nil {
		key := rs.RemoteAddr().String()
		s.peersMu.Lock()
		if s.peers[key] == rs {
			delete(s.peers, key)
		}
		s.peersMu.Unlock()
	}

	info := session.Describe(sess)
	payload := payloadFor(info)
	payload.Reason = reason.String()
	payload.ClosedAt = time.Now()
	s.emit(events.EventSessionClosed, info.ID, payload)
}

func (s *Server) emit(t events.EventType, source string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: source, Payload: payload})
}

// payloadFor converts a session description into an event payload.
func payloadFor(info session.Info) events.SessionPayload {
	return events.SessionPayload{
		ID:        info.ID,
		Transport: string(info.Transport),
		Remote:    info.Remote,
		Mode:      info.Mode.String(),
		OpenedAt:  info.Stats.OpenedAt,
		BytesIn:   info.Stats.BytesIn,
		BytesOut:  info.Stats.BytesOut,
	}
}

// SessionPayload describes s as an event payload.
func SessionPayload(s session.Session) events.SessionPayload {
	return payloadFor(session.Describe(s))
}
