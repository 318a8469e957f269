// Package session implements the transport sessions that move framed
// application messages between peers: a StreamSession over a connected
// stream socket and a ReliableSession over a datagram socket driven through
// a KCP-style ARQ engine. Both deliver inbound bytes through a
// PendingReceive and expose the same Session contract.
//
// Sessions never return or panic internal faults into caller code. A lost
// peer shows up as IsConnected() == false, a DisconnectReason, and exactly
// one zero-length completion on the session's PendingReceive.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/protocol"
)

var (
	// ErrSessionClosed is returned by helpers that operate on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrHandlerPanic wraps a panic raised by a completion or frame handler.
	ErrHandlerPanic = errors.New("handler panic")
)

// Default timing and limits.
const (
	DefaultTickInterval     = 5 * time.Millisecond
	DefaultHeartbeatTimeout = 3 * time.Second
	DefaultSendFailureLimit = 3
	DefaultWriteTimeout     = 10 * time.Second
)

// Session is the contract every transport implements.
//
// Send and Receive are not synchronized against each other by the caller's
// contract; Close may be called from any goroutine, any number of times.
type Session interface {
	ID() string
	Transport() Transport
	RemoteAddr() net.Addr

	IsConnected() bool
	Mode() Mode
	SetMode(Mode)

	// Send transmits p best-effort. It never blocks on backpressure and
	// silently drops while disconnected.
	Send(p []byte)
	// SendFrame packs and sends one frame.
	SendFrame(code protocol.RequestCode, payload []byte)
	// Receive starts feeding inbound bytes into the session's PendingReceive.
	Receive()
	// Close releases all resources. It is idempotent.
	Close()

	Reason() DisconnectReason
	Stats() Stats
	// Done is closed after the zero-length completion and OnClose have run.
	Done() <-chan struct{}
}

var (
	_ Session = (*StreamSession)(nil)
	_ Session = (*ReliableSession)(nil)
)

// CloseFunc is called once per session after its zero-length completion.
type CloseFunc func(s Session, reason DisconnectReason)

// Options configures a session. Zero values select the defaults.
type Options struct {
	// ID identifies the session; a random UUID is used when empty.
	ID string
	// Logger receives session diagnostics; nil disables logging.
	Logger *zerolog.Logger
	// Mode is the initial mode.
	Mode Mode
	// OnClose is invoked exactly once when the session terminates.
	OnClose CloseFunc

	// WriteTimeout bounds each stream write.
	WriteTimeout time.Duration

	// TickInterval is the reliable-session drive period.
	TickInterval time.Duration
	// HeartbeatTimeout closes a reliable session that has seen no inbound
	// datagram for this long while Online. Negative disables it.
	HeartbeatTimeout time.Duration
	// SendFailureLimit is the number of consecutive transmit failures after
	// which a reliable session disconnects.
	SendFailureLimit int
	// Engine configures the ARQ engine.
	Engine EngineConfig
	// NewEngine builds the ARQ engine; NewKCPEngine when nil.
	NewEngine EngineFactory
	// OwnsConn makes a reliable session close its datagram socket on Close
	// and read from it itself. Leave false when an acceptor shares the socket
	// and feeds Input.
	OwnsConn bool
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.SendFailureLimit <= 0 {
		o.SendFailureLimit = DefaultSendFailureLimit
	}
	if o.Engine == (EngineConfig{}) {
		o.Engine = DefaultEngineConfig()
	}
	if o.NewEngine == nil {
		o.NewEngine = NewKCPEngine
	}
	return o
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	DatagramsIn  uint64    `json:"datagrams_in"`
	DatagramsOut uint64    `json:"datagrams_out"`
	SendFailures uint64    `json:"send_failures"`
}

// Info describes a session for registries and admin surfaces.
type Info struct {
	ID        string           `json:"id"`
	Transport Transport        `json:"transport"`
	Remote    string           `json:"remote"`
	Mode      Mode             `json:"mode"`
	Connected bool             `json:"connected"`
	Reason    DisconnectReason `json:"reason"`
	Stats     Stats            `json:"stats"`
}

// Describe snapshots s.
func Describe(s Session) Info {
	remote := ""
	if addr := s.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return Info{
		ID:        s.ID(),
		Transport: s.Transport(),
		Remote:    remote,
		Mode:      s.Mode(),
		Connected: s.IsConnected(),
		Reason:    s.Reason(),
		Stats:     s.Stats(),
	}
}

// base carries the state shared by every transport: identity, the mutable
// mode flag, the terminal reason, and counters.
type base struct {
	id        string
	transport Transport
	logger    zerolog.Logger
	onClose   CloseFunc
	send      func([]byte)

	closing    atomic.Bool
	finishOnce sync.Once
	done       chan struct{}

	mode   atomic.Int32
	reason atomic.Int32

	openedAt     time.Time
	lastActivity atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	sendFailures atomic.Uint64
}

func (b *base) init(transport Transport, opts Options, remote net.Addr, send func([]byte)) {
	now := time.Now()
	b.id = opts.ID
	b.transport = transport
	b.onClose = opts.OnClose
	b.send = send
	b.done = make(chan struct{})
	b.openedAt = now
	b.lastActivity.Store(now.UnixNano())
	b.mode.Store(int32(opts.Mode))

	ctx := opts.Logger.With().
		Str("session", opts.ID).
		Str("transport", string(transport))
	if remote != nil {
		ctx = ctx.Str("remote", remote.String())
	}
	b.logger = ctx.Logger()
}

func (b *base) ID() string           { return b.id }
func (b *base) Transport() Transport { return b.transport }
func (b *base) Mode() Mode           { return Mode(b.mode.Load()) }

func (b *base) Reason() DisconnectReason { return DisconnectReason(b.reason.Load()) }

// setReason records r if no reason has been recorded yet.
func (b *base) setReason(r DisconnectReason) {
	b.reason.CompareAndSwap(int32(ReasonUnknown), int32(r))
}

func (b *base) Done() <-chan struct{} { return b.done }

// beginClose reports whether the caller won the right to tear the session
// down. Close may re-enter from OnClose and must return immediately there.
func (b *base) beginClose(r DisconnectReason) bool {
	if !b.closing.CompareAndSwap(false, true) {
		return false
	}
	b.setReason(r)
	return true
}

// finish delivers the zero-length completion and runs OnClose, once.
func (b *base) finish(self Session, r *PendingReceive) {
	b.finishOnce.Do(func() {
		defer close(b.done)
		if r != nil {
			if err := contain(func() error { return r.EndReceive(0) }); errors.Is(err, ErrHandlerPanic) {
				b.logger.Error().Err(err).Msg("close completion failed")
			}
		}
		if b.onClose != nil {
			if err := contain(func() error { b.onClose(self, b.Reason()); return nil }); err != nil {
				b.logger.Error().Err(err).Msg("close hook failed")
			}
		}
	})
}

// contain runs fn and converts a panic into an ErrHandlerPanic error, so
// consumer code cannot take down a session goroutine.
func contain(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}

func (b *base) touch() { b.lastActivity.Store(time.Now().UnixNano()) }

func (b *base) SendFrame(code protocol.RequestCode, payload []byte) {
	frame, err := protocol.Pack(code, payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("code", code.String()).Msg("sending oversized frame")
	}
	b.send(frame)
}

func (b *base) Stats() Stats {
	return Stats{
		OpenedAt:     b.openedAt,
		LastActivity: time.Unix(0, b.lastActivity.Load()),
		BytesIn:      b.bytesIn.Load(),
		BytesOut:     b.bytesOut.Load(),
		DatagramsIn:  b.datagramsIn.Load(),
		DatagramsOut: b.datagramsOut.Load(),
		SendFailures: b.sendFailures.Load(),
	}
}
