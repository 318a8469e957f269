package session

import (
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// Engine is the reliable-delivery algorithm a ReliableSession drives. It is
// not safe for concurrent use; the session serializes every call.
type Engine interface {
	// Send queues application bytes; a nonzero status is an error.
	Send(p []byte) int
	// Input feeds one raw datagram; a negative status rejects it.
	Input(datagram []byte) int
	// Update advances timers and flushes output.
	Update(now time.Time)
	// TryRecv returns the next reassembled message, if any.
	TryRecv() ([]byte, bool)
	// Release frees engine buffers. The engine is unusable afterwards.
	Release()
}

// EngineConfig is fixed for a session's lifetime.
type EngineConfig struct {
	Conv         uint32        `json:"conv" toml:"conv"`
	SendWindow   int           `json:"snd_wnd" toml:"snd_wnd"`
	RecvWindow   int           `json:"rcv_wnd" toml:"rcv_wnd"`
	MTU          int           `json:"mtu" toml:"mtu"`
	NoDelay      bool          `json:"nodelay" toml:"nodelay"`
	Interval     time.Duration `json:"-" toml:"-"`
	Resend       int           `json:"resend" toml:"resend"`
	NoCongestion bool          `json:"no_congestion" toml:"no_congestion"`
}

// DefaultEngineConfig returns KCP fast mode over a 512-byte MTU.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Conv:         1,
		SendWindow:   64,
		RecvWindow:   64,
		MTU:          512,
		NoDelay:      true,
		Interval:     10 * time.Millisecond,
		Resend:       2,
		NoCongestion: true,
	}
}

// EngineFactory builds an engine. output receives every datagram the engine
// emits; the slice is only valid for the duration of the call.
type EngineFactory func(cfg EngineConfig, output func(datagram []byte)) Engine

type kcpEngine struct {
	kcp *kcp.KCP
}

// NewKCPEngine builds an Engine backed by kcp-go.
func NewKCPEngine(cfg EngineConfig, output func(datagram []byte)) Engine {
	k := kcp.NewKCP(cfg.Conv, func(buf []byte, size int) {
		output(buf[:size])
	})
	k.NoDelay(boolInt(cfg.NoDelay), int(cfg.Interval/time.Millisecond), cfg.Resend, boolInt(cfg.NoCongestion))
	k.WndSize(cfg.SendWindow, cfg.RecvWindow)
	k.SetMtu(cfg.MTU)
	return &kcpEngine{kcp: k}
}

func (e *kcpEngine) Send(p []byte) int { return e.kcp.Send(p) }

func (e *kcpEngine) Input(datagram []byte) int {
	return e.kcp.Input(datagram, true, false)
}

// Update ignores now; kcp-go keeps its own monotonic clock.
func (e *kcpEngine) Update(time.Time) { e.kcp.Update() }

func (e *kcpEngine) TryRecv() ([]byte, bool) {
	size := e.kcp.PeekSize()
	if size < 0 {
		return nil, false
	}
	buf := make([]byte, size)
	n := e.kcp.Recv(buf)
	if n < 0 {
		return nil, false
	}
	return buf[:n], true
}

func (e *kcpEngine) Release() { e.kcp.ReleaseTX() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
