package session

import (
	"errors"
	"sync"

	"github.com/lockstep-project/lockstep/internal/protocol"
)

// ErrReceiveFull reports that a delivery found no free bytes in the
// destination buffer.
var ErrReceiveFull = errors.New("receive buffer full")

// Completion is invoked with the number of bytes that landed in the pending
// view. Zero means the session is gone.
type Completion func(n int) error

// PendingReceive describes where the next read lands (a view over the free
// tail of a FrameBuffer) and what consumes it. Exactly one completion is
// registered at a time. Positive completions keep the registration armed; a
// zero-length completion consumes it, so the disconnect signal fires once.
type PendingReceive struct {
	buf *protocol.FrameBuffer

	mu       sync.Mutex
	complete Completion
}

// NewPendingReceive creates a pending receive over buf with no completion.
func NewPendingReceive(buf *protocol.FrameBuffer) *PendingReceive {
	return &PendingReceive{buf: buf}
}

// Buffer returns the whole destination array.
func (r *PendingReceive) Buffer() []byte { return r.buf.Bytes() }

// Offset is where the next read should start inside Buffer.
func (r *PendingReceive) Offset() int { return r.buf.Len() }

// Size is how many bytes the next read may write.
func (r *PendingReceive) Size() int { return r.buf.Free() }

// View returns Buffer()[Offset():Offset()+Size()]. Sockets read into it
// directly.
func (r *PendingReceive) View() []byte { return r.buf.Tail() }

// Frames returns the underlying frame buffer.
func (r *PendingReceive) Frames() *protocol.FrameBuffer { return r.buf }

// BeginReceive registers fn, replacing any previous completion.
func (r *PendingReceive) BeginReceive(fn Completion) {
	r.mu.Lock()
	r.complete = fn
	r.mu.Unlock()
}

// Armed reports whether a completion is registered.
func (r *PendingReceive) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete != nil
}

// EndReceive reports n landed bytes to the registered completion. With no
// completion registered it does nothing.
func (r *PendingReceive) EndReceive(n int) error {
	r.mu.Lock()
	fn := r.complete
	if n <= 0 {
		r.complete = nil
	}
	r.mu.Unlock()

	if fn == nil {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return fn(n)
}

// Deliver copies p into successive views, completing each chunk. It is the
// delivery path for transports that read into their own buffers first.
func (r *PendingReceive) Deliver(p []byte) error {
	for len(p) > 0 {
		view := r.View()
		if len(view) == 0 {
			return ErrReceiveFull
		}
		n := copy(view, p)
		p = p[n:]
		if err := r.EndReceive(n); err != nil {
			return err
		}
	}
	return nil
}

// NewFrameReceiver builds a FrameBuffer and a PendingReceive whose
// completion runs frame extraction. onFrame is called for every frame in
// arrival order; onClosed once, on the zero-length completion. Either may be
// nil.
func NewFrameReceiver(onFrame protocol.FrameHandler, onClosed func()) *PendingReceive {
	buf := protocol.NewFrameBuffer()
	r := NewPendingReceive(buf)
	r.BeginReceive(func(n int) error {
		if n == 0 {
			if onClosed != nil {
				onClosed()
			}
			return nil
		}
		return buf.Process(n, onFrame)
	})
	return r
}
