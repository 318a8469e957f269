package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge reports a frame larger than MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame reports a length field smaller than the opcode size.
	ErrMalformedFrame = errors.New("malformed frame header")

	// ErrBufferOverrun reports a byte count exceeding the buffer's free tail.
	ErrBufferOverrun = errors.New("frame buffer overrun")
)

// FrameHandler receives one extracted frame. The payload slice is owned by
// the handler.
type FrameHandler func(code RequestCode, payload []byte)

// FrameBuffer reassembles frames from a byte stream. It owns a single
// fixed-capacity array; bytes [0, Len()) are valid but unconsumed and the
// tail [Len(), Cap()) is free for the next read.
type FrameBuffer struct {
	data  []byte
	valid int
}

// NewFrameBuffer creates a buffer with MaxFrameSize capacity.
func NewFrameBuffer() *FrameBuffer {
	return NewFrameBufferSize(MaxFrameSize)
}

// NewFrameBufferSize creates a buffer with the given capacity.
func NewFrameBufferSize(capacity int) *FrameBuffer {
	if capacity < HeaderSize {
		capacity = HeaderSize
	}
	return &FrameBuffer{data: make([]byte, capacity)}
}

// Bytes returns the whole backing array.
func (b *FrameBuffer) Bytes() []byte { return b.data }

// Len returns the number of valid unconsumed bytes.
func (b *FrameBuffer) Len() int { return b.valid }

// Cap returns the buffer capacity.
func (b *FrameBuffer) Cap() int { return len(b.data) }

// Free returns the number of bytes available at the tail.
func (b *FrameBuffer) Free() int { return len(b.data) - b.valid }

// Tail returns the free region where the next read should land.
func (b *FrameBuffer) Tail() []byte { return b.data[b.valid:] }

// Reset discards all buffered bytes.
func (b *FrameBuffer) Reset() { b.valid = 0 }

// Process accounts for n new bytes written into Tail and extracts every
// complete frame, invoking onFrame once per frame in arrival order. Remaining
// bytes are compacted to offset zero after each extraction.
//
// A header that can never be satisfied by this buffer (length below the
// opcode size, or a frame larger than the capacity) yields ErrMalformedFrame
// or ErrFrameTooLarge; the buffered bytes are left in place.
func (b *FrameBuffer) Process(n int, onFrame FrameHandler) error {
	if n < 0 || n > b.Free() {
		return fmt.Errorf("%w: %d new bytes, %d free", ErrBufferOverrun, n, b.Free())
	}
	b.valid += n

	for b.valid > LengthSize {
		length := int(int32(binary.LittleEndian.Uint32(b.data[0:LengthSize])))
		if length < OpcodeSize {
			return fmt.Errorf("%w: length %d", ErrMalformedFrame, length)
		}
		total := length + LengthSize
		if total > len(b.data) {
			return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, total, len(b.data))
		}
		if b.valid < total {
			break
		}

		code := RequestCode(int32(binary.LittleEndian.Uint32(b.data[LengthSize:HeaderSize])))
		payload := make([]byte, total-HeaderSize)
		copy(payload, b.data[HeaderSize:total])

		copy(b.data, b.data[total:b.valid])
		b.valid -= total

		if onFrame != nil {
			onFrame(code, payload)
		}
	}
	return nil
}

// Pack encodes a frame. When the result exceeds MaxFrameSize the full frame
// is still returned, together with ErrFrameTooLarge, so the caller can log
// the anomaly and decide whether to transmit.
func Pack(code RequestCode, payload []byte) ([]byte, error) {
	length := OpcodeSize + len(payload)
	frame := make([]byte, LengthSize+length)
	binary.LittleEndian.PutUint32(frame[0:LengthSize], uint32(int32(length)))
	binary.LittleEndian.PutUint32(frame[LengthSize:HeaderSize], uint32(int32(code)))
	copy(frame[HeaderSize:], payload)

	if len(frame) > MaxFrameSize {
		return frame, fmt.Errorf("%w: %.2fKB/%.2fKB", ErrFrameTooLarge,
			float64(len(frame))/1024, float64(MaxFrameSize)/1024)
	}
	return frame, nil
}

// PackString encodes a frame with a UTF-8 string payload.
func PackString(code RequestCode, s string) ([]byte, error) {
	return Pack(code, []byte(s))
}
