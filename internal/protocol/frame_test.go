package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

type captured struct {
	code    RequestCode
	payload []byte
}

func collect(out *[]captured) FrameHandler {
	return func(code RequestCode, payload []byte) {
		*out = append(*out, captured{code: code, payload: payload})
	}
}

// feed copies chunk into the buffer tail and processes it.
func feed(t *testing.T, b *FrameBuffer, chunk []byte, onFrame FrameHandler) {
	t.Helper()
	n := copy(b.Tail(), chunk)
	if n != len(chunk) {
		t.Fatalf("tail too small: copied %d of %d", n, len(chunk))
	}
	if err := b.Process(n, onFrame); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPackLoginAlice(t *testing.T) {
	frame, err := PackString(Login, "alice")
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	want := []byte{0x09, 0, 0, 0, 0x01, 0, 0, 0, 'a', 'l', 'i', 'c', 'e'}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % x, want % x", frame, want)
	}

	b := NewFrameBuffer()
	var got []captured
	feed(t, b, frame, collect(&got))

	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	if got[0].code != Login || string(got[0].payload) != "alice" {
		t.Fatalf("got (%v, %q)", got[0].code, got[0].payload)
	}
	if b.Len() != 0 {
		t.Fatalf("valid length = %d, want 0", b.Len())
	}
}

func TestProcessArbitrarySplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		payload := make([]byte, rng.Intn(600))
		rng.Read(payload)
		code := RequestCode(rng.Intn(10))

		frame, err := Pack(code, payload)
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}

		b := NewFrameBuffer()
		var got []captured
		for rest := frame; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			feed(t, b, rest[:n], collect(&got))
			rest = rest[n:]
		}

		if len(got) != 1 {
			t.Fatalf("iteration %d: frames = %d, want 1", i, len(got))
		}
		if got[0].code != code || !bytes.Equal(got[0].payload, payload) {
			t.Fatalf("iteration %d: frame mismatch", i)
		}
		if b.Len() != 0 {
			t.Fatalf("iteration %d: leftover %d bytes", i, b.Len())
		}
	}
}

func TestProcessPartialFrame(t *testing.T) {
	frame, _ := PackString(JoinRoom, "room-42")
	b := NewFrameBuffer()
	var got []captured

	// fewer than a full header
	feed(t, b, frame[:5], collect(&got))
	if len(got) != 0 {
		t.Fatalf("frame emitted from %d bytes", b.Len())
	}

	// header complete, payload incomplete
	feed(t, b, frame[5:10], collect(&got))
	if len(got) != 0 {
		t.Fatalf("frame emitted with incomplete payload")
	}
	if b.Len() != 10 {
		t.Fatalf("valid length = %d, want 10", b.Len())
	}

	feed(t, b, frame[10:], collect(&got))
	if len(got) != 1 || string(got[0].payload) != "room-42" {
		t.Fatalf("got %+v", got)
	}
}

func TestProcessMultiFrameBatch(t *testing.T) {
	var batch []byte
	codes := []RequestCode{Login, ListRooms, Input, Lockstep, QuitRoom}
	for i, code := range codes {
		f, _ := Pack(code, bytes.Repeat([]byte{byte(i)}, i*3))
		batch = append(batch, f...)
	}

	b := NewFrameBuffer()
	var got []captured
	feed(t, b, batch, collect(&got))

	if len(got) != len(codes) {
		t.Fatalf("frames = %d, want %d", len(got), len(codes))
	}
	for i, code := range codes {
		if got[i].code != code {
			t.Errorf("frame %d code = %v, want %v", i, got[i].code, code)
		}
		if len(got[i].payload) != i*3 {
			t.Errorf("frame %d payload len = %d, want %d", i, len(got[i].payload), i*3)
		}
	}
}

func TestProcessCompactsTrailingBytes(t *testing.T) {
	first, _ := PackString(Login, "a")
	second, _ := PackString(Register, "bob")

	b := NewFrameBuffer()
	var got []captured
	feed(t, b, append(append([]byte{}, first...), second[:6]...), collect(&got))

	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	if b.Len() != 6 || !bytes.Equal(b.Bytes()[:6], second[:6]) {
		t.Fatalf("tail not compacted to offset zero: len=%d", b.Len())
	}
	if b.Free() != b.Cap()-6 {
		t.Fatalf("free = %d, want %d", b.Free(), b.Cap()-6)
	}

	feed(t, b, second[6:], collect(&got))
	if len(got) != 2 || string(got[1].payload) != "bob" {
		t.Fatalf("got %+v", got)
	}
}

func TestPackOversizeStillReturnsFrame(t *testing.T) {
	payload := make([]byte, MaxFrameSize)
	frame, err := Pack(Lockstep, payload)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if len(frame) != HeaderSize+MaxFrameSize {
		t.Fatalf("frame len = %d", len(frame))
	}
}

func TestProcessRejectsUnsatisfiableHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   error
	}{
		{"length below opcode", []byte{0x02, 0, 0, 0, 0, 0, 0, 0}, ErrMalformedFrame},
		{"negative length", []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}, ErrMalformedFrame},
		{"larger than capacity", []byte{0x00, 0x40, 0, 0, 1, 0, 0, 0}, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewFrameBuffer()
			n := copy(b.Tail(), tt.header)
			err := b.Process(n, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProcessOverrun(t *testing.T) {
	b := NewFrameBufferSize(16)
	if err := b.Process(17, nil); !errors.Is(err, ErrBufferOverrun) {
		t.Fatalf("err = %v, want ErrBufferOverrun", err)
	}
}

func TestRequestCodeNames(t *testing.T) {
	if Lockstep.String() != "lockstep" {
		t.Fatalf("Lockstep.String() = %q", Lockstep.String())
	}
	if RequestCode(99).Known() {
		t.Fatal("code 99 reported as known")
	}
	code, ok := ParseRequestCode("join_room")
	if !ok || code != JoinRoom {
		t.Fatalf("ParseRequestCode = %v, %v", code, ok)
	}
	data, _ := LockstepAnalysis.MarshalJSON()
	if string(data) != `"lockstep_analysis"` {
		t.Fatalf("MarshalJSON = %s", data)
	}
}
