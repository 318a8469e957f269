// Package protocol implements the length-prefixed frame format shared by
// stream sessions and the payload stream carried inside reliable-datagram
// sessions. All integers use little-endian byte order.
//
// Frame layout:
//
//	[length:4][opcode:4][payload:length-4]
//
// where length counts the opcode and payload bytes.
package protocol

import "fmt"

// RequestCode is the 4-byte opcode tag identifying an application message.
// This layer treats it as opaque; the dispatch layer owns interpretation.
type RequestCode int32

const (
	None RequestCode = iota
	Login
	Register
	ListRooms
	CreateRoom
	JoinRoom
	QuitRoom
	Input
	Lockstep
	LockstepAnalysis
)

var requestCodeNames = map[RequestCode]string{
	None:             "none",
	Login:            "login",
	Register:         "register",
	ListRooms:        "list_rooms",
	CreateRoom:       "create_room",
	JoinRoom:         "join_room",
	QuitRoom:         "quit_room",
	Input:            "input",
	Lockstep:         "lockstep",
	LockstepAnalysis: "lockstep_analysis",
}

// String returns the lowercase name of the code, or its numeric value when
// the code is outside the known range.
func (c RequestCode) String() string {
	if name, ok := requestCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// MarshalJSON serializes the code as its name.
func (c RequestCode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// ParseRequestCode resolves a code by name.
func ParseRequestCode(name string) (RequestCode, bool) {
	for code, n := range requestCodeNames {
		if n == name {
			return code, true
		}
	}
	return None, false
}

// Known reports whether c is one of the defined codes.
func (c RequestCode) Known() bool {
	_, ok := requestCodeNames[c]
	return ok
}

const (
	// LengthSize is the size of the length prefix in bytes.
	LengthSize = 4

	// OpcodeSize is the size of the opcode field in bytes.
	OpcodeSize = 4

	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = LengthSize + OpcodeSize

	// MaxFrameSize is the maximum total size of a frame, header included.
	// It is also the capacity of a FrameBuffer.
	MaxFrameSize = 8 * 1024
)
