package session

import "strings"

// Mode selects where a session's outbound traffic goes.
type Mode int32

const (
	// Online transmits over the real socket.
	Online Mode = iota
	// Offline loops engine output back into the session's own input.
	Offline
)

// String returns "online" or "offline".
func (m Mode) String() string {
	if m == Offline {
		return "offline"
	}
	return "online"
}

// MarshalJSON serializes the mode as its name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// ParseMode resolves "online" or "offline", case-insensitively.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, true
	case "offline":
		return Offline, true
	}
	return Online, false
}

// DisconnectReason records why a session left the connected state.
type DisconnectReason int32

const (
	ReasonUnknown          DisconnectReason = iota // still open, or cause not recorded
	ReasonClosedLocal                              // Close was called
	ReasonClosedRemote                             // peer closed the stream
	ReasonNetworkError                             // socket read or write fault
	ReasonHeartbeatTimeout                         // no inbound datagram within the timeout
	ReasonSendFailures                             // consecutive transmit failures hit the limit
	ReasonEngineFault                              // the tick body panicked
	ReasonProtocolError                            // unrecoverable framing error
	ReasonHandlerFault                             // a stream frame handler panicked
)

var reasonNames = map[DisconnectReason]string{
	ReasonUnknown:          "unknown",
	ReasonClosedLocal:      "closed_local",
	ReasonClosedRemote:     "closed_remote",
	ReasonNetworkError:     "network_error",
	ReasonHeartbeatTimeout: "heartbeat_timeout",
	ReasonSendFailures:     "send_failures",
	ReasonEngineFault:      "engine_fault",
	ReasonProtocolError:    "protocol_error",
	ReasonHandlerFault:     "handler_fault",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON serializes the reason as its name.
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Transport names the kind of socket underneath a session.
type Transport string

const (
	TransportStream   Transport = "tcp"
	TransportReliable Transport = "kcp"
)
