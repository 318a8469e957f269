// Package events defines the lifecycle events published by the transport
// server and the bus that carries them.
package events

import "time"

// EventType names an event carried by the EventBus.
type EventType string

const (
	// EventAny subscribes a handler to every event type.
	EventAny EventType = "*"

	// Session lifecycle
	EventSessionOpened   EventType = "session_opened"
	EventSessionClosed   EventType = "session_closed"
	EventSessionRejected EventType = "session_rejected"
	EventModeChanged     EventType = "mode_changed"

	// Traffic
	EventFrameReceived EventType = "frame_received"
	EventFrameUnrouted EventType = "frame_unrouted"

	// System
	EventHealthReport EventType = "health_report"
	EventShutdown     EventType = "shutdown"
)

// Event is one published occurrence.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session at open or close.
type SessionPayload struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// RejectedPayload describes a peer the acceptor turned away.
type RejectedPayload struct {
	Transport string `json:"transport"`
	Remote    string `json:"remote"`
	Reason    string `json:"reason"`
}

// ModeChangedPayload is emitted when an operator flips a session's mode.
type ModeChangedPayload struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

// FramePayload describes one routed inbound frame.
type FramePayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Size      int    `json:"size"`
}

// HealthPayload carries one periodic health sweep result.
type HealthPayload struct {
	Sessions     int     `json:"sessions"`
	ClosedIdle   int     `json:"closed_idle"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryPct    float64 `json:"memory_percent"`
	Goroutines   int     `json:"goroutines"`
	CheckedAtSec int64   `json:"checked_at"`
}
