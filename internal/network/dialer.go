package network

import (
	"context"
	"fmt"
	"net"

	"github.com/lockstep-project/lockstep/internal/session"
)

// DialStream connects to a stream acceptor at addr. The returned session is
// not yet receiving; call Receive once handlers are in place.
func DialStream(ctx context.Context, addr string, receiver *session.PendingReceive, opts session.Options) (*session.StreamSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return session.NewStreamSession(conn, receiver, opts), nil
}

// DialReliable opens a local datagram socket and builds a reliable session
// towards addr. The session owns the socket.
func DialReliable(ctx context.Context, addr string, receiver *session.PendingReceive, opts session.Options) (*session.ReliableSession, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	local := ":0"
	if remote.IP.IsLoopback() {
		local = net.JoinHostPort(remote.IP.String(), "0")
	}
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", local)
	if err != nil {
		return nil, fmt.Errorf("failed to open datagram socket: %w", err)
	}

	opts.OwnsConn = true
	return session.NewReliableSession(pc, receiver, remote, opts), nil
}
