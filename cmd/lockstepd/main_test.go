package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lockstep-project/lockstep/internal/network"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

func TestProbePayload(t *testing.T) {
	if got := string(probePayload(3, 4)); got != "prob" {
		t.Fatalf("truncated payload = %q", got)
	}
	p := probePayload(12, 32)
	if len(p) != 32 || !strings.HasPrefix(string(p), "probe-12-") {
		t.Fatalf("payload = %q", p)
	}
}

func TestRunLoopback(t *testing.T) {
	logger = zerolog.Nop()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runLoopback(cmd, 25, 5*time.Second); err != nil {
		t.Fatalf("runLoopback: %v", err)
	}
	if !strings.Contains(out.String(), "loopback ok: 25 frames") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunProbeAgainstEchoServer(t *testing.T) {
	logger = zerolog.Nop()
	registry := network.NewRegistry(logger)
	router := network.NewRouter(nil, logger)
	router.SetFallback(network.Echo)
	srv := network.NewServer(network.ServerConfig{TCPAddr: "127.0.0.1:0"}, registry, router, nil, logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	echoes := make(chan []byte, 8)
	receiver := session.NewFrameReceiver(func(_ protocol.RequestCode, payload []byte) {
		echoes <- append([]byte(nil), payload...)
	}, nil)
	sess, err := network.DialStream(context.Background(), srv.TCPAddr().String(), receiver, session.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	sess.Receive()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := runProbe(ctx, sess, echoes, 5, 100)
	if res.sent != 5 || res.received != 5 || res.mismatched != 0 {
		t.Fatalf("result = %+v", res)
	}

	var out bytes.Buffer
	printProbe(&out, "tcp", srv.TCPAddr().String(), res)
	if !strings.Contains(out.String(), "RECEIVED") {
		t.Fatalf("table = %s", out.String())
	}
}

func TestStartWithRetryHonoursContext(t *testing.T) {
	logger = zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := startWithRetry(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("address in use")
	}, 3)
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}
