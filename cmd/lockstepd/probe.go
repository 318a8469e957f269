package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lockstep-project/lockstep/internal/network"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

var (
	probeTransport string
	probeAddr      string
	probeCount     int
	probeSize      int
	probeTimeout   time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Round-trip frames through a lockstepd server with echo enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		if probeSize < 0 || probeSize > protocol.MaxFrameSize-protocol.HeaderSize {
			return fmt.Errorf("--size must be between 0 and %d", protocol.MaxFrameSize-protocol.HeaderSize)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()

		echoes := make(chan []byte, probeCount)
		receiver := session.NewFrameReceiver(func(_ protocol.RequestCode, payload []byte) {
			echoes <- append([]byte(nil), payload...)
		}, nil)

		sess, err := dialProbe(ctx, receiver)
		if err != nil {
			return err
		}
		defer sess.Close()
		sess.Receive()

		result := runProbe(ctx, sess, echoes, probeCount, probeSize)
		printProbe(cmd.OutOrStdout(), probeTransport, probeAddr, result)
		if result.received < probeCount {
			return fmt.Errorf("%d of %d frames lost", probeCount-result.received, probeCount)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeTransport, "transport", "tcp", "transport to probe: tcp or kcp")
	probeCmd.Flags().StringVar(&probeAddr, "addr", "127.0.0.1:7000", "server address")
	probeCmd.Flags().IntVar(&probeCount, "count", 10, "frames to send")
	probeCmd.Flags().IntVar(&probeSize, "size", 64, "payload bytes per frame")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "overall deadline")
	rootCmd.AddCommand(probeCmd)
}

func dialProbe(ctx context.Context, receiver *session.PendingReceive) (session.Session, error) {
	opts := session.Options{Logger: &logger}
	switch strings.ToLower(probeTransport) {
	case "tcp":
		return network.DialStream(ctx, probeAddr, receiver, opts)
	case "kcp", "udp":
		return network.DialReliable(ctx, probeAddr, receiver, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q, want tcp or kcp", probeTransport)
	}
}

type probeResult struct {
	sent, received int
	min, max, sum  time.Duration
	mismatched     int
}

// runProbe sends count frames one at a time, waiting for each echo.
func runProbe(ctx context.Context, sess session.Session, echoes <-chan []byte, count, size int) probeResult {
	var res probeResult
	for i := 0; i < count; i++ {
		payload := probePayload(i, size)
		start := time.Now()
		sess.SendFrame(protocol.Lockstep, payload)
		res.sent++

		select {
		case got := <-echoes:
			rtt := time.Since(start)
			res.received++
			res.sum += rtt
			if res.min == 0 || rtt < res.min {
				res.min = rtt
			}
			if rtt > res.max {
				res.max = rtt
			}
			if string(got) != string(payload) {
				res.mismatched++
			}
		case <-sess.Done():
			return res
		case <-ctx.Done():
			return res
		}
	}
	return res
}

func probePayload(seq, size int) []byte {
	tag := "probe-" + strconv.Itoa(seq) + "-"
	if size <= len(tag) {
		return []byte(tag[:size])
	}
	return []byte(tag + strings.Repeat("x", size-len(tag)))
}

func printProbe(out io.Writer, transport, addr string, res probeResult) {
	avg := time.Duration(0)
	if res.received > 0 {
		avg = res.sum / time.Duration(res.received)
	}
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Transport", "Addr", "Sent", "Received", "Mismatched", "Min", "Avg", "Max"})
	tw.SetBorder(true)
	tw.Append([]string{
		transport,
		addr,
		strconv.Itoa(res.sent),
		strconv.Itoa(res.received),
		strconv.Itoa(res.mismatched),
		res.min.String(),
		avg.String(),
		res.max.String(),
	})
	tw.Render()
}
