// Package cli implements the interactive operator console: live session
// tables, session control, and history.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lockstep-project/lockstep/internal/db"
	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/network"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

// HistoryReader is the read side of the session history store.
type HistoryReader interface {
	History(limit int) ([]db.SessionRecord, error)
}

// CLI is the operator console.
type CLI struct {
	registry *network.Registry
	router   *network.Router
	history  HistoryReader
	bus      *events.EventBus

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// router, history and bus may be nil.
func NewCLI(registry *network.Registry, router *network.Router, history HistoryReader, bus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		registry: registry,
		router:   router,
		history:  history,
		bus:      bus,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until input ends, quit is entered, or ctx is
// cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nlockstepd console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	scanner := bufio.NewScanner(c.in)
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprint(c.out, "lockstep> ")
		if !scanner.Scan() {
			return
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])

		quit, err := c.execute(ctx, cmd, parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "sessions", "status", "s":
		c.printSessions()
	case "session":
		return false, c.cmdSession(args)
	case "close":
		return false, c.cmdClose(args)
	case "mode":
		return false, c.cmdMode(ctx, args)
	case "broadcast":
		return false, c.cmdBroadcast(args)
	case "history":
		return false, c.cmdHistory(args)
	case "frames":
		c.printFrames()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down lockstepd...")
		if c.bus != nil {
			c.bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    lockstepd console commands                ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  sessions              List live sessions                    ║")
	fmt.Fprintln(c.out, "║  session <id>          Show one session in detail            ║")
	fmt.Fprintln(c.out, "║  close <id>            Close a session                       ║")
	fmt.Fprintln(c.out, "║  mode <id> <mode>      Switch a session online or offline    ║")
	fmt.Fprintln(c.out, "║  broadcast <code> msg  Send a frame to every session         ║")
	fmt.Fprintln(c.out, "║  history [n]           Show the last n recorded sessions     ║")
	fmt.Fprintln(c.out, "║  frames                Show inbound frame counts by code     ║")
	fmt.Fprintln(c.out, "║  quit                  Shut down lockstepd                   ║")
	fmt.Fprintln(c.out, "║  help                  Show this help message                ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printSessions() {
	infos := c.registry.List()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, "No live sessions")
		return
	}

	fmt.Fprintln(c.out)
	tw := c.newTable([]string{"ID", "Transport", "Remote", "Mode", "In", "Out", "Idle", "Age"})
	now := time.Now()
	for _, info := range infos {
		tw.Append([]string{
			info.ID,
			string(info.Transport),
			orDash(info.Remote),
			info.Mode.String(),
			formatBytes(info.Stats.BytesIn),
			formatBytes(info.Stats.BytesOut),
			now.Sub(info.Stats.LastActivity).Truncate(time.Second).String(),
			now.Sub(info.Stats.OpenedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d sessions\n\n", len(infos))
}

func (c *CLI) lookup(args []string) (session.Session, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("session id required")
	}
	sess, ok := c.registry.Get(args[0])
	if !ok {
		return nil, fmt.Errorf("session not found: %s", args[0])
	}
	return sess, nil
}

func (c *CLI) cmdSession(args []string) error {
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}
	info := session.Describe(sess)
	fmt.Fprintf(c.out, "\n  ID:            %s\n", info.ID)
	fmt.Fprintf(c.out, "  Transport:     %s\n", info.Transport)
	fmt.Fprintf(c.out, "  Remote:        %s\n", orDash(info.Remote))
	fmt.Fprintf(c.out, "  Mode:          %s\n", info.Mode)
	fmt.Fprintf(c.out, "  Connected:     %v\n", info.Connected)
	fmt.Fprintf(c.out, "  Opened:        %s\n", info.Stats.OpenedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last activity: %s\n", info.Stats.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Bytes:         %s in, %s out\n", formatBytes(info.Stats.BytesIn), formatBytes(info.Stats.BytesOut))
	fmt.Fprintf(c.out, "  Datagrams:     %d in, %d out\n", info.Stats.DatagramsIn, info.Stats.DatagramsOut)
	fmt.Fprintf(c.out, "  Send failures: %d\n\n", info.Stats.SendFailures)
	return nil
}

func (c *CLI) cmdClose(args []string) error {
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}
	sess.Close()
	c.registry.Unregister(sess)
	fmt.Fprintf(c.out, "Closed session %s\n", sess.ID())
	return nil
}

func (c *CLI) cmdMode(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mode <id> online|offline")
	}
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}
	mode, ok := session.ParseMode(args[1])
	if !ok {
		return fmt.Errorf("unknown mode: %s", args[1])
	}

	sess.SetMode(mode)
	if c.bus != nil {
		c.bus.Emit(ctx, events.Event{
			Type:    events.EventModeChanged,
			Source:  "cli",
			Payload: events.ModeChangedPayload{ID: sess.ID(), Mode: mode.String()},
		})
	}
	fmt.Fprintf(c.out, "Session %s is now %s\n", sess.ID(), mode)
	return nil
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: broadcast <code> [message]")
	}
	code, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid request code: %s", args[0])
	}
	payload := strings.Join(args[1:], " ")
	sent := c.registry.Broadcast(protocol.RequestCode(code), []byte(payload))
	fmt.Fprintf(c.out, "Sent %s to %d sessions\n", protocol.RequestCode(code), sent)
	return nil
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("history store disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.history.History(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No recorded sessions")
		return nil
	}

	fmt.Fprintln(c.out)
	tw := c.newTable([]string{"ID", "Transport", "Remote", "Opened", "Duration", "Reason", "In", "Out"})
	for _, rec := range records {
		duration, reason := "open", "-"
		if !rec.ClosedAt.IsZero() {
			duration = rec.ClosedAt.Sub(rec.OpenedAt).Truncate(time.Second).String()
			reason = rec.Reason
		}
		tw.Append([]string{
			rec.ID,
			rec.Transport,
			orDash(rec.Remote),
			rec.OpenedAt.Format("2006-01-02 15:04:05"),
			duration,
			reason,
			formatBytes(rec.BytesIn),
			formatBytes(rec.BytesOut),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printFrames() {
	if c.router == nil {
		fmt.Fprintln(c.out, "No router attached")
		return
	}
	counts := c.router.Counts()
	if len(counts) == 0 {
		fmt.Fprintln(c.out, "No frames received")
		return
	}
	tw := c.newTable([]string{"Code", "Frames"})
	for _, name := range sortedKeys(counts) {
		tw.Append([]string{name, strconv.FormatUint(counts[name], 10)})
	}
	tw.Render()
}
