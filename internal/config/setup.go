package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks an operator through the settings that differ between
// deployments, reading answers from in and writing prompts to out. Empty
// answers keep the current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := prompter{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "lockstepd setup")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Acceptors ──")
	cfg.Server.TCPAddr = p.text("TCP listen address (empty disables)", cfg.Server.TCPAddr)
	cfg.Server.UDPAddr = p.text("UDP/KCP listen address (empty disables)", cfg.Server.UDPAddr)
	cfg.Server.MaxSessions = p.number("Maximum concurrent sessions", cfg.Server.MaxSessions)
	cfg.Server.Echo = p.flag("Echo unrouted frames back to the sender", cfg.Server.Echo)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Transport ──")
	cfg.Transport.HeartbeatTimeoutMS = p.number("Heartbeat timeout in ms (negative disables)", cfg.Transport.HeartbeatTimeoutMS)
	cfg.Transport.StreamIdleTimeoutSec = p.number("Close silent TCP sessions after N seconds (0 disables)", cfg.Transport.StreamIdleTimeoutSec)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Services ──")
	cfg.API.Enabled = p.flag("Enable admin API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Addr = p.text("Admin API address", cfg.API.Addr)
	}
	cfg.Store.Enabled = p.flag("Record session history", cfg.Store.Enabled)
	if cfg.Store.Enabled {
		cfg.Store.Path = p.text("History database path", cfg.Store.Path)
	}
	cfg.MQTT.Enabled = p.flag("Publish session events over MQTT", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.Broker = p.text("MQTT broker URL", cfg.MQTT.Broker)
		cfg.MQTT.TopicPrefix = p.text("MQTT topic prefix", cfg.MQTT.TopicPrefix)
	}

	fmt.Fprintln(out)
	result := Validate(cfg)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w.Error())
	}
	if !result.IsValid() {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  error: %s\n", e.Error())
		}
		return fmt.Errorf("configuration invalid: %d errors", len(result.Errors))
	}

	if err := cfg.Save(); err != nil {
		return err
	}
	log.Info().Str("path", cfg.Path()).Msg("setup complete")
	fmt.Fprintf(out, "Saved %s\n", cfg.Path())
	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p prompter) line() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p prompter) text(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}
	if input := p.line(); input != "" {
		return input
	}
	return defaultVal
}

func (p prompter) number(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)
	input := p.line()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p prompter) flag(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)
	input := strings.ToLower(p.line())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
