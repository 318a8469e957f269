package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateTransport(&cfg.Transport, result)
	validateKCP(&cfg.KCP, result)
	validateServices(cfg, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.TCPAddr == "" && s.UDPAddr == "" {
		result.AddError("server", "at least one of tcp_addr and udp_addr is required")
	}
	if s.TCPAddr != "" {
		validateAddr(s.TCPAddr, "server.tcp_addr", result)
	}
	if s.UDPAddr != "" {
		validateAddr(s.UDPAddr, "server.udp_addr", result)
	}
	if s.MaxSessions < 1 {
		result.AddError("server.max_sessions", "must allow at least 1 session")
	}
	if s.AcceptRatePerSec < 1 {
		result.AddWarning("server.accept_rate_per_sec",
			"per-IP admission rate limiting is disabled")
	}
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	if t.TickIntervalMS < 1 {
		result.AddError("transport.tick_interval_ms", "tick interval must be at least 1ms")
	} else if t.TickIntervalMS > 50 {
		result.AddWarning("transport.tick_interval_ms",
			fmt.Sprintf("tick interval %dms adds noticeable latency", t.TickIntervalMS))
	}
	if t.HeartbeatTimeoutMS == 0 {
		result.AddError("transport.heartbeat_timeout_ms", "use a negative value to disable the heartbeat")
	} else if t.HeartbeatTimeoutMS > 0 && t.HeartbeatTimeoutMS < 10*t.TickIntervalMS {
		result.AddWarning("transport.heartbeat_timeout_ms",
			"heartbeat timeout shorter than 10 ticks may drop healthy peers")
	}
	if t.SendFailureLimit < 1 {
		result.AddError("transport.send_failure_limit", "must be at least 1")
	}
	if t.WriteTimeoutMS < 0 {
		result.AddError("transport.write_timeout_ms", "must not be negative")
	}
	if t.StreamIdleTimeoutSec < 0 {
		result.AddError("transport.stream_idle_timeout_sec", "must not be negative")
	}
}

func validateKCP(k *KCPConfig, result *ValidationResult) {
	if k.SendWindow < 1 || k.RecvWindow < 1 {
		result.AddError("kcp.wnd", "send and receive windows must be positive")
	}
	if k.MTU < 50 || k.MTU > 1500 {
		result.AddError("kcp.mtu", fmt.Sprintf("mtu %d outside 50-1500", k.MTU))
	}
	if k.IntervalMS < 10 || k.IntervalMS > 5000 {
		result.AddWarning("kcp.interval_ms", "engine clamps the interval to 10-5000ms")
	}
	if k.Resend < 0 {
		result.AddError("kcp.resend", "must not be negative")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validateAddr(cfg.API.Addr, "api.addr", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			result.AddError("mqtt.broker", "MQTT broker is required when enabled")
		} else if u, err := url.Parse(cfg.MQTT.Broker); err != nil || u.Scheme == "" {
			result.AddError("mqtt.broker", "broker must be a URL such as tcp://host:1883")
		}
		if strings.TrimSpace(cfg.MQTT.TopicPrefix) == "" {
			result.AddWarning("mqtt.topic_prefix", "empty topic prefix publishes at the broker root")
		}
	}

	if cfg.Store.Enabled && strings.TrimSpace(cfg.Store.Path) == "" {
		result.AddError("store.path", "database path is required when the store is enabled")
	}
	if cfg.Store.RetentionDays < 0 {
		result.AddError("store.retention_days", "must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, using info", cfg.Logging.Level))
	}

	if cfg.Health.SweepIntervalSec < 1 {
		result.AddWarning("health.sweep_interval_sec", "health sweeps are disabled")
	}
}

func validateAddr(addr, field string, result *ValidationResult) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %s (must be 0-65535)", portStr))
		return
	}
	if port != 0 && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP address is available for binding.
func IsPortAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
