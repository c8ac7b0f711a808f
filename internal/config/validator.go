package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/scene"
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

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServer(&cfg.Server, result)
	validateEncoding(&cfg.Encoding, result)
	validateTransfer(&cfg.Transfer, &cfg.Encoding, result)
	validateApplicationData(&cfg.ApplicationData, cfg.Server.Port, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Name) == "" {
		result.AddWarning("server.name", "server name is empty")
	}
	if s.ListenAddress != "" && net.ParseIP(s.ListenAddress) == nil {
		result.AddError("server.listen_address",
			fmt.Sprintf("not an IP address: %s", s.ListenAddress))
	}
	validatePort(s.Port, "server.port", result)

	if s.MaxClients < 1 {
		result.AddError("server.max_clients", "must allow at least 1 client")
	}
	if s.MaxClients > 64 {
		result.AddWarning("server.max_clients",
			fmt.Sprintf("high client count (%d) multiplies encoder memory and bandwidth", s.MaxClients))
	}
	if s.ConnectionTimeoutSec < 1 {
		result.AddError("server.connection_timeout_sec", "timeout must be at least 1 second")
	}
	if s.MaxRetransmitMs < s.MinRetransmitMs {
		result.AddError("server.max_retransmit_ms",
			fmt.Sprintf("must be at least min_retransmit_ms (%d), got %d", s.MinRetransmitMs, s.MaxRetransmitMs))
	}
	if s.MaxResendsPerPass < 1 {
		result.AddError("server.max_resends_per_pass", "must resend at least 1 datagram per pass")
	}
	validateResolution(s.MaxResolutionX, MaxResolutionLimitX, "server.max_resolution_x", result)
	validateResolution(s.MaxResolutionY, MaxResolutionLimitY, "server.max_resolution_y", result)
	if s.InboundRate <= 0 {
		result.AddWarning("server.inbound_packets_per_sec",
			"inbound rate limit is disabled, this may expose the server to floods")
	}
}

func validateResolution(v, limit int, field string, result *ValidationResult) {
	if v < 1 || v > limit {
		result.AddError(field, fmt.Sprintf("must be 1-%d, got %d", limit, v))
	}
}

func validateEncoding(e *EncodingConfig, result *ValidationResult) {
	if e.FPS < 1 || e.FPS > 240 {
		result.AddError("encoding.fps", fmt.Sprintf("fps must be 1-240, got %d", e.FPS))
	}
	if e.MaxPayload < 64 || e.MaxPayload > network.MaxPayload {
		result.AddError("encoding.max_payload",
			fmt.Sprintf("max payload must be 64-%d, got %d", network.MaxPayload, e.MaxPayload))
	}
	if e.UseBoxes {
		if _, err := frame.NewGeometry(e.BoxWidth, e.BoxHeight, e.MaxPayload); err != nil {
			result.AddError("encoding.box_geometry", err.Error())
		}
	} else if e.Delta {
		result.AddWarning("encoding.delta", "delta compression only applies in box mode")
	}
	if e.FramesToRemember < 2 {
		result.AddError("encoding.frames_to_remember", "must remember at least 2 frames")
	}
	if e.FixedSleepMs < 0 {
		result.AddError("encoding.fixed_sleep_ms", "sleep must not be negative")
	}
	if e.FPS > 0 && e.FixedSleepMs > 1000/e.FPS {
		result.AddWarning("encoding.fixed_sleep_ms",
			fmt.Sprintf("fixed sleep %dms exceeds the frame interval at %d fps", e.FixedSleepMs, e.FPS))
	}

	caps := map[string]int{
		"encoding.post_effects_per_message": e.PostEffectsPerMessage,
		"encoding.sound_events_per_message": e.SoundEventsPerMessage,
		"encoding.music_events_per_message": e.MusicEventsPerMessage,
	}
	for field, n := range caps {
		if n < 1 {
			result.AddError(field, "must allow at least 1 entry per message")
		}
	}
}

func validateTransfer(t *TransferConfig, e *EncodingConfig, result *ValidationResult) {
	if t.LinesPerCongestionCheck < 1 {
		result.AddError("transfer.lines_per_congestion_check", "must be at least 1")
	}
	if t.BacklogThreshold < 1 {
		result.AddError("transfer.backlog_threshold", "must be at least 1")
	}
	if t.BackoffSleepMs < 1 {
		result.AddError("transfer.backoff_sleep_ms", "must be at least 1")
	}
	if t.MaxBackoffMs < t.BackoffSleepMs {
		result.AddError("transfer.max_backoff_ms", "must not be shorter than backoff_sleep_ms")
	}
	if e.MaxPayload > 0 && t.BacklogThreshold*e.MaxPayload > 16<<20 {
		result.AddWarning("transfer.backlog_threshold",
			"backlog threshold allows more than 16MB in flight per client")
	}
}

func validateApplicationData(data *ApplicationData, gamePort int, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.Port == gamePort {
			result.AddWarning("application_data.api.port",
				"api port equals the game port, they share a number on different protocols")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if data.API.TLS && (data.API.CertFile == "" || data.API.KeyFile == "") {
			result.AddError("application_data.api.cert_file", "tls requires cert_file and key_file")
		}
		if data.API.AuthToken == "" {
			result.AddWarning("application_data.api.auth_token",
				"no auth token, control endpoints are open to anyone who can reach the API")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.UseTLS && (data.MQTT.CertFile == "") != (data.MQTT.KeyFile == "") {
			result.AddError("application_data.mqtt.cert_file",
				"client certificate and key must be configured together")
		}
	}

	if data.Database.Enabled {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "database path is required when enabled")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days",
				"retention days must be at least 1")
		}
	}

	if data.Capture.Enabled {
		if strings.TrimSpace(data.Capture.Directory) == "" {
			result.AddError("application_data.capture.directory", "capture directory is required when enabled")
		}
		if data.Capture.Level < 1 || data.Capture.Level > 4 {
			result.AddError("application_data.capture.level", "compression level must be 1-4")
		}
	}

	if data.Demo.Enabled {
		if data.Demo.SceneWidth < 1 || data.Demo.SceneHeight < 1 {
			result.AddError("application_data.demo.scene_size", "demo scene must not be empty")
		}
		if data.Demo.SceneWidth > scene.MaxDimension || data.Demo.SceneHeight > scene.MaxDimension {
			result.AddError("application_data.demo.scene_size",
				fmt.Sprintf("demo scene must be at most %dx%d", scene.MaxDimension, scene.MaxDimension))
		}
		if data.Demo.SceneWidth > frame.MaxLineWidth {
			result.AddWarning("application_data.demo.scene_width",
				fmt.Sprintf("scene wider than %d cannot be streamed in line mode", frame.MaxLineWidth))
		}
	}

	if _, err := zerolog.ParseLevel(data.Logging.Level); err != nil {
		result.AddError("application_data.logging.level",
			fmt.Sprintf("unknown log level: %s", data.Logging.Level))
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.StatsWindowInterval < 1 {
		result.AddError("timers.stats_window_interval_sec", "stats window must be at least 1 second")
	}
	if timers.PingInterval < 1 {
		result.AddError("timers.ping_interval_sec", "ping interval must be at least 1 second")
	}
	if timers.TelemetryInterval < 5 {
		result.AddWarning("timers.telemetry_interval_sec",
			"telemetry interval less than 5s may cause excessive traffic")
	}
	if timers.SessionCleanupInterval < 60 {
		result.AddWarning("timers.session_cleanup_interval_sec",
			"session cleanup more often than once a minute is wasteful")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding. The network is
// "tcp" or "udp".
func IsPortAvailable(networkName string, port int) bool {
	addr := fmt.Sprintf(":%d", port)
	if networkName == "udp" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		pc.Close()
		return true
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
