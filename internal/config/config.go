// Package config handles configuration loading, validation, and persistence
// for the Framecast server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 7777
	DefaultAPIPort    = 5080
	DefaultMaxClients = 8

	// Upper bounds for the configurable viewer resolution limit.
	MaxResolutionLimitX = 7680
	MaxResolutionLimitY = 4320
)

// Config is the root configuration structure for Framecast.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerConfig    `json:"server"`
	Encoding        EncodingConfig  `json:"encoding"`
	Transfer        TransferConfig  `json:"transfer"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig holds the UDP endpoint and connection limits.
type ServerConfig struct {
	Name                 string  `json:"name"`
	ListenAddress        string  `json:"listen_address"`
	Port                 int     `json:"port"`
	MaxClients           int     `json:"max_clients"`
	MaxResolutionX       int     `json:"max_resolution_x"`
	MaxResolutionY       int     `json:"max_resolution_y"`
	ConnectionTimeoutSec int     `json:"connection_timeout_sec"`
	MinRetransmitMs      int     `json:"min_retransmit_ms"`
	MaxRetransmitMs      int     `json:"max_retransmit_ms"`
	MaxResendsPerPass    int     `json:"max_resends_per_pass"`
	InboundRate          float64 `json:"inbound_packets_per_sec"`
	InboundBurst         int     `json:"inbound_burst"`
}

// EncodingConfig holds the frame encoder and pacing settings. Box geometry
// is validated once at startup.
type EncodingConfig struct {
	FPS                   int  `json:"fps"`
	UseBoxes              bool `json:"use_boxes"`
	BoxWidth              int  `json:"box_width"`
	BoxHeight             int  `json:"box_height"`
	MaxPayload            int  `json:"max_payload"`
	Delta                 bool `json:"delta"`
	Interlaced            bool `json:"interlaced"`
	HighCompression       bool `json:"high_compression"`
	FixedSleepMs          int  `json:"fixed_sleep_ms"`
	FramesToRemember      int  `json:"frames_to_remember"`
	PostEffectsPerMessage int  `json:"post_effects_per_message"`
	SoundEventsPerMessage int  `json:"sound_events_per_message"`
	MusicEventsPerMessage int  `json:"music_events_per_message"`
}

// TransferConfig holds the scene transfer congestion settings.
type TransferConfig struct {
	LinesPerCongestionCheck int `json:"lines_per_congestion_check"`
	BacklogThreshold        int `json:"backlog_threshold"`
	BackoffSleepMs          int `json:"backoff_sleep_ms"`
	MaxBackoffMs            int `json:"max_backoff_ms"`
}

// ApplicationData contains the ambient services around the server.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Capture  CaptureConfig  `json:"capture"`
	Demo     DemoConfig     `json:"demo"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StatsWindowInterval    int `json:"stats_window_interval_sec"`
	PingInterval           int `json:"ping_interval_sec"`
	TelemetryInterval      int `json:"telemetry_interval_sec"`
	SessionCleanupInterval int `json:"session_cleanup_interval_sec"`
}

// APIConfig holds the monitoring API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLS            bool     `json:"tls"`
	CertFile       string   `json:"cert_file"`
	KeyFile        string   `json:"key_file"`
	// AuthToken, when set, is required as a bearer token on control
	// endpoints.
	AuthToken string `json:"auth_token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the session history database settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// CaptureConfig holds outbound capture settings.
type CaptureConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"`
	Level     int    `json:"level"`
}

// DemoConfig drives the built-in test pattern used when no simulation is
// attached.
type DemoConfig struct {
	Enabled         bool  `json:"enabled"`
	SceneWidth      int   `json:"scene_width"`
	SceneHeight     int   `json:"scene_height"`
	DigIntervalMs   int   `json:"dig_interval_ms"`
	SoundIntervalMs int   `json:"sound_interval_ms"`
	Seed            int64 `json:"seed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:                 "framecast",
			ListenAddress:        "0.0.0.0",
			Port:                 DefaultGamePort,
			MaxClients:           DefaultMaxClients,
			MaxResolutionX:       1920,
			MaxResolutionY:       1080,
			ConnectionTimeoutSec: 10,
			MinRetransmitMs:      50,
			MaxRetransmitMs:      2000,
			MaxResendsPerPass:    64,
			InboundRate:          4000,
			InboundBurst:         8000,
		},
		Encoding: EncodingConfig{
			FPS:                   30,
			UseBoxes:              true,
			BoxWidth:              32,
			BoxHeight:             40,
			MaxPayload:            1280,
			Delta:                 true,
			FramesToRemember:      3,
			PostEffectsPerMessage: 64,
			SoundEventsPerMessage: 75,
			MusicEventsPerMessage: 4,
		},
		Transfer: TransferConfig{
			LinesPerCongestionCheck: 250,
			BacklogThreshold:        256,
			BackoffSleepMs:          5,
			MaxBackoffMs:            2000,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				StatsWindowInterval:    1,
				PingInterval:           1,
				TelemetryInterval:      10,
				SessionCleanupInterval: 3600,
			},
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 100,
				CertFile:     "config/api.crt",
				KeyFile:      "config/api.key",
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "framecast",
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          "data/framecast.db",
				RetentionDays: 30,
			},
			Capture: CaptureConfig{
				Enabled:   false,
				Directory: "captures",
				Level:     1,
			},
			Demo: DemoConfig{
				Enabled:         true,
				SceneWidth:      1024,
				SceneHeight:     512,
				DigIntervalMs:   250,
				SoundIntervalMs: 1000,
				Seed:            1,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
				Console:    true,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetEncoding returns a copy of the encoding configuration.
func (c *Config) GetEncoding() EncodingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Encoding
}

// GetTransfer returns a copy of the transfer configuration.
func (c *Config) GetTransfer() TransferConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transfer
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets where Save writes the configuration.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}
