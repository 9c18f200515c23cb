package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// DefaultTCPAddr is the default address for the stream transport listener.
	DefaultTCPAddr = ":42750"
	// DefaultUDPAddr is the default address for the datagram transport listener.
	DefaultUDPAddr = ":42751"
	// DefaultWSAddr is the default address for the WebSocket transport listener.
	DefaultWSAddr = ":42752"
	// DefaultGRPCAddr is the default address for the spectator/timesync gRPC server.
	DefaultGRPCAddr = ":42753"

	// DefaultTickRate is the authoritative simulation frequency in Hz.
	DefaultTickRate = 60.0
	// DefaultBroadcastRate is the state snapshot broadcast frequency in Hz.
	DefaultBroadcastRate = 10.0
	// DefaultAckTimeout bounds how long an unacknowledged reliable packet is retained.
	DefaultAckTimeout = 5 * time.Second
	// DefaultSweepInterval controls how often the pending-ack table is swept.
	DefaultSweepInterval = time.Second
	// DefaultReceiveTimeout keeps per-connection reads responsive to shutdown.
	DefaultReceiveTimeout = 100 * time.Millisecond
	// DefaultPingInterval controls the client latency probe cadence.
	DefaultPingInterval = time.Second

	// DefaultInputBuffer bounds buffered inputs per player.
	DefaultInputBuffer = 120
	// DefaultHistoryDuration bounds the reconciliation snapshot window.
	DefaultHistoryDuration = time.Second
	// DefaultMaxRewind bounds how far back a hit claim may rewind.
	DefaultMaxRewind = 500 * time.Millisecond
	// DefaultInterpolationDelay is the intentional render lag for smoothing.
	DefaultInterpolationDelay = 100 * time.Millisecond
	// DefaultMaxExtrapolation caps forward projection under high latency.
	DefaultMaxExtrapolation = 200 * time.Millisecond
	// DefaultInputTolerance is the per-axis claimed-position deviation limit.
	DefaultInputTolerance = 10.0

	// DefaultReplayDir is where replay bundles are recorded.
	DefaultReplayDir = "replays"
	// DefaultReplayRetention prunes replay bundles older than this age.
	DefaultReplayRetention = 7 * 24 * time.Hour

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "gameserver.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the game server.
type Config struct {
	TCPAddr  string `yaml:"tcp_addr"`
	UDPAddr  string `yaml:"udp_addr"`
	WSAddr   string `yaml:"ws_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	TickRate      float64 `yaml:"tick_rate"`
	BroadcastRate float64 `yaml:"broadcast_rate"`

	AckTimeout     time.Duration `yaml:"ack_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`

	InputBuffer        int           `yaml:"input_buffer"`
	HistoryDuration    time.Duration `yaml:"history_duration"`
	MaxRewind          time.Duration `yaml:"max_rewind"`
	InterpolationDelay time.Duration `yaml:"interpolation_delay"`
	MaxExtrapolation   time.Duration `yaml:"max_extrapolation"`
	InputTolerance     float64       `yaml:"input_tolerance"`

	ReplayDir       string        `yaml:"replay_dir"`
	ReplayRetention time.Duration `yaml:"replay_retention"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration populated with the package defaults.
func Default() *Config {
	return &Config{
		TCPAddr:            DefaultTCPAddr,
		UDPAddr:            DefaultUDPAddr,
		WSAddr:             DefaultWSAddr,
		GRPCAddr:           DefaultGRPCAddr,
		TickRate:           DefaultTickRate,
		BroadcastRate:      DefaultBroadcastRate,
		AckTimeout:         DefaultAckTimeout,
		SweepInterval:      DefaultSweepInterval,
		ReceiveTimeout:     DefaultReceiveTimeout,
		PingInterval:       DefaultPingInterval,
		InputBuffer:        DefaultInputBuffer,
		HistoryDuration:    DefaultHistoryDuration,
		MaxRewind:          DefaultMaxRewind,
		InterpolationDelay: DefaultInterpolationDelay,
		MaxExtrapolation:   DefaultMaxExtrapolation,
		InputTolerance:     DefaultInputTolerance,
		ReplayDir:          DefaultReplayDir,
		ReplayRetention:    DefaultReplayRetention,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load resolves the server configuration from an optional YAML file pointed at
// by ARENA_CONFIG, then applies environment overrides, collecting every
// problem into a single descriptive error.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var problems []string

	setString := func(key string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
		}
	}
	setString("ARENA_TCP_ADDR", &cfg.TCPAddr)
	setString("ARENA_UDP_ADDR", &cfg.UDPAddr)
	setString("ARENA_WS_ADDR", &cfg.WSAddr)
	setString("ARENA_GRPC_ADDR", &cfg.GRPCAddr)
	setString("ARENA_REPLAY_DIR", &cfg.ReplayDir)
	setString("ARENA_LOG_LEVEL", &cfg.Logging.Level)
	setString("ARENA_LOG_PATH", &cfg.Logging.Path)

	setRate := func(key string, dst *float64) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
			return
		}
		*dst = value
	}
	setRate("ARENA_TICK_RATE", &cfg.TickRate)
	setRate("ARENA_BROADCAST_RATE", &cfg.BroadcastRate)

	setDuration := func(key string, dst *time.Duration) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := time.ParseDuration(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return
		}
		*dst = value
	}
	setDuration("ARENA_ACK_TIMEOUT", &cfg.AckTimeout)
	setDuration("ARENA_SWEEP_INTERVAL", &cfg.SweepInterval)
	setDuration("ARENA_RECEIVE_TIMEOUT", &cfg.ReceiveTimeout)
	setDuration("ARENA_PING_INTERVAL", &cfg.PingInterval)
	setDuration("ARENA_HISTORY_DURATION", &cfg.HistoryDuration)
	setDuration("ARENA_MAX_REWIND", &cfg.MaxRewind)
	setDuration("ARENA_INTERPOLATION_DELAY", &cfg.InterpolationDelay)
	setDuration("ARENA_MAX_EXTRAPOLATION", &cfg.MaxExtrapolation)
	setDuration("ARENA_REPLAY_RETENTION", &cfg.ReplayRetention)

	if raw := strings.TrimSpace(os.Getenv("ARENA_INPUT_BUFFER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_INPUT_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.InputBuffer = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_INPUT_TOLERANCE")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_INPUT_TOLERANCE must be a positive number, got %q", raw))
		} else {
			cfg.InputTolerance = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// loadFile merges a YAML configuration file over the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
