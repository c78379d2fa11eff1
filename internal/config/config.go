package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Modes the binary can run in.
const (
	ModeRelay   = "relay"   // hosts the broadcast hub and browser egress
	ModePublish = "publish" // captures and sends
	ModeListen  = "listen"  // receives and plays
	ModeTalk    = "talk"    // publish and listen on the same topic
)

// Transports a publisher or listener can use.
const (
	TransportBroadcast = "broadcast"
	TransportStream    = "stream"
)

// Config holds all runtime configuration. Values are layered: defaults, then
// the optional YAML file, then .env, then environment variables.
type Config struct {
	Mode      string `yaml:"mode"`
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`
	LogDev    bool   `yaml:"log_dev"`

	// Relay / broadcast
	HTTPAddr string `yaml:"http_addr"` // relay listen address
	RelayURL string `yaml:"relay_url"` // hub URL dialed by publishers and listeners
	Topic    string `yaml:"topic"`

	// Point-to-point
	QUICAddr   string `yaml:"quic_addr"` // listener address
	Peer       string `yaml:"peer"`      // publisher dial target
	ProtocolID string `yaml:"protocol_id"`

	// Audio
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	DeviceSampleRate int           `yaml:"device_sample_rate"` // capture device rate, resampled to SampleRate
	Bitrate          int           `yaml:"bitrate"`
	SliceDuration    time.Duration `yaml:"slice_duration"` // audio per broadcast chunk
	Lookahead        time.Duration `yaml:"lookahead"`      // jitter absorption margin
	MinSubscribers   int           `yaml:"min_subscribers"`
	InputFile        string        `yaml:"input_file"` // publish a file instead of the microphone

	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:      ModeListen,
		Transport: TransportBroadcast,
		LogLevel:  "info",

		HTTPAddr: ":8080",
		RelayURL: "ws://localhost:8080/ws",
		Topic:    "airwave/audio",

		QUICAddr:   ":9002",
		ProtocolID: "/airwave/audio/1.0.0",

		SampleRate:       48000,
		Channels:         1,
		DeviceSampleRate: 48000,
		Bitrate:          64000,
		SliceDuration:    250 * time.Millisecond,
		Lookahead:        50 * time.Millisecond,
		MinSubscribers:   2,

		DrainTimeout: 2 * time.Second,
	}
}

// Load builds the configuration. path may be empty, in which case no YAML file
// is read. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env file: %w", err)
	}

	cfg.Mode = envStr("AIRWAVE_MODE", cfg.Mode)
	cfg.Transport = envStr("AIRWAVE_TRANSPORT", cfg.Transport)
	cfg.LogLevel = envStr("AIRWAVE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDev = envBool("AIRWAVE_LOG_DEV", cfg.LogDev)

	cfg.HTTPAddr = envStr("AIRWAVE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.RelayURL = envStr("AIRWAVE_RELAY_URL", cfg.RelayURL)
	cfg.Topic = envStr("AIRWAVE_TOPIC", cfg.Topic)

	cfg.QUICAddr = envStr("AIRWAVE_QUIC_ADDR", cfg.QUICAddr)
	cfg.Peer = envStr("AIRWAVE_PEER", cfg.Peer)
	cfg.ProtocolID = envStr("AIRWAVE_PROTOCOL_ID", cfg.ProtocolID)

	cfg.SampleRate = envInt("AIRWAVE_SAMPLE_RATE", cfg.SampleRate)
	cfg.Channels = envInt("AIRWAVE_CHANNELS", cfg.Channels)
	cfg.DeviceSampleRate = envInt("AIRWAVE_DEVICE_SAMPLE_RATE", cfg.DeviceSampleRate)
	cfg.Bitrate = envInt("AIRWAVE_BITRATE", cfg.Bitrate)
	cfg.SliceDuration = envDuration("AIRWAVE_SLICE_DURATION", cfg.SliceDuration)
	cfg.Lookahead = envDuration("AIRWAVE_LOOKAHEAD", cfg.Lookahead)
	cfg.MinSubscribers = envInt("AIRWAVE_MIN_SUBSCRIBERS", cfg.MinSubscribers)
	cfg.InputFile = envStr("AIRWAVE_INPUT_FILE", cfg.InputFile)

	cfg.DrainTimeout = envDuration("AIRWAVE_DRAIN_TIMEOUT", cfg.DrainTimeout)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and mode/transport combinations.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRelay, ModePublish, ModeListen, ModeTalk:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.Transport {
	case TransportBroadcast, TransportStream:
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	if c.Mode == ModeTalk && c.Transport != TransportBroadcast {
		return fmt.Errorf("talk mode requires the broadcast transport")
	}
	if c.Mode == ModePublish && c.Transport == TransportStream && c.Peer == "" {
		return fmt.Errorf("stream publishing requires AIRWAVE_PEER")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if c.ProtocolID == "" {
		return fmt.Errorf("protocol id must not be empty")
	}

	// Opus only accepts these rates.
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample rate %d not supported by opus", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.DeviceSampleRate <= 0 {
		return fmt.Errorf("device sample rate must be positive, got %d", c.DeviceSampleRate)
	}
	if c.Bitrate < 6000 || c.Bitrate > 510000 {
		return fmt.Errorf("bitrate must be 6000-510000, got %d", c.Bitrate)
	}
	if c.SliceDuration < 20*time.Millisecond || c.SliceDuration%(20*time.Millisecond) != 0 {
		return fmt.Errorf("slice duration must be a positive multiple of 20ms, got %v", c.SliceDuration)
	}
	if c.Lookahead < 0 {
		return fmt.Errorf("lookahead must not be negative, got %v", c.Lookahead)
	}
	if c.MinSubscribers < 0 {
		return fmt.Errorf("min subscribers must not be negative, got %d", c.MinSubscribers)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %v", c.DrainTimeout)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
