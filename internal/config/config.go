// Package config loads Agent Relay configuration from an optional YAML file
// overridden by AGENT_RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay daemon configuration.
type Config struct {
	// Socket and state
	StateDir   string `yaml:"state_dir"`
	SocketPath string `yaml:"socket_path"` // defaults to <StateDir>/agent-relay.sock

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	LogJSON  bool   `yaml:"log_json"`

	// Protocol limits
	MaxBodyBytes  int `yaml:"max_body_bytes"`
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// Session timing
	Heartbeat      time.Duration `yaml:"heartbeat"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Delivery
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
	TTL            time.Duration `yaml:"ttl"` // 0 = no expiry
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`

	// Rate limiting (per sender)
	RateRefillPerSec float64 `yaml:"rate_refill_per_sec"`
	RateBurst        int     `yaml:"rate_burst"`

	// Storage batching
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxBatchBytes int           `yaml:"max_batch_bytes"`
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`
	StorageRetry  time.Duration `yaml:"storage_retry"`

	// Retention
	RetentionHours  int    `yaml:"retention_hours"`
	MaxMessages     int    `yaml:"max_messages"`
	DLQRetentionHrs int    `yaml:"dlq_retention_hours"`
	DLQMaxEntries   int    `yaml:"dlq_max_entries"`
	CleanupSchedule string `yaml:"cleanup_schedule"` // cron spec

	// Shutdown
	ShutdownDrain time.Duration `yaml:"shutdown_drain"`

	// Memory monitor
	SampleInterval   time.Duration `yaml:"sample_interval"`
	WarningBytes     uint64        `yaml:"warning_bytes"`
	CriticalBytes    uint64        `yaml:"critical_bytes"`
	OOMImminentBytes uint64        `yaml:"oom_imminent_bytes"`
	TrendRateWarning float64       `yaml:"trend_rate_warning"` // bytes/min
	AlertCooldown    time.Duration `yaml:"alert_cooldown"`

	// Notifications
	WebhookURL     string `yaml:"webhook_url"`
	WebhookHeaders string `yaml:"webhook_headers"` // comma-separated Key:Value pairs
	MQTTBroker     string `yaml:"mqtt_broker"`
	MQTTTopic      string `yaml:"mqtt_topic"`

	// Metrics
	TextfilePath     string        `yaml:"textfile_path"` // empty disables export
	TextfileInterval time.Duration `yaml:"textfile_interval"`
}

// Load reads the optional YAML file named by AGENT_RELAY_CONFIG, then applies
// environment variable overrides and defaults.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGENT_RELAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.StateDir = envStr("AGENT_RELAY_STATE_DIR", cfg.StateDir)
	cfg.SocketPath = envStr("AGENT_RELAY_SOCKET", cfg.SocketPath)
	cfg.LogLevel = envStr("AGENT_RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("AGENT_RELAY_LOG_JSON", cfg.LogJSON)
	cfg.MaxBodyBytes = envInt("AGENT_RELAY_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.MaxFrameBytes = envInt("AGENT_RELAY_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	cfg.Heartbeat = envDuration("AGENT_RELAY_HEARTBEAT", cfg.Heartbeat)
	cfg.IdleTimeout = envDuration("AGENT_RELAY_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ConnectTimeout = envDuration("AGENT_RELAY_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.AckTimeout = envDuration("AGENT_RELAY_ACK_TIMEOUT", cfg.AckTimeout)
	cfg.InitialBackoff = envDuration("AGENT_RELAY_INITIAL_BACKOFF", cfg.InitialBackoff)
	cfg.MaxBackoff = envDuration("AGENT_RELAY_MAX_BACKOFF", cfg.MaxBackoff)
	cfg.MaxAttempts = envInt("AGENT_RELAY_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.TTL = envDuration("AGENT_RELAY_TTL", cfg.TTL)
	cfg.ReconnectGrace = envDuration("AGENT_RELAY_RECONNECT_GRACE", cfg.ReconnectGrace)
	cfg.RateRefillPerSec = envFloat("AGENT_RELAY_RATE_REFILL", cfg.RateRefillPerSec)
	cfg.RateBurst = envInt("AGENT_RELAY_RATE_BURST", cfg.RateBurst)
	cfg.MaxBatchSize = envInt("AGENT_RELAY_MAX_BATCH_SIZE", cfg.MaxBatchSize)
	cfg.MaxBatchBytes = envInt("AGENT_RELAY_MAX_BATCH_BYTES", cfg.MaxBatchBytes)
	cfg.MaxBatchDelay = envDuration("AGENT_RELAY_MAX_BATCH_DELAY", cfg.MaxBatchDelay)
	cfg.StorageRetry = envDuration("AGENT_RELAY_STORAGE_RETRY", cfg.StorageRetry)
	cfg.RetentionHours = envInt("AGENT_RELAY_RETENTION_HOURS", cfg.RetentionHours)
	cfg.MaxMessages = envInt("AGENT_RELAY_MAX_MESSAGES", cfg.MaxMessages)
	cfg.DLQRetentionHrs = envInt("AGENT_RELAY_DLQ_RETENTION_HOURS", cfg.DLQRetentionHrs)
	cfg.DLQMaxEntries = envInt("AGENT_RELAY_DLQ_MAX_ENTRIES", cfg.DLQMaxEntries)
	cfg.CleanupSchedule = envStr("AGENT_RELAY_CLEANUP_SCHEDULE", cfg.CleanupSchedule)
	cfg.ShutdownDrain = envDuration("AGENT_RELAY_SHUTDOWN_DRAIN", cfg.ShutdownDrain)
	cfg.SampleInterval = envDuration("AGENT_RELAY_SAMPLE_INTERVAL", cfg.SampleInterval)
	cfg.WarningBytes = envUint64("AGENT_RELAY_MEM_WARNING", cfg.WarningBytes)
	cfg.CriticalBytes = envUint64("AGENT_RELAY_MEM_CRITICAL", cfg.CriticalBytes)
	cfg.OOMImminentBytes = envUint64("AGENT_RELAY_MEM_OOM", cfg.OOMImminentBytes)
	cfg.TrendRateWarning = envFloat("AGENT_RELAY_TREND_RATE_WARNING", cfg.TrendRateWarning)
	cfg.AlertCooldown = envDuration("AGENT_RELAY_ALERT_COOLDOWN", cfg.AlertCooldown)
	cfg.WebhookURL = envStr("AGENT_RELAY_WEBHOOK_URL", cfg.WebhookURL)
	cfg.WebhookHeaders = envStr("AGENT_RELAY_WEBHOOK_HEADERS", cfg.WebhookHeaders)
	cfg.MQTTBroker = envStr("AGENT_RELAY_MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = envStr("AGENT_RELAY_MQTT_TOPIC", cfg.MQTTTopic)
	cfg.TextfilePath = envStr("AGENT_RELAY_TEXTFILE_PATH", cfg.TextfilePath)
	cfg.TextfileInterval = envDuration("AGENT_RELAY_TEXTFILE_INTERVAL", cfg.TextfileInterval)

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.StateDir, "agent-relay.sock")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		StateDir:         ".agent-relay",
		LogLevel:         "info",
		LogJSON:          true,
		MaxBodyBytes:     1 << 20,
		MaxFrameBytes:    2 << 20,
		Heartbeat:        15 * time.Second,
		IdleTimeout:      60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		AckTimeout:       30 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      5,
		TTL:              0,
		ReconnectGrace:   10 * time.Second,
		RateRefillPerSec: 50,
		RateBurst:        100,
		MaxBatchSize:     64,
		MaxBatchBytes:    1 << 20,
		MaxBatchDelay:    25 * time.Millisecond,
		StorageRetry:     2 * time.Second,
		RetentionHours:   24 * 14,
		MaxMessages:      500_000,
		DLQRetentionHrs:  24 * 7,
		DLQMaxEntries:    50_000,
		CleanupSchedule:  "@hourly",
		ShutdownDrain:    5 * time.Second,
		SampleInterval:   10 * time.Second,
		WarningBytes:     1 << 30,  // 1 GiB
		CriticalBytes:    2 << 30,  // 2 GiB
		OOMImminentBytes: 3 << 30,  // 3 GiB
		TrendRateWarning: 10 << 20, // 10 MiB/min
		AlertCooldown:    60 * time.Second,
		MQTTTopic:        "agent-relay/alerts",
		TextfileInterval: 30 * time.Second,
	}
}

// PIDPath returns the PID file path for the configured socket.
func (c *Config) PIDPath() string {
	return c.SocketPath + ".pid"
}

// MessagesDBPath returns the message store path under the state directory.
func (c *Config) MessagesDBPath() string {
	return filepath.Join(c.StateDir, "messages.db")
}

// DLQDBPath returns the dead-letter store path under the state directory.
func (c *Config) DLQDBPath() string {
	return filepath.Join(c.StateDir, "dlq.db")
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("AGENT_RELAY_STATE_DIR must not be empty"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_MAX_BODY_BYTES must be > 0, got %d", c.MaxBodyBytes))
	}
	if c.MaxFrameBytes <= c.MaxBodyBytes {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_MAX_FRAME_BYTES (%d) must exceed max body bytes (%d)", c.MaxFrameBytes, c.MaxBodyBytes))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_HEARTBEAT must be > 0, got %s", c.Heartbeat))
	}
	if c.IdleTimeout <= c.Heartbeat {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_IDLE_TIMEOUT (%s) must exceed heartbeat (%s)", c.IdleTimeout, c.Heartbeat))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("backoff range invalid: initial %s, max %s", c.InitialBackoff, c.MaxBackoff))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_RELAY_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize))
	}
	if c.RateRefillPerSec <= 0 || c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("rate limit invalid: refill %v/s, burst %d", c.RateRefillPerSec, c.RateBurst))
	}
	if !(c.WarningBytes < c.CriticalBytes && c.CriticalBytes < c.OOMImminentBytes) {
		errs = append(errs, fmt.Errorf("memory thresholds must be ordered warning < critical < oom, got %d/%d/%d",
			c.WarningBytes, c.CriticalBytes, c.OOMImminentBytes))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, fmt.Errorf("AGENT_RELAY_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envUint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
