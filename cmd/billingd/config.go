// config.go - Configuration management for the billing daemon
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"meterbill/internal/tariff"
)

// Config represents the daemon configuration shared by all roles
type Config struct {
	// Protocol settings
	Variant      string  `yaml:"variant"`
	InitialPrice float64 `yaml:"initial_price"`

	// Network
	Network string `yaml:"network"`
	WANAddr string `yaml:"wan_addr"`
	LANAddr string `yaml:"lan_addr"`

	// File paths
	ParamsPath  string `yaml:"params_path"`
	MeterKey    string `yaml:"meter_key"`
	ProviderKey string `yaml:"provider_key"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Timing
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	TimeoutSeconds     int `yaml:"timeout_seconds"`
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
	ClockSkewSeconds   int `yaml:"clock_skew_seconds"`

	// Operations
	MetricsAddr   string `yaml:"metrics_addr"`
	HTTPRateLimit int    `yaml:"http_rate_limit"`

	// Provider journal: "file", "postgres" or "none"
	JournalDriver string `yaml:"journal_driver"`
	JournalPath   string `yaml:"journal_path"`
	JournalDSN    string `yaml:"journal_dsn"`
	JournalTable  string `yaml:"journal_table"`

	// Security
	EnableAudit  bool   `yaml:"enable_audit"`
	AuditLogPath string `yaml:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Variant:          "integer",
		InitialPrice:     1,
		Network:          "tcp",
		WANAddr:          "127.0.0.1:1025",
		LANAddr:          "127.0.0.1:1026",
		ParamsPath:       "dhparams.json",
		MeterKey:         filepath.Join("keys", "meter"),
		ProviderKey:      filepath.Join("keys", "provider"),
		LogLevel:         "info",
		PollIntervalMs:     20,
		TimeoutSeconds:     30,
		ReadTimeoutSeconds: 5,
		ClockSkewSeconds:   300,
		HTTPRateLimit:      20,
		JournalDriver:      "file",
		JournalPath:        "journal.json",
		EnableAudit:        true,
		AuditLogPath:       "audit.log",
	}
}

// LoadConfig loads configuration from file, creating it with defaults when missing,
// then applies BILLING_* environment overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	case os.IsNotExist(err):
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}

func (c *Config) applyEnv() {
	c.Variant = getenvDefault("BILLING_VARIANT", c.Variant)
	c.WANAddr = getenvDefault("BILLING_WAN_ADDR", c.WANAddr)
	c.LANAddr = getenvDefault("BILLING_LAN_ADDR", c.LANAddr)
	c.ParamsPath = getenvDefault("BILLING_PARAMS", c.ParamsPath)
	c.LogLevel = getenvDefault("BILLING_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getenvDefault("BILLING_METRICS_ADDR", c.MetricsAddr)
	c.JournalDriver = getenvDefault("BILLING_JOURNAL_DRIVER", c.JournalDriver)
	c.JournalDSN = getenvDefault("BILLING_JOURNAL_DSN", c.JournalDSN)
	c.TimeoutSeconds = getenvIntDefault("BILLING_TIMEOUT_SECONDS", c.TimeoutSeconds)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// Validate validates the configuration
func (c *Config) Validate() error {
	variant, err := tariff.ParseVariant(c.Variant)
	if err != nil {
		return err
	}
	if _, err := variant.FromFloat(c.InitialPrice); err != nil {
		return fmt.Errorf("initial_price: %w", err)
	}
	if c.Network != "tcp" && c.Network != "unix" {
		return fmt.Errorf("network must be tcp or unix")
	}
	if c.WANAddr == "" || c.LANAddr == "" {
		return fmt.Errorf("wan_addr and lan_addr are required")
	}
	if c.ParamsPath == "" {
		return fmt.Errorf("params_path is required")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	if c.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("read_timeout_seconds must be positive")
	}
	if c.ClockSkewSeconds <= 0 {
		return fmt.Errorf("clock_skew_seconds must be positive")
	}
	switch c.JournalDriver {
	case "none", "":
	case "file":
		if c.JournalPath == "" {
			return fmt.Errorf("journal_path is required for the file journal")
		}
	case "postgres":
		if c.JournalDSN == "" {
			return fmt.Errorf("journal_dsn is required for the postgres journal")
		}
	default:
		return fmt.Errorf("unknown journal_driver %q", c.JournalDriver)
	}
	return nil
}

// VariantValue returns the configured variant; call after Validate.
func (c *Config) VariantValue() tariff.Variant {
	v, _ := tariff.ParseVariant(c.Variant)
	return v
}

// PollInterval returns poll_interval_ms as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns timeout_seconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReadTimeout returns read_timeout_seconds as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// ClockSkew returns clock_skew_seconds as a duration.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}
