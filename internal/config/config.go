package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/activatr/internal/coordinator"
	"github.com/loykin/activatr/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. ACTIVATR_ATTACH_TIMEOUT.
const EnvPrefix = "ACTIVATR"

const (
	DefaultServerListen   = "127.0.0.1:8089"
	DefaultServerBasePath = "/api"
)

// Config represents the top-level TOML structure.
type Config struct {
	RuntimeDir string        `toml:"runtime_dir" mapstructure:"runtime_dir"`
	Attach     AttachConfig  `toml:"attach" mapstructure:"attach"`
	Log        LogConfig     `toml:"log" mapstructure:"log"`
	History    HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig  `toml:"server" mapstructure:"server"`
}

type AttachConfig struct {
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	MaxAttempts  int           `toml:"max_attempts" mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig selects the history sink; an empty DSN disables history.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile" mapstructure:"textfile"`
	Listen   string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the inspection API. Explicit cert/key files win
// over Dir; with AutoGenerate a self-signed pair is created in Dir when absent.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

// Load reads the optional TOML file at path and applies ACTIVATR_* overrides.
// An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	def := coordinator.DefaultPolicy()
	v.SetDefault("runtime_dir", "")
	v.SetDefault("attach.timeout", def.AttachTimeout)
	v.SetDefault("attach.poll_interval", def.PollInterval)
	v.SetDefault("attach.max_attempts", def.MaxAttempts)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", DefaultServerListen)
	v.SetDefault("server.base_path", DefaultServerBasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
}

// normalize validates the attach policy and fills zero values with defaults.
func (c *Config) normalize() error {
	def := coordinator.DefaultPolicy()
	switch {
	case c.Attach.MaxAttempts < 0:
		return fmt.Errorf("attach.max_attempts must be >= 1, got %d", c.Attach.MaxAttempts)
	case c.Attach.PollInterval < 0:
		return fmt.Errorf("attach.poll_interval must be > 0, got %s", c.Attach.PollInterval)
	case c.Attach.Timeout < 0:
		return fmt.Errorf("attach.timeout must be >= 0, got %s", c.Attach.Timeout)
	}
	if c.Attach.MaxAttempts == 0 {
		c.Attach.MaxAttempts = def.MaxAttempts
	}
	if c.Attach.PollInterval == 0 {
		c.Attach.PollInterval = def.PollInterval
	}
	if c.Attach.Timeout == 0 {
		c.Attach.Timeout = def.AttachTimeout
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = DefaultRuntimeDir()
	}
	c.RuntimeDir = filepath.Clean(c.RuntimeDir)
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultServerListen
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultServerBasePath
	}
	return nil
}

// DefaultRuntimeDir is $XDG_RUNTIME_DIR/activatr, or a per-user directory
// under the system temp dir when XDG_RUNTIME_DIR is unset.
func DefaultRuntimeDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, "activatr")
	}
	return filepath.Join(os.TempDir(), "activatr-"+strconv.Itoa(os.Getuid()))
}

// Policy converts the attach section to the controller policy.
func (c *Config) Policy() coordinator.Policy {
	return coordinator.Policy{
		AttachTimeout: c.Attach.Timeout,
		PollInterval:  c.Attach.PollInterval,
		MaxAttempts:   c.Attach.MaxAttempts,
	}
}

// Logger converts the log section to a logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level: c.Log.Level,
		Color: c.Log.Color,
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
