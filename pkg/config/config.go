package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds agent configuration. Zero fields are filled from the
// `default` tags; a YAML file, then CLI flags, override them.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Connect policy
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"100s"`
	RetryCount        int           `yaml:"retry_count" default:"3"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"200ms"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	AutoConnect       bool          `yaml:"auto_connect" default:"true"`

	// Negotiation
	MTU                int           `yaml:"mtu" default:"256"`
	ATTOverhead        int           `yaml:"att_overhead" default:"3"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" default:"30s"`

	// Channel writes
	WriteTimeout   time.Duration `yaml:"write_timeout" default:"10s"`
	WriteQueueSize int           `yaml:"write_queue_size" default:"64"`

	StateFile  string `yaml:"state_file"`
	SocketPath string `yaml:"socket_path"`

	SilentMode SilentModeConfig `yaml:"silent_mode"`
}

// SilentModeConfig holds the shell hooks run while a peer is synced.
type SilentModeConfig struct {
	OnSync   string `yaml:"on_sync"`
	OnUnsync string `yaml:"on_unsync"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.resolvePaths()
	return cfg
}

// DefaultPath returns the config file location under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blesync", "config.yaml")
}

// Load reads the YAML file at path over the defaults. An empty path loads
// DefaultPath when it exists and plain defaults otherwise.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !explicit:
		case err != nil:
			return nil, fmt.Errorf("failed to open config: %w", err)
		default:
			defer f.Close()
			dec := yaml.NewDecoder(f)
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the agent cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch {
	case c.ConnectTimeout <= 0:
		return errors.New("connect_timeout must be positive")
	case c.RetryCount < 0:
		return errors.New("retry_count must not be negative")
	case c.RetryDelay < 0:
		return errors.New("retry_delay must not be negative")
	case c.MTU <= c.ATTOverhead:
		return fmt.Errorf("mtu %d must exceed att_overhead %d", c.MTU, c.ATTOverhead)
	case c.ATTOverhead < 0:
		return errors.New("att_overhead must not be negative")
	case c.NegotiationTimeout <= 0:
		return errors.New("negotiation_timeout must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("write_timeout must be positive")
	case c.WriteQueueSize <= 0:
		return errors.New("write_queue_size must be positive")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) resolvePaths() {
	if c.StateFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.StateFile = filepath.Join(dir, "blesync", "peer.yaml")
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath()
	}
}

// DefaultSocketPath returns the per-user control socket location.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("blesync-%d.sock", os.Getuid()))
}
