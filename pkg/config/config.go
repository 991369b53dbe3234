package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/myo"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero values are filled from the
// default tags; a YAML file overrides them and CLI flags override the file.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Listen   string `yaml:"listen" default:"127.0.0.1:5000"`
	// Backend selects the BLE stack: goble or tinygo.
	Backend string `yaml:"backend" default:"goble"`

	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"4s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"15s"`
	CommandTimeout    time.Duration `yaml:"command_timeout" default:"5s"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" default:"60s"`
	StatusInterval    time.Duration `yaml:"status_interval" default:"2s"`

	IngestQueueSize uint32 `yaml:"ingest_queue_size" default:"1024"`
	ViewerQueueSize int    `yaml:"viewer_queue_size" default:"256"`

	RecordingsDir string `yaml:"recordings_dir" default:"recordings"`

	// Mode applied by connect requests that do not name one.
	EMGMode int `yaml:"emg_mode" default:"3"`
	IMUMode int `yaml:"imu_mode" default:"3"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load returns the defaults overridden by the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the defaults cannot guarantee.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Mode(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":        c.ScanTimeout,
		"connect_timeout":     c.ConnectTimeout,
		"command_timeout":     c.CommandTimeout,
		"keep_alive_interval": c.KeepAliveInterval,
		"status_interval":     c.StatusInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.IngestQueueSize == 0 {
		errs = append(errs, errors.New("ingest_queue_size must be positive"))
	}
	if c.ViewerQueueSize <= 0 {
		errs = append(errs, errors.New("viewer_queue_size must be positive"))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Mode returns the default streaming mode.
func (c *Config) Mode() (myo.ModeConfig, error) {
	return myo.ParseModeConfig(c.EMGMode, c.IMUMode)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
