// Package client implements the uploading side of the chunked upload protocol.
package client

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config holds client settings. Zero values are replaced by defaults in Normalize.
type Config struct {
	ServerURL      string `yaml:"server_url"`
	ChunkSize      string `yaml:"chunk_size"`
	Concurrency    int    `yaml:"concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	Backoff        string `yaml:"backoff"`
	ControlRetries int    `yaml:"control_retries"`
	RequestTimeout string `yaml:"request_timeout"`
}

// DefaultConfig mirrors the browser uploader: 5MB chunks, 3 in flight, 3 attempts.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:3000",
		ChunkSize:      "5MB",
		Concurrency:    3,
		MaxAttempts:    3,
		Backoff:        "1s",
		ControlRetries: 2,
		RequestTimeout: "2m",
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path or a
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read client config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse client config: %w", err)
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.ChunkSize == "" {
		c.ChunkSize = def.ChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff == "" {
		c.Backoff = def.Backoff
	}
	if c.ControlRetries < 0 {
		c.ControlRetries = 0
	}
	if c.RequestTimeout == "" {
		c.RequestTimeout = def.RequestTimeout
	}
}

func (c Config) Validate() error {
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.BackoffBase(); err != nil {
		return err
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	return nil
}

// ChunkSizeBytes parses ChunkSize. "5MB" and "5MiB" both mean 5*1024*1024.
func (c Config) ChunkSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", c.ChunkSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid chunk size %q", c.ChunkSize)
	}
	return n, nil
}

func (c Config) BackoffBase() (time.Duration, error) {
	d, err := time.ParseDuration(c.Backoff)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid backoff %q", c.Backoff)
	}
	return d, nil
}

func (c Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid request timeout %q", c.RequestTimeout)
	}
	return d, nil
}
