// Package config provides XML-based configuration management for the upload server.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// Store backends
const (
	BackendDuckDB  = "duckdb"
	BackendLevelDB = "leveldb"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"ChunkDrop"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Upload protocol limits
	Upload UploadConfig `xml:"Upload"`

	// Stale session sweep
	Reaper ReaperConfig `xml:"Reaper"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int    `xml:"Port"`
	BindAddress     string `xml:"BindAddress"`
	EnableCORS      bool   `xml:"EnableCORS"`
	AllowOrigins    string `xml:"AllowOrigins"`
	ReadTimeout     int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout    int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout     int    `xml:"IdleTimeoutSeconds"`
	ShutdownTimeout int    `xml:"ShutdownTimeoutSeconds"`
}

// StorageConfig contains session store and backing file settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	UploadsDirectory string `xml:"UploadsDirectory"`
	// Backend is "duckdb" or "leveldb"
	Backend       string `xml:"Backend"`
	DuckDBFile    string `xml:"DuckDBFile"`
	LevelDBFolder string `xml:"LevelDBFolder"`
}

// UploadConfig bounds what a client may declare
type UploadConfig struct {
	MaxChunks    int    `xml:"MaxChunks"`
	MaxChunkSize string `xml:"MaxChunkSize"`
}

// ReaperConfig controls the stale session sweep
type ReaperConfig struct {
	Enabled        bool   `xml:"Enabled"`
	Interval       string `xml:"Interval"`
	StaleThreshold string `xml:"StaleThreshold"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	ShowErrorDetails     bool   `xml:"ShowErrorDetails"`
	DuckDBThreads        int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit    string `xml:"DuckDBMemoryLimit"`
}

// envOverrides lists the environment variables that win over the XML file
type envOverrides struct {
	Port           *int           `envconfig:"PORT"`
	DataDir        *string        `envconfig:"DATA_DIR"`
	UploadsDir     *string        `envconfig:"UPLOADS_DIR"`
	StoreBackend   *string        `envconfig:"STORE_BACKEND"`
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
	StaleThreshold *time.Duration `envconfig:"STALE_THRESHOLD"`
	ReaperInterval *time.Duration `envconfig:"REAPER_INTERVAL"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:            3000,
			BindAddress:     "0.0.0.0",
			EnableCORS:      true,
			AllowOrigins:    "*",
			ReadTimeout:     60,
			WriteTimeout:    300,
			IdleTimeout:     120,
			ShutdownTimeout: 30,
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			Backend:          BackendDuckDB,
			DuckDBFile:       "sessions.duckdb",
			LevelDBFolder:    "sessions.ldb",
		},
		Upload: UploadConfig{
			MaxChunks:    100000,
			MaxChunkSize: "64MB",
		},
		Reaper: ReaperConfig{
			Enabled:        true,
			Interval:       "1h",
			StaleThreshold: "2h",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			ShowErrorDetails:     false,
			DuckDBThreads:        2,
			DuckDBMemoryLimit:    "256MB",
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- ChunkDrop upload server configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.Port != nil {
		c.Server.Port = *env.Port
	}
	if env.DataDir != nil {
		c.Storage.DataDirectory = *env.DataDir
	}
	if env.UploadsDir != nil {
		c.Storage.UploadsDirectory = *env.UploadsDir
	}
	if env.StoreBackend != nil {
		c.Storage.Backend = strings.ToLower(*env.StoreBackend)
	}
	if env.LogLevel != nil {
		c.Advanced.LogLevel = *env.LogLevel
	}
	if env.StaleThreshold != nil {
		c.Reaper.StaleThreshold = env.StaleThreshold.String()
	}
	if env.ReaperInterval != nil {
		c.Reaper.Interval = env.ReaperInterval.String()
	}
	return nil
}

// Validate checks values that cannot be fixed up silently
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendDuckDB, BackendLevelDB:
	default:
		return fmt.Errorf("unknown store backend %q", c.Storage.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if _, err := c.MaxChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.ReaperInterval(); err != nil {
		return err
	}
	if _, err := c.StaleThreshold(); err != nil {
		return err
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.UploadsDirectory) {
		c.Storage.UploadsDirectory = filepath.Join(configDir, c.Storage.UploadsDirectory)
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetStorePath returns the session store location for the configured backend
func (c *AppConfig) GetStorePath() string {
	if c.Storage.Backend == BackendLevelDB {
		return filepath.Join(c.Storage.DataDirectory, c.Storage.LevelDBFolder)
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.DuckDBFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// GetAllowOrigins splits the comma separated CORS origins
func (c *AppConfig) GetAllowOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.Server.AllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// MaxChunkSizeBytes parses Upload.MaxChunkSize, e.g. "64MB"
func (c *AppConfig) MaxChunkSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Upload.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid MaxChunkSize %q: %w", c.Upload.MaxChunkSize, err)
	}
	return n, nil
}

// ReaperInterval parses Reaper.Interval
func (c *AppConfig) ReaperInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Reaper.Interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid reaper Interval %q", c.Reaper.Interval)
	}
	return d, nil
}

// StaleThreshold parses Reaper.StaleThreshold
func (c *AppConfig) StaleThreshold() (time.Duration, error) {
	d, err := time.ParseDuration(c.Reaper.StaleThreshold)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid reaper StaleThreshold %q", c.Reaper.StaleThreshold)
	}
	return d, nil
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
