// Package config handles configuration loading, validation, and management for maskcreator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"maskcreator/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Transport names.
const (
	TransportBinary = "binary"
	TransportHTTP   = "http"
)

// Config holds the complete maskcreator configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" validate:"min=1"`

	// Server selects and addresses the segmentation service.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Mask controls how composites are displayed.
	Mask MaskConfig `toml:"mask" json:"mask" yaml:"mask"`

	// Workspace describes the process directory layout.
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace" yaml:"workspace"`

	// Detection holds box detection defaults.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Storage configuration for the saved-mask history.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Watch configuration for batch mode.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ServerConfig addresses the segmentation service.
type ServerConfig struct {
	// Transport is "binary" (TCP frames) or "http" (JSON).
	Transport string `toml:"transport" json:"transport" yaml:"transport" validate:"oneof=binary http"`

	// Host is the service host name or IP address.
	Host string `toml:"host" json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`

	// BinaryPort is the TCP port of the binary transport.
	BinaryPort int `toml:"binary_port" json:"binary_port" yaml:"binary_port" validate:"min=1,max=65535"`

	// HTTPPort is the port of the JSON/HTTP transport.
	HTTPPort int `toml:"http_port" json:"http_port" yaml:"http_port" validate:"min=1,max=65535"`

	// ConnectTimeoutMs bounds dialing. Zero disables the bound.
	ConnectTimeoutMs int `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms" validate:"min=0"`

	// RequestTimeoutMs bounds one request. Segmentation models can be slow.
	RequestTimeoutMs int `toml:"request_timeout_ms" json:"request_timeout_ms" yaml:"request_timeout_ms" validate:"min=0"`
}

// MaskConfig controls composite display.
type MaskConfig struct {
	// Tint is the overlay colour as #RRGGBB.
	Tint string `toml:"tint" json:"tint" yaml:"tint" validate:"rgbhex"`
}

// WorkspaceConfig describes the process directory.
type WorkspaceConfig struct {
	// Directory overrides the process directory sent by the server.
	Directory string `toml:"directory" json:"directory" yaml:"directory"`

	// Extensions are the base image extensions, matched case-insensitively.
	Extensions []string `toml:"extensions" json:"extensions" yaml:"extensions" validate:"min=1,dive,startswith=."`

	// MaskSuffix is appended to a base image stem to name its mask.
	MaskSuffix string `toml:"mask_suffix" json:"mask_suffix" yaml:"mask_suffix" validate:"required,excludesall=/\\"`
}

// DetectionConfig holds box detection defaults.
type DetectionConfig struct {
	// Prompt overrides the detection prompt sent by the server.
	Prompt string `toml:"prompt" json:"prompt" yaml:"prompt" validate:"omitempty,printascii"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `toml:"format" json:"format" yaml:"format" validate:"oneof=auto text json"`
	Output     string `toml:"output" json:"output" yaml:"output" validate:"oneof=stdout stderr file both"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" validate:"required_if=Output file,required_if=Output both"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// StorageConfig holds the saved-mask history database.
type StorageConfig struct {
	// Enabled turns history recording on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path" validate:"required_if=Enabled true"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" validate:"min=0"`
}

// WatchConfig configures batch mode.
type WatchConfig struct {
	// DebounceMs is how long a new image must be unchanged before it is
	// processed.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms" validate:"min=0"`

	// Overwrite regenerates masks for images that already have one.
	Overwrite bool `toml:"overwrite" json:"overwrite" yaml:"overwrite"`
}

// MetricsConfig configures the Prometheus endpoint in watch mode.
type MetricsConfig struct {
	// Listen is host:port for /metrics. Empty disables the endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			Transport:        TransportBinary,
			Host:             "localhost",
			BinaryPort:       65432,
			HTTPPort:         7880,
			ConnectTimeoutMs: 5000,
			RequestTimeoutMs: 120000,
		},
		Mask: MaskConfig{
			Tint: "#0000FF",
		},
		Workspace: WorkspaceConfig{
			Extensions: []string{".png", ".jpg", ".jpeg", ".webp"},
			MaskSuffix: "_mask",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "maskcreator.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "history.db"),
			BusyTimeoutMs: 5000,
		},
		Watch: WatchConfig{
			DebounceMs: 1000,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory.
// MASKCREATOR_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("MASKCREATOR_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories for the log file and database.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with MASKCREATOR_.
func (c *Config) ApplyEnvOverrides() {
	// Server overrides
	if v := os.Getenv("MASKCREATOR_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("MASKCREATOR_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("MASKCREATOR_BINARY_PORT"); ok {
		c.Server.BinaryPort = v
	}
	if v, ok := envInt("MASKCREATOR_HTTP_PORT"); ok {
		c.Server.HTTPPort = v
	}

	// Workspace and detection overrides
	if v := os.Getenv("MASKCREATOR_PROC_DIR"); v != "" {
		c.Workspace.Directory = v
	}
	if v := os.Getenv("MASKCREATOR_PROMPT"); v != "" {
		c.Detection.Prompt = v
	}
	if v := os.Getenv("MASKCREATOR_TINT"); v != "" {
		c.Mask.Tint = v
	}

	// Logging overrides
	if v := os.Getenv("MASKCREATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MASKCREATOR_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Storage and metrics overrides
	if v := os.Getenv("MASKCREATOR_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MASKCREATOR_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Workspace.Extensions = append([]string{}, c.Workspace.Extensions...)
	return &clone
}

// Port returns the port of the selected transport.
func (s ServerConfig) Port() int {
	if s.Transport == TransportHTTP {
		return s.HTTPPort
	}
	return s.BinaryPort
}

// ConnectTimeout returns ConnectTimeoutMs as a duration.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// Debounce returns DebounceMs as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

// BusyTimeout returns BusyTimeoutMs as a duration.
func (s StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

// LoggingConfig converts the section into a logging.Config.
func (l LoggingConfig) LoggingConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg, nil
}
