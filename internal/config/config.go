package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Retry     RetryConfig     `yaml:"retry"`
	Transport TransportConfig `yaml:"transport"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains instance-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN of this node
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	KeyHashes      []string      `yaml:"key_hashes"` // bcrypt hashes of accepted API keys
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file holding state and blobs
}

// UploadConfig contains attachment upload settings
type UploadConfig struct {
	ChunkThreshold int64         `yaml:"chunk_threshold"` // files at or above this size are chunked
	ChunkSize      int64         `yaml:"chunk_size"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
}

// RetryConfig contains retry policy settings
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// TransportConfig selects and configures the outbound transport.
// Mode is "backend" (HTTP to the SIF backend) or "relay" (SMTP, for
// email-bridged recipients).
type TransportConfig struct {
	Mode    string        `yaml:"mode"`
	Backend BackendConfig `yaml:"backend"`
	Relay   RelayConfig   `yaml:"relay"`
}

// BackendConfig contains SIF backend transport settings
type BackendConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RelayConfig contains SMTP relay transport settings
type RelayConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	FromDomain string        `yaml:"from_domain"`
	Timeout    time.Duration `yaml:"timeout"`
	DKIM       DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for the relay transport
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// NotifyConfig contains delivery notification settings
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // empty disables notifications
}

// CleanupConfig contains terminal-message retention settings
type CleanupConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"` // 0 = keep forever
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sifd/sifd.db"
	}

	if c.Upload.ChunkThreshold == 0 {
		c.Upload.ChunkThreshold = 5 << 20 // 5 MiB
	}
	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = 1 << 20 // 1 MiB
	}
	if c.Upload.ChunkTimeout == 0 {
		c.Upload.ChunkTimeout = 2 * time.Minute
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 30 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = time.Hour
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "backend"
	}
	if c.Transport.Backend.Timeout == 0 {
		c.Transport.Backend.Timeout = 30 * time.Second
	}
	if c.Transport.Relay.Port == 0 {
		c.Transport.Relay.Port = 587
	}
	if c.Transport.Relay.Timeout == 0 {
		c.Transport.Relay.Timeout = 30 * time.Second
	}

	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.Retention == 0 {
		c.Cleanup.Retention = 7 * 24 * time.Hour
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Upload.ChunkSize > c.Upload.ChunkThreshold {
		return fmt.Errorf("upload.chunk_size must not exceed upload.chunk_threshold")
	}

	switch c.Transport.Mode {
	case "backend":
		if c.Transport.Backend.Endpoint == "" {
			return fmt.Errorf("transport.backend.endpoint is required in backend mode")
		}
	case "relay":
		if c.Transport.Relay.Host == "" {
			return fmt.Errorf("transport.relay.host is required in relay mode")
		}
		if err := c.validateDKIM(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be backend or relay)", c.Transport.Mode)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	dkim := c.Transport.Relay.DKIM
	if !dkim.Enabled {
		return nil
	}

	if dkim.Selector == "" {
		return fmt.Errorf("transport.relay.dkim.selector is required when DKIM is enabled")
	}
	if dkim.KeyFile == "" {
		return fmt.Errorf("transport.relay.dkim.key_file is required when DKIM is enabled")
	}
	if dkim.Domain == "" {
		return fmt.Errorf("transport.relay.dkim.domain is required when DKIM is enabled")
	}

	return nil
}
