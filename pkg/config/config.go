// Package config provides YAML-based configuration loading for splinter
// nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// NodeID names this node in logs and metrics. Generated when empty.
	NodeID string `mapstructure:"node_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Mesh sizes the connection multiplexer
	Mesh MeshConfig `mapstructure:"mesh"`

	// TLS supplies certificate material for tls:// and quic://
	TLS TLSConfig `mapstructure:"tls"`

	// Network lists endpoints to listen on and peers to connect to
	Network NetworkConfig `mapstructure:"network"`

	// Metrics exposes prometheus metrics over HTTP
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing exports transport spans over OTLP
	Tracing TracingConfig `mapstructure:"tracing"`

	// Console starts the interactive console on stdin
	Console bool `mapstructure:"console"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MeshConfig holds the multiplexer bounds.
type MeshConfig struct {
	IncomingCapacity int `mapstructure:"incoming_capacity"`
	OutgoingCapacity int `mapstructure:"outgoing_capacity"`
	// MaxConnections of 0 means unlimited
	MaxConnections int `mapstructure:"max_connections"`
}

// TLSConfig points at PEM files. When CertFile is empty, tls:// and quic://
// use an ephemeral self-signed certificate.
type TLSConfig struct {
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// NetworkConfig describes endpoints. Example YAML:
//
//	network:
//	  listen: ["tcp://0.0.0.0:7700", "ws://0.0.0.0:7701"]
//	  peers: ["tcp://10.0.0.2:7700"]
//	  transports: ["tcp", "ws", "inproc"]
type NetworkConfig struct {
	Listen []string `mapstructure:"listen"`
	Peers  []string `mapstructure:"peers"`
	// Transports enables schemes in dispatch order. Empty enables all.
	Transports []string `mapstructure:"transports"`

	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port; empty disables the endpoint
	Listen string `mapstructure:"listen"`
}

// TracingConfig selects an OTLP exporter for spans.
type TracingConfig struct {
	// Exporter: none, otlp-grpc or otlp-http
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// KnownTransports are the schemes a node can enable, in default order.
var KnownTransports = []string{"tcp", "tls", "ws", "quic", "inproc", "pipe"}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/splinter.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Mesh: MeshConfig{IncomingCapacity: 512, OutgoingCapacity: 512},
		Network: NetworkConfig{
			Listen:               []string{"tcp://0.0.0.0:7700"},
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
		},
		Tracing: TracingConfig{Exporter: "none", SampleRate: 1},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SPLINTER and `.`/`-` are replaced with `_`.
// Example: SPLINTER_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SPLINTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("console", cfg.Console)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("mesh.incoming_capacity", cfg.Mesh.IncomingCapacity)
	v.SetDefault("mesh.outgoing_capacity", cfg.Mesh.OutgoingCapacity)
	v.SetDefault("mesh.max_connections", cfg.Mesh.MaxConnections)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.ca_file", cfg.TLS.CAFile)
	v.SetDefault("tls.insecure_skip_verify", cfg.TLS.InsecureSkipVerify)
	v.SetDefault("network.listen", cfg.Network.Listen)
	v.SetDefault("network.peers", cfg.Network.Peers)
	v.SetDefault("network.transports", cfg.Network.Transports)
	v.SetDefault("network.dial_backoff_initial_ms", cfg.Network.DialBackoffInitialMS)
	v.SetDefault("network.dial_backoff_max_ms", cfg.Network.DialBackoffMaxMS)
	v.SetDefault("network.dial_backoff_jitter_ms", cfg.Network.DialBackoffJitterMS)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("SPLINTER_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("splinter")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".splinter"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-" + uuid.NewString()[:8]
	}
	if c.Mesh.IncomingCapacity <= 0 {
		return fmt.Errorf("invalid mesh.incoming_capacity: %d", c.Mesh.IncomingCapacity)
	}
	if c.Mesh.OutgoingCapacity <= 0 {
		return fmt.Errorf("invalid mesh.outgoing_capacity: %d", c.Mesh.OutgoingCapacity)
	}
	if c.Mesh.MaxConnections < 0 {
		return fmt.Errorf("invalid mesh.max_connections: %d", c.Mesh.MaxConnections)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	for i, s := range c.Network.Transports {
		s = strings.ToLower(strings.TrimSpace(s))
		if !known(s) {
			return fmt.Errorf("invalid network.transports[%d]: %q", i, s)
		}
		c.Network.Transports[i] = s
	}
	if len(c.Network.Transports) == 0 {
		c.Network.Transports = append([]string(nil), KnownTransports...)
	}
	if c.Network.DialBackoffInitialMS <= 0 {
		c.Network.DialBackoffInitialMS = 500
	}
	if c.Network.DialBackoffMaxMS < c.Network.DialBackoffInitialMS {
		c.Network.DialBackoffMaxMS = c.Network.DialBackoffInitialMS
	}
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	switch c.Tracing.Exporter {
	case "", "none":
		c.Tracing.Exporter = "none"
	case "otlp-grpc", "otlp-http":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for %s", c.Tracing.Exporter)
		}
	default:
		return fmt.Errorf("invalid tracing.exporter: %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("invalid tracing.sample_rate: %v", c.Tracing.SampleRate)
	}
	return nil
}

func known(scheme string) bool {
	for _, k := range KnownTransports {
		if k == scheme {
			return true
		}
	}
	return false
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
