package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "BUILDSRV"

// Config holds the configuration for the server
type Config struct {
	// GRPCAddress is the address for the gRPC health server
	GRPCAddress string `envconfig:"GRPC_ADDRESS" default:":50051"`

	// HTTPAddress serves /healthz, /readyz and /metrics
	HTTPAddress string `envconfig:"HTTP_ADDRESS" default:":8080"`

	// TLS settings for the gRPC server
	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"auto"`

	// LogChannelIO logs redacted build server call payloads at debug level
	LogChannelIO bool `envconfig:"LOG_CHANNEL_IO" default:"false"`

	// StartTimeout bounds spawn plus handshake
	StartTimeout time.Duration `envconfig:"START_TIMEOUT" default:"60s"`

	// ShutdownGrace is the wait between SIGTERM and kill
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s"`

	// IdleTimeout terminates unused build servers; zero disables it
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"0s"`

	// GCInterval is how often idle build servers are looked for
	GCInterval time.Duration `envconfig:"GC_INTERVAL" default:"1m"`

	// MaxConcurrentStarts limits simultaneous starts per strategy; zero means unlimited
	MaxConcurrentStarts int `envconfig:"MAX_CONCURRENT_STARTS" default:"4"`

	// DefaultMaxHeap applies when the user sets no -Xmx
	DefaultMaxHeap string `envconfig:"DEFAULT_MAX_HEAP" default:"-Xmx768m"`

	// ForcedMaxHeap, when set, replaces any user -Xmx
	ForcedMaxHeap string `envconfig:"FORCED_MAX_HEAP"`

	// StrategiesFile lists Container and RemoteHost registrations
	StrategiesFile string `envconfig:"STRATEGIES_FILE"`

	// RemotePortBase is the first port handed to remote build servers
	RemotePortBase int `envconfig:"REMOTE_PORT_BASE" default:"24000"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		GRPCAddress:         ":50051",
		HTTPAddress:         ":8080",
		LogLevel:            "info",
		LogFormat:           "auto",
		StartTimeout:        60 * time.Second,
		ShutdownGrace:       5 * time.Second,
		GCInterval:          time.Minute,
		MaxConcurrentStarts: 4,
		DefaultMaxHeap:      vmargs.DefaultMaxHeap,
		RemotePortBase:      24000,
	}
}

// LoadConfig reads the configuration from BUILDSRV_* environment variables
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GRPCAddress == "" {
		return fmt.Errorf("GRPC address is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("HTTP address is required")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if c.IdleTimeout > 0 && c.GCInterval <= 0 {
		return fmt.Errorf("GC interval must be positive when idle timeout is set")
	}
	if c.MaxConcurrentStarts < 0 {
		return fmt.Errorf("max concurrent starts must not be negative")
	}
	if c.RemotePortBase <= 0 || c.RemotePortBase > 65535 {
		return fmt.Errorf("remote port base %d out of range", c.RemotePortBase)
	}
	if _, err := vmargs.ParseHeapFlag(c.DefaultMaxHeap); err != nil {
		return fmt.Errorf("default max heap: %w", err)
	}
	if c.ForcedMaxHeap != "" {
		if _, err := vmargs.ParseHeapFlag(c.ForcedMaxHeap); err != nil {
			return fmt.Errorf("forced max heap: %w", err)
		}
	}
	return nil
}

// Policy returns the VM argument policy the configuration describes
func (c *Config) Policy() vmargs.Policy {
	return vmargs.Policy{
		DefaultMaxHeap:  c.DefaultMaxHeap,
		MaxHeapOverride: c.ForcedMaxHeap,
	}
}
