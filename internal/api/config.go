package api

import (
	"errors"
	"time"
)

// Config holds the configuration for the HTTP client shared by the
// identity, control-plane, and ingestion calls.
// Config is passed as a constructor argument; this package does no file I/O.
type Config struct {
	// TLSInsecureSkipVerify disables TLS certificate verification.
	// WARNING: Only use for development/testing.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// ConnectTimeout is the maximum time to wait for a TCP connection.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RequestTimeout is the maximum time for a complete HTTP request/response cycle.
	// It bounds every upload attempt, including attempts that outlive shutdown.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxIdleConnsPerHost is the idle connection pool size per host.
	// Default: 8
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
}

// DefaultConnectTimeout is the default TCP connect timeout.
const DefaultConnectTimeout = 10 * time.Second

// DefaultRequestTimeout is the default HTTP request timeout.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxIdleConnsPerHost is the default idle pool size per host.
const DefaultMaxIdleConnsPerHost = 8

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}

// Validate checks that values are acceptable.
func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 {
		return errors.New("api: config: timeouts must not be negative")
	}
	if c.MaxIdleConnsPerHost < 0 {
		return errors.New("api: config: MaxIdleConnsPerHost must not be negative")
	}
	return nil
}
