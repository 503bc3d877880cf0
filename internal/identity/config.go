// Package identity acquires and caches access tokens for the workload's
// cloud identity.
package identity

import (
	"errors"
	"time"
)

// Config holds the configuration for token acquisition.
type Config struct {
	// RefreshMargin is how long before expiry a cached token stops being
	// handed out and a refresh is forced.
	// Default: 5m
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// IMDSEndpoint is the instance metadata service base URL.
	// Default: http://169.254.169.254
	IMDSEndpoint string `yaml:"imds_endpoint"`

	// AuthorityHost is the Entra authority used for workload identity.
	// Default: https://login.microsoftonline.com
	AuthorityHost string `yaml:"authority_host"`

	// MaxRetries bounds retries of transient identity endpoint failures.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryInterval is the initial delay between identity endpoint retries.
	// Default: 500ms
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultRefreshMargin is the default refresh margin.
const DefaultRefreshMargin = 5 * time.Minute

// DefaultIMDSEndpoint is the Azure instance metadata service address.
const DefaultIMDSEndpoint = "http://169.254.169.254"

// DefaultAuthorityHost is the default Entra authority.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// DefaultMaxRetries is the default identity endpoint retry count.
const DefaultMaxRetries = 3

// DefaultRetryInterval is the default initial retry delay.
const DefaultRetryInterval = 500 * time.Millisecond

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.RefreshMargin == 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.IMDSEndpoint == "" {
		c.IMDSEndpoint = DefaultIMDSEndpoint
	}
	if c.AuthorityHost == "" {
		c.AuthorityHost = DefaultAuthorityHost
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
}

// Validate checks that values are acceptable.
func (c *Config) Validate() error {
	if c.RefreshMargin < 0 {
		return errors.New("identity: config: RefreshMargin must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("identity: config: MaxRetries must not be negative")
	}
	return nil
}
