// Package pipeline wires identity, session negotiation, export, upload and
// batching into one client.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/batch"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/failure"
	"github.com/plexsphere/telexport/internal/identity"
	"github.com/plexsphere/telexport/internal/session"
	"github.com/plexsphere/telexport/internal/telemetry"
	"github.com/plexsphere/telexport/internal/upload"
)

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// File is the top-level configuration of the exporter. It aggregates all
// component configurations and is populated from a YAML file and the
// GENEVA_* environment via ParseFile.
type File struct {
	// LogLevel is the diagnostic log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Client   config.ClientConfig `yaml:"client"`
	API      api.Config          `yaml:"api"`
	Identity identity.Config     `yaml:"identity"`
	Session  session.Config      `yaml:"session"`
	Upload   upload.Policy       `yaml:"upload"`
	Batch    batch.Config        `yaml:"batch"`
	Metrics  telemetry.Config    `yaml:"metrics"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *File) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Client.ApplyDefaults()
	c.API.ApplyDefaults()
	c.Identity.ApplyDefaults()
	c.Session.ApplyDefaults()
	c.Upload.ApplyDefaults()
	c.Batch.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks every component configuration. All failures are
// failure.ErrConfig errors.
func (c *File) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return failure.Configf("pipeline: config: invalid log level %q", c.LogLevel)
	}
	if err := c.Client.Validate(); err != nil {
		return err
	}
	checks := []func() error{
		c.API.Validate,
		c.Identity.Validate,
		c.Session.Validate,
		c.Upload.Validate,
		c.Batch.Validate,
		c.Metrics.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			if failure.ClassOf(err) == failure.ClassConfig {
				return err
			}
			return failure.New(failure.ClassConfig, "pipeline: config", err)
		}
	}
	return nil
}

// ParseFile reads the YAML file at path, when path is non-empty, then
// overrides it with the environment read through lookup. It applies
// defaults and validates the result.
func ParseFile(path string, lookup config.LookupFunc) (*File, error) {
	var cfg File
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, failure.New(failure.ClassConfig, "pipeline: config", fmt.Errorf("read %s: %w", path, err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, failure.New(failure.ClassConfig, "pipeline: config", fmt.Errorf("parse %s: %w", path, err))
		}
	}
	if lookup != nil {
		if err := cfg.Client.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
