// Package batch accumulates log records into batches and hands them to an
// exporter with bounded concurrency and bounded memory.
package batch

import (
	"time"

	"github.com/plexsphere/telexport/internal/failure"
)

const (
	// DefaultMaxBatchSize is the default number of records that triggers a flush.
	DefaultMaxBatchSize = 512

	// DefaultMaxBatchBytes is the default approximate batch size in bytes
	// that triggers a flush.
	DefaultMaxBatchBytes = 1 << 20

	// DefaultMaxBatchDelay is the default age of the oldest buffered record
	// that triggers a flush.
	DefaultMaxBatchDelay = time.Second

	// DefaultMaxInFlight is the default number of concurrent exports.
	DefaultMaxInFlight = 4

	// DefaultMaxQueuedBatches is the default number of cut batches waiting
	// for an export slot.
	DefaultMaxQueuedBatches = 8

	// DefaultEnqueueTimeout is the default time a producer waits for queue
	// space before its batch is dropped.
	DefaultEnqueueTimeout = time.Second

	// DefaultShutdownTimeout is the default drain deadline.
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds the batching and backpressure limits.
type Config struct {
	// MaxBatchSize is the record count that cuts a batch. Default: 512.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxBatchBytes is the approximate encoded size that cuts a batch.
	// Default: 1 MiB.
	MaxBatchBytes int `yaml:"max_batch_bytes"`

	// MaxBatchDelay bounds how long a record waits in the buffer.
	// Default: 1s.
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`

	// MaxInFlight is the number of batches exported concurrently. Default: 4.
	MaxInFlight int `yaml:"max_in_flight"`

	// MaxQueuedBatches is the number of cut batches waiting for an export
	// slot before producers are slowed down. Default: 8.
	MaxQueuedBatches int `yaml:"max_queued_batches"`

	// EnqueueTimeout is how long a producer that cut a batch waits for queue
	// space before the batch is dropped. Default: 1s.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`

	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// earlier deadline. Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MaxBatchDelay == 0 {
		c.MaxBatchDelay = DefaultMaxBatchDelay
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxQueuedBatches == 0 {
		c.MaxQueuedBatches = DefaultMaxQueuedBatches
	}
	if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return failure.Configf("batch: config: MaxBatchSize must be at least 1")
	}
	if c.MaxBatchBytes < 1 {
		return failure.Configf("batch: config: MaxBatchBytes must be at least 1")
	}
	if c.MaxBatchDelay < time.Millisecond {
		return failure.Configf("batch: config: MaxBatchDelay must be at least 1ms")
	}
	if c.MaxInFlight < 1 {
		return failure.Configf("batch: config: MaxInFlight must be at least 1")
	}
	if c.MaxQueuedBatches < 1 {
		return failure.Configf("batch: config: MaxQueuedBatches must be at least 1")
	}
	if c.EnqueueTimeout < 0 {
		return failure.Configf("batch: config: EnqueueTimeout must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return failure.Configf("batch: config: ShutdownTimeout must be positive")
	}
	return nil
}
