// Package telemetry reports diagnostic events of the export pipeline as
// structured log lines and Prometheus metrics.
package telemetry

import (
	"time"

	"github.com/plexsphere/telexport/internal/failure"
)

// Observer receives pipeline diagnostic events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// BatchExported is called once per export attempt of a batch.
	// records is the batch size and rejected the number of rows that
	// were not accepted. err is non-nil when the whole batch failed.
	BatchExported(records, rejected int, latency time.Duration, err error)

	// Retry is called before the upload transport retries a request.
	Retry(class failure.Class, attempt int, delay time.Duration)

	// AuthFailure is called when a credential or session token is rejected.
	AuthFailure(err error)

	// RecordsDropped is called when records are discarded without export.
	RecordsDropped(n int, reason string)

	// SessionNegotiated is called after every upload session negotiation.
	SessionNegotiated(latency time.Duration, err error)
}

// Drop reasons passed to RecordsDropped.
const (
	DropBackpressure = "backpressure"
	DropShutdown     = "shutdown"
)

// Nop is an Observer that ignores every event.
type Nop struct{}

func (Nop) BatchExported(int, int, time.Duration, error) {}
func (Nop) Retry(failure.Class, int, time.Duration) {}
func (Nop) AuthFailure(error) {}
func (Nop) RecordsDropped(int, string) {}
func (Nop) SessionNegotiated(time.Duration, error) {}

// Multi fans every event out to each observer in order.
type Multi []Observer

func (m Multi) BatchExported(records, rejected int, latency time.Duration, err error) {
	for _, o := range m {
		o.BatchExported(records, rejected, latency, err)
	}
}

func (m Multi) Retry(class failure.Class, attempt int, delay time.Duration) {
	for _, o := range m {
		o.Retry(class, attempt, delay)
	}
}

func (m Multi) AuthFailure(err error) {
	for _, o := range m {
		o.AuthFailure(err)
	}
}

func (m Multi) RecordsDropped(n int, reason string) {
	for _, o := range m {
		o.RecordsDropped(n, reason)
	}
}

func (m Multi) SessionNegotiated(latency time.Duration, err error) {
	for _, o := range m {
		o.SessionNegotiated(latency, err)
	}
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
