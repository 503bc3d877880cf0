package telemetry

import (
	"log/slog"
	"time"

	"github.com/plexsphere/telexport/internal/failure"
)

// LogObserver writes pipeline events to a slog.Logger. Successful exports
// are logged at debug level; failures and drops at warn or error.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With("component", "telemetry")}
}

func (o *LogObserver) BatchExported(records, rejected int, latency time.Duration, err error) {
	switch {
	case err != nil:
		o.logger.Error("batch export failed",
			"records", records,
			"class", failure.ClassOf(err).String(),
			"latency", latency,
			"error", err,
		)
	case rejected > 0:
		o.logger.Warn("batch partially exported",
			"records", records,
			"rejected", rejected,
			"latency", latency,
		)
	default:
		o.logger.Debug("batch exported", "records", records, "latency", latency)
	}
}

func (o *LogObserver) Retry(class failure.Class, attempt int, delay time.Duration) {
	o.logger.Info("retrying upload", "class", class.String(), "attempt", attempt, "delay", delay)
}

func (o *LogObserver) AuthFailure(err error) {
	o.logger.Warn("authorization rejected", "error", err)
}

func (o *LogObserver) RecordsDropped(n int, reason string) {
	o.logger.Warn("records dropped", "count", n, "reason", reason)
}

func (o *LogObserver) SessionNegotiated(latency time.Duration, err error) {
	if err != nil {
		o.logger.Warn("session negotiation failed", "latency", latency, "error", err)
		return
	}
	o.logger.Info("session negotiated", "latency", latency)
}
