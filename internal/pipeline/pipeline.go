package pipeline

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/plexsphere/telexport/internal/api"
	"github.com/plexsphere/telexport/internal/batch"
	"github.com/plexsphere/telexport/internal/export"
	"github.com/plexsphere/telexport/internal/identity"
	"github.com/plexsphere/telexport/internal/logbridge"
	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/session"
	"github.com/plexsphere/telexport/internal/telemetry"
	"github.com/plexsphere/telexport/internal/upload"
)

// Options configures New.
type Options struct {
	// Config is the exporter configuration. New applies defaults and
	// validates it.
	Config File

	// Version is reported in the User-Agent of every request.
	Version string

	// Logger receives diagnostic logs. Default: slog.Default().
	Logger *slog.Logger

	// Registry, when set, receives the pipeline's Prometheus collectors.
	Registry *prometheus.Registry

	// Observer, when set, receives every diagnostic event in addition to
	// the log and metrics observers.
	Observer telemetry.Observer

	// LogLevel is the minimum level forwarded by Handler. Default: info.
	LogLevel slog.Leveler
}

// Pipeline is the producer-facing export client.
type Pipeline struct {
	cfg       File
	client    *api.Client
	resolver  *session.Resolver
	processor *batch.Processor
	handler   *logbridge.Handler
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// New validates the configuration, builds every component and negotiates
// the first upload session, so that configuration, identity and
// negotiation problems surface here rather than on the first flush.
func New(ctx context.Context, opts Options) (*Pipeline, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observers := telemetry.Multi{telemetry.NewLogObserver(logger)}
	var metrics *telemetry.Metrics
	if opts.Registry != nil {
		metrics = telemetry.NewMetrics(opts.Registry)
		observers = append(observers, metrics)
	}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	client, err := api.NewClient(cfg.API, opts.Version, logger)
	if err != nil {
		return nil, err
	}
	built := false
	defer func() {
		if !built {
			client.CloseIdleConnections()
		}
	}()
	source, err := identity.NewSource(cfg.Client, cfg.Identity, client.HTTPClient())
	if err != nil {
		return nil, err
	}
	provider := identity.NewProvider(source, cfg.Identity, logger)

	resolver, err := session.NewResolver(cfg.Client, cfg.Session, provider, client, logger)
	if err != nil {
		return nil, err
	}
	resolver.SetObserver(observers)
	s, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("upload session negotiated",
		"component", "pipeline",
		"account", cfg.Client.Account,
		"namespace", cfg.Client.Namespace,
		"moniker", s.Moniker,
		"expires_at", s.ExpiresAt,
	)

	transport, err := upload.NewTransport(cfg.Client, cfg.Upload, resolver, client, logger)
	if err != nil {
		return nil, err
	}
	transport.SetObserver(observers)

	exporter := export.NewExporter(cfg.Client, transport, logger)
	exporter.SetObserver(observers)

	processor, err := batch.NewProcessor(cfg.Batch, exporter, logger)
	if err != nil {
		return nil, err
	}
	processor.SetObserver(observers)

	built = true
	return &Pipeline{
		cfg:       cfg,
		client:    client,
		resolver:  resolver,
		processor: processor,
		handler:   logbridge.NewHandler(processor, &logbridge.Options{Level: opts.LogLevel}),
		metrics:   metrics,
		logger:    logger.With("component", "pipeline"),
	}, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() File { return p.cfg }

// Enqueue hands rec to the batch processor. It never performs network I/O.
func (p *Pipeline) Enqueue(rec logrecord.Record) error {
	return p.processor.Enqueue(rec)
}

// Flush exports every buffered record and waits for the result.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.processor.Flush(ctx)
}

// Shutdown stops accepting records and drains the pipeline. On drain
// timeout the error is a *failure.ShutdownError.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	err := p.processor.Shutdown(ctx)
	p.client.CloseIdleConnections()
	stats := p.processor.Stats()
	p.logger.Info("pipeline shut down",
		"enqueued", stats.Enqueued,
		"exported", stats.Exported,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"lost", stats.Lost,
		"bridge_failures", p.handler.Failed(),
	)
	return err
}

// Stats returns the batch processor counters.
func (p *Pipeline) Stats() batch.Stats { return p.processor.Stats() }

// State returns the batch processor state.
func (p *Pipeline) State() batch.State { return p.processor.State() }

// Handler returns a slog.Handler that exports every record it handles.
func (p *Pipeline) Handler() slog.Handler { return p.handler }

// Session returns the current upload session, negotiating one if needed.
func (p *Pipeline) Session(ctx context.Context) (*session.Session, error) {
	return p.resolver.Resolve(ctx)
}

// Metrics returns the pipeline metrics, or nil when no registry was given.
func (p *Pipeline) Metrics() *telemetry.Metrics { return p.metrics }
