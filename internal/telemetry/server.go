package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds the graceful shutdown of the metrics server.
const DefaultShutdownTimeout = 5 * time.Second

// Config holds the metrics endpoint settings.
type Config struct {
	// Listen is the TCP address serving /metrics, e.g. "127.0.0.1:9464".
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`

	// ShutdownTimeout is the maximum time to wait for a graceful shutdown.
	// Default: 5s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("telemetry: config: invalid Listen address %q: %w", c.Listen, err)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("telemetry: config: ShutdownTimeout must be positive")
	}
	return nil
}

// Serve exposes m on cfg.Listen until ctx is cancelled. It returns
// immediately when cfg.Listen is empty.
func Serve(ctx context.Context, cfg Config, m *Metrics, logger *slog.Logger) error {
	if cfg.Listen == "" {
		return nil
	}
	logger = logger.With("component", "telemetry")

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", cfg.Listen, err)
	}
	return serve(ctx, ln, cfg, m, logger)
}

func serve(ctx context.Context, ln net.Listener, cfg Config, m *Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("metrics server started", "listen", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("telemetry: serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	<-errCh
	logger.Info("metrics server stopped")
	return nil
}
