package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/plexsphere/telexport/internal/batch"
	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/fsutil"
	"github.com/plexsphere/telexport/internal/logbridge"
	"github.com/plexsphere/telexport/internal/logrecord"
	"github.com/plexsphere/telexport/internal/pipeline"
	"github.com/plexsphere/telexport/internal/telemetry"
)

// maxLineSize bounds one JSON record read from stdin.
const maxLineSize = 1 << 20

var (
	readStdin   bool
	sendSamples bool
	statsFile   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Export log records to Geneva",
	Long: "Build the export pipeline, emit the sample events and/or forward JSON lines\n" +
		"from stdin, then drain and shut down on EOF, SIGINT or SIGTERM.\n\n" +
		"Each stdin line is a JSON object. The keys name, target, severity and\n" +
		"timestamp set the record header; every other key becomes a field.",
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&readStdin, "stdin", false, "forward JSON lines read from stdin")
	runCmd.Flags().BoolVar(&sendSamples, "samples", true, "emit the built-in sample events")
	runCmd.Flags().StringVar(&statsFile, "stats-file", "", "write the final counters as JSON to this path")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(config.OSLookup)
	if err != nil {
		return fmt.Errorf("telexport run: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting telexport",
		"version", buildVersion,
		"account", cfg.Client.Account,
		"namespace", cfg.Client.Namespace,
		"auth_method", cfg.Client.AuthMethod,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	p, err := pipeline.New(ctx, pipeline.Options{
		Config:   *cfg,
		Version:  buildVersion,
		Logger:   logger,
		Registry: reg,
	})
	if err != nil {
		return fmt.Errorf("telexport run: %w", err)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := telemetry.Serve(serveCtx, cfg.Metrics, p.Metrics(), logger); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	if sendSamples {
		emitSamples(slog.New(p.Handler()))
	}
	if readStdin {
		n, err := forwardLines(ctx, cmd.InOrStdin(), p, logger)
		if err != nil {
			logger.Error("reading stdin failed", "error", err)
		}
		logger.Info("stdin forwarding finished", "records", n)
	}

	logger.Info("shutting down", "reason", context.Cause(ctx))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Batch.ShutdownTimeout)
	defer cancel()
	shutdownErr := p.Shutdown(drainCtx)

	stopServe()
	wg.Wait()

	stats := p.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued=%d exported=%d rejected=%d failed=%d dropped=%d lost=%d\n",
		stats.Enqueued, stats.Exported, stats.Rejected, stats.Failed, stats.Dropped, stats.Lost)
	if statsFile != "" {
		if err := writeStats(statsFile, stats); err != nil {
			logger.Error("writing stats file failed", "path", statsFile, "error", err)
		}
	}
	if shutdownErr != nil {
		return fmt.Errorf("telexport run: %w", shutdownErr)
	}
	logger.Info("telexport stopped")
	return nil
}

// writeStats stores the final counters as indented JSON.
func writeStats(path string, stats batch.Stats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// emitSamples logs the built-in sample events.
func emitSamples(logger *slog.Logger) {
	logger = logger.With(logbridge.EventNameKey, "Log", logbridge.TargetKey, "my-system")
	logger.Info("Registration successful", "event_id", 20)
	logger.Info("Checkout successful", "event_id", 51)
	logger.Info("User login successful", "event_id", 30)
	logger.Info("Order shipped successfully", "event_id", 54)
	logger.Error("Login failed - invalid credentials", "event_id", 31)
	logger.Warn("Shopping cart abandoned", "event_id", 53)
}

// Enqueuer accepts records. *pipeline.Pipeline implements it.
type Enqueuer interface {
	Enqueue(rec logrecord.Record) error
}

// forwardLines enqueues one record per JSON line of r until EOF or ctx is
// cancelled. Malformed lines are logged and skipped. It returns the number
// of records enqueued.
func forwardLines(ctx context.Context, r io.Reader, sink Enqueuer, logger *slog.Logger) (int, error) {
	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		errCh <- sc.Err()
	}()

	n := 0
	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return n, err
				default:
					return n, nil
				}
			}
			lineNo++
			rec, err := parseLine(line)
			if err != nil {
				logger.Warn("skipping malformed line", "line", lineNo, "error", err)
				continue
			}
			err = sink.Enqueue(rec)
			switch {
			case err == nil:
				n++
			case errors.Is(err, batch.ErrBackpressure):
				// The record was accepted; its batch was dropped and counted.
				n++
			default:
				return n, err
			}
		}
	}
}

// parseLine decodes one JSON object into a record.
func parseLine(line []byte) (logrecord.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return logrecord.Record{}, fmt.Errorf("decode: %w", err)
	}

	rec := logrecord.Record{
		Name:     logbridge.DefaultEventName,
		Severity: logrecord.SeverityInfo,
		Fields:   make(map[string]logrecord.Value, len(raw)),
	}
	for k, v := range raw {
		switch k {
		case "name":
			s, ok := v.(string)
			if !ok {
				return logrecord.Record{}, errors.New("name must be a string")
			}
			rec.Name = s
		case "target":
			s, ok := v.(string)
			if !ok {
				return logrecord.Record{}, errors.New("target must be a string")
			}
			rec.Target = s
		case "severity":
			sev, err := parseSeverity(v)
			if err != nil {
				return logrecord.Record{}, err
			}
			rec.Severity = sev
		case "timestamp":
			s, ok := v.(string)
			if !ok {
				return logrecord.Record{}, errors.New("timestamp must be an RFC 3339 string")
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return logrecord.Record{}, fmt.Errorf("timestamp: %w", err)
			}
			rec.Timestamp = ts
		default:
			if val, ok := jsonValue(v); ok {
				rec.Fields[k] = val
			}
		}
	}
	return rec, nil
}

func parseSeverity(v any) (logrecord.Severity, error) {
	switch x := v.(type) {
	case string:
		return logrecord.ParseSeverity(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil || n < 1 || n > 24 {
			return 0, fmt.Errorf("severity number %s out of range 1..24", x)
		}
		return logrecord.Severity(n), nil
	default:
		return 0, errors.New("severity must be a string or a number")
	}
}

// jsonValue maps a decoded JSON value onto the typed value set. Objects and
// arrays are kept as their JSON text; null is skipped.
func jsonValue(v any) (logrecord.Value, bool) {
	switch x := v.(type) {
	case nil:
		return logrecord.Value{}, false
	case string:
		return logrecord.StringValue(x), true
	case bool:
		return logrecord.BoolValue(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return logrecord.IntValue(n), true
		}
		f, err := x.Float64()
		if err != nil {
			return logrecord.StringValue(x.String()), true
		}
		return logrecord.FloatValue(f), true
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return logrecord.Value{}, false
		}
		return logrecord.StringValue(string(b)), true
	}
}
