// Package cmd implements the telexport CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/pipeline"
)

var (
	cfgFile       string
	logLevel      string
	metricsListen string
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("telexport version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "telexport",
	Short: "telexport ships structured logs to a Geneva ingestion account",
	Long: "telexport batches structured log records, authenticates with the workload's\n" +
		"managed or workload identity, negotiates an upload session with the Geneva\n" +
		"config service, and uploads compressed blobs to the ingestion gateway.",
	SilenceUsage: true,
	// No Run function: prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (optional; GENEVA_* environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "address serving /metrics, e.g. 127.0.0.1:9464 (overrides config)")

	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("telexport version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig parses the config file and environment, then applies the CLI
// flag overrides.
func loadConfig(lookup config.LookupFunc) (*pipeline.File, error) {
	cfg, err := pipeline.ParseFile(cfgFile, lookup)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
