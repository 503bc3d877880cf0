package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexsphere/telexport/internal/config"
	"github.com/plexsphere/telexport/internal/pipeline"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and negotiate an upload session",
	Long: "Load the configuration, acquire an identity token and negotiate an upload\n" +
		"session with the config service. Nothing is uploaded.",
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(config.OSLookup)
	if err != nil {
		return fmt.Errorf("telexport check: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	p, err := pipeline.New(ctx, pipeline.Options{
		Config:  *cfg,
		Version: buildVersion,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("telexport check: %w", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	s, err := p.Session(ctx)
	if err != nil {
		return fmt.Errorf("telexport check: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "account:    %s\n", cfg.Client.Account)
	fmt.Fprintf(out, "namespace:  %s\n", cfg.Client.Namespace)
	fmt.Fprintf(out, "ingestion:  %s\n", s.IngestionEndpoint)
	fmt.Fprintf(out, "moniker:    %s\n", s.Moniker)
	fmt.Fprintf(out, "expires_at: %s\n", s.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}
