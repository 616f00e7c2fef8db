// Package cli provides the command-line interface for stac-ingest.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/itslive/stac-ingest/pkg/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	cfg       config.Config
	logger    *slog.Logger
	closeLogs func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stac-ingest",
	Short: "Bulk ingest STAC NDJSON into the catalog",
	Long: `stac-ingest loads newline-delimited STAC items from S3, GCS or HTTP
into the catalog database.

Run "stac-ingest serve" for the HTTP job API, or "stac-ingest ingest" to run
a single job in the foreground. Configuration comes from the environment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		logger, closeLogs = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogs != nil {
			if err := closeLogs(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(collectionsCmd)
}
