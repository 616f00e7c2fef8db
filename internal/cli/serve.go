package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itslive/stac-ingest/pkg/httpapi"
)

var (
	listenAddr      string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job API",
	Long: `Start the ingest engine and serve the job API on LISTEN_ADDR.

On SIGINT or SIGTERM the server stops accepting requests and running jobs get
--shutdown-timeout to finish before they are cancelled.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for running jobs")
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return errors.Join(err, a.shutdown(context.Background()))
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.Handler(a.engine,
			httpapi.WithCollections(a.collections),
			httpapi.WithDatabaseCheck(a.ping),
			httpapi.WithRateLimit(cfg.RateLimit, cfg.RateLimitWindow),
			httpapi.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err = <-serveErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server forced to shutdown", "error", serr)
	}
	if serr := a.shutdown(shutdownCtx); serr != nil {
		logger.Warn("engine shutdown", "error", serr)
	}
	logger.Info("server stopped")
	return err
}
