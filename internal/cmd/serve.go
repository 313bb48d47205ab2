package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/observability"
	"github.com/3leaps/qsweep/internal/server"
	"github.com/3leaps/qsweep/internal/server/handlers"
	"github.com/3leaps/qsweep/pkg/ledger"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only run status API",
	Long: `Serve run records and submission outcomes over HTTP.

Endpoints:
  GET /health, /health/live, /health/ready
  GET /version
  GET /runs[?state=...]
  GET /runs/{run_id}
  GET /runs/{run_id}/submissions[?failed=true]`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

// dataDirHealthChecker fails when the data directory is gone.
type dataDirHealthChecker struct {
	dir string
}

func (c dataDirHealthChecker) CheckHealth(_ context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", c.dir)
	}
	return nil
}

// ledgerHealthChecker fails when the ledger cannot be queried.
type ledgerHealthChecker struct {
	ledger *ledger.Ledger
}

func (c ledgerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ledger == nil {
		return errors.New("ledger not open")
	}
	_, err := c.ledger.Entries(ctx, ledger.Query{Limit: 1})
	return err
}

func newStatusServer(ctx context.Context) (*server.Server, func(), error) {
	cfg := currentConfig()
	if cfg == nil {
		return nil, nil, errors.New("configuration not loaded")
	}
	dir, err := dataDir()
	if err != nil {
		return nil, nil, err
	}
	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}
	led, err := openLedger(ctx)
	if err != nil {
		return nil, nil, err
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	srv := server.New(host, port, server.Options{
		Runs:        reg,
		Submissions: led,
		Version: handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
			GoVersion: runtime.Version(),
		},
		Logger:       observability.CLILogger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})
	srv.Health().RegisterChecker("data_dir", dataDirHealthChecker{dir: dir})
	srv.Health().RegisterChecker("ledger", ledgerHealthChecker{ledger: led})
	return srv, func() { _ = led.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	srv, closeFn, err := newStatusServer(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open run data", err)
	}
	defer closeFn()

	observability.CLILogger.Info("Starting status server", zap.String("addr", srv.Addr()))
	if err := srv.ListenAndServe(cmd.Context(), currentConfig().Server.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}
