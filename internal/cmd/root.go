// Package cmd implements the qsweep command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/config"
	"github.com/3leaps/qsweep/internal/observability"
	"github.com/3leaps/qsweep/pkg/ledger"
	"github.com/3leaps/qsweep/pkg/runregistry"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	verbose  bool
	logLevel string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "qsweep",
	Short: "Generate and submit batch jobs across a parameter sweep",
	Long: `qsweep expands a numeric parameter sweep into one batch job per point,
renders a PBS or slurm submission script for each, submits it and records
the outcome.

The sweep, the pipeline stages and the resource request are described in
a YAML or JSON manifest. Site settings (submit commands, data directory,
archive target) come from ~/.config/qsweep/config.yaml and QSWEEP_*
environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error); overrides config")
}

func initApp(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger("qsweep", verbose)

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if !verbose && level != "" {
		if err := observability.SetLevel(level); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
		}
	}
	if cfg.File != "" {
		observability.CLILogger.Debug("Loaded config", zap.String("path", cfg.File))
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code: 0 for nil, the carried code for
// an ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	return config.GetConfig()
}

func dataDir() (string, error) {
	cfg := currentConfig()
	if cfg == nil || cfg.DataDir == "" {
		return "", errors.New("data directory is not configured")
	}
	return cfg.DataDir, nil
}

func openRegistry() (*runregistry.Store, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	return runregistry.NewStore(filepath.Join(dir, "runs")), nil
}

func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return ledger.Open(ctx, filepath.Join(dir, "ledger.db"))
}
