package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/config"
	"github.com/3leaps/qsweep/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the submit host and suggest fixes for common issues.

Checks the Go runtime, the config file, the data directory and ledger, the
scheduler submit commands and, when an s3:// archive is configured, AWS
credentials.

Examples:
  qsweep doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. Required failures make doctor exit non-zero.
type doctorCheck struct {
	name     string
	required bool
	run      func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{name: "Go runtime", run: func(context.Context, *config.Config) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{name: "config file", run: func(_ context.Context, cfg *config.Config) (string, error) {
			if cfg.File == "" {
				return "none (defaults and environment)", nil
			}
			return cfg.File, nil
		}},
		{name: "data directory", required: true, run: checkDataDir},
		{name: "submission ledger", required: true, run: func(ctx context.Context, _ *config.Config) (string, error) {
			led, err := openLedger(ctx)
			if err != nil {
				return "", err
			}
			defer func() { _ = led.Close() }()
			return "ok", ledgerHealthChecker{ledger: led}.CheckHealth(ctx)
		}},
		{name: "PBS submit command", run: func(_ context.Context, cfg *config.Config) (string, error) {
			return lookCommand(cfg.Scheduler.PBSCommand)
		}},
		{name: "slurm submit command", run: func(_ context.Context, cfg *config.Config) (string, error) {
			return lookCommand(cfg.Scheduler.SlurmCommand)
		}},
		{name: "archive", run: checkArchive},
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	cfg := currentConfig()
	if cfg == nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration not loaded", nil)
	}

	logger.Info("=== qsweep doctor ===")
	logger.Info("")

	checks := doctorChecks()
	failedRequired := 0
	allChecks := true
	for i, c := range checks {
		detail, err := c.run(cmd.Context(), cfg)
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		switch {
		case err == nil:
			logger.Info(label+" ✅ "+detail, zap.String("check", c.name))
		case c.required:
			failedRequired++
			allChecks = false
			logger.Error(label+" ❌ "+err.Error(), zap.String("check", c.name))
		default:
			allChecks = false
			logger.Warn(label+" ⚠️  "+err.Error(), zap.String("check", c.name))
		}
	}

	logger.Info("")
	if allChecks {
		logger.Info("✅ All checks passed!")
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("=== End Diagnostics ===")

	if failedRequired > 0 {
		return exitError(foundry.ExitFileWriteError, fmt.Sprintf("%d required checks failed", failedRequired), nil)
	}
	return nil
}

func checkDataDir(_ context.Context, _ *config.Config) (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return "", err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return dir, nil
}

func lookCommand(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("not configured")
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH", command)
	}
	return path, nil
}

func checkArchive(ctx context.Context, cfg *config.Config) (string, error) {
	target := strings.TrimSpace(cfg.Archive.Target)
	if target == "" {
		return "disabled", nil
	}
	if !strings.HasPrefix(target, "s3://") {
		return target, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Archive.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Archive.Region))
	}
	if cfg.Archive.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Archive.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot retrieve AWS credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (key %s, source %s)", target, maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring archive credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for the run archive:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set archive.profile (QSWEEP_ARCHIVE_PROFILE), or")
	observability.CLILogger.Info("  3. Use an instance role when the submit host runs on AWS")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Ceph, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint (QSWEEP_ARCHIVE_ENDPOINT) and archive.force_path_style")
	observability.CLILogger.Info("")
}
