package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/config"
	"github.com/3leaps/qsweep/internal/observability"
	"github.com/3leaps/qsweep/pkg/archive"
	"github.com/3leaps/qsweep/pkg/artifact"
	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/jobscript"
	"github.com/3leaps/qsweep/pkg/ledger"
	"github.com/3leaps/qsweep/pkg/manifest"
	"github.com/3leaps/qsweep/pkg/orchestrator"
	"github.com/3leaps/qsweep/pkg/output"
	"github.com/3leaps/qsweep/pkg/runregistry"
	"github.com/3leaps/qsweep/pkg/stage"
	"github.com/3leaps/qsweep/pkg/submit"
)

// launchOptions holds the flags shared by launch and render.
type launchOptions struct {
	manifestPath string
	inputDir     string
	outputDir    string
	logDir       string
	inputs       []string

	// Range overrides are strings so that "0" can be told apart from unset.
	start string
	stop  string
	step  string

	keepScripts bool
	dryRun      bool
	jsonlPath   string
	concurrency int
	rateLimit   float64
	scratchDir  string
	archive     string
}

var launchOpts launchOptions

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Submit one batch job per sweep point",
	Long: `Expand the manifest's sweep, render a submission script for every point
and hand each one to the scheduler (qsub or sbatch).

Every point is attempted; a failing point does not stop the rest. The
command exits 0 only when every point was submitted.

Examples:
  qsweep launch -m fa.yaml
  qsweep launch -m fa.yaml --input-dir /scratch/orig --output-dir /scratch/fa
  qsweep launch -m fa.yaml --start 0.15 --stop 0.20 --step 0.01
  qsweep launch -m fa.yaml --input scan=case01_dwi.nrrd --input mask=case01_mask.nrrd
  qsweep launch -m fa.yaml --dry-run --jsonl -`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	addSweepFlags(launchCmd, &launchOpts)

	f := launchCmd.Flags()
	f.BoolVar(&launchOpts.keepScripts, "keep-scripts", false, "Retain submission scripts under the run directory")
	f.BoolVar(&launchOpts.dryRun, "dry-run", false, "Render and record every point without contacting the scheduler")
	f.StringVar(&launchOpts.jsonlPath, "jsonl", "", "Write JSONL point/summary records to PATH (- for stdout)")
	f.IntVar(&launchOpts.concurrency, "concurrency", 0, "Points in flight (default: manifest, then config, then 1)")
	f.Float64Var(&launchOpts.rateLimit, "rate-limit", 0, "Maximum submissions per second (0 = manifest/config)")
	f.StringVar(&launchOpts.scratchDir, "scratch-dir", "", "Directory for submission scripts")
	f.StringVar(&launchOpts.archive, "archive", "", "Archive the run to s3://bucket/prefix or a directory")
}

// addSweepFlags registers the manifest and override flags on cmd.
func addSweepFlags(cmd *cobra.Command, opts *launchOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.manifestPath, "manifest", "m", "", "Path to sweep manifest (YAML or JSON)")
	f.StringVar(&opts.inputDir, "input-dir", "", "Host input directory (overrides roots.input)")
	f.StringVar(&opts.outputDir, "output-dir", "", "Host output directory (overrides roots.output)")
	f.StringVar(&opts.logDir, "log-dir", "", "Scheduler log directory (overrides log_dir)")
	f.StringArrayVar(&opts.inputs, "input", nil, "Input file NAME=FILE relative to the input directory (repeatable)")
	f.StringVar(&opts.start, "start", "", "Sweep start (overrides sweep.start)")
	f.StringVar(&opts.stop, "stop", "", "Sweep stop, exclusive (overrides sweep.stop)")
	f.StringVar(&opts.step, "step", "", "Sweep step (overrides sweep.step)")
	_ = cmd.MarkFlagRequired("manifest")
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	return launch(cmd.Context(), launchOpts, cmd.OutOrStdout())
}

// loadManifest reads the manifest and applies the command line overrides.
func loadManifest(opts launchOptions) (*manifest.Manifest, error) {
	path := strings.TrimSpace(opts.manifestPath)
	if path == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Manifest is required", errors.New("--manifest not set"))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Manifest not found", err)
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if err := applyOverrides(m, opts); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid arguments", err)
	}
	if err := m.ResolveInputs(); err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Failed to resolve inputs", err)
	}
	return m, nil
}

func applyOverrides(m *manifest.Manifest, opts launchOptions) error {
	if m.Roots == nil {
		m.Roots = map[string]string{}
	}
	if m.Params == nil {
		m.Params = map[string]string{}
	}
	if opts.inputDir != "" {
		m.Roots[stage.RootInput] = opts.inputDir
	}
	if opts.outputDir != "" {
		m.Roots[stage.RootOutput] = opts.outputDir
	}
	if opts.logDir != "" {
		m.LogDir = opts.logDir
	}

	inputs, err := parseInputs(opts.inputs)
	if err != nil {
		return err
	}
	for name, file := range inputs {
		// An explicit file replaces the manifest's pattern for that name.
		delete(m.Inputs, name)
		m.Params[name] = file
	}

	for _, o := range []struct {
		flag  string
		value string
		dst   *float64
	}{
		{"start", opts.start, &m.Sweep.Start},
		{"stop", opts.stop, &m.Sweep.Stop},
		{"step", opts.step, &m.Sweep.Step},
	} {
		if strings.TrimSpace(o.value) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(o.value), 64)
		if err != nil {
			return fmt.Errorf("--%s: %w", o.flag, err)
		}
		*o.dst = v
	}
	return nil
}

// parseInputs splits NAME=FILE flag values.
func parseInputs(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, file, ok := strings.Cut(v, "=")
		name, file = strings.TrimSpace(name), strings.TrimSpace(file)
		if !ok || name == "" || file == "" {
			return nil, fmt.Errorf("--input %q: expected NAME=FILE", v)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("--input %q: %s given more than once", v, name)
		}
		out[name] = file
	}
	return out, nil
}

// buildPlan turns a loaded manifest into an orchestrator plan.
func buildPlan(m *manifest.Manifest, runID string) (orchestrator.Plan, error) {
	rng, err := m.Range()
	if err != nil {
		return orchestrator.Plan{}, err
	}
	res, err := m.JobResources()
	if err != nil {
		return orchestrator.Plan{}, err
	}
	dialect, err := jobscript.ParseDialect(m.Scheduler.Dialect)
	if err != nil {
		return orchestrator.Plan{}, err
	}
	return orchestrator.Plan{
		RunID:       runID,
		Range:       rng,
		Stages:      m.Stages,
		Params:      m.Params,
		PointParams: m.PointParams,
		Roots:       m.Roots,
		Resources:   res,
		LogDir:      m.LogDir,
		JobName:     m.Scheduler.JobName,
		Dialect:     dialect,
	}, nil
}

// newRenderer uses the manifest's template file when one is named.
func newRenderer(m *manifest.Manifest, dialect jobscript.Dialect) (*jobscript.Renderer, error) {
	path := strings.TrimSpace(m.Scheduler.Template)
	if path == "" {
		return jobscript.New(dialect)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script template: %w", err)
	}
	return jobscript.NewFromText(filepath.Base(path), string(text))
}

// newClient picks the submit binary: manifest, then site config, then the
// dialect default.
func newClient(m *manifest.Manifest, cfg *config.Config) (*submit.CommandClient, error) {
	var timeout time.Duration
	if strings.TrimSpace(m.Scheduler.Timeout) == "" && cfg.Scheduler.Timeout > 0 {
		timeout = cfg.Scheduler.Timeout
	} else {
		t, err := m.SubmitTimeout()
		if err != nil {
			return nil, err
		}
		timeout = t
	}

	client, err := submit.ForDialect(m.Scheduler.Dialect, timeout)
	if err != nil {
		return nil, err
	}
	command := strings.TrimSpace(m.Scheduler.SubmitCommand)
	if command == "" {
		switch client.Command {
		case "qsub":
			command = cfg.Scheduler.PBSCommand
		case "sbatch":
			command = cfg.Scheduler.SlurmCommand
		}
	}
	if command != "" {
		client.Command = command
	}
	client.Args = append(append([]string{}, cfg.Scheduler.ExtraArgs...), m.Scheduler.SubmitArgs...)
	return client, nil
}

func executionConfig(opts launchOptions, m *manifest.Manifest, cfg *config.Config) orchestrator.Config {
	out := orchestrator.DefaultConfig()
	switch {
	case opts.concurrency > 0:
		out.Concurrency = opts.concurrency
	case m.Execution.Concurrency > 0:
		out.Concurrency = m.Execution.Concurrency
	case cfg.Execution.Concurrency > 0:
		out.Concurrency = cfg.Execution.Concurrency
	default:
		out.Concurrency = manifest.DefaultConcurrency
	}
	switch {
	case opts.rateLimit > 0:
		out.RateLimit = opts.rateLimit
	case m.Execution.RateLimit > 0:
		out.RateLimit = m.Execution.RateLimit
	default:
		out.RateLimit = cfg.Execution.RateLimit
	}
	return out
}

// scratchDir resolves where scripts are written: flag, manifest, config,
// then the run directory for retained scripts or the system temp dir.
func scratchDir(opts launchOptions, m *manifest.Manifest, cfg *config.Config, reg *runregistry.Store, runID string, policy artifact.Policy) (string, error) {
	dir := firstNonEmpty(opts.scratchDir, m.Artifacts.ScratchDir, cfg.Artifacts.ScratchDir)
	if dir == "" {
		if policy != artifact.Retain {
			return os.TempDir(), nil
		}
		dir = reg.ScriptsDir(runID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// openJSONL returns the JSONL sink for path ("-" is stdout) and its closer.
func openJSONL(path string, stdout io.Writer, runID, scheduler string) (output.Writer, func() error, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	if path == "-" {
		w := output.NewJSONLWriter(stdout, runID, scheduler)
		return w, w.Close, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := output.NewJSONLWriter(f, runID, scheduler)
	return w, func() error {
		werr := w.Close()
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	}, nil
}

func launch(ctx context.Context, opts launchOptions, stdout io.Writer) error {
	logger := observability.CLILogger
	cfg := currentConfig()
	if cfg == nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration not loaded", errors.New("no configuration"))
	}

	m, err := loadManifest(opts)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	plan, err := buildPlan(m, runID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sweep", err)
	}
	renderer, err := newRenderer(m, plan.Dialect)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid script template", err)
	}

	policy, err := artifact.ParsePolicy(m.Artifacts.Policy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid artifact policy", err)
	}
	if opts.keepScripts {
		policy = artifact.Retain
	}

	reg, err := openRegistry()
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open run registry", err)
	}
	scratch, err := scratchDir(opts, m, cfg, reg, runID, policy)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create scratch directory", err)
	}
	manager := artifact.NewManager(scratch, policy, logger)

	var client submit.Client
	if opts.dryRun {
		client = &submit.DryRunClient{}
	} else {
		c, err := newClient(m, cfg)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid scheduler settings", err)
		}
		client = c
	}

	now := time.Now().UTC()
	rec := &runregistry.RunRecord{
		RunID:        runID,
		Name:         m.Name,
		State:        runregistry.RunStateRunning,
		ManifestPath: opts.manifestPath,
		Scheduler:    string(plan.Dialect),
		Range: runregistry.SweepRange{
			Start: plan.Range.Start(),
			Stop:  plan.Range.Stop(),
			Step:  plan.Range.Step(),
			Scale: plan.Range.Scale(),
		},
		Stages:     m.StageNames(),
		ScratchDir: scratch,
		Policy:     string(policy),
		DryRun:     opts.dryRun,
		PID:        os.Getpid(),
		CreatedAt:  now,
		StartedAt:  &now,
		Points:     plan.Range.Len(),
	}
	if err := reg.Write(rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write run record", err)
	}

	// The ledger must record canceled points too.
	led, err := openLedger(context.WithoutCancel(ctx))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open submission ledger", err)
	}
	defer func() { _ = led.Close() }()

	writer, closeWriter, err := openJSONL(opts.jsonlPath, stdout, runID, string(plan.Dialect))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open JSONL output", err)
	}

	orch := orchestrator.New(m.Builder(), renderer, manager, client, executionConfig(opts, m, cfg)).
		WithRecorder(led).
		WithLogger(logger)
	if writer != nil {
		orch = orch.WithWriter(writer)
	}

	results, runErr := orch.RunSweep(ctx, plan)
	if cerr := closeWriter(); cerr != nil {
		logger.Warn("Failed to close JSONL output", zap.Error(cerr))
	}

	sum := orchestrator.Summarize(results)
	canceled := runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded))
	ended := time.Now().UTC()
	rec.EndedAt = &ended
	rec.Submitted = sum.Submitted
	rec.Failed = sum.Failed
	rec.Results = runregistry.FromResults(results)
	rec.State = runregistry.FinalState(sum.Submitted, sum.Failed, canceled)
	if runErr != nil && !canceled {
		rec.State = runregistry.RunStateFailed
	}

	if target := firstNonEmpty(opts.archive, cfg.Archive.Target); target != "" && runErr == nil {
		uri, aerr := archiveRun(context.WithoutCancel(ctx), target, cfg, reg, rec, results)
		if aerr != nil {
			logger.Warn("Failed to archive run", zap.String("run_id", runID), zap.Error(aerr))
		} else {
			rec.ArchiveURI = uri
		}
	}
	if err := reg.Write(rec); err != nil {
		logger.Warn("Failed to update run record", zap.String("run_id", runID), zap.Error(err))
	}

	printLaunchSummary(stdout, opts, rec, sum)

	switch {
	case job.IsInvalidRange(runErr):
		return exitError(foundry.ExitInvalidArgument, "Invalid sweep range", runErr)
	case canceled:
		return exitError(foundry.ExitSignalInt, "Sweep interrupted", runErr)
	case runErr != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Sweep failed", runErr)
	case !sum.OK():
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d of %d points failed", sum.Failed, sum.Points),
			fmt.Errorf("failed tags: %s", strings.Join(sum.FailedTags, ", ")))
	}
	return nil
}

func printLaunchSummary(w io.Writer, opts launchOptions, rec *runregistry.RunRecord, sum orchestrator.Summary) {
	// JSONL on stdout stays machine-readable.
	if strings.TrimSpace(opts.jsonlPath) == "-" {
		return
	}
	_, _ = fmt.Fprintf(w, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(w, "points=%d submitted=%d failed=%d\n", sum.Points, sum.Submitted, sum.Failed)
	for _, r := range rec.Results {
		if r.OK {
			continue
		}
		_, _ = fmt.Fprintf(w, "failed tag=%s code=%s %s\n", r.Tag, r.Code, r.Message)
	}
	if rec.ArchiveURI != "" {
		_, _ = fmt.Fprintf(w, "archive=%s\n", rec.ArchiveURI)
	}
}

// archiveRun uploads the run record and, when retained, the scripts.
func archiveRun(ctx context.Context, target string, cfg *config.Config, reg *runregistry.Store, rec *runregistry.RunRecord, results []job.SubmissionResult) (string, error) {
	store, err := archive.Open(ctx, target, archive.S3Config{
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		return "", err
	}
	if err := reg.Write(rec); err != nil {
		return "", err
	}

	var scripts []string
	if rec.Policy == string(artifact.Retain) {
		for _, r := range results {
			if r.Artifact != "" {
				scripts = append(scripts, filepath.Join(rec.ScratchDir, r.Artifact))
			}
		}
	}
	return archive.Run(ctx, store, rec.RunID, reg.RunPath(rec.RunID), scripts, observability.CLILogger)
}

var _ orchestrator.Recorder = (*ledger.Ledger)(nil)
