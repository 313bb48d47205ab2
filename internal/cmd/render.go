package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/observability"
	"github.com/3leaps/qsweep/pkg/artifact"
	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/orchestrator"
	"github.com/3leaps/qsweep/pkg/sweep"
)

var (
	renderOpts  launchOptions
	renderOut   string
	renderTag   string
	renderIndex int
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render submission scripts without submitting",
	Long: `Render the submission script of every sweep point (or one point) and
print it to stdout, or write one executable script per point to --out.

Nothing is submitted and nothing is recorded in the run registry.

Examples:
  qsweep render -m fa.yaml --tag 15
  qsweep render -m fa.yaml --index 0 --start 0.2 --stop 0.3 --step 0.05
  qsweep render -m fa.yaml --out ./scripts`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	addSweepFlags(renderCmd, &renderOpts)

	f := renderCmd.Flags()
	f.StringVar(&renderOut, "out", "", "Write scripts to this directory instead of stdout")
	f.StringVar(&renderTag, "tag", "", "Render only the point with this tag")
	f.IntVar(&renderIndex, "index", -1, "Render only the point at this index")
}

func runRender(cmd *cobra.Command, _ []string) error {
	return render(cmd.Context(), renderOpts, renderOut, renderTag, renderIndex, cmd.OutOrStdout())
}

func render(ctx context.Context, opts launchOptions, outDir, tag string, index int, stdout io.Writer) error {
	logger := observability.CLILogger

	m, err := loadManifest(opts)
	if err != nil {
		return err
	}
	plan, err := buildPlan(m, "render")
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sweep", err)
	}
	renderer, err := newRenderer(m, plan.Dialect)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid script template", err)
	}
	points, err := selectPoints(plan.Range, tag, index)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid point selection", err)
	}

	var manager *artifact.Manager
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output directory", err)
		}
		manager = artifact.NewManager(outDir, artifact.Retain, logger)
	}

	orch := orchestrator.New(m.Builder(), renderer, manager, nil, orchestrator.DefaultConfig()).WithLogger(logger)

	failed := 0
	for i, pt := range points {
		if err := ctx.Err(); err != nil {
			return exitError(foundry.ExitSignalInt, "Render interrupted", err)
		}
		desc, script, err := orch.RenderPoint(plan, pt)
		if err != nil {
			failed++
			logger.Error("Failed to render point",
				zap.String("tag", pt.Tag),
				zap.String("code", job.Code(err)),
				zap.Error(err))
			continue
		}

		if manager == nil {
			if len(points) > 1 {
				if i > 0 {
					_, _ = fmt.Fprintln(stdout)
				}
				_, _ = fmt.Fprintf(stdout, "### %s (index=%d tag=%s)\n", desc.Name, pt.Index, pt.Tag)
			}
			_, _ = io.WriteString(stdout, script)
			continue
		}

		path, err := writeScript(manager, desc.Name, script)
		if err != nil {
			failed++
			logger.Error("Failed to write script", zap.String("tag", pt.Tag), zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintln(stdout, path)
	}

	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument,
			fmt.Sprintf("%d of %d points failed to render", failed, len(points)), nil)
	}
	return nil
}

// writeScript runs one artifact through create, write, chmod and release.
func writeScript(m *artifact.Manager, name, script string) (string, error) {
	a, err := m.Acquire(name)
	if err != nil {
		return "", err
	}
	defer a.Release()

	if err := a.Write(script); err != nil {
		return "", err
	}
	if err := a.FinalizePermissions(); err != nil {
		return "", err
	}
	return a.Path(), nil
}

// selectPoints returns every point, or the one named by tag or index.
func selectPoints(r sweep.Range, tag string, index int) ([]sweep.Point, error) {
	tag = strings.TrimSpace(tag)
	switch {
	case tag != "" && index >= 0:
		return nil, fmt.Errorf("--tag and --index are mutually exclusive")
	case index >= 0:
		if index >= r.Len() {
			return nil, fmt.Errorf("index %d out of range (sweep has %d points)", index, r.Len())
		}
		return []sweep.Point{r.At(index)}, nil
	case tag != "":
		for pt := range r.Points() {
			if pt.Tag == tag {
				return []sweep.Point{pt}, nil
			}
		}
		return nil, fmt.Errorf("no point with tag %q", tag)
	}

	points := make([]sweep.Point, 0, r.Len())
	for pt := range r.Points() {
		points = append(points, pt)
	}
	return points, nil
}
