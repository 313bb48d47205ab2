package orchestrator

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/jobscript"
	"github.com/3leaps/qsweep/pkg/stage"
	"github.com/3leaps/qsweep/pkg/sweep"
)

// DefaultJobName is used when Plan.JobName is empty.
const DefaultJobName = "sweep_{tag}"

// Plan is everything one sweep run needs. It is read-only during RunSweep.
type Plan struct {
	// RunID correlates records, ledger rows and the run registry entry.
	RunID string

	Range  sweep.Range
	Stages []stage.Spec

	// Params are the named parameters shared by every point.
	Params map[string]string

	// PointParams override Params for individual points, keyed by tag.
	// An empty value removes the parameter for that point.
	PointParams map[string]map[string]string

	// Roots maps root names (input, output, ...) to host directories.
	Roots map[string]string

	Resources job.Resources

	// LogDir is the scheduler-side directory for job stdout/stderr.
	LogDir string

	// JobName is a template over {tag}, {index} and {value}.
	JobName string

	Dialect jobscript.Dialect
}

// Validate rejects plans that cannot produce a single point. Anything
// that can fail point by point is left to the points.
func (p *Plan) Validate() error {
	if p == nil {
		return &job.InvalidRangeError{Reason: "no plan"}
	}
	if p.Range.Len() == 0 {
		return &job.InvalidRangeError{
			Start:  p.Range.Start(),
			Stop:   p.Range.Stop(),
			Step:   p.Range.Step(),
			Reason: "sweep produces no points",
		}
	}
	return nil
}

// paramsFor merges the shared parameters with the overrides for tag.
func (p *Plan) paramsFor(tag string) map[string]string {
	over, ok := p.PointParams[tag]
	if !ok {
		return p.Params
	}
	merged := make(map[string]string, len(p.Params)+len(over))
	for k, v := range p.Params {
		merged[k] = v
	}
	for k, v := range over {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// jobName expands the job name template for pt, formatting {value} with
// the same precision as the stage commands.
func (p *Plan) jobName(pt sweep.Point, precision int) (string, error) {
	pattern := strings.TrimSpace(p.JobName)
	if pattern == "" {
		pattern = DefaultJobName
	}
	tmpl, err := stage.CompileTemplate(pattern)
	if err != nil {
		return "", &job.TemplateSubstitutionError{Stage: "job", Placeholder: "name", Reason: err.Error()}
	}
	return tmpl.Expand(func(key string) (string, error) {
		switch key {
		case "tag":
			return pt.Tag, nil
		case "index":
			return strconv.Itoa(pt.Index), nil
		case "value":
			return pt.ValueString(precision), nil
		}
		return "", &job.TemplateSubstitutionError{Stage: "job", Placeholder: key, Reason: "unknown placeholder in job name"}
	})
}

// logPaths returns the scheduler log and error paths for a job. The job-id
// token keeps repeated submissions of the same name apart.
func (p *Plan) logPaths(name string) (logPath, errPath string) {
	dir := strings.TrimSpace(p.LogDir)
	if dir == "" {
		return "", ""
	}
	base := fmt.Sprintf("%s_%s", name, p.Dialect.JobIDToken())
	return filepath.Join(dir, base+".log"), filepath.Join(dir, base+".err")
}
