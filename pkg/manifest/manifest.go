// Package manifest provides loading and validation of qsweep sweep
// manifests.
//
// A sweep manifest is a YAML or JSON file describing one parameter sweep:
// the range, the pipeline stages run at every point, the scheduler resource
// request and the host directories bound to the stage roots.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded, so unknown fields are rejected rather than silently ignored.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: fa-threshold
//	sweep:
//	  start: 0.15
//	  stop: 0.25
//	  step: 0.01
//	scheduler:
//	  dialect: pbs
//	  job_name: "FA_{tag}"
//	resources:
//	  nodes: 1
//	  procs_per_node: 4
//	  memory: 25gb
//	  walltime: "24:00:00"
//	roots:
//	  input: /scratch/orig_data
//	  output: /scratch/fa_vals
//	log_dir: /scratch/logs
//	inputs:
//	  scan: "*_dwi.nrrd"
//	  mask: "*_mask.nrrd"
//	stages:
//	  - name: tract
//	    image: /imaging/containers/ukftractography.img
//	    executable: ukftractography --numTensor 2
//	    inputs: {dwi: "{param.scan}", mask: "{param.mask}"}
//	    outputs: {tracts: "2tensor_{tag}.vtk"}
//	    args:
//	      - {flag: --tracts, value: "{out.tracts}"}
//	      - {flag: --dwiFile, value: "{in.dwi}"}
//	      - {flag: --maskFile, value: "{in.mask}"}
//	      - {flag: --minFA, value: "{value}"}
//	    required: [scan, mask]
package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/stage"
	"github.com/3leaps/qsweep/pkg/sweep"
)

// Manifest represents a validated sweep manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the run in the registry and in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Sweep     SweepConfig     `json:"sweep" yaml:"sweep"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Resources ResourceConfig  `json:"resources" yaml:"resources"`

	// Roots maps root names to host directories. "input" and "output" are
	// used by stages that do not name their own roots.
	Roots map[string]string `json:"roots,omitempty" yaml:"roots,omitempty"`

	// LogDir is the scheduler-side directory for job logs.
	LogDir string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`

	Runtime *stage.Runtime `json:"runtime,omitempty" yaml:"runtime,omitempty"`

	// Params are named values shared by every point ({param.NAME}).
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Inputs are glob patterns resolved against the input root; each must
	// match exactly one file, whose relative path becomes a parameter.
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// PointParams override Params for single points, keyed by tag.
	PointParams map[string]map[string]string `json:"point_params,omitempty" yaml:"point_params,omitempty"`

	Stages []stage.Spec `json:"stages" yaml:"stages"`

	Artifacts ArtifactConfig  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Execution ExecutionConfig `json:"execution,omitempty" yaml:"execution,omitempty"`
}

// SweepConfig is the swept range [start, stop) with a fixed step.
type SweepConfig struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
	Step  float64 `json:"step" yaml:"step"`

	// Scale is the fixed-point factor used to derive tags. Default: 100.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Precision is the number of decimals of {value}. Default: 2.
	Precision *int `json:"precision,omitempty" yaml:"precision,omitempty"`
}

// SchedulerConfig selects the script dialect and submit command.
type SchedulerConfig struct {
	// Dialect is "pbs" or "slurm". Default: "pbs".
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`

	// JobName is a template over {tag}, {index} and {value}.
	JobName string `json:"job_name,omitempty" yaml:"job_name,omitempty"`

	// Template is an optional path to a custom script template.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	SubmitCommand string   `json:"submit_command,omitempty" yaml:"submit_command,omitempty"`
	SubmitArgs    []string `json:"submit_args,omitempty" yaml:"submit_args,omitempty"`

	// Timeout bounds each submit call (Go duration). Empty defers to the
	// site configuration, then to DefaultTimeout.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ResourceConfig is the per-job resource request.
type ResourceConfig struct {
	Nodes        int    `json:"nodes" yaml:"nodes"`
	ProcsPerNode int    `json:"procs_per_node" yaml:"procs_per_node"`
	Memory       string `json:"memory" yaml:"memory"`

	// Walltime is "H:MM:SS" or a Go duration such as "24h".
	Walltime string `json:"walltime" yaml:"walltime"`

	MailEvents string `json:"mail_events,omitempty" yaml:"mail_events,omitempty"`
	MailUser   string `json:"mail_user,omitempty" yaml:"mail_user,omitempty"`
}

// ArtifactConfig controls the submission script files.
type ArtifactConfig struct {
	// Policy is "remove-after-submit" (default) or "retain".
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`

	// ScratchDir is where scripts are created. Default: the system temp dir.
	ScratchDir string `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"`
}

// ExecutionConfig tunes submission throughput.
type ExecutionConfig struct {
	// Concurrency is the number of points in flight. Zero defers to the
	// site configuration, then to DefaultConcurrency.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RateLimit caps submissions per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultVersion     = "1.0"
	DefaultDialect     = "pbs"
	DefaultJobName     = "sweep_{tag}"
	DefaultPolicy      = "remove-after-submit"
	DefaultConcurrency = 1
	DefaultTimeout     = "60s"
)

// ApplyDefaults fills in default values for optional fields. Timeout and
// concurrency stay unset so that site configuration can supply them.
func (m *Manifest) ApplyDefaults() {
	if m.Sweep.Scale == 0 {
		m.Sweep.Scale = sweep.DefaultScale
	}
	if m.Sweep.Precision == nil {
		p := stage.DefaultPrecision
		m.Sweep.Precision = &p
	}
	if m.Scheduler.Dialect == "" {
		m.Scheduler.Dialect = DefaultDialect
	}
	if m.Scheduler.JobName == "" {
		m.Scheduler.JobName = DefaultJobName
	}
	if m.Artifacts.Policy == "" {
		m.Artifacts.Policy = DefaultPolicy
	}
	if m.Roots == nil {
		m.Roots = map[string]string{}
	}
	if m.Params == nil {
		m.Params = map[string]string{}
	}
}

// Range builds the sweep range.
func (m *Manifest) Range() (sweep.Range, error) {
	var opts []sweep.Option
	if m.Sweep.Scale != 0 {
		opts = append(opts, sweep.WithScale(m.Sweep.Scale))
	}
	return sweep.NewRange(m.Sweep.Start, m.Sweep.Stop, m.Sweep.Step, opts...)
}

// Builder returns the stage command builder configured by the manifest.
func (m *Manifest) Builder() stage.Builder {
	b := stage.NewBuilder()
	if m.Runtime != nil {
		b.Runtime = *m.Runtime
	}
	if m.Sweep.Precision != nil {
		b.Precision = *m.Sweep.Precision
	}
	return b
}

// JobResources converts the resource request.
func (m *Manifest) JobResources() (job.Resources, error) {
	wt, err := ParseWalltime(m.Resources.Walltime)
	if err != nil {
		return job.Resources{}, err
	}
	return job.Resources{
		Nodes:        m.Resources.Nodes,
		ProcsPerNode: m.Resources.ProcsPerNode,
		Memory:       m.Resources.Memory,
		Walltime:     wt,
		MailEvents:   m.Resources.MailEvents,
		MailUser:     m.Resources.MailUser,
	}, nil
}

// SubmitTimeout parses Scheduler.Timeout.
func (m *Manifest) SubmitTimeout() (time.Duration, error) {
	s := strings.TrimSpace(m.Scheduler.Timeout)
	if s == "" {
		s = DefaultTimeout
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid scheduler timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler timeout must be positive, got %s", s)
	}
	return d, nil
}

// StageNames lists the stages in declared order.
func (m *Manifest) StageNames() []string {
	names := make([]string, 0, len(m.Stages))
	for _, s := range m.Stages {
		names = append(names, s.Name)
	}
	return names
}

// ParseWalltime accepts "H:MM:SS", "MM:SS" or a Go duration ("36h").
func ParseWalltime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("walltime is required")
	}
	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid walltime %q: %w", s, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("walltime must be positive, got %q", s)
		}
		return d, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid walltime %q: expected H:MM:SS", s)
	}
	var total time.Duration
	units := []time.Duration{time.Second, time.Minute, time.Hour}
	for i := range parts {
		field := parts[len(parts)-1-i]
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid walltime %q: expected H:MM:SS", s)
		}
		if i < 2 && n > 59 && len(parts) > i+1 {
			return 0, fmt.Errorf("invalid walltime %q: %q out of range", s, field)
		}
		total += time.Duration(n) * units[i]
	}
	if total <= 0 {
		return 0, fmt.Errorf("walltime must be positive, got %q", s)
	}
	return total, nil
}
