// Package job holds the data model shared by the sweep pipeline: the
// resolved job descriptor handed to the renderer, the resource request, and
// the per-point submission result collected by the orchestrator.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Resources is the scheduler resource request for one job.
type Resources struct {
	// Nodes is the node count (PBS nodes=, slurm --nodes).
	Nodes int `json:"nodes" yaml:"nodes"`

	// ProcsPerNode is the processor count per node (PBS ppn=, slurm
	// --ntasks-per-node).
	ProcsPerNode int `json:"procs_per_node" yaml:"procs_per_node"`

	// Memory is passed through verbatim, e.g. "25gb".
	Memory string `json:"memory" yaml:"memory"`

	// Walltime is the wall-clock limit.
	Walltime time.Duration `json:"walltime" yaml:"walltime"`

	// MailEvents is the optional notification policy (PBS -m, e.g. "abe").
	MailEvents string `json:"mail_events,omitempty" yaml:"mail_events,omitempty"`

	// MailUser is the notification address (PBS -M, slurm --mail-user).
	MailUser string `json:"mail_user,omitempty" yaml:"mail_user,omitempty"`
}

// Missing returns the name of the first required resource field that is
// unset, or "" when the request is complete.
func (r *Resources) Missing() string {
	switch {
	case r == nil:
		return "resources"
	case r.Nodes <= 0:
		return "resources.nodes"
	case r.ProcsPerNode <= 0:
		return "resources.procs_per_node"
	case strings.TrimSpace(r.Memory) == "":
		return "resources.memory"
	case r.Walltime <= 0:
		return "resources.walltime"
	}
	return ""
}

// WalltimeClock formats Walltime as H:MM:SS, the form both PBS and slurm
// accept.
func (r *Resources) WalltimeClock() string {
	d := r.Walltime.Round(time.Second)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// EnvVar is one exported variable in the job environment block.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor is the fully resolved unit of work for one sweep point.
//
// Descriptors are built once per point and never mutated afterwards.
type Descriptor struct {
	Name      string     `json:"name"`
	Commands  []string   `json:"commands"`
	Env       []EnvVar   `json:"env,omitempty"`
	Resources *Resources `json:"resources"`

	// LogPath and ErrorPath may embed the scheduler job-id token
	// (e.g. $PBS_JOBID or %j).
	LogPath   string `json:"log_path"`
	ErrorPath string `json:"error_path"`
}

// Validate reports the first field the renderer requires but the
// descriptor lacks.
func (d *Descriptor) Validate() error {
	switch {
	case d == nil:
		return &MissingFieldError{Scope: "job", Field: "descriptor"}
	case strings.TrimSpace(d.Name) == "":
		return &MissingFieldError{Scope: "job", Field: "name"}
	case strings.TrimSpace(d.LogPath) == "":
		return &MissingFieldError{Scope: "job", Field: "log_path"}
	case strings.TrimSpace(d.ErrorPath) == "":
		return &MissingFieldError{Scope: "job", Field: "error_path"}
	case len(d.Commands) == 0:
		return &MissingFieldError{Scope: "job", Field: "commands"}
	}
	if f := d.Resources.Missing(); f != "" {
		return &MissingFieldError{Scope: "job", Field: f}
	}
	return nil
}

// SubmissionResult is the outcome of one sweep point.
//
// The submission client fills OK, JobID, Output and Err; the orchestrator
// adds the point attribution and classification.
type SubmissionResult struct {
	Index    int     `json:"index"`
	Value    float64 `json:"value"`
	Tag      string  `json:"tag"`
	JobName  string  `json:"job_name,omitempty"`
	Artifact string  `json:"artifact,omitempty"`

	OK    bool   `json:"ok"`
	JobID string `json:"job_id,omitempty"`

	// Output is the scheduler's raw output, preserved verbatim.
	Output string `json:"output,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Err error `json:"-"`
}

// Snippet returns a short single-line diagnostic suitable for summaries.
func (r SubmissionResult) Snippet(max int) string {
	s := r.Message
	if s == "" {
		s = r.Output
	}
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len(s) > max {
		return s[:max] + "..."
	}
	return s
}
