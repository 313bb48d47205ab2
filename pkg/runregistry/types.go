package runregistry

import (
	"time"

	"github.com/3leaps/qsweep/pkg/job"
)

// RunState is the lifecycle state of a sweep run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateSuccess  RunState = "success"
	RunStatePartial  RunState = "partial"
	RunStateFailed   RunState = "failed"
	RunStateCanceled RunState = "canceled"
	RunStateUnknown  RunState = "unknown"
)

// FinalState derives the terminal state from the point counts.
func FinalState(submitted, failed int, canceled bool) RunState {
	switch {
	case canceled:
		return RunStateCanceled
	case failed == 0 && submitted > 0:
		return RunStateSuccess
	case submitted > 0:
		return RunStatePartial
	default:
		return RunStateFailed
	}
}

// SweepRange records the requested sweep.
type SweepRange struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step"`
	Scale float64 `json:"scale"`
}

// PointResult is the persisted form of one job.SubmissionResult.
type PointResult struct {
	Index    int     `json:"index"`
	Value    float64 `json:"value"`
	Tag      string  `json:"tag"`
	JobName  string  `json:"job_name,omitempty"`
	Artifact string  `json:"artifact,omitempty"`
	OK       bool    `json:"ok"`
	JobID    string  `json:"job_id,omitempty"`
	Code     string  `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
	Output   string  `json:"output,omitempty"`
}

// FromResults converts orchestrator results for persistence.
func FromResults(results []job.SubmissionResult) []PointResult {
	out := make([]PointResult, 0, len(results))
	for _, r := range results {
		out = append(out, PointResult{
			Index:    r.Index,
			Value:    r.Value,
			Tag:      r.Tag,
			JobName:  r.JobName,
			Artifact: r.Artifact,
			OK:       r.OK,
			JobID:    r.JobID,
			Code:     r.Code,
			Message:  r.Message,
			Output:   r.Output,
		})
	}
	return out
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string     `json:"run_id"`
	Name         string     `json:"name,omitempty"`
	State        RunState   `json:"state"`
	ManifestPath string     `json:"manifest_path,omitempty"`
	Scheduler    string     `json:"scheduler"`
	Range        SweepRange `json:"range"`
	Stages       []string   `json:"stages,omitempty"`
	ScratchDir   string     `json:"scratch_dir,omitempty"`
	Policy       string     `json:"artifact_policy,omitempty"`
	DryRun       bool       `json:"dry_run,omitempty"`
	PID          int        `json:"pid,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Points    int `json:"points"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`

	Results []PointResult `json:"results,omitempty"`

	// ArchiveURI is where the run was archived, when archiving is enabled.
	ArchiveURI string `json:"archive_uri,omitempty"`
}
