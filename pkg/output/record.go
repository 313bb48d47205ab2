// Package output provides JSONL output for sweep runs.
//
// Each line is a typed record envelope carrying a point result, an error,
// a progress update or the final summary. Lines are self-contained and can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants. These follow the pattern: qsweep.<type>.v<version>
const (
	// TypePoint identifies per-point submission records.
	TypePoint = "qsweep.point.v1"

	// TypeError identifies error records.
	TypeError = "qsweep.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "qsweep.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "qsweep.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "qsweep.point.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one sweep run.
	RunID string `json:"run_id"`

	// Scheduler is the scheduler dialect (e.g., "pbs", "slurm").
	Scheduler string `json:"scheduler"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// PointRecord is the data payload for one sweep point's outcome.
type PointRecord struct {
	Index    int     `json:"index"`
	Value    float64 `json:"value"`
	Tag      string  `json:"tag"`
	JobName  string  `json:"job_name,omitempty"`
	Artifact string  `json:"artifact,omitempty"`
	OK       bool    `json:"ok"`
	JobID    string  `json:"job_id,omitempty"`

	// Output is the scheduler's raw output.
	Output string `json:"output,omitempty"`

	// Code is set for failed points (see ErrorRecord codes).
	Code string `json:"code,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Per-point failures are emitted as records rather than failing the run.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Tag is the sweep point the error belongs to, if any.
	Tag string `json:"tag,omitempty"`

	// Index is the sweep point index; nil for run-level errors.
	Index *int `json:"index,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	Phase     string `json:"phase"`
	Total     int    `json:"total"`
	Submitted int64  `json:"submitted"`
	Failed    int64  `json:"failed"`
}

// Progress phase constants.
const (
	PhaseStarting   = "starting"
	PhaseSubmitting = "submitting"
	PhaseComplete   = "complete"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Points    int `json:"points"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// FailedTags lists the tags of failed points in generation order.
	FailedTags []string `json:"failed_tags,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
