package job

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes of a sweep run.
var (
	// ErrInvalidRange indicates malformed sweep parameters.
	ErrInvalidRange = errors.New("invalid sweep range")

	// ErrTemplateSubstitution indicates a placeholder could not be resolved.
	ErrTemplateSubstitution = errors.New("template substitution failed")

	// ErrMissingField indicates a required descriptor or stage field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrArtifactIO indicates the submission script could not be created,
	// written or chmod'ed.
	ErrArtifactIO = errors.New("artifact io failed")

	// ErrSubmission indicates the scheduler rejected or errored on submit.
	ErrSubmission = errors.New("submission failed")
)

// Result codes recorded on SubmissionResult.Code and in JSONL error records.
const (
	CodeInvalidRange         = "INVALID_RANGE"
	CodeTemplateSubstitution = "TEMPLATE_SUBSTITUTION"
	CodeMissingField         = "MISSING_FIELD"
	CodeArtifactIO           = "ARTIFACT_IO"
	CodeSubmissionFailed     = "SUBMISSION_FAILED"
	CodeTimeout              = "TIMEOUT"
	CodeCanceled             = "CANCELED"
	CodeInternal             = "INTERNAL"
)

// InvalidRangeError reports sweep parameters that cannot produce a
// well-defined sequence. It aborts the whole run.
type InvalidRangeError struct {
	Start, Stop, Step float64
	Reason            string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range start=%g stop=%g step=%g: %s", e.Start, e.Stop, e.Step, e.Reason)
}

func (e *InvalidRangeError) Unwrap() error { return ErrInvalidRange }

// TemplateSubstitutionError reports a placeholder with no supplied value, or
// a value that may not be substituted.
type TemplateSubstitutionError struct {
	Stage       string
	Placeholder string
	Reason      string
}

func (e *TemplateSubstitutionError) Error() string {
	msg := fmt.Sprintf("stage %q: placeholder {%s}", e.Stage, e.Placeholder)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TemplateSubstitutionError) Unwrap() error { return ErrTemplateSubstitution }

// MissingFieldError reports a required field absent from a stage spec
// (Scope is the stage name) or a job descriptor (Scope "job").
type MissingFieldError struct {
	Scope string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Scope, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// ArtifactIOError wraps a filesystem failure on the submission script.
type ArtifactIOError struct {
	Op   string // create, write, chmod
	Path string
	Err  error
}

func (e *ArtifactIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("artifact %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactIOError) Unwrap() []error { return []error{ErrArtifactIO, e.Err} }

// SubmissionFailure reports a scheduler invocation that failed or timed out.
// Output holds the scheduler's raw diagnostic text.
type SubmissionFailure struct {
	Script   string
	Output   string
	TimedOut bool
	Err      error
}

func (e *SubmissionFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("submit %s: timed out: %v", e.Script, e.Err)
	}
	return fmt.Sprintf("submit %s: %v", e.Script, e.Err)
}

func (e *SubmissionFailure) Unwrap() []error { return []error{ErrSubmission, e.Err} }

// CleanupWarning reports a failed artifact removal. It is logged and never
// changes the outcome of the submission it follows.
type CleanupWarning struct {
	Path string
	Err  error
}

func (e *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Path, e.Err)
}

func (e *CleanupWarning) Unwrap() error { return e.Err }

// IsInvalidRange returns true if err is (or wraps) an InvalidRangeError.
func IsInvalidRange(err error) bool {
	return errors.Is(err, ErrInvalidRange)
}

// IsSubmissionFailure returns true if the scheduler rejected the job.
func IsSubmissionFailure(err error) bool {
	return errors.Is(err, ErrSubmission)
}

// Code classifies err into a stable result code.
func Code(err error) string {
	var sub *SubmissionFailure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sub) && sub.TimedOut:
		return CodeTimeout
	case errors.Is(err, ErrInvalidRange):
		return CodeInvalidRange
	case errors.Is(err, ErrMissingField):
		return CodeMissingField
	case errors.Is(err, ErrTemplateSubstitution):
		return CodeTemplateSubstitution
	case errors.Is(err, ErrArtifactIO):
		return CodeArtifactIO
	case errors.Is(err, ErrSubmission):
		return CodeSubmissionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
