// Package submit hands rendered job scripts to an external batch scheduler.
//
// A submission is attempted exactly once. A non-zero exit, a spawn error or
// a timeout is reported as a failed job.SubmissionResult carrying the
// scheduler's raw output; it is never returned as a process-level error.
package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3leaps/qsweep/pkg/job"
)

// DefaultTimeout bounds a single scheduler invocation.
const DefaultTimeout = 60 * time.Second

// Client submits one script and reports the outcome.
type Client interface {
	Submit(ctx context.Context, script string) job.SubmissionResult
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, script string) job.SubmissionResult

func (f ClientFunc) Submit(ctx context.Context, script string) job.SubmissionResult {
	return f(ctx, script)
}

// CommandClient runs a scheduler submit binary (qsub, sbatch) with the
// script path as its final argument.
type CommandClient struct {
	Command string
	Args    []string
	Timeout time.Duration

	// ParseJobID extracts the job id from the stdout of a successful run.
	// When nil or when it fails, JobID is left empty; the submission still
	// counts.
	ParseJobID func(output string) (string, error)
}

// Qsub returns a client for PBS/Torque qsub.
func Qsub(timeout time.Duration) *CommandClient {
	return &CommandClient{Command: "qsub", Timeout: timeout, ParseJobID: ParseQsubID}
}

// Sbatch returns a client for slurm sbatch.
func Sbatch(timeout time.Duration) *CommandClient {
	return &CommandClient{Command: "sbatch", Timeout: timeout, ParseJobID: ParseSbatchID}
}

// ForDialect returns the default client for a scheduler dialect name
// ("pbs" or "slurm").
func ForDialect(dialect string, timeout time.Duration) (*CommandClient, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "", "pbs":
		return Qsub(timeout), nil
	case "slurm":
		return Sbatch(timeout), nil
	}
	return nil, fmt.Errorf("no submit command for scheduler dialect %q", dialect)
}

func (c *CommandClient) Submit(ctx context.Context, script string) job.SubmissionResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, c.Args...), script)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	// Stdin stays nil (the null device): submission is never interactive.
	cmd.WaitDelay = 2 * time.Second

	// Output keeps stdout and stderr interleaved for diagnostics; only
	// stdout is parsed for the job id.
	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = combined

	err := cmd.Run()
	res := job.SubmissionResult{Output: combined.String()}
	if err != nil {
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		if timedOut {
			err = fmt.Errorf("%s did not return within %s: %w", c.Command, timeout, context.DeadlineExceeded)
		}
		res.Err = &job.SubmissionFailure{Script: script, Output: res.Output, TimedOut: timedOut, Err: err}
		return res
	}

	res.OK = true
	if c.ParseJobID != nil {
		if id, perr := c.ParseJobID(stdout.String()); perr == nil {
			res.JobID = id
		}
	}
	return res
}

// lockedBuffer is a bytes.Buffer safe for the concurrent stdout and stderr
// copies of exec.Cmd.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ParseQsubID returns the first non-empty line of qsub output, e.g.
// "4242.cluster.local".
func ParseQsubID(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("unable to parse qsub output: %q", output)
}

// ParseSbatchID parses "Submitted batch job 2723147".
func ParseSbatchID(output string) (string, error) {
	parts := strings.Fields(output)
	if len(parts) == 0 {
		return "", fmt.Errorf("unable to parse sbatch output: %q", output)
	}
	return parts[len(parts)-1], nil
}

// DryRunClient accepts every script without contacting a scheduler.
type DryRunClient struct {
	n atomic.Int64
}

func (d *DryRunClient) Submit(ctx context.Context, script string) job.SubmissionResult {
	if err := ctx.Err(); err != nil {
		return job.SubmissionResult{Err: &job.SubmissionFailure{Script: script, Err: err}}
	}
	id := fmt.Sprintf("dryrun.%d", d.n.Add(1))
	return job.SubmissionResult{OK: true, JobID: id, Output: id + "\n"}
}
