package submit

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/qsweep/pkg/job"
)

// fakeScheduler writes an executable shell script standing in for qsub.
func fakeScheduler(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake scheduler needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-qsub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandClient_Success(t *testing.T) {
	bin := fakeScheduler(t, `echo "4242.cluster.local"; echo "submitted $1" >&2`)
	c := &CommandClient{Command: bin, Timeout: 5 * time.Second, ParseJobID: ParseQsubID}

	res := c.Submit(context.Background(), "/scratch/fa_17_abc.qsub")
	require.True(t, res.OK, "err: %v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, "4242.cluster.local", res.JobID)
	assert.Contains(t, res.Output, "submitted /scratch/fa_17_abc.qsub")
}

func TestCommandClient_StderrWarningIsNotJobID(t *testing.T) {
	bin := fakeScheduler(t, `echo "qsub: warning: walltime exceeds queue default" >&2; sleep 0.1; echo "4243.cluster.local"`)
	c := &CommandClient{Command: bin, Timeout: 5 * time.Second, ParseJobID: ParseQsubID}

	res := c.Submit(context.Background(), "job.qsub")
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "4243.cluster.local", res.JobID)
	assert.Equal(t, "qsub: warning: walltime exceeds queue default\n4243.cluster.local\n", res.Output)
}

func TestCommandClient_ExtraArgs(t *testing.T) {
	bin := fakeScheduler(t, `echo "Submitted batch job $#:$1"`)
	c := &CommandClient{Command: bin, Args: []string{"--parsable"}, ParseJobID: ParseSbatchID}

	res := c.Submit(context.Background(), "job.qsub")
	require.True(t, res.OK)
	assert.Equal(t, "2:--parsable", res.JobID)
}

func TestCommandClient_FailurePreservesOutput(t *testing.T) {
	bin := fakeScheduler(t, `echo "qsub: Unauthorized Request  MSG=group ACL is not satisfied" >&2; exit 159`)
	c := &CommandClient{Command: bin, ParseJobID: ParseQsubID}

	res := c.Submit(context.Background(), "job.qsub")
	assert.False(t, res.OK)
	assert.Empty(t, res.JobID)
	assert.Equal(t, "qsub: Unauthorized Request  MSG=group ACL is not satisfied\n", res.Output)

	var sf *job.SubmissionFailure
	require.ErrorAs(t, res.Err, &sf)
	assert.False(t, sf.TimedOut)
	assert.Equal(t, res.Output, sf.Output)
	assert.Equal(t, job.CodeSubmissionFailed, job.Code(res.Err))
}

func TestCommandClient_Timeout(t *testing.T) {
	bin := fakeScheduler(t, `sleep 10`)
	c := &CommandClient{Command: bin, Timeout: 100 * time.Millisecond}

	start := time.Now()
	res := c.Submit(context.Background(), "job.qsub")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.OK)
	assert.Equal(t, job.CodeTimeout, job.Code(res.Err))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestCommandClient_MissingBinary(t *testing.T) {
	c := &CommandClient{Command: filepath.Join(t.TempDir(), "no-such-qsub")}
	res := c.Submit(context.Background(), "job.qsub")
	assert.False(t, res.OK)
	assert.True(t, job.IsSubmissionFailure(res.Err))
}

func TestCommandClient_StdinClosed(t *testing.T) {
	// A scheduler that waits for input must see EOF immediately.
	bin := fakeScheduler(t, `read line; echo "read:$line:"`)
	c := &CommandClient{Command: bin, Timeout: 5 * time.Second, ParseJobID: ParseQsubID}

	res := c.Submit(context.Background(), "job.qsub")
	assert.Equal(t, "read::", strings.TrimSpace(res.Output))
}

func TestParseJobIDs(t *testing.T) {
	id, err := ParseQsubID("\n  123.pbs01  \nwarning\n")
	require.NoError(t, err)
	assert.Equal(t, "123.pbs01", id)

	_, err = ParseQsubID(" \n")
	assert.Error(t, err)

	id, err = ParseSbatchID("Submitted batch job 2723147\n")
	require.NoError(t, err)
	assert.Equal(t, "2723147", id)

	_, err = ParseSbatchID("")
	assert.Error(t, err)
}

func TestForDialect(t *testing.T) {
	c, err := ForDialect("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "qsub", c.Command)

	c, err = ForDialect("slurm", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sbatch", c.Command)

	_, err = ForDialect("lsf", time.Second)
	assert.Error(t, err)
}

func TestDryRunClient(t *testing.T) {
	var d DryRunClient
	a := d.Submit(context.Background(), "a.qsub")
	b := d.Submit(context.Background(), "b.qsub")
	assert.True(t, a.OK)
	assert.Equal(t, "dryrun.1", a.JobID)
	assert.Equal(t, "dryrun.2", b.JobID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Submit(ctx, "c.qsub")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestClientFunc(t *testing.T) {
	var got string
	c := ClientFunc(func(_ context.Context, script string) job.SubmissionResult {
		got = script
		return job.SubmissionResult{OK: true}
	})
	assert.True(t, c.Submit(context.Background(), "x").OK)
	assert.Equal(t, "x", got)
}
