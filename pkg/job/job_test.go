package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		Name:      "fa_17",
		Commands:  []string{"echo hi"},
		LogPath:   "/logs/output.$PBS_JOBID",
		ErrorPath: "/logs/error.$PBS_JOBID",
		Resources: &Resources{Nodes: 1, ProcsPerNode: 8, Memory: "25gb", Walltime: 4 * time.Hour},
	}
}

func TestDescriptorValidate(t *testing.T) {
	require.NoError(t, validDescriptor().Validate())

	tests := []struct {
		name  string
		mut   func(d *Descriptor)
		field string
	}{
		{"no name", func(d *Descriptor) { d.Name = " " }, "name"},
		{"no log path", func(d *Descriptor) { d.LogPath = "" }, "log_path"},
		{"no error path", func(d *Descriptor) { d.ErrorPath = "" }, "error_path"},
		{"no commands", func(d *Descriptor) { d.Commands = nil }, "commands"},
		{"no resources", func(d *Descriptor) { d.Resources = nil }, "resources"},
		{"no memory", func(d *Descriptor) { d.Resources.Memory = "" }, "resources.memory"},
		{"no walltime", func(d *Descriptor) { d.Resources.Walltime = 0 }, "resources.walltime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mut(d)
			err := d.Validate()
			var mf *MissingFieldError
			require.ErrorAs(t, err, &mf)
			assert.Equal(t, tt.field, mf.Field)
			assert.Equal(t, CodeMissingField, Code(err))
		})
	}
}

func TestWalltimeClock(t *testing.T) {
	r := &Resources{Walltime: 2*time.Hour + 30*time.Minute}
	assert.Equal(t, "2:30:00", r.WalltimeClock())
	r.Walltime = 36*time.Hour + 5*time.Second
	assert.Equal(t, "36:00:05", r.WalltimeClock())
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&InvalidRangeError{Step: 0, Reason: "zero step"}, CodeInvalidRange},
		{&TemplateSubstitutionError{Stage: "tract", Placeholder: "in.dwi"}, CodeTemplateSubstitution},
		{fmt.Errorf("wrapped: %w", &MissingFieldError{Scope: "tract", Field: "mask"}), CodeMissingField},
		{&ArtifactIOError{Op: "write", Err: os.ErrPermission}, CodeArtifactIO},
		{&SubmissionFailure{Script: "x", Err: errors.New("exit status 1")}, CodeSubmissionFailed},
		{&SubmissionFailure{Script: "x", TimedOut: true, Err: context.DeadlineExceeded}, CodeTimeout},
		{context.Canceled, CodeCanceled},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "err=%v", tt.err)
	}
}

func TestArtifactIOErrorUnwrapsBoth(t *testing.T) {
	err := &ArtifactIOError{Op: "create", Path: "/scratch", Err: os.ErrPermission}
	assert.ErrorIs(t, err, ErrArtifactIO)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestSnippet(t *testing.T) {
	r := SubmissionResult{Output: "qsub: Job rejected\n  by server\n"}
	assert.Equal(t, "qsub: Job rejected by server", r.Snippet(0))
	assert.Equal(t, "qsub:...", r.Snippet(5))

	r.Message = "explicit"
	assert.Equal(t, "explicit", r.Snippet(80))
}
