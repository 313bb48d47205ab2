package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error", err: cause, want: 1},
		{name: "exit error", err: exitError(foundry.ExitFileNotFound, "Manifest not found", cause), want: foundry.ExitFileNotFound},
		{name: "wrapped exit error", err: fmt.Errorf("launch: %w", exitError(foundry.ExitSignalInt, "Sweep interrupted", cause)), want: foundry.ExitSignalInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("no such file")
	err := exitError(foundry.ExitFileNotFound, "Manifest not found", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Manifest not found: no such file")
	assert.Contains(t, err.Error(), fmt.Sprintf("(exit code %d)", foundry.ExitFileNotFound))

	bare := exitError(foundry.ExitInvalidArgument, "2 of 5 points failed to render", nil)
	assert.Equal(t, fmt.Sprintf("2 of 5 points failed to render (exit code %d)", foundry.ExitInvalidArgument), bare.Error())
}

func TestRootCommandTree(t *testing.T) {
	want := []string{"doctor", "launch", "render", "runs", "serve", "version"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}

	for _, name := range []string{"list", "show", "job"} {
		c, _, err := rootCmd.Find([]string{"runs", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}

	f := launchCmd.Flags().Lookup("manifest")
	require.NotNil(t, f)
	assert.Equal(t, "m", f.Shorthand)
	assert.NotNil(t, renderCmd.Flags().Lookup("input"))
}
