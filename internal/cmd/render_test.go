package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/qsweep/internal/config"
	"github.com/3leaps/qsweep/pkg/artifact"
	"github.com/3leaps/qsweep/pkg/sweep"
)

func TestSelectPoints(t *testing.T) {
	r, err := sweep.NewRange(0.15, 0.25, 0.01)
	require.NoError(t, err)

	all, err := selectPoints(r, "", -1)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	byTag, err := selectPoints(r, "17", -1)
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, 2, byTag[0].Index)

	byIndex, err := selectPoints(r, "", 9)
	require.NoError(t, err)
	require.Len(t, byIndex, 1)
	assert.Equal(t, "24", byIndex[0].Tag)

	_, err = selectPoints(r, "99", -1)
	assert.Error(t, err)
	_, err = selectPoints(r, "", 10)
	assert.Error(t, err)
	_, err = selectPoints(r, "15", 0)
	assert.Error(t, err)
}

func TestRender_Stdout(t *testing.T) {
	useConfig(t, &config.Config{})
	path := sweepFixture(t)

	var out bytes.Buffer
	require.NoError(t, render(context.Background(), launchOptions{manifestPath: path}, "", "16", -1, &out))

	script := out.String()
	assert.True(t, strings.HasPrefix(script, "#!/bin/bash"), script)
	assert.Contains(t, script, "#PBS -N sweep_16")
	assert.Contains(t, script, "--minFA 0.16")
	assert.NotContains(t, script, "### sweep_")

	out.Reset()
	require.NoError(t, render(context.Background(), launchOptions{manifestPath: path}, "", "", -1, &out))
	assert.Equal(t, 3, strings.Count(out.String(), "### sweep_"))
}

func TestRender_OutDir(t *testing.T) {
	useConfig(t, &config.Config{})
	path := sweepFixture(t)
	outDir := filepath.Join(t.TempDir(), "scripts")

	var out bytes.Buffer
	require.NoError(t, render(context.Background(), launchOptions{manifestPath: path}, outDir, "", -1, &out))

	lines := strings.Fields(out.String())
	require.Len(t, lines, 3)
	for _, p := range lines {
		assert.Equal(t, outDir, filepath.Dir(p))
		assert.True(t, strings.HasSuffix(p, artifact.Suffix), p)
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, artifact.Mode, info.Mode().Perm())
	}
}

func TestRender_RangeOverrides(t *testing.T) {
	useConfig(t, &config.Config{})
	path := sweepFixture(t)

	var out bytes.Buffer
	err := render(context.Background(), launchOptions{manifestPath: path, stop: "0.16"}, "", "", -1, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "#PBS -N sweep_15")
	assert.NotContains(t, out.String(), "sweep_16")

	err = render(context.Background(), launchOptions{manifestPath: path, step: "0"}, "", "", -1, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}
