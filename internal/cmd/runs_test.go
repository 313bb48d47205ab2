package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/qsweep/internal/config"
	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/ledger"
	"github.com/3leaps/qsweep/pkg/runregistry"
)

func seedRuns(t *testing.T, cfg *config.Config) *runregistry.Store {
	t.Helper()
	store := runregistry.NewStore(filepath.Join(cfg.DataDir, "runs"))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, rec := range []runregistry.RunRecord{
		{
			RunID: "4f1c2a9e-0000-4000-8000-000000000001", Name: "fa-threshold", State: runregistry.RunStateSuccess,
			Scheduler: "pbs", Points: 2, Submitted: 2,
			Results: []runregistry.PointResult{
				{Index: 0, Value: 0.15, Tag: "15", OK: true, JobID: "101.pbs"},
				{Index: 1, Value: 0.16, Tag: "16", OK: true, JobID: "102.pbs"},
			},
		},
		{
			RunID: "4f1c2a9e-0000-4000-8000-000000000002", Name: "fa-threshold", State: runregistry.RunStatePartial,
			Scheduler: "slurm", Points: 2, Submitted: 1, Failed: 1,
			Results: []runregistry.PointResult{
				{Index: 0, Value: 0.15, Tag: "15", OK: true, JobID: "2723147"},
				{Index: 1, Value: 0.16, Tag: "16", Code: job.CodeSubmissionFailed, Message: "sbatch: error: invalid partition"},
			},
		},
		{
			RunID: "9b77e0d4-0000-4000-8000-000000000003", State: runregistry.RunStateFailed,
			Scheduler: "pbs", Points: 1, Failed: 1,
		},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Write(&rec))
	}
	return store
}

// runCmd executes a subcommand with flags reset to their defaults afterwards.
func runCmd(t *testing.T, c *cobra.Command, run func(*cobra.Command, []string) error, args []string, flags map[string]string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetContext(context.Background())
	for name, value := range flags {
		require.NoError(t, c.Flags().Set(name, value))
	}
	t.Cleanup(func() {
		c.SetOut(nil)
		for name := range flags {
			f := c.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	err := run(c, args)
	return out.String(), err
}

func TestFilterRuns(t *testing.T) {
	runs := []runregistry.RunRecord{
		{RunID: "a", State: runregistry.RunStateSuccess},
		{RunID: "b", State: runregistry.RunStatePartial},
		{RunID: "c", State: runregistry.RunStateSuccess},
	}
	assert.Len(t, filterRuns(runs, ""), 3)
	got := filterRuns(runs, "success")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RunID)
	assert.Equal(t, "c", got[1].RunID)
	assert.Empty(t, filterRuns(runs, "canceled"))
}

func TestResolveRunID(t *testing.T) {
	cfg := useConfig(t, &config.Config{})
	store := seedRuns(t, cfg)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "exact", input: "4f1c2a9e-0000-4000-8000-000000000002", want: "4f1c2a9e-0000-4000-8000-000000000002"},
		{name: "unique prefix", input: "9b77", want: "9b77e0d4-0000-4000-8000-000000000003"},
		{name: "ambiguous prefix", input: "4f1c2a9e", wantErr: "ambiguous"},
		{name: "no match", input: "ffff", wantErr: "run not found"},
		{name: "empty", input: " ", wantErr: "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveRunID(store, tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunsList(t *testing.T) {
	cfg := useConfig(t, &config.Config{})
	seedRuns(t, cfg)

	out, err := runCmd(t, runsListCmd, runRunsList, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "9b77e0d4")
	assert.Contains(t, out, "partial")

	out, err = runCmd(t, runsListCmd, runRunsList, nil, map[string]string{"json": "true", "state": "partial"})
	require.NoError(t, err)
	var runs []runregistry.RunRecord
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "4f1c2a9e-0000-4000-8000-000000000002", runs[0].RunID)
}

func TestRunsList_Empty(t *testing.T) {
	useConfig(t, &config.Config{})

	out, err := runCmd(t, runsListCmd, runRunsList, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "No runs found\n", out)

	out, err = runCmd(t, runsListCmd, runRunsList, nil, map[string]string{"json": "true"})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestRunsShow(t *testing.T) {
	cfg := useConfig(t, &config.Config{})
	seedRuns(t, cfg)

	out, err := runCmd(t, runsShowCmd, runRunsShow, []string{"4f1c2a9e-0000-4000-8000-000000000002"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "state=partial")
	assert.Contains(t, out, "scheduler=slurm")
	assert.Contains(t, out, "2723147")
	assert.Contains(t, out, "sbatch: error: invalid partition")

	out, err = runCmd(t, runsShowCmd, runRunsShow, []string{"4f1c2a9e-0000-4000-8000-000000000002"},
		map[string]string{"json": "true", "failed": "true"})
	require.NoError(t, err)
	var rec runregistry.RunRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "16", rec.Results[0].Tag)

	_, err = runCmd(t, runsShowCmd, runRunsShow, []string{"ffff"}, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestRunsJob(t *testing.T) {
	cfg := useConfig(t, &config.Config{})

	led, err := ledger.Open(context.Background(), filepath.Join(cfg.DataDir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, led.Record(context.Background(), "run-7", job.SubmissionResult{
		Index: 3, Value: 0.18, Tag: "18", JobName: "FA_18", OK: true, JobID: "5501.pbs01",
	}))
	require.NoError(t, led.Close())

	out, err := runCmd(t, runsJobCmd, runRunsJob, []string{"5501.pbs01"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "run_id=run-7")
	assert.Contains(t, out, "tag=18")
	assert.Contains(t, out, "job_name=FA_18")

	_, err = runCmd(t, runsJobCmd, runRunsJob, []string{"9999"}, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}
