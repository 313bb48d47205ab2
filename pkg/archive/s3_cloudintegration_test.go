//go:build cloudintegration

package archive_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/qsweep/pkg/archive"
	"github.com/3leaps/qsweep/test/cloudtest"
)

func motoConfig(bucket, prefix string) archive.S3Config {
	return archive.S3Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	}
}

func TestRun_S3Integration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	dir := t.TempDir()
	runFile := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(runFile, []byte(`{"run_id":"run-1","state":"success"}`), 0o644))
	script := filepath.Join(dir, "sweep_15.abc.qsub")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\n"), 0o700))

	store, err := archive.NewS3Store(ctx, motoConfig(bucket, "sweeps"))
	require.NoError(t, err)

	uri, err := archive.Run(ctx, store, "run-1", runFile, []string{script}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/sweeps/run-1/", uri)

	keys := cloudtest.Keys(t, ctx, bucket, "sweeps/")
	assert.Equal(t, []string{"sweeps/run-1/run.json", "sweeps/run-1/scripts/sweep_15.abc.qsub"}, keys)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(cloudtest.GetObject(t, ctx, bucket, "sweeps/run-1/run.json"), &rec))
	assert.Equal(t, "success", rec["state"])
}

func TestRun_S3IntegrationMissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	dir := t.TempDir()
	runFile := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(runFile, []byte(`{}`), 0o644))

	store, err := archive.NewS3Store(ctx, motoConfig(cloudtest.BucketName(t), ""))
	require.NoError(t, err)

	_, err = archive.Run(ctx, store, "run-1", runFile, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrBucketNotFound)
}
