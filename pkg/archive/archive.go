// Package archive copies the record of a finished run (run.json and any
// retained submission scripts) to durable storage: an S3 bucket or a local
// directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Sentinel errors for archive operations.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("archive store unavailable")
)

// Error wraps a failed store operation with the object key.
type Error struct {
	Op  string
	URI string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsAccessDenied returns true if the store refused the credentials' access.
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

// IsUnavailable returns true for transient store failures.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThrottled)
}

// Store receives archived objects. Keys are slash-separated.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// URI names key in the store, e.g. s3://bucket/prefix/key.
	URI(key string) string
}

// RunFile is the key of the run record under a run's prefix.
const RunFile = "run.json"

// Run uploads runRecord and scripts under "<runID>/" and returns the URI of
// that prefix. Scripts that no longer exist are skipped; they are removed
// after submission unless the run retained them.
func Run(ctx context.Context, store Store, runID, runRecord string, scripts []string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := checkKey(runID); err != nil {
		return "", err
	}

	if err := putFile(ctx, store, path.Join(runID, RunFile), runRecord); err != nil {
		return "", err
	}

	uploaded := 0
	for _, script := range scripts {
		if script == "" {
			continue
		}
		key := path.Join(runID, "scripts", filepath.Base(script))
		err := putFile(ctx, store, key, script)
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Skipping missing script", zap.String("path", script))
			continue
		}
		if err != nil {
			return "", err
		}
		uploaded++
	}

	uri := store.URI(runID + "/")
	logger.Info("Archived run",
		zap.String("run_id", runID),
		zap.String("uri", uri),
		zap.Int("scripts", uploaded))
	return uri, nil
}

func putFile(ctx context.Context, store Store, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, f, info.Size())
}

func checkKey(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// Open returns the store named by target: "s3://bucket/prefix" uses S3 with
// opts, anything else ("file:///dir" or a plain path) is a local directory.
func Open(ctx context.Context, target string, opts S3Config) (Store, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return nil, errors.New("archive target is empty")
	case strings.HasPrefix(target, "s3://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(target, "s3://"), "/")
		opts.Bucket = bucket
		opts.Prefix = strings.Trim(prefix, "/")
		return NewS3Store(ctx, opts)
	case strings.HasPrefix(target, "file://"):
		return NewDirStore(strings.TrimPrefix(target, "file://"))
	case strings.Contains(target, "://"):
		return nil, fmt.Errorf("unsupported archive target %q (expected s3:// or a directory)", target)
	}
	return NewDirStore(target)
}
