// Package artifact manages the transient submission-script files handed to
// the scheduler.
//
// Lifecycle:
//
//	Acquire -> Write -> FinalizePermissions -> (submit) -> Release
//
// Release runs exactly once per artifact and never fails the caller: a
// removal error is reported as a job.CleanupWarning to the logger.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/qsweep/pkg/job"
)

// Policy decides what Release does with the file.
type Policy string

const (
	RemoveAfterSubmit Policy = "remove-after-submit"
	Retain            Policy = "retain"
)

// ParsePolicy validates a policy name. Empty means RemoveAfterSubmit.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.TrimSpace(s)) {
	case "", RemoveAfterSubmit:
		return RemoveAfterSubmit, nil
	case Retain:
		return Retain, nil
	}
	return "", fmt.Errorf("unknown artifact policy %q (expected %s or %s)", s, RemoveAfterSubmit, Retain)
}

// Suffix is appended to every artifact file name.
const Suffix = ".qsub"

// Mode is the permission set applied by FinalizePermissions: owner rwx only.
const Mode os.FileMode = 0o700

// Manager creates artifacts in a scratch directory.
type Manager struct {
	dir    string
	policy Policy
	logger *zap.Logger
}

// NewManager returns a Manager writing under dir (os.TempDir() when empty).
func NewManager(dir string, policy Policy, logger *zap.Logger) *Manager {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = os.TempDir()
	}
	if policy == "" {
		policy = RemoveAfterSubmit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dir: dir, policy: policy, logger: logger}
}

func (m *Manager) Dir() string    { return m.dir }
func (m *Manager) Policy() Policy { return m.policy }

// Acquire creates a new, empty artifact with a name no other artifact
// shares. The prefix is sanitised and used for readability only;
// uniqueness comes from the exclusive create.
func (m *Manager) Acquire(prefix string) (*Artifact, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, &job.ArtifactIOError{Op: "create", Path: m.dir, Err: err}
	}
	f, err := os.CreateTemp(m.dir, sanitize(prefix)+"_*"+Suffix)
	if err != nil {
		return nil, &job.ArtifactIOError{Op: "create", Path: m.dir, Err: err}
	}
	return &Artifact{
		path:   f.Name(),
		file:   f,
		policy: m.policy,
		logger: m.logger,
	}, nil
}

// With brackets fn between Acquire and Release. Release runs on every
// exit path of fn, including a panic.
func (m *Manager) With(ctx context.Context, prefix string, fn func(ctx context.Context, a *Artifact) error) error {
	a, err := m.Acquire(prefix)
	if err != nil {
		return err
	}
	defer a.Release()
	return fn(ctx, a)
}

func sanitize(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "job"
	}
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Artifact is one submission script on disk.
type Artifact struct {
	path   string
	file   *os.File
	policy Policy
	logger *zap.Logger

	mu      sync.Mutex
	written bool
	mode    os.FileMode

	releaseOnce sync.Once
	released    bool
}

// Path is the artifact's unique location.
func (a *Artifact) Path() string { return a.path }

// Name is the base name of Path.
func (a *Artifact) Name() string { return filepath.Base(a.path) }

// Mode reports the permission bits set by FinalizePermissions (zero until
// then).
func (a *Artifact) Mode() os.FileMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Write stores the rendered script. An artifact is written once.
func (a *Artifact) Write(content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.written {
		return &job.ArtifactIOError{Op: "write", Path: a.path, Err: fmt.Errorf("artifact already written")}
	}
	if a.file == nil {
		return &job.ArtifactIOError{Op: "write", Path: a.path, Err: os.ErrClosed}
	}
	_, err := a.file.WriteString(content)
	if err == nil {
		err = a.file.Sync()
	}
	closeErr := a.file.Close()
	a.file = nil
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return &job.ArtifactIOError{Op: "write", Path: a.path, Err: err}
	}
	a.written = true
	return nil
}

// FinalizePermissions makes the artifact readable, writable and
// executable by its owner only.
func (a *Artifact) FinalizePermissions() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Chmod(a.path, Mode); err != nil {
		return &job.ArtifactIOError{Op: "chmod", Path: a.path, Err: err}
	}
	a.mode = Mode
	return nil
}

// Release closes the artifact and removes it when the policy says so. It
// is safe to call more than once; only the first call has an effect.
func (a *Artifact) Release() {
	a.releaseOnce.Do(func() {
		a.mu.Lock()
		if a.file != nil {
			_ = a.file.Close()
			a.file = nil
		}
		a.released = true
		a.mu.Unlock()

		if a.policy == Retain {
			a.logger.Debug("Retaining submission script", zap.String("path", a.path))
			return
		}
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			w := &job.CleanupWarning{Path: a.path, Err: err}
			a.logger.Warn("Failed to remove submission script", zap.String("path", a.path), zap.Error(w))
		}
	})
}

// Released reports whether Release has run.
func (a *Artifact) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}
