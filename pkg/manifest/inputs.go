package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/qsweep/pkg/stage"
)

var (
	// ErrInputNotFound indicates an input pattern matched no file.
	ErrInputNotFound = errors.New("input not found")

	// ErrInputAmbiguous indicates an input pattern matched more than one file.
	ErrInputAmbiguous = errors.New("input pattern is ambiguous")
)

// ResolveInputs expands each named glob pattern against fsys. Every pattern
// must match exactly one regular file; the result maps names to the
// matched slash-separated path relative to fsys.
func ResolveInputs(fsys fs.FS, patterns map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]string, len(patterns))
	for _, name := range names {
		pattern := strings.TrimPrefix(strings.TrimSpace(patterns[name]), "./")
		if pattern == "" || !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("input %q: invalid pattern %q", name, patterns[name])
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: %s (pattern %q)", ErrInputNotFound, name, pattern)
		case 1:
			resolved[name] = matches[0]
		default:
			sort.Strings(matches)
			return nil, fmt.Errorf("%w: %s (pattern %q) matched %s", ErrInputAmbiguous, name, pattern, strings.Join(matches, ", "))
		}
	}
	return resolved, nil
}

// ResolveInputs resolves m.Inputs against the input root directory and
// merges the results into m.Params.
func (m *Manifest) ResolveInputs() error {
	if len(m.Inputs) == 0 {
		return nil
	}
	root := strings.TrimSpace(m.Roots[stage.RootInput])
	if root == "" {
		return fmt.Errorf("inputs require roots.%s to be set", stage.RootInput)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: input root %s: %v", ErrInputNotFound, root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input root %s is not a directory", root)
	}

	resolved, err := ResolveInputs(os.DirFS(root), m.Inputs)
	if err != nil {
		return err
	}
	if m.Params == nil {
		m.Params = make(map[string]string, len(resolved))
	}
	for name, path := range resolved {
		m.Params[name] = path
	}
	return nil
}
