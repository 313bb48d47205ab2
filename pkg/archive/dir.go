package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DirStore archives into a local (or network-mounted) directory.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "Open", URI: root, Err: err}
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) URI(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(d.root, filepath.FromSlash(key)))
}

// Put writes body to root/key through a temp file so a partial copy is
// never visible under the final name.
func (d *DirStore) Put(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(d.root, filepath.FromSlash(key))
	if rel, err := filepath.Rel(d.root, dst); err != nil || strings.HasPrefix(rel, "..") {
		return &Error{Op: "Put", URI: key, Err: fmt.Errorf("key escapes archive root")}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &Error{Op: "Put", URI: d.URI(key), Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return &Error{Op: "Put", URI: d.URI(key), Err: err}
	}
	tmpName := tmp.Name()
	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, dst)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "Put", URI: d.URI(key), Err: err}
	}
	return nil
}
