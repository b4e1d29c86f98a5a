// Package vault is the local file storage boundary: a rooted directory
// exposing the five operations the replication pipeline depends on, plus a
// change watcher feeding push replication.
//
// All paths are vault-relative with forward slashes. Paths that escape the
// root are rejected.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Storage mirrors the operations the pipeline consumes. *Dir implements it.
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	Exists(path string) (bool, error)
	CreateFolder(path string) error
	Stat(path string) (fs.FileInfo, error)
}

// Dir is a vault rooted at a directory on the OS filesystem.
type Dir struct {
	root string
}

// NewDir opens a vault rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vault: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create root: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// resolve maps a vault-relative path to an absolute one, rejecting escapes.
func (d *Dir) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("vault: path escapes root: %s", rel)
	}
	return filepath.Join(d.root, clean), nil
}

// Read returns the file's content.
func (d *Dir) Read(path string) ([]byte, error) {
	abs, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Write creates or overwrites the file. Text and binary content take the
// same path — bytes in, bytes out.
func (d *Dir) Write(path string, data []byte) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Delete removes the file.
func (d *Dir) Delete(path string) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// Exists reports whether a file or directory is present at path.
func (d *Dir) Exists(path string) (bool, error) {
	abs, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateFolder creates the directory and any missing parents. A
// pre-existing directory is not an error.
func (d *Dir) CreateFolder(path string) error {
	abs, err := d.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// Stat returns file info for path — the "get file handle by path" half of
// the storage boundary.
func (d *Dir) Stat(path string) (fs.FileInfo, error) {
	abs, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}
