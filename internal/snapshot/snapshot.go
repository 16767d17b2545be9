// Package snapshot writes the job tree to disk after every change and reads it
// back for operators. The running process never consults the file for control
// flow; it exists for crash inspection and the status command.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"

	"loom/internal/fileutil"
	"loom/internal/jobtree"
	"loom/internal/services"
)

// File is a jobtree.Persister backed by a single JSON document.
type File struct {
	path   string
	writes atomic.Int64
}

// NewFile returns a writer for path. The file is created on the first Persist.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the snapshot location.
func (f *File) Path() string { return f.path }

// Writes returns how many snapshots have been written.
func (f *File) Writes() int64 { return f.writes.Load() }

// Persist atomically replaces the snapshot with data.
func (f *File) Persist(data []byte) error {
	if f.path == "" {
		return errors.New("snapshot: path is empty")
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	if err := fileutil.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	f.writes.Add(1)
	return nil
}

// Load reads a snapshot written by Persist and rebuilds the tree it describes.
func Load(path string) (*jobtree.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "snapshot", "load", path+" does not exist", err)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	tree, err := jobtree.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return tree, nil
}
