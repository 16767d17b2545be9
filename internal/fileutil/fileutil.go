// Package fileutil writes files so readers never observe a partial result.
package fileutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path through a temp file in the same
// directory followed by a rename.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	_, err := WriteStreamAtomic(path, bytes.NewReader(data), mode)
	return err
}

// WriteStreamAtomic copies r to path through a temp file and rename, returning
// the number of bytes written. The temp file is removed on any failure.
func WriteStreamAtomic(path string, r io.Reader, mode os.FileMode) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	fail := func(stage string, err error) (int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%s %s: %w", stage, path, err)
	}

	written, err := io.Copy(tmp, r)
	if err != nil {
		return fail("write temp file for", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync temp file for", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail("chmod temp file for", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return written, nil
}
