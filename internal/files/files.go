// Package files writes renderer-produced artifacts to disk.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrFileWrite = errors.New("files: write failed")

// Write stores data at path, creating parent directories as needed. The
// file is written to a temporary sibling and renamed into place so a
// failed write never leaves a truncated artifact.
func Write(path string, data []byte) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFileWrite)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrFileWrite, err)
	}
	return nil
}
