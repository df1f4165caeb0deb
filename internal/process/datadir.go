package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// EnsureDataDir creates path recursively when it is missing. An existing
// path that is not a directory yields ErrNotDirectory.
func EnsureDataDir(path string) error {
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotDirectory, path)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("stat data directory %s: %w", path, err)
	}
}
