package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// LockPath places name in the runtime directory, falling back to the temp
// directory.
func LockPath(name string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, name+".lock")
}

// AcquireLock takes an exclusive lock on path without waiting.
func AcquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", path, ErrAlreadyRunning)
	}

	return lock, nil
}
