package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WithExclusiveLock runs fn while holding an exclusive advisory lock on the
// sidecar lock file for path. Writers serialize on this lock; the atomic
// rename in AtomicWriteFile must complete before the lock is released so a
// reader never sees the old file after a rename has started.
func WithExclusiveLock(path string, fn func() error) error {
	fl, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire exclusive lock %s: %w", fl.Path(), err)
	}
	return fn()
}

// WithSharedLock runs fn while holding a shared advisory lock on the sidecar
// lock file for path. Readers take this so they always observe the last
// fully committed state.
func WithSharedLock(path string, fn func() error) error {
	fl, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := fl.RLock(); err != nil {
		return fmt.Errorf("acquire shared lock %s: %w", fl.Path(), err)
	}
	return fn()
}

// acquireLock builds the flock handle for path's sidecar lock file,
// creating the parent directory if needed.
func acquireLock(path string) (*flock.Flock, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return flock.New(path + ".lock"), nil
}
