// Package lockfile implements the Instance Guard (§4.K): an advisory,
// process-exclusive file lock over an engine's storage root, so two Engine
// instances can never share one save_path root and corrupt each other's
// resume bookkeeping.
//
// Adapted from the teacher's cmd/lock.go InstanceLock, moved from a
// CLI-layer singleton into a per-Engine value acquired at construction
// (CLI itself is out of scope for this engine).
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".dlcore.lock"

// Lock wraps a single acquired advisory lock over a storage root.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire tries to take the exclusive lock for root. ok is false (with a
// nil error) when another process already holds it.
func Acquire(root string) (lock *Lock, ok bool, err error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, false, fmt.Errorf("lockfile: ensure root dir: %w", err)
	}
	path := filepath.Join(root, lockFileName)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: try lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Lock{fl: fl, path: path}, true, nil
}

// Release unlocks l. Calling Release on a nil *Lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// Path returns the on-disk lock file path, mainly for tests.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}
