// Package lock keeps two depgate runs from sharing one state database.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Acquire takes an exclusive, non-blocking lock on path. The returned lock
// must be kept for the lifetime of the run and handed to Release.
func Acquire(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another depgate run holds the state lock (lock: %s)", path)
	}
	return fl, nil
}

// Release unlocks fl. The lock file is left on disk so every process locks
// the same inode.
func Release(fl *flock.Flock) {
	if fl == nil {
		return
	}
	_ = fl.Unlock()
}
