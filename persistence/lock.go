package persistence

import (
	"fmt"

	"github.com/gofrs/flock"
)

// LockDataDir acquires the lock file at path. Realtime fan-out lives in a single process, so a second server on
// the same data would silently split the subscribers; it is refused instead.
// An empty path disables the check (nil lock, no error).
func LockDataDir(path string) (*flock.Flock, error) {
	if path == "" {
		return nil, nil
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("lock %s is held by another process", path)
	}
	return lock, nil
}
