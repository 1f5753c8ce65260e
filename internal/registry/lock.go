package registry

import (
	"errors"
	"fmt"
	"os"
)

// errLockReleased is returned when a lock handle is used after Write or Release.
var errLockReleased = errors.New("registry lock already released")

// Lock is a held exclusive lock on a registry. It is released exactly once,
// either by Write or by Release.
type Lock struct {
	path string
	file *os.File
}

// acquireLock opens (creating if needed) the lock file and blocks until the
// exclusive lock is granted. The directory must already exist.
func acquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release gives up the lock without writing.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return errLockReleased
	}
	f := l.file
	l.file = nil
	if err := unlockFile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// Held reports whether the handle still owns the lock.
func (l *Lock) Held() bool { return l != nil && l.file != nil }
