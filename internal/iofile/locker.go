package iofile

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned by Locker.TryLock when another process already
// holds the lock.
var ErrLocked = errors.New("iofile: lock held by another process")

// Locker provides cross-process exclusion for a data directory using a
// non-blocking flock, the same pattern
// pkg/slotcache/writer_lock.go uses to serialize writer access to a cache
// file (lock file at path+".lock", LOCK_EX|LOCK_NB, never deleted after
// release).
type Locker struct {
	path string
	file *os.File
}

// NewLocker returns a Locker guarding path+".lock".
func NewLocker(path string) *Locker {
	return &Locker{path: path + ".lock"}
}

// TryLock acquires an exclusive non-blocking lock, or returns ErrLocked if
// another process holds it.
func (l *Locker) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("iofile: open lock file %q: %w", l.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrLocked
		}
		return fmt.Errorf("iofile: flock %q: %w", l.path, err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock and closes the file. The lock file itself is
// not removed.
func (l *Locker) Unlock() {
	if l.file == nil {
		return
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
