// Package iofile implements facade.FileIO against the real filesystem using
// raw syscalls, the same idiom pkg/slotcache/open.go uses for its mmap'd
// single-writer store (syscall.Open/Pread/Pwrite/Ftruncate/Mmap, not the
// os package's buffered abstractions) — the planner and writer jobs need
// fd-level pread/pwrite/mmap, not io.Reader/io.Writer.
//
// Real is the production implementation. Chaos wraps any facade.FileIO and
// injects faults for fault-injection tests, trimmed from pkg/fs/chaos.go's
// much larger surface down to the operations qdbingest actually drives
// through an fd rather than an *os.File.
package iofile

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/calvinalkan/qdbingest/internal/facade"
)

// Real implements facade.FileIO with direct syscalls.
type Real struct{}

// NewReal returns a Real file I/O implementation.
func NewReal() *Real { return &Real{} }

func (r *Real) OpenRW(path string) (int, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return 0, fmt.Errorf("iofile: open %q: %w", path, err)
	}
	return fd, nil
}

func (r *Real) Mmap(fd int, size int, off int64, writable bool) ([]byte, error) {
	prot := syscall.PROT_READ
	if writable {
		prot |= syscall.PROT_WRITE
	}
	data, err := syscall.Mmap(fd, off, size, prot, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("iofile: mmap fd=%d size=%d off=%d: %w", fd, size, off, err)
	}
	return data, nil
}

func (r *Real) Munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("iofile: munmap: %w", err)
	}
	return nil
}

func (r *Real) Read(fd int, buf []byte, off int64) (int, error) {
	n, err := syscall.Pread(fd, buf, off)
	if err != nil {
		return n, fmt.Errorf("iofile: pread fd=%d off=%d: %w", fd, off, err)
	}
	return n, nil
}

func (r *Real) Write(fd int, buf []byte, off int64) (int, error) {
	n, err := syscall.Pwrite(fd, buf, off)
	if err != nil {
		return n, fmt.Errorf("iofile: pwrite fd=%d off=%d: %w", fd, off, err)
	}
	return n, nil
}

func (r *Real) Allocate(fd int, size int64) error {
	if err := syscall.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("iofile: ftruncate fd=%d size=%d: %w", fd, size, err)
	}
	return nil
}

func (r *Real) Close(fd int) error {
	if err := syscall.Close(fd); err != nil {
		return fmt.Errorf("iofile: close fd=%d: %w", fd, err)
	}
	return nil
}

// IsRestrictedFileSystem reports whether the platform lacks full mmap/flock
// support (always false here; the pack only targets unix-like hosts, same
// assumption pkg/slotcache/open.go makes with its is64Bit/isLittleEndian
// checks rather than a runtime filesystem probe).
func (r *Real) IsRestrictedFileSystem() bool { return false }

func (r *Real) Exists(path string) bool {
	err := syscall.Stat(path, &syscall.Stat_t{})
	return err == nil
}

func (r *Real) Errno(err error) (int, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno), true
	}
	return 0, false
}

var _ facade.FileIO = (*Real)(nil)
