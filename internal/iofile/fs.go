package iofile

import (
	"io"
	"os"
)

// File is the os.File-shaped handle AtomicWriter operates on, trimmed from
// pkg/fs.File down to what a durable rewrite-then-rename needs.
type File interface {
	io.Writer
	io.Closer
	Sync() error
	Chmod(mode os.FileMode) error
}

// FS is the small os-backed filesystem seam AtomicWriter depends on,
// trimmed from pkg/fs.FS to the handful of operations a rename-based
// durable write needs.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Open(path string) (File, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
}

// OsFS implements FS with the os package directly, the same passthrough
// shape as pkg/fs.Real.
type OsFS struct{}

func (OsFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (OsFS) Open(path string) (File, error) { return os.Open(path) }

func (OsFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (OsFS) Remove(path string) error { return os.Remove(path) }

var _ FS = OsFS{}
