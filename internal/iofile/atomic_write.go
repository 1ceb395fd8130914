package iofile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced
// after rename; the new file is in place but durability isn't guaranteed.
var ErrAtomicWriteDirSync = errors.New("iofile: dir sync")

// AtomicWriter writes small files (config snapshots, catalog checkpoints)
// atomically using the write-temp/fsync/rename/fsync-dir sequence
// pkg/fs/atomic_write.go uses. The tablestore's row-count checkpoint goes
// through github.com/natefinch/atomic instead (spec §10.3); no code outside
// this package's tests calls this writer.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns a writer that durably replaces files on fs.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}
	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures Write.
type AtomicWriteOptions struct {
	SyncDir bool
	Perm    os.FileMode
}

// DefaultOptions returns {SyncDir: true, Perm: 0o644}.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true, Perm: 0o644}
}

// Write durably replaces path with r's contents.
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if opts.Perm == 0 {
		return errors.New("iofile: opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" {
		return fmt.Errorf("iofile: path is invalid: %q", path)
	}
	if dir == "" {
		dir = "."
	}
	dir = filepath.Clean(dir)

	tmp, tmpPath, err := createAtomicTempFile(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := tmp.Close()
		removeErr := w.fs.Remove(tmpPath)
		return errors.Join(closeErr, removeErr)
	}

	if err := tmp.Chmod(opts.Perm); err != nil {
		return errors.Join(fmt.Errorf("iofile: chmod temp file %q: %w", tmpPath, err), cleanup())
	}

	if _, err := io.Copy(tmp, r); err != nil {
		return errors.Join(fmt.Errorf("iofile: write temp file %q: %w", tmpPath, err), cleanup())
	}
	if err := tmp.Sync(); err != nil {
		return errors.Join(fmt.Errorf("iofile: sync temp file %q: %w", tmpPath, err), cleanup())
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("iofile: rename: %w", err), cleanup())
	}

	cleanupErr := cleanup()

	if opts.SyncDir {
		if err := fsyncDir(w.fs, dir); err != nil {
			return errors.Join(err, cleanupErr)
		}
	}

	return nil
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func createAtomicTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}
		if os.IsExist(err) {
			continue
		}
		return nil, "", fmt.Errorf("iofile: create temp file: %w", err)
	}
	return nil, "", fmt.Errorf("iofile: exhausted temp file attempts in %q", dir)
}

func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("iofile: open dir %q: %w", dirPath, err))
	}

	if err := dirFd.Sync(); err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("iofile: sync dir %q: %w", dirPath, err), dirFd.Close())
	}

	if err := dirFd.Close(); err != nil {
		return fmt.Errorf("iofile: close dir %q: %w", dirPath, err)
	}
	return nil
}
