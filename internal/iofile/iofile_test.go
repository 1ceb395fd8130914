package iofile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRealMmapReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")

	r := NewReal()
	fd, err := r.OpenRW(path)
	if err != nil {
		t.Fatalf("OpenRW: %v", err)
	}
	defer r.Close(fd)

	if err := r.Allocate(fd, 64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	payload := []byte("out-of-order-copy-task-payload")
	if _, err := r.Write(fd, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := r.Read(fd, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("Read = %q, want %q", buf, payload)
	}

	mapped, err := r.Mmap(fd, 64, 0, true)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if !bytes.Equal(mapped[:len(payload)], payload) {
		t.Fatalf("mapped region mismatch")
	}
	if err := r.Munmap(mapped); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	if !r.Exists(path) {
		t.Fatalf("expected %q to exist", path)
	}
	if r.Exists(filepath.Join(t.TempDir(), "missing")) {
		t.Fatalf("expected missing path to not exist")
	}
}

func TestChaosInjectsWriteFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	real := NewReal()
	fd, err := real.OpenRW(path)
	if err != nil {
		t.Fatalf("OpenRW: %v", err)
	}
	defer real.Close(fd)

	c := NewChaos(real, ChaosConfig{WriteFailRate: 1.0}, 1)
	if _, err := c.Write(fd, []byte("x"), 0); err == nil {
		t.Fatalf("expected injected write failure")
	}

	c.SetMode(ChaosModeNoOp)
	if _, err := c.Write(fd, []byte("x"), 0); err != nil {
		t.Fatalf("expected no failure once disabled: %v", err)
	}
}

func TestAtomicWriterReplacesFileDurably(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")

	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w := NewAtomicWriter(OsFS{})
	if err := w.Write(path, bytes.NewReader([]byte("new")), w.DefaultOptions()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("got %q, want %q", got, "new")
	}
}

func TestLockerExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table")

	l1 := NewLocker(path)
	if err := l1.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer l1.Unlock()

	l2 := NewLocker(path)
	if err := l2.TryLock(); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
