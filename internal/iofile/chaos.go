package iofile

import (
	"errors"
	"math/rand/v2"
	"sync"
	"syscall"

	"github.com/calvinalkan/qdbingest/internal/facade"
)

// ChaosConfig controls fault injection probabilities for Chaos, trimmed
// from pkg/fs/chaos.go's ChaosConfig down to the fd-level operations
// facade.FileIO exposes. Each rate is 0.0 (never) to 1.0 (always); the zero
// value disables all injection.
type ChaosConfig struct {
	ReadFailRate    float64
	WriteFailRate   float64
	OpenFailRate    float64
	MmapFailRate    float64
	AllocateFailRate float64
}

// ChaosMode mirrors pkg/fs/chaos.go's active/no-op switch so a single Chaos
// instance can be toggled off mid-test without rebuilding the wrapper.
type ChaosMode uint8

const (
	ChaosModeActive ChaosMode = iota
	ChaosModeNoOp
)

// Chaos wraps a facade.FileIO and injects random failures for
// fault-injection tests (spec §8 "fault injection using Chaos").
type Chaos struct {
	inner facade.FileIO
	cfg   ChaosConfig
	rng   *rand.Rand

	mu   sync.Mutex
	mode ChaosMode
}

// NewChaos wraps inner with fault injection governed by cfg. Panics if
// inner is nil.
func NewChaos(inner facade.FileIO, cfg ChaosConfig, seed uint64) *Chaos {
	if inner == nil {
		panic("inner is nil")
	}
	return &Chaos{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetMode enables or disables fault injection for subsequent calls.
func (c *Chaos) SetMode(m ChaosMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Chaos) roll(rate float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ChaosModeNoOp || rate <= 0 {
		return false
	}
	return c.rng.Float64() < rate
}

func (c *Chaos) OpenRW(path string) (int, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return 0, syscall.EIO
	}
	return c.inner.OpenRW(path)
}

func (c *Chaos) Mmap(fd int, size int, off int64, writable bool) ([]byte, error) {
	if c.roll(c.cfg.MmapFailRate) {
		return nil, syscall.ENOMEM
	}
	return c.inner.Mmap(fd, size, off, writable)
}

func (c *Chaos) Munmap(data []byte) error {
	return c.inner.Munmap(data)
}

func (c *Chaos) Read(fd int, buf []byte, off int64) (int, error) {
	if c.roll(c.cfg.ReadFailRate) {
		return 0, syscall.EIO
	}
	return c.inner.Read(fd, buf, off)
}

func (c *Chaos) Write(fd int, buf []byte, off int64) (int, error) {
	if c.roll(c.cfg.WriteFailRate) {
		return 0, syscall.ENOSPC
	}
	return c.inner.Write(fd, buf, off)
}

func (c *Chaos) Allocate(fd int, size int64) error {
	if c.roll(c.cfg.AllocateFailRate) {
		return syscall.ENOSPC
	}
	return c.inner.Allocate(fd, size)
}

func (c *Chaos) Close(fd int) error {
	return c.inner.Close(fd)
}

func (c *Chaos) IsRestrictedFileSystem() bool {
	return c.inner.IsRestrictedFileSystem()
}

func (c *Chaos) Exists(path string) bool {
	return c.inner.Exists(path)
}

func (c *Chaos) Errno(err error) (int, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno), true
	}
	return c.inner.Errno(err)
}

var _ facade.FileIO = (*Chaos)(nil)
