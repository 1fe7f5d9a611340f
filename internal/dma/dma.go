// Package dma models the bus-addressable memory a virtio driver shares with
// its device: virtqueue rings, the virtio-net header, and packet buffers all
// live here. The device side only ever sees bus addresses; the driver side
// only ever sees small Region handles. Neither side touches raw pointers.
package dma

import (
	"fmt"
	"io"
	"sync"
)

// Memory is the device-side view of the arena. A device model walks rings and
// packet buffers through plain positional reads and writes of bus addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Region is one allocation inside an arena, identified by its bus address.
type Region struct {
	Addr uint64
	Size uint32
}

// End returns the first bus address past the region.
func (r Region) End() uint64 {
	return r.Addr + uint64(r.Size)
}

// Arena is a bump allocator over a single contiguous buffer. Allocations are
// 8-byte aligned, zeroed, and never freed: the driver allocates its rings and
// buffer pools once at bring-up and reuses them for the device lifetime.
//
// All access goes through ReadAt/WriteAt under a mutex shared by both ends.
// Entering and leaving the critical section is the memory fence that keeps
// ring entry contents ordered before the ring index that publishes them; a
// device model running on another goroutine can never observe a torn index
// or an index ahead of its entry.
type Arena struct {
	mu   sync.Mutex
	base uint64
	buf  []byte
	next uint32
}

// NewArena creates an arena of size bytes whose first byte has the given bus
// address. A zero base is rejected so that address 0 stays invalid, the same
// convention real DMA allocators follow.
func NewArena(base uint64, size int) (*Arena, error) {
	if base == 0 {
		return nil, fmt.Errorf("dma: arena base address must be non-zero")
	}
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid arena size %d", size)
	}
	return &Arena{base: base, buf: make([]byte, size)}, nil
}

// Base returns the bus address of the start of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Alloc carves a zeroed, 8-byte aligned region out of the arena.
func (a *Arena) Alloc(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off := (a.next + 7) &^ 7
	if uint64(off)+uint64(size) > uint64(len(a.buf)) {
		return Region{}, fmt.Errorf("dma: arena exhausted (%d bytes requested, %d free)",
			size, len(a.buf)-int(off))
	}
	a.next = off + uint32(size)
	return Region{Addr: a.base + uint64(off), Size: uint32(size)}, nil
}

func (a *Arena) bounds(addr uint64, n int) (int, error) {
	if addr < a.base {
		return 0, fmt.Errorf("dma: address 0x%x below arena base 0x%x", addr, a.base)
	}
	off := addr - a.base
	if off+uint64(n) > uint64(len(a.buf)) {
		return 0, fmt.Errorf("dma: access 0x%x+%d past end of arena", addr, n)
	}
	return int(off), nil
}

// ReadAt reads from the arena at the given bus address.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, err := a.bounds(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.buf[idx:idx+len(p)]), nil
}

// WriteAt writes to the arena at the given bus address.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, err := a.bounds(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.buf[idx:idx+len(p)], p), nil
}
