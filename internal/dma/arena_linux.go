//go:build linux

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewArenaMmap builds an arena on top of a page-aligned anonymous mapping
// instead of the Go heap. Useful when the device end of the rings is an
// external process or a hypervisor that maps the same pages.
func NewArenaMmap(base uint64, size int) (*Arena, error) {
	if base == 0 {
		return nil, fmt.Errorf("dma: arena base address must be non-zero")
	}
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid arena size %d", size)
	}
	pageSize := unix.Getpagesize()
	mapped := (size + pageSize - 1) &^ (pageSize - 1)
	buf, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap arena: %w", err)
	}
	return &Arena{base: base, buf: buf[:size]}, nil
}
