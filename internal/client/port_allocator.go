package client

import (
	"fmt"
	"sync"
)

// PortAllocator hands out host ports for automation agent endpoints from a
// fixed range. It is constructed once at process start and shared by
// reference; there is no package-level counter.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

// NewPortAllocator creates an allocator over the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves the next free port.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("no free ports in range %d-%d", a.min, a.max)
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}
