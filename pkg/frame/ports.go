package frame

import (
	"context"
	"fmt"
	"sync"
)

// DefaultPortRangeStart and DefaultPortRangeEnd bound the default base-port
// allocation range.
const (
	DefaultPortRangeStart = 33000
	DefaultPortRangeEnd   = 34000
)

// PortAllocator is a deterministic lowest-free-integer allocator over a
// fixed inclusive range. It is seeded at construction from the frame
// store's currently allocated ports so that a restarted supervisor never
// double-allocates a port still held by a live frame.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]bool
}

// NewPortAllocator creates an allocator over [start, end] inclusive,
// pre-marking the given ports as used.
func NewPortAllocator(start, end int, seedUsed []int) (*PortAllocator, error) {
	if start > end {
		return nil, fmt.Errorf("port range start %d is after end %d", start, end)
	}
	p := &PortAllocator{
		start: start,
		end:   end,
		used:  make(map[int]bool, len(seedUsed)),
	}
	for _, port := range seedUsed {
		if p.isInRange(port) {
			p.used[port] = true
		}
	}
	return p, nil
}

// NewPortAllocatorFromStore builds an allocator seeded from a Store's
// currently allocated base ports.
func NewPortAllocatorFromStore(ctx context.Context, start, end int, store Store) (*PortAllocator, error) {
	seed, err := store.ListAllocatedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed port allocator: %w", err)
	}
	return NewPortAllocator(start, end, seed)
}

func (p *PortAllocator) isInRange(port int) bool {
	return port >= p.start && port <= p.end
}

// IsAvailable reports whether port is both in range and unused. A port
// outside the configured range is never available.
func (p *PortAllocator) IsAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInRange(port) {
		return false
	}
	return !p.used[port]
}

// AvailableCount returns the number of unallocated ports remaining in the
// range.
func (p *PortAllocator) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return (p.end - p.start + 1) - len(p.used)
}

// ErrPortRangeExhausted is returned by Allocate when every port in the
// configured range is in use.
var ErrPortRangeExhausted = fmt.Errorf("port allocator: range exhausted")

// Allocate returns the smallest available port in the range and marks it
// used. Returns ErrPortRangeExhausted if none remain.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port <= p.end; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrPortRangeExhausted
}

// Release marks port as free again. Releasing a port that is not in range
// or not currently used is a no-op.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}
