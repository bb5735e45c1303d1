// Package taskmem owns the DMA-capable descriptor arena: a fixed number of
// equally sized, 256-aligned slots handed out by index and reclaimed exactly
// once. The arena is one anonymous mapping so slot addresses are stable for
// the pool's whole lifetime.
package taskmem

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoSlot means every slot is live. Retryable; admission control is
	// the caller's bounded-retry loop.
	ErrNoSlot = errors.New("taskmem: no descriptor slot free")

	// ErrClosed means the arena has been unmapped.
	ErrClosed = errors.New("taskmem: pool closed")
)

// Pool is safe for concurrent Alloc/Free across all queues of one engine.
type Pool struct {
	mu       sync.Mutex
	arena    []byte
	base     uint64
	slotSize int
	free     []int // LIFO
	live     []bool
	closed   bool
}

// NewPool maps an arena of capacity slots of slotSize bytes each. base is
// the bus address of slot 0; base and slotSize must be 256-aligned so every
// slot address passes the transport's alignment check.
func NewPool(capacity, slotSize int, base uint64) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("taskmem: capacity %d", capacity)
	}
	if slotSize <= 0 || slotSize%256 != 0 {
		return nil, fmt.Errorf("taskmem: slot size %d not 256-aligned", slotSize)
	}
	if base%256 != 0 {
		return nil, fmt.Errorf("taskmem: base address %#x not 256-aligned", base)
	}

	pageSize := os.Getpagesize()
	length := capacity * slotSize
	if rem := length % pageSize; rem != 0 {
		length += pageSize - rem
	}

	arena, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("taskmem: mmap %d bytes: %w", length, err)
	}

	p := &Pool{
		arena:    arena,
		base:     base,
		slotSize: slotSize,
		free:     make([]int, capacity),
		live:     make([]bool, capacity),
	}
	// LIFO stack with slot 0 on top.
	for i := range p.free {
		p.free[i] = capacity - 1 - i
	}
	return p, nil
}

// Alloc hands out a zeroed slot. The returned slice is capped to the slot so
// descriptor bugs cannot scribble over a neighbour.
func (p *Pool) Alloc() (buf []byte, addr uint64, index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, 0, 0, ErrClosed
	}
	if len(p.free) == 0 {
		return nil, 0, 0, ErrNoSlot
	}

	index = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.live[index] = true

	lo := index * p.slotSize
	hi := lo + p.slotSize
	buf = p.arena[lo:hi:hi]
	for i := range buf {
		buf[i] = 0
	}

	return buf, p.base + uint64(lo), index, nil
}

// Free reclaims a slot. Exactly one Free per successful Alloc; anything else
// is a caller bug and panics.
func (p *Pool) Free(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.live) {
		panic(fmt.Sprintf("taskmem: free of slot %d outside pool", index))
	}
	if !p.live[index] {
		panic(fmt.Sprintf("taskmem: double free of slot %d", index))
	}
	p.live[index] = false
	p.free = append(p.free, index)
}

// Capacity is the total slot count.
func (p *Pool) Capacity() int {
	return len(p.live)
}

// Available is the current free slot count.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// SlotSize is the per-slot byte count.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// Region exposes the arena's bus address and backing bytes so an emulated
// device can mirror descriptor memory into its address space.
func (p *Pool) Region() (uint64, []byte) {
	return p.base, p.arena
}

// Close unmaps the arena. Fails while slots are live, since their buffers
// alias the mapping.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if n := len(p.live) - len(p.free); n != 0 {
		return fmt.Errorf("taskmem: close with %d slots live", n)
	}
	p.closed = true

	arena := p.arena
	p.arena = nil
	return unix.Munmap(arena)
}
