package emu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-dla"
)

// bufferBase is where buffer bus addresses start. Arena placement is the
// host's choice; keep buffers well below the test arenas.
const bufferBase = 0x2000_0000

// Space is the engine-visible bus address space: the descriptor arena plus
// every registered buffer. It doubles as the dla.BufferService, handing out
// pins over its own backing memory so action targets resolve to real bytes.
type Space struct {
	mu         sync.Mutex
	arenaBase  uint64
	arenaMem   []byte
	nextHandle dla.BufferHandle
	nextAddr   uint64
	buffers    map[dla.BufferHandle]*hostBuffer
}

type hostBuffer struct {
	addr uint64
	data []byte
	pins int
}

// NewSpace returns an empty address space. Map the engine arena with
// MapArena before submitting tasks.
func NewSpace() *Space {
	return &Space{
		nextHandle: 1,
		nextAddr:   bufferBase,
		buffers:    make(map[dla.BufferHandle]*hostBuffer),
	}
}

// MapArena registers the descriptor arena, normally straight from
// dla.Engine.Arena after Open.
func (s *Space) MapArena(base dla.DMAAddress, mem []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arenaBase = uint64(base)
	s.arenaMem = mem
}

// NewBuffer allocates a zeroed buffer and returns its handle. The bus address
// is page-aligned so offsets behave like real mappings.
func (s *Space) NewBuffer(size int) dla.BufferHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.nextHandle
	s.nextHandle++

	s.buffers[h] = &hostBuffer{addr: s.nextAddr, data: make([]byte, size)}
	s.nextAddr += (uint64(size) + 0xfff) &^ 0xfff
	if size == 0 {
		s.nextAddr += 0x1000
	}
	return h
}

// Bytes returns the host view of a buffer for seeding inputs and checking
// engine writes. Nil for unknown handles.
func (s *Space) Bytes(h dla.BufferHandle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[h]; ok {
		return b.data
	}
	return nil
}

// PinBuffers implements dla.BufferService. The engine pins one handle per
// call; for larger sets the mapping of the first handle is reported.
func (s *Space) PinBuffers(handles []dla.BufferHandle) (dla.DMAAddress, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(handles) == 0 {
		return 0, 0, fmt.Errorf("emu: empty pin set")
	}
	for _, h := range handles {
		if _, ok := s.buffers[h]; !ok {
			return 0, 0, fmt.Errorf("emu: unknown buffer handle %d", h)
		}
	}
	for _, h := range handles {
		s.buffers[h].pins++
	}

	first := s.buffers[handles[0]]
	return dla.DMAAddress(first.addr), uint64(len(first.data)), nil
}

// UnpinBuffers implements dla.BufferService.
func (s *Space) UnpinBuffers(handles []dla.BufferHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range handles {
		b, ok := s.buffers[h]
		if !ok {
			return fmt.Errorf("emu: unknown buffer handle %d", h)
		}
		if b.pins == 0 {
			return fmt.Errorf("emu: buffer handle %d is not pinned", h)
		}
	}
	for _, h := range handles {
		s.buffers[h].pins--
	}
	return nil
}

// LivePins counts buffers still pinned, for leak checks.
func (s *Space) LivePins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buffers {
		if b.pins > 0 {
			n++
		}
	}
	return n
}

// slice resolves [addr, addr+n) to backing bytes in the arena or a buffer.
func (s *Space) slice(addr uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sliceLocked(addr, n)
}

func (s *Space) sliceLocked(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("emu: negative slice length %d", n)
	}
	end := addr + uint64(n)
	if end < addr {
		return nil, fmt.Errorf("emu: address range %#x+%d wraps", addr, n)
	}

	if s.arenaMem != nil && addr >= s.arenaBase && end <= s.arenaBase+uint64(len(s.arenaMem)) {
		off := addr - s.arenaBase
		return s.arenaMem[off : off+uint64(n)], nil
	}

	for _, b := range s.buffers {
		if addr >= b.addr && end <= b.addr+uint64(len(b.data)) {
			off := addr - b.addr
			return b.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("emu: address %#x+%d is unmapped", addr, n)
}

func (s *Space) load16(addr uint64) (uint16, error) {
	b, err := s.slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (s *Space) load32(addr uint64) (uint32, error) {
	b, err := s.slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (s *Space) store32(addr uint64, v uint32) error {
	b, err := s.slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (s *Space) store64(addr uint64, v uint64) error {
	b, err := s.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

var _ dla.BufferService = (*Space)(nil)
