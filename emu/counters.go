package emu

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-dla"
)

// counterWindowBase is the device address of counter 0's word. The window is
// one 32-bit word per counter; engine writes landing in it increment the
// counter instead of storing the value.
const counterWindowBase = 0xf000_0000

// serialGE compares counter values in a half-range window so wrapped
// counters still order correctly.
func serialGE(current, target uint32) bool {
	return current-target < 0x8000_0000
}

// CounterTable is the sync-counter file: allocation, reservation, the device
// write window, and threshold notifications. It implements both
// dla.CounterService and dla.Notifier.
//
// Counter 0 is never handed out; fence resolvers treat id 0 as "no counter".
type CounterTable struct {
	mu       sync.Mutex
	base     uint64
	counters []counter
	waiters  map[uint32][]waiter
}

type counter struct {
	used    bool
	current uint32
	max     uint32
}

type waiter struct {
	target uint32
	fn     func()
}

// NewCounterTable returns a table of n allocatable counters.
func NewCounterTable(n int) *CounterTable {
	return &CounterTable{
		base:     counterWindowBase,
		counters: make([]counter, n+1),
		waiters:  make(map[uint32][]waiter),
	}
}

// Alloc implements dla.CounterService.
func (t *CounterTable) Alloc() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := 1; id < len(t.counters); id++ {
		if !t.counters[id].used {
			t.counters[id] = counter{used: true}
			return uint32(id), nil
		}
	}
	return 0, fmt.Errorf("emu: all %d sync counters allocated", len(t.counters)-1)
}

// Release implements dla.CounterService. Pending waiters are dropped; a
// released counter has nothing left to complete.
func (t *CounterTable) Release(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) < len(t.counters) {
		t.counters[id] = counter{}
		delete(t.waiters, id)
	}
}

func (t *CounterTable) ReadCurrent(id uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[id].current
}

func (t *CounterTable) ReadMax(id uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[id].max
}

// Reserve implements dla.CounterService.
func (t *CounterTable) Reserve(id uint32, n uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[id].max += n
	return t.counters[id].max
}

// IsExpired implements dla.CounterService.
func (t *CounterTable) IsExpired(id uint32, target uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return serialGE(t.counters[id].current, target)
}

// ForceAdvance implements dla.CounterService. It never moves a counter
// backward.
func (t *CounterTable) ForceAdvance(id uint32, value uint32) {
	t.mu.Lock()
	if !serialGE(t.counters[id].current, value) {
		t.counters[id].current = value
	}
	fired := t.expiredWaitersLocked(id)
	t.mu.Unlock()

	dispatch(fired)
}

// Address implements dla.CounterService.
func (t *CounterTable) Address(id uint32) dla.DMAAddress {
	return dla.DMAAddress(t.base + uint64(id)*4)
}

// RegisterNotifier implements dla.Notifier. Callbacks run on their own
// goroutine, never inside counter mutation.
func (t *CounterTable) RegisterNotifier(counterID, target uint32, fn func()) error {
	t.mu.Lock()
	if int(counterID) >= len(t.counters) || !t.counters[counterID].used {
		t.mu.Unlock()
		return fmt.Errorf("emu: counter %d is not allocated", counterID)
	}
	if serialGE(t.counters[counterID].current, target) {
		t.mu.Unlock()
		go fn()
		return nil
	}
	t.waiters[counterID] = append(t.waiters[counterID], waiter{target: target, fn: fn})
	t.mu.Unlock()
	return nil
}

// Increment advances one counter by one and fires expired waiters.
func (t *CounterTable) Increment(id uint32) {
	t.mu.Lock()
	t.counters[id].current++
	fired := t.expiredWaitersLocked(id)
	t.mu.Unlock()

	dispatch(fired)
}

func (t *CounterTable) expiredWaitersLocked(id uint32) []waiter {
	pending := t.waiters[id]
	if len(pending) == 0 {
		return nil
	}

	var fired []waiter
	kept := pending[:0]
	for _, w := range pending {
		if serialGE(t.counters[id].current, w.target) {
			fired = append(fired, w)
		} else {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(pending); i++ {
		pending[i] = waiter{}
	}
	t.waiters[id] = kept
	return fired
}

func dispatch(fired []waiter) {
	if len(fired) == 0 {
		return
	}
	go func() {
		for _, w := range fired {
			w.fn()
		}
	}()
}

// handleWrite reports whether addr falls in the counter window and, if so,
// converts the write into an increment. The written value is discarded; the
// window is increment-only.
func (t *CounterTable) handleWrite(addr uint64) bool {
	id, ok := t.windowIndex(addr)
	if !ok {
		return false
	}
	t.Increment(id)
	return true
}

// handleRead returns the counter's current value for reads from the window.
func (t *CounterTable) handleRead(addr uint64) (uint32, bool) {
	id, ok := t.windowIndex(addr)
	if !ok {
		return 0, false
	}
	return t.ReadCurrent(id), true
}

func (t *CounterTable) windowIndex(addr uint64) (uint32, bool) {
	if addr < t.base || addr%4 != 0 {
		return 0, false
	}
	id := (addr - t.base) / 4
	if id >= uint64(len(t.counters)) {
		return 0, false
	}
	return uint32(id), true
}

var (
	_ dla.CounterService = (*CounterTable)(nil)
	_ dla.Notifier       = (*CounterTable)(nil)
)
