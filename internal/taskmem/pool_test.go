package taskmem

import (
	"sync"
	"sync/atomic"
	"testing"
)

const testSlotSize = 3328

func newTestPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	p, err := NewPool(capacity, testSlotSize, 0x4000_0000)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolHandsOutDistinctLiveSlots(t *testing.T) {
	const capacity = 8
	p := newTestPool(t, capacity)

	seen := make(map[int]bool)
	addrs := make(map[uint64]bool)
	indices := make([]int, 0, capacity)

	for i := 0; i < capacity; i++ {
		buf, addr, idx, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if len(buf) != testSlotSize {
			t.Fatalf("slot len = %d, want %d", len(buf), testSlotSize)
		}
		if addr%256 != 0 {
			t.Errorf("slot addr %#x not 256-aligned", addr)
		}
		if seen[idx] {
			t.Fatalf("index %d handed out twice while live", idx)
		}
		if addrs[addr] {
			t.Fatalf("address %#x handed out twice while live", addr)
		}
		if want := uint64(0x4000_0000 + idx*testSlotSize); addr != want {
			t.Errorf("slot %d addr = %#x, want %#x", idx, addr, want)
		}
		seen[idx] = true
		addrs[addr] = true
		indices = append(indices, idx)
	}

	if _, _, _, err := p.Alloc(); err != ErrNoSlot {
		t.Fatalf("alloc on full pool err = %v, want ErrNoSlot", err)
	}

	// Reclaimed index becomes allocatable again, still unique.
	p.Free(indices[3])
	_, _, idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if idx != indices[3] {
		t.Errorf("realloc index = %d, want %d", idx, indices[3])
	}
}

func TestPoolZeroesReusedSlots(t *testing.T) {
	p := newTestPool(t, 1)

	buf, _, idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	for i := range buf {
		buf[i] = 0xAA
	}
	p.Free(idx)

	buf, _, _, err = p.Alloc()
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x after realloc, want 0", i, b)
		}
	}
	p.Free(0)
}

func TestPoolDoubleFreePanics(t *testing.T) {
	p := newTestPool(t, 2)

	_, _, idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.Free(idx)

	defer func() {
		if recover() == nil {
			t.Error("double free did not panic")
		}
	}()
	p.Free(idx)
}

func TestPoolCloseWithLiveSlots(t *testing.T) {
	p, err := NewPool(2, testSlotSize, 0x4000_0000)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	_, _, idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.Close(); err == nil {
		t.Fatal("close with live slot succeeded")
	}

	p.Free(idx)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, _, err := p.Alloc(); err != ErrClosed {
		t.Fatalf("alloc after close err = %v, want ErrClosed", err)
	}
}

func TestPoolRejectsBadGeometry(t *testing.T) {
	if _, err := NewPool(0, testSlotSize, 0); err == nil {
		t.Error("zero capacity accepted")
	}
	if _, err := NewPool(4, 100, 0); err == nil {
		t.Error("unaligned slot size accepted")
	}
	if _, err := NewPool(4, testSlotSize, 0x10); err == nil {
		t.Error("unaligned base accepted")
	}
}

// Concurrent churn must never surface the same index to two holders.
func TestPoolConcurrentChurn(t *testing.T) {
	const capacity = 16
	p := newTestPool(t, capacity)

	var owners [capacity]atomic.Int32
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, _, idx, err := p.Alloc()
				if err == ErrNoSlot {
					continue
				}
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				if !owners[idx].CompareAndSwap(0, 1) {
					t.Errorf("slot %d live twice", idx)
					return
				}
				owners[idx].Store(0)
				p.Free(idx)
			}
		}()
	}
	wg.Wait()

	if got := p.Available(); got != capacity {
		t.Errorf("available after churn = %d, want %d", got, capacity)
	}
}

func BenchmarkPoolAllocFree(b *testing.B) {
	p, err := NewPool(32, testSlotSize, 0x4000_0000)
	if err != nil {
		b.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, idx, err := p.Alloc()
		if err != nil {
			b.Fatal(err)
		}
		p.Free(idx)
	}
}
