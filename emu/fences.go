package emu

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-dla"
)

// FenceTable hands out fence-set handles over counter wait-points, the way a
// sync-fd table would. It implements dla.FenceSet.
type FenceTable struct {
	mu   sync.Mutex
	next uint32
	sets map[uint32][]dla.SyncPoint
}

// NewFenceTable returns an empty table. Handle 0 is never issued.
func NewFenceTable() *FenceTable {
	return &FenceTable{next: 1, sets: make(map[uint32][]dla.SyncPoint)}
}

// Create registers a fence set and returns its handle. The usual source of
// points is Task.SignalFences of an earlier task.
func (t *FenceTable) Create(points ...dla.SyncPoint) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.next
	t.next++
	t.sets[h] = append([]dla.SyncPoint(nil), points...)
	return h
}

// ForEachPoint implements dla.FenceSet.
func (t *FenceTable) ForEachPoint(handle uint32, fn func(dla.SyncPoint) error) error {
	t.mu.Lock()
	points, ok := t.sets[handle]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("emu: unknown fence set %d", handle)
	}
	for _, pt := range points {
		if err := fn(pt); err != nil {
			return err
		}
	}
	return nil
}

var _ dla.FenceSet = (*FenceTable)(nil)
