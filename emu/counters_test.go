package emu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterTableAllocRelease(t *testing.T) {
	table := NewCounterTable(2)

	a, err := table.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a, "counter 0 is reserved")

	b, err := table.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b)

	_, err = table.Alloc()
	require.Error(t, err)

	table.Release(a)
	c, err := table.Alloc()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestCounterTableReserveAndExpiry(t *testing.T) {
	table := NewCounterTable(2)
	id, err := table.Alloc()
	require.NoError(t, err)

	assert.Equal(t, uint32(3), table.Reserve(id, 3))
	assert.Equal(t, uint32(5), table.Reserve(id, 2))
	assert.Equal(t, uint32(5), table.ReadMax(id))
	assert.Equal(t, uint32(0), table.ReadCurrent(id))

	assert.False(t, table.IsExpired(id, 1))
	table.Increment(id)
	assert.True(t, table.IsExpired(id, 1))
	assert.False(t, table.IsExpired(id, 2))
}

func TestCounterTableForceAdvance(t *testing.T) {
	table := NewCounterTable(2)
	id, err := table.Alloc()
	require.NoError(t, err)

	table.ForceAdvance(id, 5)
	assert.Equal(t, uint32(5), table.ReadCurrent(id))

	// Never backward.
	table.ForceAdvance(id, 3)
	assert.Equal(t, uint32(5), table.ReadCurrent(id))
}

func TestCounterTableNotifier(t *testing.T) {
	table := NewCounterTable(2)
	id, err := table.Alloc()
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	require.NoError(t, table.RegisterNotifier(id, 2, func() { fired <- struct{}{} }))

	table.Increment(id)
	select {
	case <-fired:
		t.Fatal("notifier fired below its target")
	case <-time.After(5 * time.Millisecond):
	}

	table.Increment(id)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("notifier did not fire at its target")
	}

	// Already-expired registration fires immediately.
	require.NoError(t, table.RegisterNotifier(id, 1, func() { fired <- struct{}{} }))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expired registration did not fire")
	}

	// Unallocated counters are rejected.
	require.Error(t, table.RegisterNotifier(99, 1, func() {}))
}

func TestCounterTableWindow(t *testing.T) {
	table := NewCounterTable(4)
	id, err := table.Alloc()
	require.NoError(t, err)

	addr := uint64(table.Address(id))

	assert.True(t, table.handleWrite(addr))
	assert.True(t, table.handleWrite(addr))
	assert.Equal(t, uint32(2), table.ReadCurrent(id))

	cur, ok := table.handleRead(addr)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), cur)

	// Outside or misaligned addresses fall through to plain memory.
	assert.False(t, table.handleWrite(addr+2))
	assert.False(t, table.handleWrite(0x1000))
	_, ok = table.handleRead(0x1000)
	assert.False(t, ok)
}

func TestSerialComparison(t *testing.T) {
	assert.True(t, serialGE(5, 3))
	assert.True(t, serialGE(3, 3))
	assert.False(t, serialGE(3, 5))

	// Across the 32-bit wrap: a current value just past zero has reached
	// targets issued near the top of the range.
	assert.True(t, serialGE(1, 0xffff_fffe))
	assert.False(t, serialGE(0xffff_fffe, 1))
}
