package dla

import "fmt"

// FenceType selects how a fence is resolved to a device action.
type FenceType uint8

const (
	// FenceSyncpoint targets a sync counter by id.
	FenceSyncpoint FenceType = iota

	// FenceSyncFD is an opaque external fence-set handle resolving to one
	// or more counter wait-points.
	FenceSyncFD

	// FenceSemaphore targets a 32-bit word inside a pinned buffer.
	FenceSemaphore

	// FenceSemaphoreTS is a semaphore whose signal also records the engine
	// timestamp next to the value.
	FenceSemaphoreTS
)

func (t FenceType) String() string {
	switch t {
	case FenceSyncpoint:
		return "syncpoint"
	case FenceSyncFD:
		return "syncfd"
	case FenceSemaphore:
		return "semaphore"
	case FenceSemaphoreTS:
		return "semaphore_ts"
	default:
		return fmt.Sprintf("fence_type(%d)", uint8(t))
	}
}

// FenceAction tags what a prefence contributes to the encoded stream. The
// tag alone decides wait versus signal, not the fence's position.
type FenceAction uint8

const (
	// FenceWait blocks the task until the fence condition holds.
	FenceWait FenceAction = iota

	// FenceSignal writes the fence target when reached.
	FenceSignal

	// FenceSignalStride increments the fence target instead of writing it.
	// Needs the SignalStride capability.
	FenceSignalStride
)

func (a FenceAction) String() string {
	switch a {
	case FenceWait:
		return "wait"
	case FenceSignal:
		return "signal"
	case FenceSignalStride:
		return "signal_stride"
	default:
		return fmt.Sprintf("fence_action(%d)", uint8(a))
	}
}

// Fence describes one wait or signal condition. Which fields matter depends
// on Type:
//
//	FenceSyncpoint   CounterID, Threshold (waits only; signals target the
//	                 queue's own counter and get their value assigned)
//	FenceSyncFD      Handle
//	FenceSemaphore   SemHandle, SemOffset, SemValue
//	FenceSemaphoreTS SemHandle, SemOffset, SemValue
type Fence struct {
	Type   FenceType
	Action FenceAction

	CounterID uint32
	Threshold uint32

	Handle uint32

	SemHandle BufferHandle
	SemOffset uint32
	SemValue  uint32
}

// countsTowardCompletion reports whether this fence, used as a signal,
// advances the queue's sync counter. Semaphore signals land in user memory
// and never move the counter.
func (f *Fence) countsTowardCompletion() bool {
	return f.Type == FenceSyncpoint || f.Type == FenceSyncFD
}

// SignalFence is one counter-backed signal with its assigned target value,
// readable before submission completes.
type SignalFence struct {
	CounterID uint32
	Value     uint32
}

// MemoryEntry references one buffer of the task's address list. Internal
// entries resolve inside the task's own descriptor slot (Offset is relative
// to the slot's bus address) and are never pinned.
type MemoryEntry struct {
	Handle   BufferHandle
	Offset   uint32
	Internal bool
}

// StatusEntry is one 16-bit status word: checked against Status before the
// task runs (input entries) or written with Status at start/end of task.
type StatusEntry struct {
	Handle BufferHandle
	Offset uint32
	Status uint16
}

// TimestampEntry is one 64-bit slot the engine fills with its timestamp.
type TimestampEntry struct {
	Handle BufferHandle
	Offset uint32
}
