package dla

// DMAAddress is a bus address as the engine sees it.
type DMAAddress uint64

// AlignedDMA compresses a 256-aligned descriptor address into the 32-bit
// payload of a submit method.
func AlignedDMA(addr DMAAddress) uint32 {
	return uint32(addr >> 8)
}

// BufferHandle names a buffer registered with the buffer service. Zero is
// never a valid handle.
type BufferHandle uint32

// SyncPoint is one wait-point yielded while resolving an external fence set.
type SyncPoint struct {
	CounterID uint32
	Threshold uint32
}

// Capabilities is what the transport reports the engine can do. Probed once
// in Open and held on the engine; fence validation consults it.
type Capabilities struct {
	// SignalStride: the engine understands increment-by-value semaphore
	// records, not just plain writes.
	SignalStride bool

	// SemaphoreTimestamp: the engine can pair a semaphore write with a
	// timestamp write.
	SemaphoreTimestamp bool
}

// BufferService pins buffer handles for device access and releases them.
// The pin table is shared across tasks and queues, so implementations must
// be safe for concurrent use.
type BufferService interface {
	// PinBuffers reserves a bus mapping covering the given handles and
	// returns its base address and size.
	PinBuffers(handles []BufferHandle) (DMAAddress, uint64, error)

	// UnpinBuffers releases a prior pin. Called once per successful
	// PinBuffers with the same handles.
	UnpinBuffers(handles []BufferHandle) error
}

// CounterService is the monotonic sync-counter table. A counter has a
// current value (what the engine has reached) and a reserved maximum (what
// has been promised to in-flight work).
type CounterService interface {
	// Alloc claims an unused counter.
	Alloc() (uint32, error)

	// Release returns a counter claimed by Alloc.
	Release(id uint32)

	// ReadCurrent returns the counter's current value.
	ReadCurrent(id uint32) uint32

	// ReadMax returns the counter's reserved maximum.
	ReadMax(id uint32) uint32

	// Reserve bumps the reserved maximum by n and returns the new maximum.
	Reserve(id uint32, n uint32) uint32

	// IsExpired reports whether the counter has reached target, using
	// serial-number arithmetic so wraparound compares correctly.
	IsExpired(id uint32, target uint32) bool

	// ForceAdvance raises the counter's current value to at least value.
	ForceAdvance(id uint32, value uint32)

	// Address returns the counter's device-visible word, the target of
	// encoded wait and signal actions.
	Address(id uint32) DMAAddress
}

// Notifier invokes fn once the counter reaches target. Implementations must
// not run fn synchronously inside counter mutation; the engine registers
// callbacks that take queue locks.
type Notifier interface {
	RegisterNotifier(counterID, target uint32, fn func()) error
}

// Transport is the command-submission fabric.
type Transport interface {
	// Submit hands one method to the engine. For CmdSubmitTask the payload
	// is the AlignedDMA of the descriptor address.
	Submit(methodID, methodData uint32) error

	// Flush cancels all in-flight work for one queue. A busy processor is
	// reported with an error matching CodeBusy and is retried by Abort.
	Flush(queueID uint16) error
}

// CapabilityReporter is optionally implemented by a Transport.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// FenceSet resolves opaque external fence-set handles, invoking fn once per
// contained wait-point.
type FenceSet interface {
	ForEachPoint(handle uint32, fn func(SyncPoint) error) error
}

// PowerManager hands out device-busy tokens. Submit takes one per task;
// Update returns them batched after its completion scan.
type PowerManager interface {
	Busy() error
	Idle(n int)
}

// Services bundles the collaborators an engine drives. Buffers, Counters,
// Notifier and Transport are required. FenceSet is needed only when tasks
// carry FenceSyncFD fences; Power defaults to an internal token counter.
type Services struct {
	Buffers   BufferService
	Counters  CounterService
	Notifier  Notifier
	Transport Transport
	FenceSet  FenceSet
	Power     PowerManager
}
