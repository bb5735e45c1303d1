package constants

import "time"

// Default configuration constants
const (
	// DefaultTaskPoolCapacity is the number of descriptor slots shared by
	// all queues of one engine
	DefaultTaskPoolCapacity = 32

	// DefaultMaxQueues is the default number of queue slots per engine
	DefaultMaxQueues = 16

	// DefaultTaskTimeout is the per-task execution timeout written into the
	// descriptor; the engine firmware interprets it
	DefaultTaskTimeout = 5 * time.Second
)

// Per-task action maxima. These bound the pre/post action regions of the
// descriptor, so they are layout constants, not tunables.
const (
	// MaxPrefencesPerTask bounds wait and signal prefences combined
	MaxPrefencesPerTask = 32

	// MaxPostfencesPerTask bounds postfence signals
	MaxPostfencesPerTask = 32

	// MaxInStatusPerTask bounds input status checks read before execution
	MaxInStatusPerTask = 32

	// MaxStartStatusPerTask bounds status words written at task start
	MaxStartStatusPerTask = 32

	// MaxEndStatusPerTask bounds status words written at task end
	MaxEndStatusPerTask = 32

	// MaxStartTimestampsPerTask bounds timestamps written at task start
	MaxStartTimestampsPerTask = 32

	// MaxEndTimestampsPerTask bounds timestamps written at task end
	MaxEndTimestampsPerTask = 32

	// MaxBuffersPerTask bounds the descriptor's address list
	MaxBuffersPerTask = 64
)

// Timing constants for bounded retry loops
const (
	// TaskAllocRetries is how many times task-memory allocation is retried
	// when the pool is exhausted before surfacing ResourceExhausted
	TaskAllocRetries = 10

	// TaskAllocRetryPeriod is the fixed delay between allocation retries
	TaskAllocRetryPeriod = 10 * time.Millisecond

	// AbortRetryCount is how many times the abort flush is retried while
	// the transport reports the engine processor busy
	AbortRetryCount = 20

	// AbortRetryPeriod is the fixed delay between flush retries; together
	// with AbortRetryCount this gives the 10s abort budget
	AbortRetryPeriod = 500 * time.Millisecond
)

// DescriptorAlignment is the alignment the transport requires of descriptor
// physical addresses and of the aligned regions inside a descriptor
const DescriptorAlignment = 256
