package dla

import "github.com/ehrlich-b/go-dla/internal/constants"

// Re-export constants for public API
const (
	DefaultTaskPoolCapacity   = constants.DefaultTaskPoolCapacity
	DefaultMaxQueues          = constants.DefaultMaxQueues
	DefaultTaskTimeout        = constants.DefaultTaskTimeout
	MaxPrefencesPerTask       = constants.MaxPrefencesPerTask
	MaxPostfencesPerTask      = constants.MaxPostfencesPerTask
	MaxInStatusPerTask        = constants.MaxInStatusPerTask
	MaxStartStatusPerTask     = constants.MaxStartStatusPerTask
	MaxEndStatusPerTask       = constants.MaxEndStatusPerTask
	MaxStartTimestampsPerTask = constants.MaxStartTimestampsPerTask
	MaxEndTimestampsPerTask   = constants.MaxEndTimestampsPerTask
	MaxBuffersPerTask         = constants.MaxBuffersPerTask
	DescriptorAlignment       = constants.DescriptorAlignment
)

// Transport method identifiers. The low byte selects the command; the upper
// bits carry submission flags. Submit's methodData payload is the 256-aligned
// descriptor address shifted right by 8 (see AlignedDMA).
const (
	CmdSubmitTask   uint32 = 0x01
	CmdQueueSuspend uint32 = 0x02
	CmdQueueResume  uint32 = 0x03

	MethodCmdMask uint32 = 0xff

	// Submission flags: raise an interrupt when the task completes or
	// faults, so the notifier fires without polling.
	MethodIntOnComplete uint32 = 1 << 8
	MethodIntOnError    uint32 = 1 << 9
)

// MethodCmd extracts the command from a transport method identifier.
func MethodCmd(methodID uint32) uint32 {
	return methodID & MethodCmdMask
}
