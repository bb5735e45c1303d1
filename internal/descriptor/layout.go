package descriptor

import "github.com/ehrlich-b/go-dla/internal/constants"

// Limits bounds how many entries of each category one task may carry. The
// pre/post action regions are sized for the worst case, so two descriptors
// built with the same Limits always share one layout.
type Limits struct {
	Prefences       int
	Postfences      int
	InStatus        int
	StartStatus     int
	EndStatus       int
	StartTimestamps int
	EndTimestamps   int
	Buffers         int
}

// DefaultLimits returns the compiled-in per-category maxima.
func DefaultLimits() Limits {
	return Limits{
		Prefences:       constants.MaxPrefencesPerTask,
		Postfences:      constants.MaxPostfencesPerTask,
		InStatus:        constants.MaxInStatusPerTask,
		StartStatus:     constants.MaxStartStatusPerTask,
		EndStatus:       constants.MaxEndStatusPerTask,
		StartTimestamps: constants.MaxStartTimestampsPerTask,
		EndTimestamps:   constants.MaxEndTimestampsPerTask,
		Buffers:         constants.MaxBuffersPerTask,
	}
}

// Layout places every region of one descriptor slot. Offsets are relative to
// the slot start; the slot's physical address must be 256-aligned so that
// AddressListOffset and NotificationOffset stay aligned in bus space too.
//
//	[0, HeaderSize)                  fixed header
//	[PreListOffset, +4)              pre-action list header
//	[PostListOffset, +4)             post-action list header
//	[PreActionsOffset, +PreMax)      pre-action byte stream
//	[PostActionsOffset, +PostMax)    post-action byte stream
//	[AddressListOffset, ...)         8-byte address entries, 256-aligned
//	[NotificationOffset, +16)        status notification, 256-aligned
//	Size                             total, rounded up to 256
type Layout struct {
	Limits Limits

	PreListOffset  int
	PostListOffset int

	PreActionsOffset int
	PreMax           int

	PostActionsOffset int
	PostMax           int

	AddressListOffset  int
	NotificationOffset int

	Size int
}

// NewLayout computes the slot layout for the given limits.
func NewLayout(lim Limits) Layout {
	l := Layout{Limits: lim}

	l.PreListOffset = HeaderSize
	l.PostListOffset = l.PreListOffset + ActionListHeaderSize

	l.PreActionsOffset = l.PostListOffset + ActionListHeaderSize
	l.PreMax = preActionsMax(lim)

	l.PostActionsOffset = l.PreActionsOffset + l.PreMax
	l.PostMax = postActionsMax(lim)

	l.AddressListOffset = roundUp(l.PostActionsOffset+l.PostMax, constants.DescriptorAlignment)
	l.NotificationOffset = roundUp(l.AddressListOffset+lim.Buffers*AddressEntrySize, constants.DescriptorAlignment)

	l.Size = roundUp(l.NotificationOffset+NotificationSize, constants.DescriptorAlignment)

	return l
}

// DefaultLayout is NewLayout(DefaultLimits()).
func DefaultLayout() Layout {
	return NewLayout(DefaultLimits())
}

// preActionsMax is the worst-case pre-action stream: every prefence as a
// semaphore record (wait or signal encode identically), every input status
// as a status record, every start-of-task status and timestamp write, plus
// the terminate opcode.
func preActionsMax(lim Limits) int {
	n := lim.Prefences * (OpcodeSize + SemaphorePayloadSize)
	n += lim.InStatus * (OpcodeSize + StatusPayloadSize)
	n += lim.StartStatus * (OpcodeSize + StatusPayloadSize)
	n += lim.StartTimestamps * (OpcodeSize + TimestampPayloadSize)
	n += OpcodeSize
	return n
}

// postActionsMax reserves one extra status record for the completion
// notifier write and one extra semaphore record for the implicit completion
// signal appended when a task carries no counter signal of its own.
func postActionsMax(lim Limits) int {
	n := lim.Postfences * (OpcodeSize + SemaphorePayloadSize)
	n += lim.EndStatus * (OpcodeSize + StatusPayloadSize)
	n += lim.EndTimestamps * (OpcodeSize + TimestampPayloadSize)
	n += OpcodeSize + StatusPayloadSize
	n += OpcodeSize + SemaphorePayloadSize
	n += OpcodeSize
	return n
}

func roundUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
