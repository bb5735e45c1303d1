package dla

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dla/internal/descriptor"
	"github.com/ehrlich-b/go-dla/internal/taskmem"
)

// TaskState tracks a task through its lifecycle
type TaskState int32

const (
	// TaskStateCreated means a descriptor slot has been acquired but not
	// yet encoded
	TaskStateCreated TaskState = iota

	// TaskStateFilled means actions are encoded and memory is pinned; the
	// task is ready for Submit
	TaskStateFilled

	// TaskStateSubmitted means Submit is linking the task and handing the
	// descriptor off; on failure the task drops back to Filled
	TaskStateSubmitted

	// TaskStatePending means the engine owns the descriptor and the task is
	// awaiting its completion signal
	TaskStatePending

	// TaskStateCompleted means the completion scan has reclaimed the task
	TaskStateCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskStateCreated:
		return "created"
	case TaskStateFilled:
		return "filled"
	case TaskStateSubmitted:
		return "submitted"
	case TaskStatePending:
		return "pending"
	case TaskStateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("task_state(%d)", int32(s))
	}
}

// TaskSpec describes one unit of work before it is bound to a queue. All
// slices are bounded by the per-category maxima in constants.go; a spec
// exceeding any of them is rejected before a descriptor slot is taken.
type TaskSpec struct {
	// Prefences run before the workload. WAIT-tagged entries become wait
	// actions; SIGNAL-tagged entries become signal actions encoded after
	// the waits and all status/timestamp preactions.
	Prefences []Fence

	// Postfences run after the workload and must be SIGNAL-tagged.
	Postfences []Fence

	// Memory lists the buffers the workload touches, in address-list order.
	Memory []MemoryEntry

	// InputStatus entries are checked against their Status value before
	// the workload runs.
	InputStatus []StatusEntry

	// StartStatus and EndStatus entries are written at workload start/end.
	StartStatus []StatusEntry
	EndStatus   []StatusEntry

	// StartTimestamps and EndTimestamps receive the engine clock at
	// workload start/end.
	StartTimestamps []TimestampEntry
	EndTimestamps   []TimestampEntry

	// Timeout bounds workload execution, interpreted by the engine
	// firmware. Zero selects the engine default.
	Timeout time.Duration

	// BypassExec runs the pre/post action streams but skips the workload.
	// Used for fence plumbing tests against real hardware.
	BypassExec bool
}

// Task is one reference-counted in-flight unit: the encoded descriptor slot,
// the pinned handle sets, and the fence bookkeeping. A task is created by
// Queue.NewTask, handed to Queue.Submit, and released by the caller with
// Release; the queue's completion scan holds its own reference after submit.
type Task struct {
	queue *Queue
	spec  TaskSpec

	refs  atomic.Int32
	state atomic.Int32

	// Descriptor slot, held until the last reference drops
	buf  []byte
	addr DMAAddress
	slot int

	sequence     uint32
	fence        uint32 // counter value the engine reaches on completion
	fenceCounter uint32 // signal actions contributing to fence
	signalFences []SignalFence

	// One handle set per successful pin call, drained exactly once
	pins [][]BufferHandle

	// Planned action streams, resolved before the counter reservation so
	// that pin failures never strand reserved increments
	pre   []plannedAction
	post  []plannedAction
	addrs []uint64

	submitTime time.Time
}

// plannedAction is one resolved record waiting to be encoded. Value is used
// by semaphore-class opcodes, Status by status-class opcodes.
type plannedAction struct {
	op     descriptor.ActionOpcode
	addr   uint64
	value  uint32
	status uint16
}

// NewTask validates spec, acquires a descriptor slot with bounded retry,
// pins every referenced buffer, reserves the queue counter, and encodes the
// descriptor. On return the task is in the Filled state and Submit may be
// called. Every failure path unwinds fully: no pins, no slot, and no counter
// reservation are left behind.
func (q *Queue) NewTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	e := q.engine

	if err := e.validateSpec(&spec); err != nil {
		return nil, err
	}
	if spec.Timeout == 0 {
		spec.Timeout = e.params.TaskTimeout
	}

	buf, addr, slot, err := q.allocSlot(ctx)
	if err != nil {
		return nil, err
	}

	t := &Task{
		queue: q,
		spec:  spec,
		buf:   buf,
		addr:  DMAAddress(addr),
		slot:  slot,
	}
	t.refs.Store(1)
	t.state.Store(int32(TaskStateCreated))
	q.get()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.put()
		return nil, NewQueueError("new_task", q.id, CodeEngineClosed, "queue closed")
	}
	t.sequence = q.nextSequenceLocked()
	q.mu.Unlock()

	// Resolve and pin first. The counter reservation happens only once
	// nothing fallible remains, so an unwind never has to force-advance
	// the counter past still-running work.
	if err := t.resolveActions(); err != nil {
		t.unpinAll()
		t.put()
		return nil, err
	}

	t.assignSignalFences()

	if err := t.encode(); err != nil {
		// Encoding cannot overrun: validation bounded every category
		// against the layout budgets. Reaching this is a bug.
		t.queue.log.WithTask(t.sequence).WithError(err).Error("descriptor encode failed after reservation")
		e.services.Counters.ForceAdvance(q.counterID, t.fence)
		t.unpinAll()
		t.put()
		return nil, WrapError("new_task", err)
	}

	t.state.Store(int32(TaskStateFilled))
	q.log.WithTask(t.sequence).Debug("task filled",
		"fence", t.fence,
		"fence_counter", t.fenceCounter,
		"pins", len(t.pins))

	return t, nil
}

// allocSlot takes a descriptor slot from the shared pool, retrying a fixed
// number of times while the pool is exhausted.
func (q *Queue) allocSlot(ctx context.Context) ([]byte, uint64, int, error) {
	e := q.engine

	for attempt := 1; ; attempt++ {
		buf, addr, slot, err := e.pool.Alloc()
		if err == nil {
			return buf, addr, slot, nil
		}
		if !errors.Is(err, taskmem.ErrNoSlot) {
			return nil, 0, 0, WrapError("new_task", err)
		}
		if attempt >= e.params.AllocRetries {
			return nil, 0, 0, NewQueueError("new_task", q.id, CodeResourceExhausted,
				fmt.Sprintf("no descriptor slot after %d attempts", attempt))
		}

		e.metrics.RecordAllocRetry()
		select {
		case <-ctx.Done():
			return nil, 0, 0, WrapError("new_task", ctx.Err())
		case <-time.After(e.params.AllocRetryPeriod):
		}
	}
}

// validateSpec rejects malformed specs before any allocation happens.
func (e *Engine) validateSpec(spec *TaskSpec) error {
	lim := e.layout.Limits

	switch {
	case len(spec.Prefences) > lim.Prefences:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d prefences exceeds maximum %d", len(spec.Prefences), lim.Prefences))
	case len(spec.Postfences) > lim.Postfences:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d postfences exceeds maximum %d", len(spec.Postfences), lim.Postfences))
	case len(spec.Memory) > lim.Buffers:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d memory entries exceeds maximum %d", len(spec.Memory), lim.Buffers))
	case len(spec.InputStatus) > lim.InStatus:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d input status entries exceeds maximum %d", len(spec.InputStatus), lim.InStatus))
	case len(spec.StartStatus) > lim.StartStatus:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d start status entries exceeds maximum %d", len(spec.StartStatus), lim.StartStatus))
	case len(spec.EndStatus) > lim.EndStatus:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d end status entries exceeds maximum %d", len(spec.EndStatus), lim.EndStatus))
	case len(spec.StartTimestamps) > lim.StartTimestamps:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d start timestamps exceeds maximum %d", len(spec.StartTimestamps), lim.StartTimestamps))
	case len(spec.EndTimestamps) > lim.EndTimestamps:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("%d end timestamps exceeds maximum %d", len(spec.EndTimestamps), lim.EndTimestamps))
	case spec.Timeout < 0:
		return NewError("new_task", CodeInvalidArgument, "negative timeout")
	}

	for i := range spec.Prefences {
		if err := e.validateFence(&spec.Prefences[i], false); err != nil {
			return err
		}
	}
	for i := range spec.Postfences {
		f := &spec.Postfences[i]
		if f.Action == FenceWait {
			return NewError("new_task", CodeInvalidArgument,
				fmt.Sprintf("postfence %d is wait-tagged", i))
		}
		if err := e.validateFence(f, true); err != nil {
			return err
		}
	}

	for i, m := range spec.Memory {
		if !m.Internal && m.Handle == 0 {
			return NewError("new_task", CodeInvalidArgument,
				fmt.Sprintf("memory entry %d has no handle", i))
		}
	}
	for _, group := range [][]StatusEntry{spec.InputStatus, spec.StartStatus, spec.EndStatus} {
		for i, s := range group {
			if s.Handle == 0 {
				return NewError("new_task", CodeInvalidArgument,
					fmt.Sprintf("status entry %d has no handle", i))
			}
		}
	}
	for _, group := range [][]TimestampEntry{spec.StartTimestamps, spec.EndTimestamps} {
		for i, ts := range group {
			if ts.Handle == 0 {
				return NewError("new_task", CodeInvalidArgument,
					fmt.Sprintf("timestamp entry %d has no handle", i))
			}
		}
	}

	return nil
}

func (e *Engine) validateFence(f *Fence, post bool) error {
	switch f.Type {
	case FenceSyncpoint:
		// Signals target the queue's own counter; waits carry their id.
	case FenceSyncFD:
		if f.Handle == 0 {
			return NewError("new_task", CodeInvalidFence, "sync fd fence has no handle")
		}
		if f.Action == FenceWait && e.services.FenceSet == nil {
			return NewError("new_task", CodeInvalidFence, "no fence set resolver configured")
		}
	case FenceSemaphore, FenceSemaphoreTS:
		if f.SemHandle == 0 {
			return NewError("new_task", CodeInvalidArgument, "semaphore fence has no handle")
		}
	default:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("unknown fence type %d", uint8(f.Type)))
	}

	switch f.Action {
	case FenceWait, FenceSignal:
	case FenceSignalStride:
		if f.Type == FenceSemaphore && !e.caps.SignalStride {
			return NewError("new_task", CodeInvalidArgument, "engine lacks semaphore stride support")
		}
	default:
		return NewError("new_task", CodeInvalidArgument,
			fmt.Sprintf("unknown fence action %d", uint8(f.Action)))
	}

	if f.Type == FenceSemaphoreTS && f.Action != FenceWait && !e.caps.SemaphoreTimestamp {
		return NewError("new_task", CodeInvalidArgument, "engine lacks timestamp semaphore support")
	}

	return nil
}

// pin maps one handle and records it for the paired unpin during cleanup.
func (t *Task) pin(h BufferHandle) (DMAAddress, uint64, error) {
	e := t.queue.engine
	set := []BufferHandle{h}

	addr, size, err := e.services.Buffers.PinBuffers(set)
	if err != nil {
		e.observer.ObservePin(1, false)
		return 0, 0, &Error{
			Op:    "new_task",
			Queue: t.queue.id,
			Seq:   int64(t.sequence),
			Code:  CodePinFailure,
			Msg:   fmt.Sprintf("pin handle %d: %v", h, err),
			Inner: err,
		}
	}

	t.pins = append(t.pins, set)
	e.observer.ObservePin(1, true)
	return addr, size, nil
}

// pinAt pins a handle and bounds-checks that need bytes at offset fit the
// mapping, when the buffer service reports a size.
func (t *Task) pinAt(h BufferHandle, offset uint32, need uint64) (uint64, error) {
	addr, size, err := t.pin(h)
	if err != nil {
		return 0, err
	}
	if size > 0 && uint64(offset)+need > size {
		return 0, NewTaskError("new_task", t.queue.id, t.sequence, CodeInvalidArgument,
			fmt.Sprintf("offset %d past end of %d-byte buffer %d", offset, size, h))
	}
	return uint64(addr) + uint64(offset), nil
}

// resolveActions turns the spec into planned pre/post streams and the
// address list, pinning every external buffer along the way. Stream order is
// fixed: waits, input status checks, start status writes, start timestamps,
// then prefence signals on the pre side; completion notifier, end
// timestamps, end status writes, then postfence signals on the post side.
func (t *Task) resolveActions() error {
	q := t.queue
	e := q.engine
	counters := e.services.Counters
	spec := &t.spec

	// Pre: waits first. A fence set may expand to several wait records, so
	// the record count is tracked against the layout budget; entry-count
	// validation alone cannot see the expansion.
	preRecords := 0
	for i := range spec.Prefences {
		f := &spec.Prefences[i]
		if f.Action != FenceWait {
			preRecords++ // signal record, encoded later in this stream
			continue
		}

		switch f.Type {
		case FenceSyncpoint:
			preRecords++
			t.pre = append(t.pre, plannedAction{
				op:    descriptor.OpSemaphoreGE,
				addr:  uint64(counters.Address(f.CounterID)),
				value: f.Threshold,
			})

		case FenceSyncFD:
			err := e.services.FenceSet.ForEachPoint(f.Handle, func(pt SyncPoint) error {
				if pt.CounterID == 0 {
					return fmt.Errorf("fence set %d yields counter 0", f.Handle)
				}
				preRecords++
				if preRecords > e.layout.Limits.Prefences {
					return fmt.Errorf("fence set %d expands past %d wait records", f.Handle, e.layout.Limits.Prefences)
				}
				t.pre = append(t.pre, plannedAction{
					op:    descriptor.OpSemaphoreGE,
					addr:  uint64(counters.Address(pt.CounterID)),
					value: pt.Threshold,
				})
				return nil
			})
			if err != nil {
				return &Error{
					Op:    "new_task",
					Queue: q.id,
					Seq:   int64(t.sequence),
					Code:  CodeInvalidFence,
					Msg:   fmt.Sprintf("resolve fence set %d: %v", f.Handle, err),
					Inner: err,
				}
			}

		case FenceSemaphore, FenceSemaphoreTS:
			preRecords++
			addr, err := t.pinAt(f.SemHandle, f.SemOffset, 4)
			if err != nil {
				return err
			}
			t.pre = append(t.pre, plannedAction{
				op:    descriptor.OpSemaphoreGE,
				addr:  addr,
				value: f.SemValue,
			})
		}
	}
	if preRecords > e.layout.Limits.Prefences {
		return NewTaskError("new_task", q.id, t.sequence, CodeInvalidFence,
			fmt.Sprintf("%d prefence records exceed maximum %d", preRecords, e.layout.Limits.Prefences))
	}

	// Input status checks poll a 16-byte notification record; the engine
	// compares its status field.
	for i := range spec.InputStatus {
		s := &spec.InputStatus[i]
		addr, err := t.pinAt(s.Handle, s.Offset, descriptor.NotificationSize)
		if err != nil {
			return err
		}
		t.pre = append(t.pre, plannedAction{
			op:     descriptor.OpTaskStatusEQ,
			addr:   addr,
			status: s.Status,
		})
	}

	for i := range spec.StartStatus {
		s := &spec.StartStatus[i]
		addr, err := t.pinAt(s.Handle, s.Offset, descriptor.NotificationSize)
		if err != nil {
			return err
		}
		t.pre = append(t.pre, plannedAction{
			op:     descriptor.OpWriteTaskStatus,
			addr:   addr,
			status: s.Status,
		})
	}

	for i := range spec.StartTimestamps {
		ts := &spec.StartTimestamps[i]
		addr, err := t.pinAt(ts.Handle, ts.Offset, 8)
		if err != nil {
			return err
		}
		t.pre = append(t.pre, plannedAction{
			op:   descriptor.OpWriteTimestamp,
			addr: addr,
		})
	}

	// Prefence signals close the pre stream.
	for i := range spec.Prefences {
		f := &spec.Prefences[i]
		if f.Action == FenceWait {
			continue
		}
		if err := t.planSignal(f, &t.pre); err != nil {
			return err
		}
	}

	// Post: the completion notifier record comes first so profiling data
	// is in place before any consumer-visible signal fires.
	t.post = append(t.post, plannedAction{
		op:   descriptor.OpWriteTaskStatus,
		addr: uint64(t.addr) + uint64(e.layout.NotificationOffset),
	})

	for i := range spec.EndTimestamps {
		ts := &spec.EndTimestamps[i]
		addr, err := t.pinAt(ts.Handle, ts.Offset, 8)
		if err != nil {
			return err
		}
		t.post = append(t.post, plannedAction{
			op:   descriptor.OpWriteTimestamp,
			addr: addr,
		})
	}

	for i := range spec.EndStatus {
		s := &spec.EndStatus[i]
		addr, err := t.pinAt(s.Handle, s.Offset, descriptor.NotificationSize)
		if err != nil {
			return err
		}
		t.post = append(t.post, plannedAction{
			op:     descriptor.OpWriteTaskStatus,
			addr:   addr,
			status: s.Status,
		})
	}

	for i := range spec.Postfences {
		if err := t.planSignal(&spec.Postfences[i], &t.post); err != nil {
			return err
		}
	}

	// A task with no counter signal of its own gets an implicit one, so
	// completion is always observable on the queue counter.
	if t.fenceCounter == 0 {
		t.post = append(t.post, plannedAction{
			op:    descriptor.OpWriteSemaphore,
			addr:  uint64(counters.Address(q.counterID)),
			value: 1,
		})
		t.fenceCounter = 1
	}

	// Address list entries, in spec order. Internal entries resolve inside
	// this task's own slot and are never pinned.
	for i := range spec.Memory {
		m := &spec.Memory[i]
		if m.Internal {
			t.addrs = append(t.addrs, uint64(t.addr)+uint64(m.Offset))
			continue
		}
		addr, size, err := t.pin(m.Handle)
		if err != nil {
			return err
		}
		if size > 0 && uint64(m.Offset) >= size {
			return NewTaskError("new_task", q.id, t.sequence, CodeInvalidArgument,
				fmt.Sprintf("memory entry %d offset %d past end of %d-byte buffer", i, m.Offset, size))
		}
		t.addrs = append(t.addrs, uint64(addr)+uint64(m.Offset))
	}

	return nil
}

// planSignal appends the signal action for one SIGNAL-tagged fence to the
// given stream. Counter-backed signals always write the queue's own counter;
// the counter window turns any write into an increment, so the encoded value
// is 1 and the consumer-visible target is assigned later from the
// reservation.
func (t *Task) planSignal(f *Fence, stream *[]plannedAction) error {
	q := t.queue
	counters := q.engine.services.Counters

	switch f.Type {
	case FenceSyncpoint, FenceSyncFD:
		*stream = append(*stream, plannedAction{
			op:    descriptor.OpWriteSemaphore,
			addr:  uint64(counters.Address(q.counterID)),
			value: 1,
		})
		t.fenceCounter++
		return nil

	case FenceSemaphore:
		addr, err := t.pinAt(f.SemHandle, f.SemOffset, 4)
		if err != nil {
			return err
		}
		op := descriptor.OpWriteSemaphore
		if f.Action == FenceSignalStride {
			op = descriptor.OpIncrementSemaphore
		}
		*stream = append(*stream, plannedAction{
			op:    op,
			addr:  addr,
			value: f.SemValue,
		})
		return nil

	case FenceSemaphoreTS:
		// Timestamp lands at addr+8, so the mapping must cover 16 bytes.
		addr, err := t.pinAt(f.SemHandle, f.SemOffset, 16)
		if err != nil {
			return err
		}
		*stream = append(*stream, plannedAction{
			op:    descriptor.OpWriteTimestampSemaphore,
			addr:  addr,
			value: f.SemValue,
		})
		return nil
	}

	return NewTaskError("new_task", q.id, t.sequence, CodeInvalidArgument,
		fmt.Sprintf("unknown fence type %d", uint8(f.Type)))
}

// assignSignalFences reserves fenceCounter increments on the queue counter
// and hands out consumer-visible target values counting backward from the
// new maximum: the first-encountered signal fence gets the base value, each
// subsequent one less. Walk order is prefences then postfences.
func (t *Task) assignSignalFences() {
	q := t.queue
	counters := q.engine.services.Counters

	base := counters.Reserve(q.counterID, t.fenceCounter)
	t.fence = base

	next := base
	assign := func(f *Fence) {
		if f.Action == FenceWait || !f.countsTowardCompletion() {
			return
		}
		t.signalFences = append(t.signalFences, SignalFence{
			CounterID: q.counterID,
			Value:     next,
		})
		next--
	}

	for i := range t.spec.Prefences {
		assign(&t.spec.Prefences[i])
	}
	for i := range t.spec.Postfences {
		assign(&t.spec.Postfences[i])
	}
}

// encode serializes the planned streams, the address list, and the header
// into the descriptor slot.
func (t *Task) encode() error {
	layout := t.queue.engine.layout
	buf := t.buf

	pre, err := encodeStream(buf, layout.PreActionsOffset, layout.PreMax, t.pre)
	if err != nil {
		return err
	}
	if err := pre.MarshalAt(buf, layout.PreListOffset); err != nil {
		return err
	}

	post, err := encodeStream(buf, layout.PostActionsOffset, layout.PostMax, t.post)
	if err != nil {
		return err
	}
	if err := post.MarshalAt(buf, layout.PostListOffset); err != nil {
		return err
	}

	for i, addr := range t.addrs {
		if err := descriptor.PutAddressEntry(buf, layout.AddressListOffset, i, addr); err != nil {
			return err
		}
	}

	var flags uint32
	if t.spec.BypassExec {
		flags |= descriptor.FlagBypassExec
	}

	desc := descriptor.TaskDescriptor{
		Next:           0,
		Version:        descriptor.Version,
		EngineID:       descriptor.EngineID,
		Size:           uint16(layout.Size),
		Sequence:       t.sequence,
		QueueID:        uint16(t.queue.id),
		NumPreactions:  1,
		NumPostactions: 1,
		Preactions:     uint16(layout.PreListOffset),
		Postactions:    uint16(layout.PostListOffset),
		Flags:          flags,
		NumAddresses:   uint16(len(t.addrs)),
		AddressList:    uint64(t.addr) + uint64(layout.AddressListOffset),
		Timeout:        uint64(t.spec.Timeout / time.Microsecond),
	}
	return desc.MarshalTo(buf)
}

func encodeStream(buf []byte, start, max int, plan []plannedAction) (descriptor.ActionList, error) {
	w := descriptor.NewActionWriter(buf, start, max)
	for _, a := range plan {
		var err error
		switch a.op {
		case descriptor.OpSemaphoreGE, descriptor.OpWriteSemaphore,
			descriptor.OpIncrementSemaphore, descriptor.OpWriteTimestampSemaphore:
			err = w.Semaphore(a.op, a.addr, a.value)
		case descriptor.OpTaskStatusEQ, descriptor.OpWriteTaskStatus:
			err = w.Status(a.op, a.addr, a.status)
		case descriptor.OpWriteTimestamp:
			err = w.Timestamp(a.op, a.addr)
		default:
			err = fmt.Errorf("unencodable opcode 0x%02x", uint8(a.op))
		}
		if err != nil {
			return descriptor.ActionList{}, err
		}
	}
	return w.Terminate()
}

// unpinAll releases every recorded pin set exactly once. Each set's unpin is
// attempted even when an earlier one fails, so one bad handle cannot leak
// the rest.
func (t *Task) unpinAll() {
	pins := t.pins
	t.pins = nil

	e := t.queue.engine
	for _, set := range pins {
		err := e.services.Buffers.UnpinBuffers(set)
		e.observer.ObserveUnpin(len(set), err == nil)
		if err != nil {
			t.queue.log.WithTask(t.sequence).WithError(err).Warn("unpin failed",
				"handles", len(set))
		}
	}
}

// get takes one reference on the task and its queue.
func (t *Task) get() {
	t.queue.get()
	t.refs.Add(1)
}

// put drops one reference; the last one returns the descriptor slot. The
// queue reference is dropped after the task's own, so the queue outlives
// every task that points at it.
func (t *Task) put() {
	q := t.queue
	n := t.refs.Add(-1)
	if n < 0 {
		panic("dla: task reference count underflow")
	}
	if n == 0 {
		q.engine.pool.Free(t.slot)
		t.buf = nil
	}
	q.put()
}

// Release drops the caller's reference. For a task that was filled but never
// submitted it also burns the counter reservation, so later tasks' targets
// stay reachable, and returns the pinned memory.
func (t *Task) Release() {
	if t.state.CompareAndSwap(int32(TaskStateFilled), int32(TaskStateCompleted)) {
		q := t.queue
		q.engine.services.Counters.ForceAdvance(q.counterID, t.fence)
		t.unpinAll()
		q.log.WithTask(t.sequence).Debug("unsubmitted task released", "fence", t.fence)
	}
	t.put()
}

// State reports the task's lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Sequence is the queue-local sequence number assigned at fill time.
func (t *Task) Sequence() uint32 {
	return t.sequence
}

// TaskID is the engine-visible identity: queue id in the high half, the low
// 16 bits of the sequence in the low half.
func (t *Task) TaskID() uint32 {
	return uint32(t.queue.id)<<16 | (t.sequence & 0xffff)
}

// Fence is the counter value the engine reaches when this task completes.
func (t *Task) Fence() uint32 {
	return t.fence
}

// SignalFences returns the counter targets assigned to this task's
// SIGNAL-tagged counter fences, in encounter order. Valid after NewTask,
// before submission completes.
func (t *Task) SignalFences() []SignalFence {
	out := make([]SignalFence, len(t.signalFences))
	copy(out, t.signalFences)
	return out
}
