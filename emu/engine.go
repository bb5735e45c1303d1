// Package emu is a software rendition of a DLA-class task engine. It
// consumes the same descriptor encoding the hardware would: tasks arrive
// through the transport methods, descriptors are fetched from the mapped
// arena, action streams execute against the bus space, and completions land
// on sync counters that fire host notifiers.
//
// The three pieces plug straight into dla.Services: Space is the buffer
// service, CounterTable the counter service and notifier, Engine the
// transport. Wire them, Open the engine, then hand the arena back with
// Space.MapArena.
package emu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dla"
	"github.com/ehrlich-b/go-dla/internal/descriptor"
	"github.com/ehrlich-b/go-dla/internal/logging"
)

// Task completion codes the emulated firmware reports through status
// notification records.
const (
	TaskStatusSuccess    uint16 = 0
	TaskStatusTimeout    uint16 = 1
	TaskStatusBadAddress uint16 = 2
)

// Config tunes the emulated engine.
type Config struct {
	// ExecDelay is the simulated workload duration. Zero completes tasks
	// as fast as the executor runs.
	ExecDelay time.Duration

	// PollPeriod is how often blocked wait actions re-sample their target.
	PollPeriod time.Duration

	// Queues sizes the engine-side queue table.
	Queues int

	// Capabilities is what the engine advertises to the host.
	Capabilities dla.Capabilities

	Logger *logging.Logger
}

// DefaultConfig returns an engine with every optional feature on.
func DefaultConfig() Config {
	return Config{
		PollPeriod:   50 * time.Microsecond,
		Queues:       16,
		Capabilities: dla.Capabilities{SignalStride: true, SemaphoreTimestamp: true},
	}
}

// Engine executes submitted descriptors on a single executor goroutine, the
// way the real engine runs one task at a time. It implements dla.Transport
// and dla.CapabilityReporter.
type Engine struct {
	space    *Space
	counters *CounterTable
	cfg      Config
	log      *logging.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []submission
	queues      []queueState
	busyFlushes int
	faultStatus uint16
	closed      bool

	executed atomic.Uint64
	wg       sync.WaitGroup
}

type submission struct {
	addr  uint64
	queue uint16
	gen   uint64
}

type queueState struct {
	suspended bool
	gen       uint64 // bumped by flush; orphans any in-flight wait
}

// NewEngine starts the executor. Close stops it.
func NewEngine(space *Space, counters *CounterTable, cfg Config) *Engine {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = DefaultConfig().PollPeriod
	}
	if cfg.Queues <= 0 {
		cfg.Queues = DefaultConfig().Queues
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	e := &Engine{
		space:    space,
		counters: counters,
		cfg:      cfg,
		log:      cfg.Logger,
		queues:   make([]queueState, cfg.Queues),
	}
	e.cond = sync.NewCond(&e.mu)

	e.wg.Add(1)
	go e.run()
	return e
}

// Submit implements dla.Transport.
func (e *Engine) Submit(methodID, methodData uint32) error {
	switch dla.MethodCmd(methodID) {
	case dla.CmdSubmitTask:
		return e.enqueue(uint64(methodData) << 8)
	case dla.CmdQueueSuspend:
		return e.setSuspended(methodData, true)
	case dla.CmdQueueResume:
		return e.setSuspended(methodData, false)
	default:
		return fmt.Errorf("emu: unknown method %#x", methodID)
	}
}

func (e *Engine) enqueue(addr uint64) error {
	hdr, err := e.space.slice(addr, descriptor.HeaderSize)
	if err != nil {
		return fmt.Errorf("emu: descriptor at %#x: %w", addr, err)
	}
	var desc descriptor.TaskDescriptor
	if err := desc.UnmarshalFrom(hdr); err != nil {
		return err
	}
	if desc.Version != descriptor.Version {
		return fmt.Errorf("emu: descriptor version %d not supported", desc.Version)
	}
	if int(desc.QueueID) >= len(e.queues) {
		return fmt.Errorf("emu: queue %d outside engine table", desc.QueueID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("emu: engine stopped")
	}
	e.pending = append(e.pending, submission{
		addr:  addr,
		queue: desc.QueueID,
		gen:   e.queues[desc.QueueID].gen,
	})
	e.mu.Unlock()

	e.cond.Signal()
	return nil
}

func (e *Engine) setSuspended(queue uint32, v bool) error {
	if int(queue) >= len(e.queues) {
		return fmt.Errorf("emu: queue %d outside engine table", queue)
	}
	e.mu.Lock()
	e.queues[queue].suspended = v
	e.mu.Unlock()

	if !v {
		e.cond.Broadcast()
	}
	return nil
}

// Flush implements dla.Transport: every queued task of the given queue is
// dropped and an in-flight wait is orphaned. An injected busy budget makes
// Flush report the processor busy first, so abort retry paths can be
// exercised.
func (e *Engine) Flush(queueID uint16) error {
	if int(queueID) >= len(e.queues) {
		return fmt.Errorf("emu: queue %d outside engine table", queueID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busyFlushes > 0 {
		e.busyFlushes--
		return dla.NewQueueError("flush", int(queueID), dla.CodeBusy, "engine processor busy")
	}

	e.queues[queueID].gen++

	kept := e.pending[:0]
	for _, s := range e.pending {
		if s.queue != queueID {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(e.pending); i++ {
		e.pending[i] = submission{}
	}
	e.pending = kept
	return nil
}

// Capabilities implements dla.CapabilityReporter.
func (e *Engine) Capabilities() dla.Capabilities {
	return e.cfg.Capabilities
}

// FailNextTask makes the next executed task complete with the given status.
func (e *Engine) FailNextTask(status uint16) {
	e.mu.Lock()
	e.faultStatus = status
	e.mu.Unlock()
}

// BusyFlushes makes the next n Flush calls report the processor busy.
func (e *Engine) BusyFlushes(n int) {
	e.mu.Lock()
	e.busyFlushes = n
	e.mu.Unlock()
}

// Executed reports how many tasks ran to completion, including faulted ones.
func (e *Engine) Executed() uint64 {
	return e.executed.Load()
}

// Close stops the executor. A task blocked in a wait action is abandoned.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cond.Broadcast()
	e.wg.Wait()
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()

	e.mu.Lock()
	for {
		var sub submission
		for {
			if e.closed {
				e.mu.Unlock()
				return
			}
			if i, ok := e.runnableLocked(); ok {
				sub = e.pending[i]
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
			e.cond.Wait()
		}
		fault := e.faultStatus
		e.faultStatus = 0
		e.mu.Unlock()

		e.execute(sub, fault)

		e.mu.Lock()
	}
}

// runnableLocked picks the oldest submission whose queue is not suspended.
func (e *Engine) runnableLocked() (int, bool) {
	for i, s := range e.pending {
		if !e.queues[s.queue].suspended {
			return i, true
		}
	}
	return 0, false
}

type actionResult int

const (
	actionOK actionResult = iota
	actionTimeout
	actionBadAddress
	actionFlushed
	actionClosed
)

func (e *Engine) execute(sub submission, fault uint16) {
	start := time.Now()

	hdr, err := e.space.slice(sub.addr, descriptor.HeaderSize)
	if err != nil {
		e.log.Warn("descriptor unmapped", "addr", fmt.Sprintf("%#x", sub.addr), "error", err)
		return
	}
	var desc descriptor.TaskDescriptor
	if err := desc.UnmarshalFrom(hdr); err != nil {
		e.log.Warn("descriptor header unreadable", "error", err)
		return
	}

	slab, err := e.space.slice(sub.addr, int(desc.Size))
	if err != nil {
		e.log.Warn("descriptor extends past its mapping",
			"addr", fmt.Sprintf("%#x", sub.addr), "size", desc.Size)
		return
	}

	pre, err := actionStream(slab, int(desc.Preactions))
	if err != nil {
		e.log.Warn("pre stream undecodable", "sequence", desc.Sequence, "error", err)
		return
	}
	post, err := actionStream(slab, int(desc.Postactions))
	if err != nil {
		e.log.Warn("post stream undecodable", "sequence", desc.Sequence, "error", err)
		return
	}

	var deadline time.Time
	if desc.Timeout > 0 {
		deadline = start.Add(time.Duration(desc.Timeout) * time.Microsecond)
	}

	status := TaskStatusSuccess
	for i := range pre {
		switch e.perform(sub, &pre[i], deadline, status, start) {
		case actionTimeout:
			status = TaskStatusTimeout
		case actionBadAddress:
			status = TaskStatusBadAddress
		case actionFlushed, actionClosed:
			return
		}
		if status != TaskStatusSuccess {
			break
		}
	}

	if status == TaskStatusSuccess && fault != 0 {
		status = fault
	}

	if status == TaskStatusSuccess && desc.Flags&descriptor.FlagBypassExec == 0 && e.cfg.ExecDelay > 0 {
		time.Sleep(e.cfg.ExecDelay)
	}

	if e.interrupted(sub) != actionOK {
		return
	}

	// The post stream always runs, so fences fire and waiters unblock even
	// when the task itself failed; the status notifier carries the fault.
	for i := range post {
		switch e.perform(sub, &post[i], deadline, status, start) {
		case actionBadAddress:
			e.log.Warn("post action targets unmapped memory",
				"sequence", desc.Sequence, "addr", fmt.Sprintf("%#x", post[i].Addr))
		case actionFlushed, actionClosed:
			return
		}
	}

	e.executed.Add(1)
	e.log.Debug("task executed",
		"queue", desc.QueueID, "sequence", desc.Sequence, "status", status)
}

func actionStream(slab []byte, listOff int) ([]descriptor.Action, error) {
	var list descriptor.ActionList
	if err := list.UnmarshalAt(slab, listOff); err != nil {
		return nil, err
	}
	end := int(list.Offset) + int(list.Size)
	if end > len(slab) {
		return nil, fmt.Errorf("emu: action list %d+%d outside descriptor", list.Offset, list.Size)
	}
	return descriptor.ParseActions(slab[list.Offset:end])
}

func (e *Engine) perform(sub submission, act *descriptor.Action, deadline time.Time, taskStatus uint16, start time.Time) actionResult {
	switch act.Opcode {
	case descriptor.OpSemaphoreGE:
		return e.waitGE(sub, act.Addr, act.Value, deadline)

	case descriptor.OpTaskStatusEQ:
		return e.waitStatusEQ(sub, act.Addr, act.Status, deadline)

	case descriptor.OpWriteSemaphore:
		if e.counters.handleWrite(act.Addr) {
			return actionOK
		}
		if e.space.store32(act.Addr, act.Value) != nil {
			return actionBadAddress
		}
		return actionOK

	case descriptor.OpIncrementSemaphore:
		if e.counters.handleWrite(act.Addr) {
			return actionOK
		}
		cur, err := e.space.load32(act.Addr)
		if err != nil {
			return actionBadAddress
		}
		if e.space.store32(act.Addr, cur+act.Value) != nil {
			return actionBadAddress
		}
		return actionOK

	case descriptor.OpWriteTimestampSemaphore:
		if e.counters.handleWrite(act.Addr) {
			return actionOK
		}
		if e.space.store32(act.Addr, act.Value) != nil {
			return actionBadAddress
		}
		if e.space.store64(act.Addr+8, engineClock()) != nil {
			return actionBadAddress
		}
		return actionOK

	case descriptor.OpWriteTimestamp:
		if e.space.store64(act.Addr, engineClock()) != nil {
			return actionBadAddress
		}
		return actionOK

	case descriptor.OpWriteTaskStatus:
		status := act.Status
		if taskStatus != TaskStatusSuccess {
			status = taskStatus
		}
		note := descriptor.StatusNotification{
			Timestamp: engineClock(),
			Info32:    uint32(time.Since(start) / time.Microsecond),
			Status:    status,
		}
		b, err := e.space.slice(act.Addr, descriptor.NotificationSize)
		if err != nil {
			return actionBadAddress
		}
		_ = note.MarshalAt(b, 0)
		return actionOK
	}

	// ParseActions admits nothing else.
	return actionBadAddress
}

func (e *Engine) waitGE(sub submission, addr uint64, value uint32, deadline time.Time) actionResult {
	for {
		cur, ok := e.counters.handleRead(addr)
		if !ok {
			v, err := e.space.load32(addr)
			if err != nil {
				return actionBadAddress
			}
			cur = v
		}
		if serialGE(cur, value) {
			return actionOK
		}
		if res := e.pollPause(sub, deadline); res != actionOK {
			return res
		}
	}
}

func (e *Engine) waitStatusEQ(sub submission, addr uint64, want uint16, deadline time.Time) actionResult {
	for {
		b, err := e.space.slice(addr, descriptor.NotificationSize)
		if err != nil {
			return actionBadAddress
		}
		var note descriptor.StatusNotification
		_ = note.UnmarshalAt(b, 0)
		if note.Status == want {
			return actionOK
		}
		if res := e.pollPause(sub, deadline); res != actionOK {
			return res
		}
	}
}

func (e *Engine) pollPause(sub submission, deadline time.Time) actionResult {
	if !deadline.IsZero() && time.Now().After(deadline) {
		return actionTimeout
	}
	if res := e.interrupted(sub); res != actionOK {
		return res
	}
	time.Sleep(e.cfg.PollPeriod)
	return actionOK
}

// interrupted reports whether the submission's queue was flushed or the
// engine stopped since dispatch.
func (e *Engine) interrupted(sub submission) actionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return actionClosed
	}
	if e.queues[sub.queue].gen != sub.gen {
		return actionFlushed
	}
	return actionOK
}

// engineClock is the engine timestamp source: microseconds, engine epoch.
func engineClock() uint64 {
	return uint64(time.Now().UnixMicro())
}

var (
	_ dla.Transport          = (*Engine)(nil)
	_ dla.CapabilityReporter = (*Engine)(nil)
)
