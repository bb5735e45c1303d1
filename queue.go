package dla

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dla/internal/descriptor"
	"github.com/ehrlich-b/go-dla/internal/logging"
)

// Queue is one ordered stream of tasks bound to a hardware sync counter. All
// list mutation, descriptor linking, and completion scanning serialize
// through its lock; submissions from any number of goroutines and the
// asynchronous completion notifier are safe concurrently.
type Queue struct {
	engine    *Engine
	id        int
	counterID uint32
	log       *logging.Logger

	mu       sync.Mutex
	tasks    []*Task // in-flight, submission order
	sequence uint32
	closed   bool

	// Held by the opener and by every live task reference; the pool slot
	// and counter are returned when the last one drops.
	refs atomic.Int32
}

func newQueue(e *Engine, id int, counterID uint32) *Queue {
	q := &Queue{
		engine:    e,
		id:        id,
		counterID: counterID,
		log:       e.log.WithQueue(id),
	}
	q.refs.Store(1)
	return q
}

// ID is the queue's pool-unique identifier.
func (q *Queue) ID() int {
	return q.id
}

// CounterID is the sync counter this queue signals completion on.
func (q *Queue) CounterID() uint32 {
	return q.counterID
}

// Depth reports the current number of in-flight tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) get() {
	q.refs.Add(1)
}

func (q *Queue) put() {
	n := q.refs.Add(-1)
	if n < 0 {
		panic("dla: queue reference count underflow")
	}
	if n == 0 {
		q.engine.releaseQueue(q)
	}
}

// nextSequenceLocked advances the sequence generator, wrapping back to zero
// before the 32-bit maximum so a sequence value is never ambiguous with the
// uninitialized descriptor field.
func (q *Queue) nextSequenceLocked() uint32 {
	q.sequence++
	if q.sequence >= math.MaxUint32-1 {
		q.sequence = 0
	}
	return q.sequence
}

// Submit links a filled task into the in-flight list and hands its
// descriptor to the engine. The predecessor's descriptor next pointer is
// patched under the same lock as the list append, so the hardware-visible
// chain always matches submission order. On any failure after the list
// append the task is unlinked again, its submission reference dropped, and
// the power token returned; the task goes back to Filled and the caller's
// Release reclaims it.
func (q *Queue) Submit(task *Task) error {
	e := q.engine

	if task == nil || task.queue != q {
		return NewQueueError("submit", q.id, CodeInvalidArgument, "task does not belong to this queue")
	}
	if !task.state.CompareAndSwap(int32(TaskStateFilled), int32(TaskStateSubmitted)) {
		return NewTaskError("submit", q.id, task.sequence, CodeInvalidArgument,
			fmt.Sprintf("task in state %s, want filled", task.State()))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		task.state.Store(int32(TaskStateFilled))
		return NewQueueError("submit", q.id, CodeEngineClosed, "queue closed")
	}

	// The submission holds its own reference alongside the caller's.
	task.get()

	var prev *Task
	if len(q.tasks) > 0 {
		prev = q.tasks[len(q.tasks)-1]
		if err := descriptor.PatchNext(prev.buf, uint64(task.addr)); err != nil {
			task.state.Store(int32(TaskStateFilled))
			task.put()
			return WrapError("submit", err)
		}
	}
	q.tasks = append(q.tasks, task)
	task.submitTime = time.Now()

	rollback := func() {
		q.tasks = q.tasks[:len(q.tasks)-1]
		if prev != nil {
			_ = descriptor.PatchNext(prev.buf, 0)
		}
		task.state.Store(int32(TaskStateFilled))
		task.put()
		e.observer.ObserveSubmit(false)
	}

	if err := e.services.Power.Busy(); err != nil {
		rollback()
		return q.wrapQueueErr("submit", err)
	}

	// Register before handing off so the completion window can never open
	// unobserved. A rolled-back registration is harmless: Update scans are
	// idempotent.
	if err := e.services.Notifier.RegisterNotifier(q.counterID, task.fence, q.Update); err != nil {
		e.services.Power.Idle(1)
		rollback()
		return q.wrapQueueErr("submit", err)
	}

	methodID := CmdSubmitTask | MethodIntOnComplete | MethodIntOnError
	if err := e.services.Transport.Submit(methodID, AlignedDMA(task.addr)); err != nil {
		e.services.Power.Idle(1)
		rollback()
		return &Error{
			Op:    "submit",
			Queue: q.id,
			Seq:   int64(task.sequence),
			Code:  CodeTransportError,
			Msg:   fmt.Sprintf("engine rejected descriptor: %v", err),
			Inner: err,
		}
	}

	task.state.Store(int32(TaskStatePending))
	e.observer.ObserveSubmit(true)
	e.observer.ObserveQueueDepth(uint32(len(q.tasks)))
	q.log.WithTask(task.sequence).Debug("task submitted",
		"fence", task.fence,
		"depth", len(q.tasks))

	return nil
}

// Update is the completion notification entry point, registered with the
// notifier per submitted task. It is safe to invoke spuriously and from any
// goroutine: the scan only reclaims tasks whose counter target has actually
// been reached.
func (q *Queue) Update() {
	q.mu.Lock()
	n := q.completeScanLocked()
	if n > 0 {
		// Busy tokens are returned batched after the scan, one per
		// reclaimed task.
		q.engine.services.Power.Idle(n)
		q.engine.observer.ObserveQueueDepth(uint32(len(q.tasks)))
	}
	q.mu.Unlock()
}

// completeScanLocked walks the whole in-flight list and reclaims every task
// whose fence the counter has reached. Completion is checked per task, not
// head-only: the engine orders execution internally and may retire work out
// of strict program order. Returns the number of tasks reclaimed.
func (q *Queue) completeScanLocked() int {
	e := q.engine
	counters := e.services.Counters

	completed := 0
	remaining := q.tasks[:0]
	for _, t := range q.tasks {
		if !counters.IsExpired(q.counterID, t.fence) {
			remaining = append(remaining, t)
			continue
		}

		var note descriptor.StatusNotification
		_ = note.UnmarshalAt(t.buf, e.layout.NotificationOffset)

		var latency uint64
		if !t.submitTime.IsZero() {
			latency = uint64(time.Since(t.submitTime))
		}

		t.unpinAll()
		t.state.Store(int32(TaskStateCompleted))

		if note.Status != 0 {
			q.log.WithTask(t.sequence).Warn("task faulted",
				"status", note.Status,
				"fence", t.fence)
		} else {
			q.log.WithTask(t.sequence).Debug("task completed", "fence", t.fence)
		}

		e.observer.ObserveComplete(latency, note.Status, TaskProfile{
			Timestamp: note.Timestamp,
			Info32:    note.Info32,
		})

		completed++
		t.put()
	}

	// Clear the tail so reclaimed tasks are not pinned by the backing
	// array.
	for i := len(remaining); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = remaining

	return completed
}

// Abort flushes all in-flight engine work for this queue and reclaims every
// task deterministically. An empty queue succeeds without touching the
// transport. A busy engine is retried on a fixed schedule; once the budget
// is spent, or the transport rejects the flush outright, the error is
// surfaced with the in-flight list untouched, since the engine may still
// produce completions for it.
func (q *Queue) Abort(ctx context.Context) error {
	e := q.engine

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}

	if err := e.services.Power.Busy(); err != nil {
		return q.wrapQueueErr("abort", err)
	}
	defer e.services.Power.Idle(1)

	var flushErr error
flush:
	for attempt := 1; ; attempt++ {
		flushErr = e.services.Transport.Flush(uint16(q.id))
		if flushErr == nil {
			break flush
		}
		if !IsBusy(flushErr) {
			flushErr = &Error{
				Op:    "abort",
				Queue: q.id,
				Seq:   -1,
				Code:  CodeTransportError,
				Msg:   fmt.Sprintf("flush rejected: %v", flushErr),
				Inner: flushErr,
			}
			break flush
		}
		if attempt >= e.params.AbortRetries {
			flushErr = &Error{
				Op:    "abort",
				Queue: q.id,
				Seq:   -1,
				Code:  CodeTimeout,
				Msg:   fmt.Sprintf("engine busy after %d flush attempts", attempt),
				Inner: flushErr,
			}
			break flush
		}
		select {
		case <-ctx.Done():
			flushErr = q.wrapQueueErr("abort", ctx.Err())
			break flush
		case <-time.After(e.params.AbortRetryPeriod):
		}
	}

	if flushErr != nil {
		e.observer.ObserveAbort(0, false)
		q.log.WithError(flushErr).Error("abort failed", "inflight", len(q.tasks))
		return flushErr
	}

	// Flush confirmed: nothing in-flight will execute. Force the counter
	// to its reserved maximum so every task's fence reads expired, then
	// reclaim them in one scan.
	e.services.Counters.ForceAdvance(q.counterID, e.services.Counters.ReadMax(q.counterID))

	flushed := q.completeScanLocked()
	e.services.Power.Idle(flushed)
	e.observer.ObserveAbort(flushed, true)
	e.observer.ObserveQueueDepth(uint32(len(q.tasks)))
	q.log.Info("queue aborted", "drained", flushed)

	return nil
}

// SetState sends a queue-level suspend or resume command. The engine
// handshake carries no local state; only the command value is validated.
func (q *Queue) SetState(cmd uint32) error {
	e := q.engine

	if cmd != CmdQueueSuspend && cmd != CmdQueueResume {
		return NewQueueError("set_state", q.id, CodeInvalidArgument,
			fmt.Sprintf("command %#x is not suspend or resume", cmd))
	}

	if err := e.services.Power.Busy(); err != nil {
		return q.wrapQueueErr("set_state", err)
	}
	defer e.services.Power.Idle(1)

	if err := e.services.Transport.Submit(cmd, uint32(q.id)); err != nil {
		return &Error{
			Op:    "set_state",
			Queue: q.id,
			Seq:   -1,
			Code:  CodeTransportError,
			Msg:   fmt.Sprintf("state command %#x rejected: %v", cmd, err),
			Inner: err,
		}
	}

	q.log.Debug("queue state changed", "cmd", cmd)
	return nil
}

// Suspend pauses engine-side processing of this queue.
func (q *Queue) Suspend() error {
	return q.SetState(CmdQueueSuspend)
}

// Resume restarts engine-side processing of this queue.
func (q *Queue) Resume() error {
	return q.SetState(CmdQueueResume)
}

// Dump writes a human-readable snapshot of the in-flight list.
func (q *Queue) Dump(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fmt.Fprintf(w, "queue[%d] counter[%d] sequence[%d] inflight[%d]\n",
		q.id, q.counterID, q.sequence, len(q.tasks))

	for i, t := range q.tasks {
		fmt.Fprintf(w, "  #%d task[%#08x] seq[%d] fence[%d] fence_counter[%d] state[%s]\n",
			i, t.TaskID(), t.sequence, t.fence, t.fenceCounter, t.State())
		for j, sf := range t.signalFences {
			fmt.Fprintf(w, "    signal[%d] counter[%d] value[%d]\n", j, sf.CounterID, sf.Value)
		}
	}
}

// Close aborts outstanding work, rejects further submissions, and drops the
// opener's reference. The queue itself is destroyed once the last task
// reference drains.
func (q *Queue) Close(ctx context.Context) error {
	err := q.Abort(ctx)

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.put()
	return err
}

// wrapQueueErr wraps a collaborator error, stamping this queue's id when the
// inner error carries none.
func (q *Queue) wrapQueueErr(op string, err error) *Error {
	werr := WrapError(op, err)
	if werr.Queue < 0 {
		werr.Queue = q.id
	}
	return werr
}
