package dla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-dla/internal/descriptor"
)

// newTestEngine opens an engine over a full mock service set with fast retry
// periods. tweak runs before Open and may adjust params or swap mocks out.
func newTestEngine(t *testing.T, tweak func(*Params, *MockServices)) (*Engine, *MockServices) {
	t.Helper()

	svc := NewMockServices()
	svc.Transport.SetCapabilities(Capabilities{SignalStride: true, SemaphoreTimestamp: true})

	params := DefaultParams()
	params.ArenaBase = 0x8000_0000
	params.AllocRetryPeriod = time.Millisecond
	params.AbortRetryPeriod = time.Millisecond

	if tweak != nil {
		tweak(&params, svc)
	}

	eng, err := Open(params, svc.Services(), &Options{LogLevel: "error", LogFormat: "json"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	return eng, svc
}

func newTestQueue(t *testing.T, eng *Engine) *Queue {
	t.Helper()
	q, err := eng.OpenQueue()
	require.NoError(t, err)
	return q
}

// parseStream decodes the action stream referenced by the list header at
// listOff of the task's descriptor slot.
func parseStream(t *testing.T, task *Task, listOff int) []descriptor.Action {
	t.Helper()

	var list descriptor.ActionList
	require.NoError(t, list.UnmarshalAt(task.buf, listOff))

	acts, err := descriptor.ParseActions(task.buf[int(list.Offset) : int(list.Offset)+int(list.Size)])
	require.NoError(t, err)
	return acts
}

func preActions(t *testing.T, task *Task) []descriptor.Action {
	t.Helper()
	return parseStream(t, task, task.queue.engine.layout.PreListOffset)
}

func postActions(t *testing.T, task *Task) []descriptor.Action {
	t.Helper()
	return parseStream(t, task, task.queue.engine.layout.PostListOffset)
}

// counterAddr mirrors MockCounterService.Address.
func counterAddr(id uint32) uint64 {
	return 0xf000_0000 + uint64(id)*4
}

func TestTaskFillBasic(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	task, err := q.NewTask(context.Background(), TaskSpec{})
	require.NoError(t, err)
	defer task.Release()

	assert.Equal(t, TaskStateFilled, task.State())
	assert.Equal(t, uint32(1), task.Sequence())
	assert.Equal(t, uint32(1), task.Fence(), "implicit signal reserves one increment")
	assert.Equal(t, uint32(q.ID())<<16|1, task.TaskID())
	assert.Empty(t, task.SignalFences())

	var desc descriptor.TaskDescriptor
	require.NoError(t, desc.UnmarshalFrom(task.buf))
	assert.Equal(t, uint8(descriptor.Version), desc.Version)
	assert.Equal(t, uint8(descriptor.EngineID), desc.EngineID)
	assert.Equal(t, uint16(eng.layout.Size), desc.Size)
	assert.Equal(t, uint32(1), desc.Sequence)
	assert.Equal(t, uint16(q.ID()), desc.QueueID)
	assert.Equal(t, uint64(0), desc.Next)
	assert.Equal(t, uint16(0), desc.NumAddresses)
	assert.Equal(t, uint64(DefaultTaskTimeout/time.Microsecond), desc.Timeout)

	// No waits or host writes: the pre stream is empty and the post
	// stream holds the notifier record plus the implicit counter signal.
	assert.Empty(t, preActions(t, task))

	post := postActions(t, task)
	require.Len(t, post, 2)
	assert.Equal(t, descriptor.OpWriteTaskStatus, post[0].Opcode)
	assert.Equal(t, uint64(task.addr)+uint64(eng.layout.NotificationOffset), post[0].Addr)
	assert.Equal(t, descriptor.OpWriteSemaphore, post[1].Opcode)
	assert.Equal(t, counterAddr(q.CounterID()), post[1].Addr)
	assert.Equal(t, uint32(1), post[1].Value)

	assert.Equal(t, 0, svc.Buffers.LivePins())
}

func TestTaskSequenceAdvances(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	for want := uint32(1); want <= 3; want++ {
		task, err := q.NewTask(context.Background(), TaskSpec{})
		require.NoError(t, err)
		assert.Equal(t, want, task.Sequence())
		task.Release()
	}
}

func TestTaskSignalFenceAssignment(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)
	cid := q.CounterID()

	h := BufferHandle(10)
	bufAddr := svc.Buffers.AddBuffer(h, 64)

	// Simulate earlier reservations so the base is not trivially equal to
	// the signal count.
	svc.Counters.Reserve(cid, 7)

	spec := TaskSpec{
		Prefences: []Fence{
			{Type: FenceSyncpoint, Action: FenceSignal},
		},
		Postfences: []Fence{
			{Type: FenceSemaphore, Action: FenceSignal, SemHandle: h, SemOffset: 4, SemValue: 123},
			{Type: FenceSyncpoint, Action: FenceSignal},
			{Type: FenceSyncFD, Action: FenceSignal, Handle: 99},
		},
	}
	task, err := q.NewTask(context.Background(), spec)
	require.NoError(t, err)
	defer task.Release()

	// Three counter-backed signals on top of max 7: targets hand out
	// backward from the new maximum, first encountered highest.
	assert.Equal(t, uint32(10), task.Fence())
	assert.Equal(t, []SignalFence{
		{CounterID: cid, Value: 10},
		{CounterID: cid, Value: 9},
		{CounterID: cid, Value: 8},
	}, task.SignalFences())
	assert.Equal(t, uint32(10), svc.Counters.ReadMax(cid))

	// The prefence signal closes the pre stream; every counter write
	// encodes value 1 since the counter window increments on write.
	pre := preActions(t, task)
	require.Len(t, pre, 1)
	assert.Equal(t, descriptor.OpWriteSemaphore, pre[0].Opcode)
	assert.Equal(t, counterAddr(cid), pre[0].Addr)
	assert.Equal(t, uint32(1), pre[0].Value)

	// Post: notifier, semaphore write, two counter writes. No implicit
	// signal since the task signals the counter itself.
	post := postActions(t, task)
	require.Len(t, post, 4)
	assert.Equal(t, descriptor.OpWriteTaskStatus, post[0].Opcode)
	assert.Equal(t, descriptor.OpWriteSemaphore, post[1].Opcode)
	assert.Equal(t, uint64(bufAddr)+4, post[1].Addr)
	assert.Equal(t, uint32(123), post[1].Value)
	for _, a := range post[2:] {
		assert.Equal(t, descriptor.OpWriteSemaphore, a.Opcode)
		assert.Equal(t, counterAddr(cid), a.Addr)
		assert.Equal(t, uint32(1), a.Value)
	}
}

func TestTaskPreStreamOrder(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h := BufferHandle(7)
	bufAddr := svc.Buffers.AddBuffer(h, 64)

	spec := TaskSpec{
		Prefences: []Fence{
			{Type: FenceSyncpoint, Action: FenceWait, CounterID: 5, Threshold: 42},
			{Type: FenceSyncpoint, Action: FenceSignal},
		},
		InputStatus:     []StatusEntry{{Handle: h, Offset: 0, Status: 7}},
		StartStatus:     []StatusEntry{{Handle: h, Offset: 16, Status: 3}},
		StartTimestamps: []TimestampEntry{{Handle: h, Offset: 32}},
	}
	task, err := q.NewTask(context.Background(), spec)
	require.NoError(t, err)

	pre := preActions(t, task)
	require.Len(t, pre, 5)

	assert.Equal(t, descriptor.OpSemaphoreGE, pre[0].Opcode)
	assert.Equal(t, counterAddr(5), pre[0].Addr)
	assert.Equal(t, uint32(42), pre[0].Value)

	assert.Equal(t, descriptor.OpTaskStatusEQ, pre[1].Opcode)
	assert.Equal(t, uint64(bufAddr), pre[1].Addr)
	assert.Equal(t, uint16(7), pre[1].Status)

	assert.Equal(t, descriptor.OpWriteTaskStatus, pre[2].Opcode)
	assert.Equal(t, uint64(bufAddr)+16, pre[2].Addr)
	assert.Equal(t, uint16(3), pre[2].Status)

	assert.Equal(t, descriptor.OpWriteTimestamp, pre[3].Opcode)
	assert.Equal(t, uint64(bufAddr)+32, pre[3].Addr)

	// The prefence signal is last, after every host write.
	assert.Equal(t, descriptor.OpWriteSemaphore, pre[4].Opcode)
	assert.Equal(t, counterAddr(q.CounterID()), pre[4].Addr)

	// Post side carries only the notifier record.
	post := postActions(t, task)
	require.Len(t, post, 1)
	assert.Equal(t, descriptor.OpWriteTaskStatus, post[0].Opcode)

	assert.Equal(t, 3, svc.Buffers.PinCalls())
	assert.Equal(t, 3, svc.Buffers.LivePins())

	task.Release()
	assert.Equal(t, 0, svc.Buffers.LivePins())
	assert.Equal(t, 3, svc.Buffers.UnpinCalls())
}

func TestTaskPreStreamWaitSignalOnly(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	task, err := q.NewTask(context.Background(), TaskSpec{
		Prefences: []Fence{
			{Type: FenceSyncpoint, Action: FenceWait, CounterID: 3, Threshold: 9},
			{Type: FenceSyncpoint, Action: FenceSignal},
		},
	})
	require.NoError(t, err)
	defer task.Release()

	// With no status or timestamp entries the stream is one wait record, one
	// signal record and the terminator, nothing else.
	var list descriptor.ActionList
	require.NoError(t, list.UnmarshalAt(task.buf, eng.layout.PreListOffset))
	assert.Equal(t, uint16(eng.layout.PreActionsOffset), list.Offset)
	wantSize := 2*(descriptor.OpcodeSize+descriptor.SemaphorePayloadSize) + descriptor.OpcodeSize
	assert.Equal(t, uint16(wantSize), list.Size)

	pre := preActions(t, task)
	require.Len(t, pre, 2)
	assert.Equal(t, descriptor.OpSemaphoreGE, pre[0].Opcode)
	assert.Equal(t, counterAddr(3), pre[0].Addr)
	assert.Equal(t, uint32(9), pre[0].Value)
	assert.Equal(t, descriptor.OpWriteSemaphore, pre[1].Opcode)
	assert.Equal(t, counterAddr(q.CounterID()), pre[1].Addr)
}

func TestTaskPostStreamOrder(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h := BufferHandle(8)
	bufAddr := svc.Buffers.AddBuffer(h, 128)

	spec := TaskSpec{
		EndStatus:     []StatusEntry{{Handle: h, Offset: 0, Status: 1}},
		EndTimestamps: []TimestampEntry{{Handle: h, Offset: 64}},
		Postfences: []Fence{
			{Type: FenceSemaphore, Action: FenceSignal, SemHandle: h, SemOffset: 96, SemValue: 9},
		},
	}
	task, err := q.NewTask(context.Background(), spec)
	require.NoError(t, err)
	defer task.Release()

	post := postActions(t, task)
	require.Len(t, post, 5)

	// Notifier first so profiling data lands before any consumer-visible
	// signal, then timestamps, status writes, postfence signals, and the
	// implicit counter signal last.
	assert.Equal(t, descriptor.OpWriteTaskStatus, post[0].Opcode)
	assert.Equal(t, uint64(task.addr)+uint64(eng.layout.NotificationOffset), post[0].Addr)

	assert.Equal(t, descriptor.OpWriteTimestamp, post[1].Opcode)
	assert.Equal(t, uint64(bufAddr)+64, post[1].Addr)

	assert.Equal(t, descriptor.OpWriteTaskStatus, post[2].Opcode)
	assert.Equal(t, uint64(bufAddr), post[2].Addr)
	assert.Equal(t, uint16(1), post[2].Status)

	assert.Equal(t, descriptor.OpWriteSemaphore, post[3].Opcode)
	assert.Equal(t, uint64(bufAddr)+96, post[3].Addr)
	assert.Equal(t, uint32(9), post[3].Value)

	assert.Equal(t, descriptor.OpWriteSemaphore, post[4].Opcode)
	assert.Equal(t, counterAddr(q.CounterID()), post[4].Addr)
	assert.Equal(t, uint32(1), post[4].Value)
}

func TestTaskSemaphoreFenceVariants(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h := BufferHandle(3)
	bufAddr := svc.Buffers.AddBuffer(h, 64)

	spec := TaskSpec{
		Prefences: []Fence{
			{Type: FenceSemaphore, Action: FenceWait, SemHandle: h, SemOffset: 0, SemValue: 5},
		},
		Postfences: []Fence{
			{Type: FenceSemaphore, Action: FenceSignalStride, SemHandle: h, SemOffset: 8, SemValue: 2},
			{Type: FenceSemaphoreTS, Action: FenceSignal, SemHandle: h, SemOffset: 16, SemValue: 1},
		},
	}
	task, err := q.NewTask(context.Background(), spec)
	require.NoError(t, err)
	defer task.Release()

	pre := preActions(t, task)
	require.Len(t, pre, 1)
	assert.Equal(t, descriptor.OpSemaphoreGE, pre[0].Opcode)
	assert.Equal(t, uint64(bufAddr), pre[0].Addr)
	assert.Equal(t, uint32(5), pre[0].Value)

	post := postActions(t, task)
	require.Len(t, post, 4)
	assert.Equal(t, descriptor.OpIncrementSemaphore, post[1].Opcode)
	assert.Equal(t, uint64(bufAddr)+8, post[1].Addr)
	assert.Equal(t, uint32(2), post[1].Value)
	assert.Equal(t, descriptor.OpWriteTimestampSemaphore, post[2].Opcode)
	assert.Equal(t, uint64(bufAddr)+16, post[2].Addr)
	// Implicit completion signal: semaphore fences never advance the
	// counter.
	assert.Equal(t, descriptor.OpWriteSemaphore, post[3].Opcode)
	assert.Equal(t, counterAddr(q.CounterID()), post[3].Addr)

	assert.Empty(t, task.SignalFences())
}

func TestTaskSyncFDWaitResolution(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	svc.FenceSet.AddFence(77,
		SyncPoint{CounterID: 3, Threshold: 100},
		SyncPoint{CounterID: 4, Threshold: 200},
	)

	spec := TaskSpec{
		Prefences: []Fence{{Type: FenceSyncFD, Action: FenceWait, Handle: 77}},
	}
	task, err := q.NewTask(context.Background(), spec)
	require.NoError(t, err)
	defer task.Release()

	pre := preActions(t, task)
	require.Len(t, pre, 2)
	assert.Equal(t, descriptor.OpSemaphoreGE, pre[0].Opcode)
	assert.Equal(t, counterAddr(3), pre[0].Addr)
	assert.Equal(t, uint32(100), pre[0].Value)
	assert.Equal(t, descriptor.OpSemaphoreGE, pre[1].Opcode)
	assert.Equal(t, counterAddr(4), pre[1].Addr)
	assert.Equal(t, uint32(200), pre[1].Value)

	// An unresolvable handle fails the fill and leaves nothing pinned or
	// reserved.
	_, err = q.NewTask(context.Background(), TaskSpec{
		Prefences: []Fence{{Type: FenceSyncFD, Action: FenceWait, Handle: 666}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidFence))
	assert.Equal(t, 0, svc.Buffers.LivePins())
}

func TestTaskSyncFDExpansionBudget(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	// Entry-count validation passes (one prefence), but the set expands
	// to one wait record more than the pre stream can hold.
	pts := make([]SyncPoint, eng.layout.Limits.Prefences+1)
	for i := range pts {
		pts[i] = SyncPoint{CounterID: uint32(i + 1), Threshold: 1}
	}
	svc.FenceSet.AddFence(55, pts...)

	_, err := q.NewTask(context.Background(), TaskSpec{
		Prefences: []Fence{{Type: FenceSyncFD, Action: FenceWait, Handle: 55}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidFence), "got %v", err)
	assert.Equal(t, 0, svc.Buffers.LivePins())
	assert.Equal(t, eng.pool.Capacity(), eng.pool.Available())
}

func TestTaskValidation(t *testing.T) {
	manyFences := func(n int) []Fence {
		out := make([]Fence, n)
		for i := range out {
			out[i] = Fence{Type: FenceSyncpoint, Action: FenceSignal}
		}
		return out
	}

	cases := []struct {
		name     string
		spec     TaskSpec
		wantCode ErrorCode
		caps     *Capabilities
		noFence  bool
	}{
		{
			name:     "too many prefences",
			spec:     TaskSpec{Prefences: manyFences(MaxPrefencesPerTask + 1)},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "too many postfences",
			spec:     TaskSpec{Postfences: manyFences(MaxPostfencesPerTask + 1)},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "too many memory entries",
			spec:     TaskSpec{Memory: make([]MemoryEntry, MaxBuffersPerTask+1)},
			wantCode: CodeInvalidArgument,
		},
		{
			name: "wait-tagged postfence",
			spec: TaskSpec{
				Postfences: []Fence{{Type: FenceSyncpoint, Action: FenceWait}},
			},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "negative timeout",
			spec:     TaskSpec{Timeout: -time.Second},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "memory entry without handle",
			spec:     TaskSpec{Memory: []MemoryEntry{{Handle: 0}}},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "status entry without handle",
			spec:     TaskSpec{InputStatus: []StatusEntry{{Handle: 0}}},
			wantCode: CodeInvalidArgument,
		},
		{
			name:     "timestamp entry without handle",
			spec:     TaskSpec{EndTimestamps: []TimestampEntry{{Handle: 0}}},
			wantCode: CodeInvalidArgument,
		},
		{
			name: "sync fd fence without handle",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceSyncFD, Action: FenceWait}},
			},
			wantCode: CodeInvalidFence,
		},
		{
			name: "sync fd wait without resolver",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceSyncFD, Action: FenceWait, Handle: 5}},
			},
			wantCode: CodeInvalidFence,
			noFence:  true,
		},
		{
			name: "semaphore fence without handle",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceSemaphore, Action: FenceWait}},
			},
			wantCode: CodeInvalidArgument,
		},
		{
			name: "stride without capability",
			spec: TaskSpec{
				Postfences: []Fence{{Type: FenceSemaphore, Action: FenceSignalStride, SemHandle: 1}},
			},
			wantCode: CodeInvalidArgument,
			caps:     &Capabilities{},
		},
		{
			name: "timestamp semaphore without capability",
			spec: TaskSpec{
				Postfences: []Fence{{Type: FenceSemaphoreTS, Action: FenceSignal, SemHandle: 1}},
			},
			wantCode: CodeInvalidArgument,
			caps:     &Capabilities{},
		},
		{
			name: "unknown fence type",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceType(99), Action: FenceWait}},
			},
			wantCode: CodeInvalidArgument,
		},
		{
			name: "unknown fence action",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceSyncpoint, Action: FenceAction(99)}},
			},
			wantCode: CodeInvalidArgument,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, svc := newTestEngine(t, func(p *Params, s *MockServices) {
				if tc.caps != nil {
					s.Transport.SetCapabilities(*tc.caps)
				}
				if tc.noFence {
					s.FenceSet = nil
				}
			})
			q := newTestQueue(t, eng)

			_, err := q.NewTask(context.Background(), tc.spec)
			require.Error(t, err)
			assert.True(t, IsCode(err, tc.wantCode), "got %v", err)

			// Validation runs before any allocation.
			assert.Equal(t, 0, svc.Buffers.LivePins())
			assert.Equal(t, eng.pool.Capacity(), eng.pool.Available())
		})
	}
}

func TestTaskPinFailureUnwind(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)
	cid := q.CounterID()

	h1, h2, h3 := BufferHandle(1), BufferHandle(2), BufferHandle(3)
	svc.Buffers.AddBuffer(h1, 64)
	svc.Buffers.AddBuffer(h2, 64)
	svc.Buffers.AddBuffer(h3, 64)
	svc.Buffers.FailPin(h3, errors.New("iommu fault"))

	spec := TaskSpec{
		InputStatus: []StatusEntry{{Handle: h1, Offset: 0}},
		StartStatus: []StatusEntry{{Handle: h2, Offset: 0}},
		Memory:      []MemoryEntry{{Handle: h3}},
	}
	_, err := q.NewTask(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePinFailure), "got %v", err)

	// Both successful pins were unwound, one unpin call per pin call.
	assert.Equal(t, 0, svc.Buffers.LivePins())
	assert.Equal(t, 2, svc.Buffers.UnpinCalls())

	// The failure happened before the counter reservation, so no
	// compensation advance was needed and the max is untouched.
	assert.Equal(t, uint32(0), svc.Counters.ReadMax(cid))
	assert.Equal(t, uint32(0), svc.Counters.ReadCurrent(cid))

	// The descriptor slot went back to the pool.
	assert.Equal(t, eng.pool.Capacity(), eng.pool.Available())
}

func TestTaskUnpinFailureDoesNotBlockOthers(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h1, h2 := BufferHandle(1), BufferHandle(2)
	svc.Buffers.AddBuffer(h1, 64)
	svc.Buffers.AddBuffer(h2, 64)
	svc.Buffers.FailUnpin(h1, errors.New("stuck mapping"))

	task, err := q.NewTask(context.Background(), TaskSpec{
		Memory: []MemoryEntry{{Handle: h1}, {Handle: h2}},
	})
	require.NoError(t, err)

	task.Release()

	// The h1 unpin failed but h2's was still attempted and succeeded.
	assert.Equal(t, 2, svc.Buffers.UnpinCalls())
	assert.Equal(t, 1, svc.Buffers.PinCount(h1))
	assert.Equal(t, 0, svc.Buffers.PinCount(h2))

	snap := eng.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.UnpinErrors)
}

func TestTaskOffsetBoundsChecked(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h := BufferHandle(4)
	svc.Buffers.AddBuffer(h, 16)

	cases := []struct {
		name string
		spec TaskSpec
	}{
		{
			name: "status record past end",
			spec: TaskSpec{InputStatus: []StatusEntry{{Handle: h, Offset: 8}}},
		},
		{
			name: "timestamp past end",
			spec: TaskSpec{StartTimestamps: []TimestampEntry{{Handle: h, Offset: 12}}},
		},
		{
			name: "semaphore word past end",
			spec: TaskSpec{
				Prefences: []Fence{{Type: FenceSemaphore, Action: FenceWait, SemHandle: h, SemOffset: 16}},
			},
		},
		{
			name: "timestamp semaphore needs room for the stamp",
			spec: TaskSpec{
				Postfences: []Fence{{Type: FenceSemaphoreTS, Action: FenceSignal, SemHandle: h, SemOffset: 4, SemValue: 1}},
			},
		},
		{
			name: "memory entry offset past end",
			spec: TaskSpec{Memory: []MemoryEntry{{Handle: h, Offset: 16}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.NewTask(context.Background(), tc.spec)
			require.Error(t, err)
			assert.True(t, IsCode(err, CodeInvalidArgument), "got %v", err)
			assert.Equal(t, 0, svc.Buffers.LivePins())
		})
	}
}

func TestTaskAllocRetryExhaustion(t *testing.T) {
	eng, _ := newTestEngine(t, func(p *Params, s *MockServices) {
		p.TaskPoolCapacity = 1
		p.AllocRetries = 3
	})
	q := newTestQueue(t, eng)

	holder, err := q.NewTask(context.Background(), TaskSpec{})
	require.NoError(t, err)
	defer holder.Release()

	_, err = q.NewTask(context.Background(), TaskSpec{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeResourceExhausted), "got %v", err)

	// Attempts 1 and 2 recorded a retry before sleeping; attempt 3 gave up.
	assert.Equal(t, uint64(2), eng.MetricsSnapshot().AllocRetries)
}

func TestTaskAllocRespectsContext(t *testing.T) {
	eng, _ := newTestEngine(t, func(p *Params, s *MockServices) {
		p.TaskPoolCapacity = 1
	})
	q := newTestQueue(t, eng)

	holder, err := q.NewTask(context.Background(), TaskSpec{})
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.NewTask(ctx, TaskSpec{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTimeout), "got %v", err)
}

func TestTaskReleaseUnsubmittedBurnsReservation(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)
	cid := q.CounterID()

	t1, err := q.NewTask(context.Background(), TaskSpec{})
	require.NoError(t, err)
	t2, err := q.NewTask(context.Background(), TaskSpec{})
	require.NoError(t, err)

	assert.Equal(t, uint32(1), t1.Fence())
	assert.Equal(t, uint32(2), t2.Fence())

	// Releasing without submitting advances the counter over the burned
	// reservation so later targets stay reachable.
	t1.Release()
	assert.Equal(t, uint32(1), svc.Counters.ReadCurrent(cid))
	assert.Equal(t, TaskStateCompleted, t1.State())

	t2.Release()
	assert.Equal(t, uint32(2), svc.Counters.ReadCurrent(cid))
	assert.Equal(t, svc.Counters.ReadMax(cid), svc.Counters.ReadCurrent(cid))

	// Slots are back.
	assert.Equal(t, eng.pool.Capacity(), eng.pool.Available())
}

func TestTaskAddressList(t *testing.T) {
	eng, svc := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	h := BufferHandle(12)
	bufAddr := svc.Buffers.AddBuffer(h, 4096)

	task, err := q.NewTask(context.Background(), TaskSpec{
		Memory: []MemoryEntry{
			{Internal: true, Offset: 0x100},
			{Handle: h, Offset: 8},
		},
	})
	require.NoError(t, err)
	defer task.Release()

	var desc descriptor.TaskDescriptor
	require.NoError(t, desc.UnmarshalFrom(task.buf))
	assert.Equal(t, uint16(2), desc.NumAddresses)
	assert.Equal(t, uint64(task.addr)+uint64(eng.layout.AddressListOffset), desc.AddressList)

	e0, err := descriptor.AddressEntry(task.buf, eng.layout.AddressListOffset, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(task.addr)+0x100, e0, "internal entries resolve inside the slot")

	e1, err := descriptor.AddressEntry(task.buf, eng.layout.AddressListOffset, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(bufAddr)+8, e1)

	// Internal entries are never pinned.
	assert.Equal(t, 1, svc.Buffers.PinCalls())
}

func TestTaskDescriptorFlagsAndTimeout(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	q := newTestQueue(t, eng)

	task, err := q.NewTask(context.Background(), TaskSpec{
		Timeout:    250 * time.Millisecond,
		BypassExec: true,
	})
	require.NoError(t, err)
	defer task.Release()

	var desc descriptor.TaskDescriptor
	require.NoError(t, desc.UnmarshalFrom(task.buf))
	assert.Equal(t, uint64(250_000), desc.Timeout, "timeout is in microseconds")
	assert.NotZero(t, desc.Flags&descriptor.FlagBypassExec)
}
