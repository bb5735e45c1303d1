package dla

import (
	"fmt"
	"sync"
)

// MockBufferService provides an in-memory BufferService for testing. Handles
// are registered up front with AddBuffer; pin and unpin calls are counted
// and can be made to fail per handle.
type MockBufferService struct {
	mu       sync.Mutex
	nextAddr uint64
	sizes    map[BufferHandle]uint64
	addrs    map[BufferHandle]DMAAddress
	pins     map[BufferHandle]int

	failPin   map[BufferHandle]error
	failUnpin map[BufferHandle]error

	pinCalls   int
	unpinCalls int
}

// NewMockBufferService creates an empty buffer table. Addresses are handed
// out from a fixed base, one aligned range per registered handle.
func NewMockBufferService() *MockBufferService {
	return &MockBufferService{
		nextAddr:  0x1000_0000,
		sizes:     make(map[BufferHandle]uint64),
		addrs:     make(map[BufferHandle]DMAAddress),
		pins:      make(map[BufferHandle]int),
		failPin:   make(map[BufferHandle]error),
		failUnpin: make(map[BufferHandle]error),
	}
}

// AddBuffer registers a handle of the given size and returns the bus address
// pins of it will resolve to.
func (m *MockBufferService) AddBuffer(h BufferHandle, size uint64) DMAAddress {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := DMAAddress(m.nextAddr)
	m.nextAddr += (size + 0xfff) &^ uint64(0xfff)
	if size == 0 {
		m.nextAddr += 0x1000
	}
	m.sizes[h] = size
	m.addrs[h] = addr
	return addr
}

// FailPin makes every pin of the handle return err.
func (m *MockBufferService) FailPin(h BufferHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPin[h] = err
}

// FailUnpin makes every unpin of the handle return err.
func (m *MockBufferService) FailUnpin(h BufferHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUnpin[h] = err
}

// PinBuffers implements BufferService. All handles must resolve; the
// returned address and size describe the first handle.
func (m *MockBufferService) PinBuffers(handles []BufferHandle) (DMAAddress, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinCalls++

	if len(handles) == 0 {
		return 0, 0, fmt.Errorf("mock: empty pin set")
	}
	for _, h := range handles {
		if err := m.failPin[h]; err != nil {
			return 0, 0, err
		}
		if _, ok := m.addrs[h]; !ok {
			return 0, 0, fmt.Errorf("mock: unknown buffer handle %d", h)
		}
	}
	for _, h := range handles {
		m.pins[h]++
	}
	return m.addrs[handles[0]], m.sizes[handles[0]], nil
}

// UnpinBuffers implements BufferService.
func (m *MockBufferService) UnpinBuffers(handles []BufferHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unpinCalls++

	for _, h := range handles {
		if err := m.failUnpin[h]; err != nil {
			return err
		}
	}
	for _, h := range handles {
		m.pins[h]--
	}
	return nil
}

// Testing utility methods

// PinCalls returns how many PinBuffers calls were made, failed included.
func (m *MockBufferService) PinCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinCalls
}

// UnpinCalls returns how many UnpinBuffers calls were made, failed included.
func (m *MockBufferService) UnpinCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unpinCalls
}

// LivePins returns the total number of pins not yet matched by an unpin.
func (m *MockBufferService) LivePins() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.pins {
		n += c
	}
	return n
}

// PinCount returns the live pin count of one handle.
func (m *MockBufferService) PinCount(h BufferHandle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins[h]
}

// MockCounterService implements CounterService over plain in-memory
// counters with serial-number comparison, the same arithmetic the hardware
// counter block uses.
type MockCounterService struct {
	mu        sync.Mutex
	nextID    uint32
	allocated map[uint32]bool
	current   map[uint32]uint32
	max       map[uint32]uint32

	failAlloc error
	releases  int
}

// NewMockCounterService creates an empty counter table.
func NewMockCounterService() *MockCounterService {
	return &MockCounterService{
		allocated: make(map[uint32]bool),
		current:   make(map[uint32]uint32),
		max:       make(map[uint32]uint32),
	}
}

// FailAlloc makes every Alloc return err until cleared with nil.
func (m *MockCounterService) FailAlloc(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlloc = err
}

// Alloc implements CounterService.
func (m *MockCounterService) Alloc() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAlloc != nil {
		return 0, m.failAlloc
	}
	id := m.nextID
	m.nextID++
	m.allocated[id] = true
	m.current[id] = 0
	m.max[id] = 0
	return id, nil
}

// Release implements CounterService.
func (m *MockCounterService) Release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocated, id)
	m.releases++
}

// ReadCurrent implements CounterService.
func (m *MockCounterService) ReadCurrent(id uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[id]
}

// ReadMax implements CounterService.
func (m *MockCounterService) ReadMax(id uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max[id]
}

// Reserve implements CounterService.
func (m *MockCounterService) Reserve(id, n uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.max[id] += n
	return m.max[id]
}

// IsExpired implements CounterService using wraparound-safe comparison.
func (m *MockCounterService) IsExpired(id, target uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[id]-target < 0x8000_0000
}

// ForceAdvance implements CounterService. The counter never moves backward.
func (m *MockCounterService) ForceAdvance(id, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value-m.current[id] < 0x8000_0000 {
		m.current[id] = value
	}
}

// Address implements CounterService with a fixed window base.
func (m *MockCounterService) Address(id uint32) DMAAddress {
	return DMAAddress(0xf000_0000 + uint64(id)*4)
}

// Testing utility methods

// Advance raises the counter's visible value by n, as executing hardware
// signals would.
func (m *MockCounterService) Advance(id, n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[id] += n
}

// Releases returns how many counters were released.
func (m *MockCounterService) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

// Allocated reports whether the counter id is currently allocated.
func (m *MockCounterService) Allocated(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated[id]
}

// MockNotifier records completion callbacks; tests fire them explicitly
// after advancing the counter.
type MockNotifier struct {
	mu           sync.Mutex
	failRegister error
	regs         []mockRegistration
}

type mockRegistration struct {
	counterID uint32
	target    uint32
	fn        func()
}

// NewMockNotifier creates an empty registration table.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// FailRegister makes the next RegisterNotifier call return err.
func (m *MockNotifier) FailRegister(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRegister = err
}

// RegisterNotifier implements Notifier.
func (m *MockNotifier) RegisterNotifier(counterID, target uint32, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failRegister != nil {
		err := m.failRegister
		m.failRegister = nil
		return err
	}
	m.regs = append(m.regs, mockRegistration{counterID, target, fn})
	return nil
}

// Testing utility methods

// Fire invokes and removes every callback registered on the counter. The
// callbacks run without the mock's lock held.
func (m *MockNotifier) Fire(counterID uint32) {
	m.mu.Lock()
	var fns []func()
	kept := m.regs[:0]
	for _, r := range m.regs {
		if r.counterID == counterID {
			fns = append(fns, r.fn)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(m.regs); i++ {
		m.regs[i] = mockRegistration{}
	}
	m.regs = kept
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// FireAll invokes and removes every registered callback.
func (m *MockNotifier) FireAll() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.regs))
	for _, r := range m.regs {
		fns = append(fns, r.fn)
	}
	m.regs = nil
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Registrations returns how many callbacks are currently registered.
func (m *MockNotifier) Registrations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

// Registered reports whether a callback exists for the counter and target.
func (m *MockNotifier) Registered(counterID, target uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regs {
		if r.counterID == counterID && r.target == target {
			return true
		}
	}
	return false
}

// SubmitRecord is one captured transport submission.
type SubmitRecord struct {
	MethodID   uint32
	MethodData uint32
}

// MockTransport records submissions and lets tests inject busy flushes,
// submit failures, and capability flags.
type MockTransport struct {
	mu      sync.Mutex
	submits []SubmitRecord
	flushes []uint16

	failSubmit  error
	busyFlushes int
	failFlush   error

	caps Capabilities
}

// NewMockTransport creates a transport that accepts everything.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// FailNextSubmit makes the next Submit call return err.
func (m *MockTransport) FailNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmit = err
}

// BusyFlushes makes the next n Flush calls report a busy processor.
func (m *MockTransport) BusyFlushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyFlushes = n
}

// FailNextFlush makes the next Flush call return err outright.
func (m *MockTransport) FailNextFlush(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFlush = err
}

// SetCapabilities sets what Capabilities reports.
func (m *MockTransport) SetCapabilities(caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

// Submit implements Transport.
func (m *MockTransport) Submit(methodID, methodData uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSubmit != nil {
		err := m.failSubmit
		m.failSubmit = nil
		return err
	}
	m.submits = append(m.submits, SubmitRecord{methodID, methodData})
	return nil
}

// Flush implements Transport.
func (m *MockTransport) Flush(queueID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushes = append(m.flushes, queueID)
	if m.busyFlushes > 0 {
		m.busyFlushes--
		return NewError("flush", CodeBusy, "engine processor busy")
	}
	if m.failFlush != nil {
		err := m.failFlush
		m.failFlush = nil
		return err
	}
	return nil
}

// Capabilities implements CapabilityReporter.
func (m *MockTransport) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Testing utility methods

// Submits returns a copy of every recorded submission in order.
func (m *MockTransport) Submits() []SubmitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubmitRecord, len(m.submits))
	copy(out, m.submits)
	return out
}

// FlushCalls returns how many Flush calls were made.
func (m *MockTransport) FlushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flushes)
}

// MockFenceSet resolves file-descriptor-backed fence handles to sync points
// registered with AddFence.
type MockFenceSet struct {
	mu          sync.Mutex
	points      map[uint32][]SyncPoint
	failResolve map[uint32]error
}

// NewMockFenceSet creates an empty fence table.
func NewMockFenceSet() *MockFenceSet {
	return &MockFenceSet{
		points:      make(map[uint32][]SyncPoint),
		failResolve: make(map[uint32]error),
	}
}

// AddFence registers the sync points behind a fence handle.
func (m *MockFenceSet) AddFence(handle uint32, points ...SyncPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[handle] = points
}

// FailResolve makes resolution of the handle return err.
func (m *MockFenceSet) FailResolve(handle uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failResolve[handle] = err
}

// ForEachPoint implements FenceSet.
func (m *MockFenceSet) ForEachPoint(handle uint32, fn func(SyncPoint) error) error {
	m.mu.Lock()
	if err := m.failResolve[handle]; err != nil {
		m.mu.Unlock()
		return err
	}
	points, ok := m.points[handle]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("mock: unknown fence handle %d", handle)
	}
	for _, pt := range points {
		if err := fn(pt); err != nil {
			return err
		}
	}
	return nil
}

// MockPower counts busy tokens so tests can assert the busy/idle balance.
type MockPower struct {
	mu          sync.Mutex
	failBusy    error
	busyCalls   int
	idleTokens  int
	outstanding int
}

// NewMockPower creates a power manager that always powers on.
func NewMockPower() *MockPower {
	return &MockPower{}
}

// FailBusy makes the next Busy call return err.
func (m *MockPower) FailBusy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failBusy = err
}

// Busy implements PowerManager.
func (m *MockPower) Busy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failBusy != nil {
		err := m.failBusy
		m.failBusy = nil
		return err
	}
	m.busyCalls++
	m.outstanding++
	return nil
}

// Idle implements PowerManager.
func (m *MockPower) Idle(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTokens += n
	m.outstanding -= n
}

// Testing utility methods

// Outstanding returns busy tokens not yet returned by Idle.
func (m *MockPower) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// BusyCalls returns how many successful Busy calls were made.
func (m *MockPower) BusyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyCalls
}

// MockServices bundles one of each mock, wired together the way Open
// expects them.
type MockServices struct {
	Buffers   *MockBufferService
	Counters  *MockCounterService
	Notifier  *MockNotifier
	Transport *MockTransport
	FenceSet  *MockFenceSet
	Power     *MockPower
}

// NewMockServices creates a full mock service set.
func NewMockServices() *MockServices {
	return &MockServices{
		Buffers:   NewMockBufferService(),
		Counters:  NewMockCounterService(),
		Notifier:  NewMockNotifier(),
		Transport: NewMockTransport(),
		FenceSet:  NewMockFenceSet(),
		Power:     NewMockPower(),
	}
}

// Services returns the bundle as the Services value Open takes. Mocks set
// to nil are left out entirely rather than passed as typed nils.
func (s *MockServices) Services() Services {
	svc := Services{
		Buffers:   s.Buffers,
		Counters:  s.Counters,
		Notifier:  s.Notifier,
		Transport: s.Transport,
	}
	if s.FenceSet != nil {
		svc.FenceSet = s.FenceSet
	}
	if s.Power != nil {
		svc.Power = s.Power
	}
	return svc
}

// Compile-time interface checks
var (
	_ BufferService      = (*MockBufferService)(nil)
	_ CounterService     = (*MockCounterService)(nil)
	_ Notifier           = (*MockNotifier)(nil)
	_ Transport          = (*MockTransport)(nil)
	_ CapabilityReporter = (*MockTransport)(nil)
	_ FenceSet           = (*MockFenceSet)(nil)
	_ PowerManager       = (*MockPower)(nil)
)
