// Package dla implements host-side task submission for a fixed-function
// inference accelerator. The engine owns a DMA-visible arena of task
// descriptors, a pool of ordered queues, and the sync-counter bookkeeping
// that ties completed hardware work back to host-side reclamation.
//
// The hardware itself is abstracted behind the Services interfaces; see
// the emu package for a software engine that executes descriptors.
package dla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-dla/internal/constants"
	"github.com/ehrlich-b/go-dla/internal/descriptor"
	"github.com/ehrlich-b/go-dla/internal/logging"
	"github.com/ehrlich-b/go-dla/internal/taskmem"
)

// Params configures an engine instance. The zero value of any field falls
// back to its DefaultParams value.
type Params struct {
	// Pool geometry.

	// TaskPoolCapacity is the number of descriptor slots shared by all
	// queues of this engine.
	TaskPoolCapacity int

	// MaxQueues bounds how many queues may be open at once.
	MaxQueues int

	// ArenaBase is the engine-visible address of descriptor slot 0. A
	// transport that executes descriptors out of host memory (the
	// emulator) maps the same region at this address.
	ArenaBase uint64

	// Task defaults.

	// TaskTimeout is written into descriptors whose spec carries no
	// explicit timeout. The engine firmware enforces it.
	TaskTimeout time.Duration

	// Retry budgets.

	// AllocRetries and AllocRetryPeriod bound the wait for a free
	// descriptor slot before task creation fails with ResourceExhausted.
	AllocRetries     int
	AllocRetryPeriod time.Duration

	// AbortRetries and AbortRetryPeriod bound the abort flush loop while
	// the engine processor reports busy.
	AbortRetries     int
	AbortRetryPeriod time.Duration
}

// DefaultParams returns the stock engine configuration.
func DefaultParams() Params {
	return Params{
		TaskPoolCapacity: constants.DefaultTaskPoolCapacity,
		MaxQueues:        constants.DefaultMaxQueues,
		TaskTimeout:      constants.DefaultTaskTimeout,
		AllocRetries:     constants.TaskAllocRetries,
		AllocRetryPeriod: constants.TaskAllocRetryPeriod,
		AbortRetries:     constants.AbortRetryCount,
		AbortRetryPeriod: constants.AbortRetryPeriod,
	}
}

func (p *Params) applyDefaults() {
	def := DefaultParams()
	if p.TaskPoolCapacity == 0 {
		p.TaskPoolCapacity = def.TaskPoolCapacity
	}
	if p.MaxQueues == 0 {
		p.MaxQueues = def.MaxQueues
	}
	if p.TaskTimeout == 0 {
		p.TaskTimeout = def.TaskTimeout
	}
	if p.AllocRetries == 0 {
		p.AllocRetries = def.AllocRetries
	}
	if p.AllocRetryPeriod == 0 {
		p.AllocRetryPeriod = def.AllocRetryPeriod
	}
	if p.AbortRetries == 0 {
		p.AbortRetries = def.AbortRetries
	}
	if p.AbortRetryPeriod == 0 {
		p.AbortRetryPeriod = def.AbortRetryPeriod
	}
}

func (p *Params) validate() error {
	if p.TaskPoolCapacity < 0 {
		return NewError("open", CodeInvalidArgument,
			fmt.Sprintf("task pool capacity %d is negative", p.TaskPoolCapacity))
	}
	if p.MaxQueues < 0 {
		return NewError("open", CodeInvalidArgument,
			fmt.Sprintf("max queues %d is negative", p.MaxQueues))
	}
	if p.TaskTimeout < 0 || p.AllocRetryPeriod < 0 || p.AbortRetryPeriod < 0 {
		return NewError("open", CodeInvalidArgument, "negative duration in params")
	}
	if p.AllocRetries < 0 || p.AbortRetries < 0 {
		return NewError("open", CodeInvalidArgument, "negative retry budget in params")
	}
	return nil
}

// Options carries optional engine wiring.
type Options struct {
	// LogLevel is one of "debug", "info", "warn", "error". Empty means
	// "info".
	LogLevel string

	// LogFormat is "json" or "text". Empty means "text".
	LogFormat string

	// LogOutput defaults to stderr.
	LogOutput io.Writer

	// Observer receives lifecycle events in addition to the engine's own
	// metrics, which are always collected.
	Observer Observer
}

// EngineState reports whether an engine still accepts work.
type EngineState string

const (
	EngineStateRunning EngineState = "running"
	EngineStateClosed  EngineState = "closed"
)

// Engine is the top-level submission engine. One Engine corresponds to one
// hardware instance: one descriptor arena, one queue table, one transport.
type Engine struct {
	params   Params
	services Services
	caps     Capabilities
	layout   descriptor.Layout

	pool   *taskmem.Pool
	queues *queuePool

	metrics  *Metrics
	observer Observer
	log      *logging.Logger

	closed atomic.Bool
}

// Open builds an engine over the given hardware services.
//
// Buffers, Counters, Notifier and Transport are required; FenceSet is only
// needed when tasks carry file-descriptor-backed fences, and a nil Power
// manager means the engine is treated as always powered.
//
//	eng, err := dla.Open(dla.DefaultParams(), services, nil)
//	if err != nil { ... }
//	defer eng.Close(context.Background())
//	q, err := eng.OpenQueue()
func Open(params Params, services Services, options *Options) (*Engine, error) {
	if services.Buffers == nil || services.Counters == nil ||
		services.Notifier == nil || services.Transport == nil {
		return nil, NewError("open", CodeInvalidArgument,
			"buffers, counters, notifier, and transport services are required")
	}

	params.applyDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}

	if services.Power == nil {
		services.Power = noopPower{}
	}

	layout := descriptor.DefaultLayout()
	pool, err := taskmem.NewPool(params.TaskPoolCapacity, layout.Size, params.ArenaBase)
	if err != nil {
		return nil, WrapError("open", err)
	}

	var caps Capabilities
	if rep, ok := services.Transport.(CapabilityReporter); ok {
		caps = rep.Capabilities()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	e := &Engine{
		params:   params,
		services: services,
		caps:     caps,
		layout:   layout,
		pool:     pool,
		metrics:  metrics,
		observer: observer,
		log:      newEngineLogger(options),
	}
	e.queues = newQueuePool(e, params.MaxQueues)

	e.log.Info("engine opened",
		"task_slots", params.TaskPoolCapacity,
		"max_queues", params.MaxQueues,
		"arena", fmt.Sprintf("%#x", params.ArenaBase),
		"signal_stride", caps.SignalStride,
		"semaphore_timestamp", caps.SemaphoreTimestamp)

	return e, nil
}

// OpenQueue allocates a queue slot and its dedicated sync counter. Close the
// queue to return both.
func (e *Engine) OpenQueue() (*Queue, error) {
	if e.closed.Load() {
		return nil, NewError("open_queue", CodeEngineClosed, "engine closed")
	}
	return e.queues.open()
}

func (e *Engine) releaseQueue(q *Queue) {
	e.queues.release(q)
}

// AbortAll flushes every open queue. Per-queue failures are joined; a queue
// whose abort fails keeps its in-flight tasks.
func (e *Engine) AbortAll(ctx context.Context) error {
	var errs []error
	for _, q := range e.queues.snapshot() {
		if err := q.Abort(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports whether the engine accepts new work.
func (e *Engine) State() EngineState {
	if e.closed.Load() {
		return EngineStateClosed
	}
	return EngineStateRunning
}

// EngineInfo is a point-in-time summary of engine configuration and load.
type EngineInfo struct {
	State              EngineState `json:"state"`
	TaskSlots          int         `json:"task_slots"`
	TaskSlotsFree      int         `json:"task_slots_free"`
	OpenQueues         int         `json:"open_queues"`
	MaxQueues          int         `json:"max_queues"`
	ArenaBase          uint64      `json:"arena_base"`
	ArenaSize          int         `json:"arena_size"`
	DescriptorSize     int         `json:"descriptor_size"`
	SignalStride       bool        `json:"signal_stride"`
	SemaphoreTimestamp bool        `json:"semaphore_timestamp"`
}

// Info returns a snapshot of engine configuration and current load.
func (e *Engine) Info() EngineInfo {
	_, mem := e.pool.Region()
	return EngineInfo{
		State:              e.State(),
		TaskSlots:          e.pool.Capacity(),
		TaskSlotsFree:      e.pool.Available(),
		OpenQueues:         e.queues.inUse(),
		MaxQueues:          e.params.MaxQueues,
		ArenaBase:          e.params.ArenaBase,
		ArenaSize:          len(mem),
		DescriptorSize:     e.layout.Size,
		SignalStride:       e.caps.SignalStride,
		SemaphoreTimestamp: e.caps.SemaphoreTimestamp,
	}
}

// Arena exposes the descriptor arena for transports that execute
// descriptors by reading engine memory directly, as the emulator does.
func (e *Engine) Arena() (DMAAddress, []byte) {
	base, mem := e.pool.Region()
	return DMAAddress(base), mem
}

// Capabilities reports what the transport advertised at Open.
func (e *Engine) Capabilities() Capabilities {
	return e.caps
}

// Metrics returns the engine's live metrics collector.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot returns a consistent copy of the current metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Close aborts all queues and tears the engine down. When an abort fails the
// descriptor arena is deliberately left mapped, since the engine may still
// write completion records into it; the error reports which queues are
// stuck.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return NewError("close", CodeEngineClosed, "engine already closed")
	}

	err := e.AbortAll(ctx)
	e.metrics.Stop()

	if err != nil {
		e.log.WithError(err).Error("engine closed with stuck queues")
		return err
	}

	if cerr := e.pool.Close(); cerr != nil {
		return WrapError("close", cerr)
	}

	e.log.Info("engine closed")
	return nil
}

// noopPower satisfies PowerManager for engines that are always powered.
type noopPower struct{}

func (noopPower) Busy() error { return nil }
func (noopPower) Idle(n int)  {}

// multiObserver fans lifecycle events out to several observers.
type multiObserver []Observer

func (m multiObserver) ObserveSubmit(success bool) {
	for _, o := range m {
		o.ObserveSubmit(success)
	}
}

func (m multiObserver) ObserveComplete(latencyNs uint64, status uint16, profile TaskProfile) {
	for _, o := range m {
		o.ObserveComplete(latencyNs, status, profile)
	}
}

func (m multiObserver) ObserveAbort(flushed int, success bool) {
	for _, o := range m {
		o.ObserveAbort(flushed, success)
	}
}

func (m multiObserver) ObservePin(count int, success bool) {
	for _, o := range m {
		o.ObservePin(count, success)
	}
}

func (m multiObserver) ObserveUnpin(count int, success bool) {
	for _, o := range m {
		o.ObserveUnpin(count, success)
	}
}

func (m multiObserver) ObserveQueueDepth(depth uint32) {
	for _, o := range m {
		o.ObserveQueueDepth(depth)
	}
}

func newEngineLogger(o *Options) *logging.Logger {
	cfg := logging.DefaultConfig()
	switch strings.ToLower(o.LogLevel) {
	case "debug":
		cfg.Level = logging.LevelDebug
	case "", "info":
		cfg.Level = logging.LevelInfo
	case "warn":
		cfg.Level = logging.LevelWarn
	case "error":
		cfg.Level = logging.LevelError
	}
	if o.LogFormat != "" {
		cfg.Format = o.LogFormat
	}
	if o.LogOutput != nil {
		cfg.Output = o.LogOutput
	}
	return logging.NewLogger(cfg)
}
