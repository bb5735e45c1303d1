package dla

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing. Latency is measured
// host-side from submit to completion scan.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one engine
type Metrics struct {
	// Task lifecycle counters
	SubmittedTasks atomic.Uint64 // Tasks handed to the transport
	CompletedTasks atomic.Uint64 // Tasks reclaimed by the completion scan
	FaultedTasks   atomic.Uint64 // Completions with non-zero status
	SubmitErrors   atomic.Uint64 // Submissions rolled back
	AbortedTasks   atomic.Uint64 // Tasks drained by queue aborts
	AbortErrors    atomic.Uint64 // Aborts that failed or timed out

	// Pin bookkeeping
	PinnedBuffers   atomic.Uint64 // Successful pin calls
	UnpinnedBuffers atomic.Uint64 // Unpin calls issued
	UnpinErrors     atomic.Uint64 // Unpin calls that reported failure

	// Pool pressure
	AllocRetries atomic.Uint64 // Descriptor-slot allocation retries

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative completion latency
	LatencyCount   atomic.Uint64 // Completions measured

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] counts completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // Engine open timestamp (UnixNano)
	StopTime  atomic.Int64 // Engine close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one submission attempt
func (m *Metrics) RecordSubmit(success bool) {
	m.SubmittedTasks.Add(1)
	if !success {
		m.SubmitErrors.Add(1)
	}
}

// RecordComplete records one completed task
func (m *Metrics) RecordComplete(latencyNs uint64, status uint16) {
	m.CompletedTasks.Add(1)
	if status != 0 {
		m.FaultedTasks.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAbort records one queue abort and how many tasks it drained
func (m *Metrics) RecordAbort(flushed int, success bool) {
	if flushed > 0 {
		m.AbortedTasks.Add(uint64(flushed))
	}
	if !success {
		m.AbortErrors.Add(1)
	}
}

// RecordPin records one pin call covering count handles
func (m *Metrics) RecordPin(count int, success bool) {
	if success {
		m.PinnedBuffers.Add(uint64(count))
	}
}

// RecordUnpin records one unpin call covering count handles
func (m *Metrics) RecordUnpin(count int, success bool) {
	m.UnpinnedBuffers.Add(uint64(count))
	if !success {
		m.UnpinErrors.Add(1)
	}
}

// RecordAllocRetry records one descriptor-slot allocation retry
func (m *Metrics) RecordAllocRetry() {
	m.AllocRetries.Add(1)
}

// RecordQueueDepth records current queue depth for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records completion latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of metrics
type MetricsSnapshot struct {
	// Task lifecycle
	SubmittedTasks uint64
	CompletedTasks uint64
	FaultedTasks   uint64
	SubmitErrors   uint64
	AbortedTasks   uint64
	AbortErrors    uint64

	// Pin bookkeeping
	PinnedBuffers   uint64
	UnpinnedBuffers uint64
	UnpinErrors     uint64

	// Pool pressure
	AllocRetries uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TasksPerSecond float64
	InFlightTasks  uint64 // submitted minus completed and aborted
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SubmittedTasks:  m.SubmittedTasks.Load(),
		CompletedTasks:  m.CompletedTasks.Load(),
		FaultedTasks:    m.FaultedTasks.Load(),
		SubmitErrors:    m.SubmitErrors.Load(),
		AbortedTasks:    m.AbortedTasks.Load(),
		AbortErrors:     m.AbortErrors.Load(),
		PinnedBuffers:   m.PinnedBuffers.Load(),
		UnpinnedBuffers: m.UnpinnedBuffers.Load(),
		UnpinErrors:     m.UnpinErrors.Load(),
		AllocRetries:    m.AllocRetries.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	// Calculate average queue depth
	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	latencyCount := m.LatencyCount.Load()
	if latencyCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / latencyCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Throughput
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TasksPerSecond = float64(snap.CompletedTasks) / uptimeSeconds
	}

	settled := snap.CompletedTasks + snap.AbortedTasks + snap.SubmitErrors
	if snap.SubmittedTasks > settled {
		snap.InFlightTasks = snap.SubmittedTasks - settled
	}

	// Calculate error rate
	totalErrors := snap.SubmitErrors + snap.FaultedTasks + snap.AbortErrors
	if snap.SubmittedTasks > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.SubmittedTasks) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if latencyCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.LatencyCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.SubmittedTasks.Store(0)
	m.CompletedTasks.Store(0)
	m.FaultedTasks.Store(0)
	m.SubmitErrors.Store(0)
	m.AbortedTasks.Store(0)
	m.AbortErrors.Store(0)
	m.PinnedBuffers.Store(0)
	m.UnpinnedBuffers.Store(0)
	m.UnpinErrors.Store(0)
	m.AllocRetries.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.LatencyCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// TaskProfile carries the engine's completion-record profiling values. They
// are opaque at this layer; no unit conversion is applied.
type TaskProfile struct {
	Timestamp uint64
	Info32    uint32
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveSubmit is called for each submission attempt
	ObserveSubmit(success bool)

	// ObserveComplete is called for each completed task with its host-side
	// latency, engine status, and opaque profiling values
	ObserveComplete(latencyNs uint64, status uint16, profile TaskProfile)

	// ObserveAbort is called for each queue abort with the number of tasks
	// it drained
	ObserveAbort(flushed int, success bool)

	// ObservePin is called for each pin call covering count handles
	ObservePin(count int, success bool)

	// ObserveUnpin is called for each unpin call covering count handles
	ObserveUnpin(count int, success bool)

	// ObserveQueueDepth is called with the in-flight depth after list changes
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(bool)                          {}
func (NoOpObserver) ObserveComplete(uint64, uint16, TaskProfile) {}
func (NoOpObserver) ObserveAbort(int, bool)                      {}
func (NoOpObserver) ObservePin(int, bool)                        {}
func (NoOpObserver) ObserveUnpin(int, bool)                      {}
func (NoOpObserver) ObserveQueueDepth(uint32)                    {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(success bool) {
	o.metrics.RecordSubmit(success)
}

func (o *MetricsObserver) ObserveComplete(latencyNs uint64, status uint16, _ TaskProfile) {
	o.metrics.RecordComplete(latencyNs, status)
}

func (o *MetricsObserver) ObserveAbort(flushed int, success bool) {
	o.metrics.RecordAbort(flushed, success)
}

func (o *MetricsObserver) ObservePin(count int, success bool) {
	o.metrics.RecordPin(count, success)
}

func (o *MetricsObserver) ObserveUnpin(count int, success bool) {
	o.metrics.RecordUnpin(count, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
