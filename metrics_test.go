package dla

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.SubmittedTasks != 0 {
		t.Errorf("Expected 0 initial submissions, got %d", snap.SubmittedTasks)
	}

	// Record a small lifecycle: three submissions, one rolled back, two
	// completions of which one faulted
	m.RecordSubmit(true)
	m.RecordSubmit(true)
	m.RecordSubmit(false)
	m.RecordComplete(1_000_000, 0)
	m.RecordComplete(2_000_000, 3)

	snap = m.Snapshot()

	if snap.SubmittedTasks != 3 {
		t.Errorf("Expected 3 submissions, got %d", snap.SubmittedTasks)
	}
	if snap.SubmitErrors != 1 {
		t.Errorf("Expected 1 submit error, got %d", snap.SubmitErrors)
	}
	if snap.CompletedTasks != 2 {
		t.Errorf("Expected 2 completions, got %d", snap.CompletedTasks)
	}
	if snap.FaultedTasks != 1 {
		t.Errorf("Expected 1 faulted task, got %d", snap.FaultedTasks)
	}
	if snap.InFlightTasks != 0 {
		t.Errorf("Expected 0 in-flight, got %d", snap.InFlightTasks)
	}

	// Error rate counts submit errors and faults against submissions
	expectedErrorRate := float64(2) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsPinCounts(t *testing.T) {
	m := NewMetrics()

	m.RecordPin(1, true)
	m.RecordPin(1, true)
	m.RecordPin(1, false) // failed pin takes no reference
	m.RecordUnpin(1, true)
	m.RecordUnpin(1, false) // failed unpin still counts as issued

	snap := m.Snapshot()
	if snap.PinnedBuffers != 2 {
		t.Errorf("Expected 2 pinned, got %d", snap.PinnedBuffers)
	}
	if snap.UnpinnedBuffers != 2 {
		t.Errorf("Expected 2 unpinned, got %d", snap.UnpinnedBuffers)
	}
	if snap.UnpinErrors != 1 {
		t.Errorf("Expected 1 unpin error, got %d", snap.UnpinErrors)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	// Record queue depths
	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	// Check max queue depth
	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	// Check average queue depth
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// Record completions with known latencies
	m.RecordComplete(1_000_000, 0) // 1ms
	m.RecordComplete(2_000_000, 0) // 2ms

	snap := m.Snapshot()

	// Check average latency
	expectedAvgNs := uint64(1_500_000) // 1.5ms in nanoseconds
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	// Check that uptime is reasonable (should be at least 10ms)
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	// Record some activity
	m.RecordSubmit(true)
	m.RecordComplete(1_000_000, 0)
	m.RecordPin(2, true)
	m.RecordQueueDepth(10)
	m.RecordAllocRetry()

	// Verify activity was recorded
	snap := m.Snapshot()
	if snap.SubmittedTasks == 0 {
		t.Error("Expected some submissions before reset")
	}

	// Reset metrics
	m.Reset()

	// Verify reset worked
	snap = m.Snapshot()
	if snap.SubmittedTasks != 0 {
		t.Errorf("Expected 0 submissions after reset, got %d", snap.SubmittedTasks)
	}
	if snap.PinnedBuffers != 0 {
		t.Errorf("Expected 0 pins after reset, got %d", snap.PinnedBuffers)
	}
	if snap.AllocRetries != 0 {
		t.Errorf("Expected 0 alloc retries after reset, got %d", snap.AllocRetries)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := &NoOpObserver{}
	observer.ObserveSubmit(true)
	observer.ObserveComplete(1_000_000, 0, TaskProfile{})
	observer.ObserveAbort(1, true)
	observer.ObservePin(1, true)
	observer.ObserveUnpin(1, true)
	observer.ObserveQueueDepth(10)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSubmit(true)
	metricsObserver.ObserveComplete(2_000_000, 0, TaskProfile{Timestamp: 99, Info32: 1})
	metricsObserver.ObserveAbort(3, false)
	metricsObserver.ObservePin(2, true)
	metricsObserver.ObserveUnpin(2, true)

	snap := m.Snapshot()
	if snap.SubmittedTasks != 1 {
		t.Errorf("Expected 1 submission from observer, got %d", snap.SubmittedTasks)
	}
	if snap.CompletedTasks != 1 {
		t.Errorf("Expected 1 completion from observer, got %d", snap.CompletedTasks)
	}
	if snap.AbortedTasks != 3 {
		t.Errorf("Expected 3 aborted tasks from observer, got %d", snap.AbortedTasks)
	}
	if snap.AbortErrors != 1 {
		t.Errorf("Expected 1 abort error from observer, got %d", snap.AbortErrors)
	}
	if snap.PinnedBuffers != 2 {
		t.Errorf("Expected 2 pins from observer, got %d", snap.PinnedBuffers)
	}
}

func TestMetricsThroughput(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordSubmit(true)
	m.RecordSubmit(true)
	m.RecordComplete(1_000_000, 0)
	m.RecordComplete(2_000_000, 0)

	// Simulate 1 second has passed
	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	// Two completions over one second
	if snap.TasksPerSecond < 1.9 || snap.TasksPerSecond > 2.1 {
		t.Errorf("Expected ~2 tasks/sec, got %.2f", snap.TasksPerSecond)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// Record completions with various latencies
	// 50 at 500us, 49 at 5ms, 1 at 50ms (the P99)
	for i := 0; i < 50; i++ {
		m.RecordComplete(500_000, 0)
	}
	for i := 0; i < 49; i++ {
		m.RecordComplete(5_000_000, 0)
	}
	m.RecordComplete(50_000_000, 0)

	snap := m.Snapshot()

	if snap.CompletedTasks != 100 {
		t.Errorf("Expected 100 completions, got %d", snap.CompletedTasks)
	}

	// P50 should be around 500us-1ms range (the 50th percentile)
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	// P99 should be in the 10ms-100ms range (99th percentile)
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	// Verify histogram buckets are populated
	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	// Due to cumulative nature, total should be >= completions
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
