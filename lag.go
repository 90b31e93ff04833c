package streamsync

import (
	"sync"
	"time"
)

const lagWindow = 60 * time.Second

type lagSample struct {
	endTime time.Time
	latency time.Duration
}

// An ApplyLagMonitor tracks frames enqueued but not yet applied, plus
// cumulative and sliding-window apply latency. The session uses the pending
// count for proactive backpressure disconnects; the latencies are exposed
// for observability only.
type ApplyLagMonitor struct {
	stateLock sync.Mutex

	pendingCount      int64
	appliedCount      int64
	discardedCount    int64
	cumulativeLatency time.Duration

	windowSamples []lagSample
}

func NewApplyLagMonitor() *ApplyLagMonitor {
	return &ApplyLagMonitor{}
}

func (self *ApplyLagMonitor) FrameEnqueued() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pendingCount += 1
}

func (self *ApplyLagMonitor) FrameApplied(latency time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.pendingCount {
		self.pendingCount -= 1
	}
	self.appliedCount += 1
	self.cumulativeLatency += latency
	self.windowSamples = append(self.windowSamples, lagSample{
		endTime: time.Now(),
		latency: latency,
	})
	self.trim()
}

// FrameDiscarded accounts for stale-epoch discards so the pending count
// drains after a reconnect.
func (self *ApplyLagMonitor) FrameDiscarded() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.pendingCount {
		self.pendingCount -= 1
	}
	self.discardedCount += 1
}

func (self *ApplyLagMonitor) trim() {
	horizon := time.Now().Add(-lagWindow)
	i := 0
	for i < len(self.windowSamples) && self.windowSamples[i].endTime.Before(horizon) {
		i += 1
	}
	if 0 < i {
		self.windowSamples = self.windowSamples[i:]
	}
}

func (self *ApplyLagMonitor) PendingCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pendingCount
}

type LagMetrics struct {
	PendingCount      int64
	AppliedCount      int64
	DiscardedCount    int64
	CumulativeLatency time.Duration
	// applies completed in the last 60s and their mean latency
	WindowCount       int64
	WindowMeanLatency time.Duration
}

func (self *ApplyLagMonitor) Metrics() *LagMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.trim()
	metrics := &LagMetrics{
		PendingCount:      self.pendingCount,
		AppliedCount:      self.appliedCount,
		DiscardedCount:    self.discardedCount,
		CumulativeLatency: self.cumulativeLatency,
		WindowCount:       int64(len(self.windowSamples)),
	}
	if 0 < len(self.windowSamples) {
		var total time.Duration
		for _, sample := range self.windowSamples {
			total += sample.latency
		}
		metrics.WindowMeanLatency = total / time.Duration(len(self.windowSamples))
	}
	return metrics
}
