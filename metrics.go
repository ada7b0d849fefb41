package fuserescue

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the recovery-chunk latency histogram buckets in
// nanoseconds, covering a dying drive's range from a healthy sector read
// (microseconds) to a multi-second retry stall.
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

// Metrics tracks the recovery session's operational counters: bytes served
// straight from the outfile (already Finished), bytes actively recovered
// from the infile, bytes that came back bad, and bytes the policy refused
// to attempt.
type Metrics struct {
	// Outfile reads: bytes already Finished, served without touching infile.
	ServedReads  atomic.Uint64
	ServedBytes  atomic.Uint64

	// Infile recovery attempts.
	RecoveryAttempts atomic.Uint64
	RecoveredBytes   atomic.Uint64
	ScrapedChunks    atomic.Uint64 // attempts that hit EIO
	ScrapedBytes     atomic.Uint64

	// Bytes the recovery policy declined to attempt (recover_states bit clear
	// or allowed == false).
	RefusedChunks atomic.Uint64
	RefusedBytes  atomic.Uint64

	// Map persistence.
	MapSaves     atomic.Uint64
	MapSaveErrors atomic.Uint64

	// Performance tracking for recovery-chunk latency.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // session start timestamp (UnixNano)
	StopTime  atomic.Int64 // session stop timestamp (UnixNano), 0 while running
}

// NewMetrics creates a new, running metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordServedRead records bytes returned straight from the outfile
// (the Finished-range fast path of Phase 1, spec.md §4.4).
func (m *Metrics) RecordServedRead(bytes uint64) {
	m.ServedReads.Add(1)
	m.ServedBytes.Add(bytes)
}

// RecordRecovery records one infile chunk attempt: success copies bytes
// into the outfile and the user buffer; failure means the chunk hit EIO
// and was marked NonScraped.
func (m *Metrics) RecordRecovery(bytes uint64, latencyNs uint64, success bool) {
	m.RecoveryAttempts.Add(1)
	if success {
		m.RecoveredBytes.Add(bytes)
	} else {
		m.ScrapedChunks.Add(1)
		m.ScrapedBytes.Add(bytes)
	}
	m.recordLatency(latencyNs)
}

// RecordRefused records bytes the policy declined to recover: a
// non-finished segment whose state bit is clear in recover_states, or a
// read attempted while allowed == false.
func (m *Metrics) RecordRefused(bytes uint64) {
	m.RefusedChunks.Add(1)
	m.RefusedBytes.Add(bytes)
}

// RecordMapSave records a mapfile save attempt.
func (m *Metrics) RecordMapSave(success bool) {
	m.MapSaves.Add(1)
	if !success {
		m.MapSaveErrors.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting.
type MetricsSnapshot struct {
	ServedReads   uint64
	ServedBytes   uint64

	RecoveryAttempts uint64
	RecoveredBytes   uint64
	ScrapedChunks    uint64
	ScrapedBytes     uint64

	RefusedChunks uint64
	RefusedBytes  uint64

	MapSaves      uint64
	MapSaveErrors uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ServedReads:      m.ServedReads.Load(),
		ServedBytes:      m.ServedBytes.Load(),
		RecoveryAttempts: m.RecoveryAttempts.Load(),
		RecoveredBytes:   m.RecoveredBytes.Load(),
		ScrapedChunks:    m.ScrapedChunks.Load(),
		ScrapedBytes:     m.ScrapedBytes.Load(),
		RefusedChunks:    m.RefusedChunks.Load(),
		RefusedBytes:     m.RefusedBytes.Load(),
		MapSaves:         m.MapSaves.Load(),
		MapSaveErrors:    m.MapSaveErrors.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
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

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, for test isolation.
func (m *Metrics) Reset() {
	m.ServedReads.Store(0)
	m.ServedBytes.Store(0)
	m.RecoveryAttempts.Store(0)
	m.RecoveredBytes.Store(0)
	m.ScrapedChunks.Store(0)
	m.ScrapedBytes.Store(0)
	m.RefusedChunks.Store(0)
	m.RefusedBytes.Store(0)
	m.MapSaves.Store(0)
	m.MapSaveErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, so the recovery engine
// doesn't need a concrete *Metrics to report through.
type Observer interface {
	ObserveServedRead(bytes uint64)
	ObserveRecovery(bytes uint64, latencyNs uint64, success bool)
	ObserveRefused(bytes uint64)
	ObserveMapSave(success bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveServedRead(uint64)                  {}
func (NoOpObserver) ObserveRecovery(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveRefused(uint64)                      {}
func (NoOpObserver) ObserveMapSave(bool)                        {}

// MetricsObserver implements Observer on top of a concrete Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveServedRead(bytes uint64) {
	o.metrics.RecordServedRead(bytes)
}

func (o *MetricsObserver) ObserveRecovery(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRecovery(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRefused(bytes uint64) {
	o.metrics.RecordRefused(bytes)
}

func (o *MetricsObserver) ObserveMapSave(success bool) {
	o.metrics.RecordMapSave(success)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
