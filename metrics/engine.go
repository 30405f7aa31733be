// Package metrics aggregates dispatch outcomes: monotonic totals, one-second
// sliding windows, rolling TPS and the benchmark compliance verdict. All of it
// is exported both as JSON reports and Prometheus collectors.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"neargate/batch"
	"neargate/fault"
)

const (
	// windowSeconds is the span of the fine-grained per-second ring.
	windowSeconds = 60
	// sustainedSeconds is the compliance observation span.
	sustainedSeconds = 600
	// tpsSpanSeconds averages the most recent buckets for the live TPS read.
	tpsSpanSeconds = 5
	// complianceTPS and complianceRate define the verdict thresholds.
	complianceTPS  = 100.0
	complianceRate = 0.95
	// sustainedFraction of sustained-window buckets must clear complianceTPS.
	sustainedFraction = 0.8
)

type secondBucket struct {
	start      int64 // unix second this bucket describes
	enqueued   uint64
	successful uint64
	failed     uint64
}

type tpsSample struct {
	at         time.Time
	successful int
	duration   time.Duration
}

// Engine is safe for concurrent use: totals are atomics, the rings and the
// sample list sit behind a short-held mutex.
type Engine struct {
	now func() time.Time

	enqueued         atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	batchesStarted   atomic.Uint64
	batchesCompleted atomic.Uint64
	batchErrors      atomic.Uint64

	procMu    sync.Mutex
	procSum   time.Duration
	procMax   time.Duration
	procMin   time.Duration
	procCount uint64

	ringMu    sync.Mutex
	ring      [windowSeconds]secondBucket
	sustained [sustainedSeconds]secondBucket
	samples   []tpsSample

	prom *collectors
}

// New builds an engine and registers its Prometheus collectors. A nil registry
// skips registration, which the tests use.
func New(reg registerer) *Engine {
	e := &Engine{now: time.Now}
	e.prom = newCollectors(reg, e)
	return e
}

// ItemQueued implements batch.Listener.
func (e *Engine) ItemQueued(uuid.UUID) {
	e.RecordEnqueued(1)
}

// BatchProcessed implements batch.Listener.
func (e *Engine) BatchProcessed(stats batch.Stats) {
	e.batchesCompleted.Add(1)
	e.recordProcessing(stats.Duration)
	e.prom.observeBatch(stats)

	e.ringMu.Lock()
	e.samples = append(e.samples, tpsSample{at: e.now(), successful: stats.Successful, duration: stats.Duration})
	e.pruneSamplesLocked()
	e.ringMu.Unlock()
}

// BatchFailed implements batch.Listener. Individual transfer failures are
// recorded separately; this only counts whole-pipeline errors.
func (e *Engine) BatchFailed(uuid.UUID, error) {
	e.batchErrors.Add(1)
}

// RecordEnqueued counts accepted ingress items.
func (e *Engine) RecordEnqueued(n int) {
	e.enqueued.Add(uint64(n))
	e.prom.enqueued.Add(float64(n))
	e.ringMu.Lock()
	bucket := e.bucketLocked(e.now())
	bucket.enqueued += uint64(n)
	e.ringMu.Unlock()
}

// RecordBatchStart counts batches handed to the executor.
func (e *Engine) RecordBatchStart() {
	e.batchesStarted.Add(1)
}

// RecordSuccess counts one submitted transfer with its observed latency.
func (e *Engine) RecordSuccess(latency time.Duration) {
	e.succeeded.Add(1)
	e.prom.observeSuccess(latency)
	now := e.now()
	e.ringMu.Lock()
	e.bucketLocked(now).successful++
	e.sustainedBucketLocked(now).successful++
	e.ringMu.Unlock()
}

// RecordFailure counts one failed transfer by taxonomy kind.
func (e *Engine) RecordFailure(kind fault.Kind) {
	e.failed.Add(1)
	e.prom.observeFailure(kind)
	now := e.now()
	e.ringMu.Lock()
	e.bucketLocked(now).failed++
	e.sustainedBucketLocked(now).failed++
	e.ringMu.Unlock()
}

func (e *Engine) recordProcessing(d time.Duration) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	e.procSum += d
	e.procCount++
	if d > e.procMax {
		e.procMax = d
	}
	if e.procMin == 0 || d < e.procMin {
		e.procMin = d
	}
}

// bucketLocked returns the 60-second ring bucket for t, zeroing it if it
// still carries data from a lap ago.
func (e *Engine) bucketLocked(t time.Time) *secondBucket {
	sec := t.Unix()
	b := &e.ring[sec%windowSeconds]
	if b.start != sec {
		*b = secondBucket{start: sec}
	}
	return b
}

func (e *Engine) sustainedBucketLocked(t time.Time) *secondBucket {
	sec := t.Unix()
	b := &e.sustained[sec%sustainedSeconds]
	if b.start != sec {
		*b = secondBucket{start: sec}
	}
	return b
}

func (e *Engine) pruneSamplesLocked() {
	cutoff := e.now().Add(-sustainedSeconds * time.Second)
	idx := 0
	for idx < len(e.samples) && e.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		e.samples = append(e.samples[:0], e.samples[idx:]...)
	}
}

// CurrentTPS averages successful transfers over the most recent five
// one-second buckets.
func (e *Engine) CurrentTPS() float64 {
	now := e.now().Unix()
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	var sum uint64
	for sec := now - tpsSpanSeconds + 1; sec <= now; sec++ {
		b := &e.ring[sec%windowSeconds]
		if b.start == sec {
			sum += b.successful
		}
	}
	return float64(sum) / tpsSpanSeconds
}

// SustainedCompliance reports whether at least 80% of the one-second buckets
// in the trailing ten minutes carried 100 or more successful transfers.
func (e *Engine) SustainedCompliance() bool {
	now := e.now().Unix()
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	qualifying := 0
	for sec := now - sustainedSeconds + 1; sec <= now; sec++ {
		b := &e.sustained[((sec%sustainedSeconds)+sustainedSeconds)%sustainedSeconds]
		if b.start == sec && float64(b.successful) >= complianceTPS {
			qualifying++
		}
	}
	return float64(qualifying) >= sustainedFraction*sustainedSeconds
}

// SuccessRate is the cumulative ratio of successes to terminal outcomes.
// Returns 1 before any outcome lands.
func (e *Engine) SuccessRate() float64 {
	succeeded := e.succeeded.Load()
	failed := e.failed.Load()
	total := succeeded + failed
	if total == 0 {
		return 1
	}
	return float64(succeeded) / float64(total)
}

// Totals is the monotonic counter block of a report.
type Totals struct {
	Enqueued         uint64 `json:"enqueued"`
	Succeeded        uint64 `json:"succeeded"`
	Failed           uint64 `json:"failed"`
	BatchesStarted   uint64 `json:"batchesStarted"`
	BatchesCompleted uint64 `json:"batchesCompleted"`
	BatchErrors      uint64 `json:"batchErrors"`
}

// Processing summarizes batch processing time.
type Processing struct {
	AvgMs float64 `json:"avgMs"`
	MaxMs float64 `json:"maxMs"`
	MinMs float64 `json:"minMs"`
	Count uint64  `json:"count"`
}

// BatchTPS is one completed batch's throughput reading.
type BatchTPS struct {
	Timestamp time.Time `json:"timestamp"`
	TPS       float64   `json:"tps"`
}

// Window aggregates the trailing 60 seconds.
type Window struct {
	Enqueued   uint64 `json:"enqueued"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

// Report is the JSON shape served by the observability endpoints.
type Report struct {
	Totals      Totals     `json:"totals"`
	Processing  Processing `json:"processing"`
	LastMinute  Window     `json:"lastMinute"`
	CurrentTPS  float64    `json:"currentTps"`
	SuccessRate float64    `json:"successRate"`
	Sustained   bool       `json:"sustained100Tps10min"`
	Compliant   bool       `json:"compliant"`
	// RecentBatches lists per-batch throughput, newest last.
	RecentBatches []BatchTPS `json:"recentBatches,omitempty"`
}

// recentBatchCap bounds how many per-batch readings a report carries.
const recentBatchCap = 20

// Snapshot assembles a full report.
func (e *Engine) Snapshot() Report {
	report := Report{
		Totals: Totals{
			Enqueued:         e.enqueued.Load(),
			Succeeded:        e.succeeded.Load(),
			Failed:           e.failed.Load(),
			BatchesStarted:   e.batchesStarted.Load(),
			BatchesCompleted: e.batchesCompleted.Load(),
			BatchErrors:      e.batchErrors.Load(),
		},
		CurrentTPS:  e.CurrentTPS(),
		SuccessRate: e.SuccessRate(),
		Sustained:   e.SustainedCompliance(),
	}
	report.Compliant = report.CurrentTPS >= complianceTPS && report.SuccessRate >= complianceRate

	e.procMu.Lock()
	if e.procCount > 0 {
		report.Processing = Processing{
			AvgMs: float64(e.procSum.Milliseconds()) / float64(e.procCount),
			MaxMs: float64(e.procMax.Milliseconds()),
			MinMs: float64(e.procMin.Milliseconds()),
			Count: e.procCount,
		}
	}
	e.procMu.Unlock()

	now := e.now().Unix()
	e.ringMu.Lock()
	for sec := now - windowSeconds + 1; sec <= now; sec++ {
		b := &e.ring[((sec%windowSeconds)+windowSeconds)%windowSeconds]
		if b.start == sec {
			report.LastMinute.Enqueued += b.enqueued
			report.LastMinute.Successful += b.successful
			report.LastMinute.Failed += b.failed
		}
	}
	start := len(e.samples) - recentBatchCap
	if start < 0 {
		start = 0
	}
	for _, s := range e.samples[start:] {
		tps := 0.0
		if s.duration > 0 {
			tps = float64(s.successful) / s.duration.Seconds()
		}
		report.RecentBatches = append(report.RecentBatches, BatchTPS{Timestamp: s.at, TPS: tps})
	}
	e.ringMu.Unlock()

	return report
}

// AverageProcessingTime returns the mean batch duration, zero before the
// first batch completes.
func (e *Engine) AverageProcessingTime() time.Duration {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	if e.procCount == 0 {
		return 0
	}
	return e.procSum / time.Duration(e.procCount)
}
