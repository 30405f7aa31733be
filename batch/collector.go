// Package batch drains the ingress queue into size-bounded batches on a
// timer, adapting the batch size to backlog depth and recent processing time.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"neargate/queue"
)

const (
	// DefaultBaseSize is the batch size the adaptive rule centers on.
	DefaultBaseSize = 75
	// DefaultInterval is the collector tick period.
	DefaultInterval = 300 * time.Millisecond
	// DefaultMaxInflight caps concurrently processing batches.
	DefaultMaxInflight = 15
	// recentDurations is how many batch timings feed the adaptive rule.
	recentDurations = 20
)

// Config tunes the collector. Zero fields fall back to defaults.
type Config struct {
	BaseSize    int
	Interval    time.Duration
	MaxInflight int
}

func (c Config) withDefaults() Config {
	if c.BaseSize <= 0 {
		c.BaseSize = DefaultBaseSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	return c
}

// Runner executes one batch and reports its outcome counts. The collector
// fills in identity and timing.
type Runner interface {
	Process(ctx context.Context, batchID uuid.UUID, items []*queue.Item) (successful, failed int)
}

// Collector is the single producer feeding the executor.
type Collector struct {
	queue  *queue.Queue
	runner Runner
	cfg    Config
	log    *slog.Logger

	inflight atomic.Int32
	wg       sync.WaitGroup

	// procCtx governs batch processing, not the tick loop. Cancelling Run
	// must not abort submissions already in flight; only a drain deadline
	// (or final cleanup) cancels this.
	procCtx    context.Context
	procCancel context.CancelFunc

	listenerMu sync.RWMutex
	listeners  []Listener

	durMu     sync.Mutex
	durations []time.Duration
	durSum    time.Duration
}

// New builds a collector over q feeding runner.
func New(q *queue.Queue, runner Runner, cfg Config, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	procCtx, procCancel := context.WithCancel(context.Background())
	return &Collector{
		queue:      q,
		runner:     runner,
		cfg:        cfg.withDefaults(),
		log:        log,
		procCtx:    procCtx,
		procCancel: procCancel,
	}
}

// AddListener registers an observer for pipeline events.
func (c *Collector) AddListener(l Listener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// NotifyQueued fans an accepted ingress item out to the listeners.
func (c *Collector) NotifyQueued(id uuid.UUID) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for _, l := range c.listeners {
		l.ItemQueued(id)
	}
}

// Inflight reports how many batches are currently processing.
func (c *Collector) Inflight() int {
	return int(c.inflight.Load())
}

// Run ticks until ctx is cancelled. The queue's wake channel short-circuits
// the wait when the backlog crosses the flush threshold. Cancelling ctx only
// stops the loop; batches already handed to the runner keep their own context
// and finish on their own (or under Drain's deadline).
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		case <-c.queue.Wake():
			c.tick()
		}
	}
}

// Drain processes the remaining backlog until the queue and all inflight
// batches are empty. When ctx expires first, outstanding batch work is
// cancelled and Drain waits for it to unwind before returning the error.
// Used during shutdown; the collector cannot be reused afterwards.
func (c *Collector) Drain(ctx context.Context) error {
	defer c.procCancel()
	for {
		if c.queue.Len() == 0 && c.Inflight() == 0 {
			return nil
		}
		c.tick()
		select {
		case <-ctx.Done():
			c.procCancel()
			c.wg.Wait()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Collector) tick() {
	depth := c.queue.Len()
	if depth == 0 {
		return
	}
	if int(c.inflight.Load()) >= c.cfg.MaxInflight {
		return
	}
	size := c.adaptiveSize(depth)
	items := c.queue.Drain(size)
	if len(items) == 0 {
		return
	}

	c.inflight.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Add(-1)

		batchID := uuid.New()
		started := time.Now()
		successful, failed := c.runner.Process(c.procCtx, batchID, items)
		duration := time.Since(started)
		c.recordDuration(duration)

		stats := Stats{
			BatchID:    batchID,
			Size:       len(items),
			Successful: successful,
			Failed:     failed,
			Duration:   duration,
			Timestamp:  started,
		}
		c.listenerMu.RLock()
		for _, l := range c.listeners {
			l.BatchProcessed(stats)
		}
		c.listenerMu.RUnlock()

		c.log.Debug("batch processed",
			"batch", batchID,
			"size", stats.Size,
			"successful", successful,
			"failed", failed,
			"duration", duration)
	}()
}

// adaptiveSize picks the next batch size: grow into a deep backlog, shrink
// to match a trickle, and otherwise lean against recent processing time.
func (c *Collector) adaptiveSize(depth int) int {
	base := c.cfg.BaseSize
	avg := c.averageDuration()
	switch {
	case depth > 3*base:
		size := 2 * base
		if depth < size {
			size = depth
		}
		return size
	case depth < base/2:
		size := base / 2
		if depth < size {
			size = depth
		}
		if size < 1 {
			size = 1
		}
		return size
	case avg > 2*c.cfg.Interval:
		return base * 7 / 10
	case avg > 0 && avg < c.cfg.Interval/2:
		return (3*base + 1) / 2
	default:
		return base
	}
}

func (c *Collector) recordDuration(d time.Duration) {
	c.durMu.Lock()
	defer c.durMu.Unlock()
	c.durations = append(c.durations, d)
	c.durSum += d
	if len(c.durations) > recentDurations {
		c.durSum -= c.durations[0]
		c.durations = c.durations[1:]
	}
}

func (c *Collector) averageDuration() time.Duration {
	c.durMu.Lock()
	defer c.durMu.Unlock()
	if len(c.durations) == 0 {
		return 0
	}
	return c.durSum / time.Duration(len(c.durations))
}
