package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"neargate/batch"
	"neargate/fault"
)

// registerer is satisfied by *prometheus.Registry; narrowed so tests can pass
// nil without pulling a registry in.
type registerer interface {
	MustRegister(...prometheus.Collector)
}

type collectors struct {
	enqueued      prometheus.Counter
	transfers     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	latency       prometheus.Histogram
}

func newCollectors(reg registerer, e *Engine) *collectors {
	c := &collectors{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neargate",
			Name:      "transfers_enqueued_total",
			Help:      "Transfers accepted onto the ingress queue.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neargate",
			Name:      "transfers_total",
			Help:      "Terminal transfer outcomes.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neargate",
			Name:      "transfer_failures_total",
			Help:      "Failed transfers by error kind.",
		}, []string{"kind"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neargate",
			Name:      "batch_size",
			Help:      "Number of transfers per dispatched batch.",
			Buckets:   []float64{1, 10, 25, 50, 75, 100, 150, 200},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neargate",
			Name:      "batch_duration_seconds",
			Help:      "Wall time to complete a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neargate",
			Name:      "transfer_latency_seconds",
			Help:      "Per-transfer submit latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.enqueued, c.transfers, c.failures, c.batchSize, c.batchDuration, c.latency)
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "neargate",
			Name:      "current_tps",
			Help:      "Successful transfers per second over the last five seconds.",
		}, e.CurrentTPS))
	}
	return c
}

func (c *collectors) observeSuccess(latency time.Duration) {
	c.transfers.WithLabelValues("success").Inc()
	c.latency.Observe(latency.Seconds())
}

func (c *collectors) observeFailure(kind fault.Kind) {
	c.transfers.WithLabelValues("failure").Inc()
	c.failures.WithLabelValues(string(kind)).Inc()
}

func (c *collectors) observeBatch(stats batch.Stats) {
	c.batchSize.Observe(float64(stats.Size))
	c.batchDuration.Observe(stats.Duration.Seconds())
}
