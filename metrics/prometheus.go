// Package metrics exports session metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raniellyferreira/localfirst-replica/replication"
)

const namespace = "localfirst"

// Prometheus records the events of a session. It satisfies
// localfirst.MetricsCollector.
type Prometheus struct {
	requests     *prometheus.HistogramVec
	rejections   *prometheus.CounterVec
	deliveryFail prometheus.Counter
	queueDepth   *prometheus.GaugeVec
	pendingOps   *prometheus.GaugeVec
	errors       *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "request_duration_seconds",
			Help:      "Time to apply a change request on both backends and notify the editors.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"replica"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "rejections_total",
			Help:      "Change requests refused by the requesting side's backend.",
		}, []string{"replica"}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "delivery_failures_total",
			Help:      "Notifications the editing contexts could not accept.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "queued_requests",
			Help:      "Change requests waiting in a replica's inbox.",
		}, []string{"replica"}),
		pendingOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "pending_ops",
			Help:      "Own operations a replica has not yet seen confirmed.",
		}, []string{"replica"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type.",
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{p.requests, p.rejections, p.deliveryFail, p.queueDepth, p.pendingOps, p.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordRequestProcessed(replica string, duration time.Duration) {
	p.requests.WithLabelValues(replica).Observe(duration.Seconds())
}

func (p *Prometheus) RecordRejection(replica string) {
	p.rejections.WithLabelValues(replica).Inc()
}

func (p *Prometheus) RecordDeliveryFailure() {
	p.deliveryFail.Inc()
}

func (p *Prometheus) RecordQueueDepth(replica string, depth int) {
	p.queueDepth.WithLabelValues(replica).Set(float64(depth))
}

func (p *Prometheus) RecordPendingOps(replica string, pending int) {
	p.pendingOps.WithLabelValues(replica).Set(float64(pending))
}

func (p *Prometheus) RecordError(errorType string) {
	p.errors.WithLabelValues(errorType).Inc()
}

// LoopCollector exposes the counters of a synchronization loop at scrape
// time
type LoopCollector struct {
	stats func() replication.Stats

	processed *prometheus.Desc
	delivered *prometheus.Desc
	dropped   *prometheus.Desc
	discarded *prometheus.Desc
	remote    *prometheus.Desc
	running   *prometheus.Desc
}

// NewLoopCollector creates a collector reading stats on every scrape
func NewLoopCollector(stats func() replication.Stats) *LoopCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "loop", name), help, nil, nil)
	}
	return &LoopCollector{
		stats:     stats,
		processed: desc("processed_total", "Change requests taken from an inbox."),
		delivered: desc("delivered_total", "Notifications accepted by the editing contexts."),
		dropped:   desc("dropped_total", "Notifications that could not be delivered."),
		discarded: desc("discarded_total", "Change requests still queued when the loop ended."),
		remote:    desc("remote_errors_total", "Failed applications of remote changes."),
		running:   desc("running", "1 while the loop is running."),
	}
}

// Describe implements prometheus.Collector
func (c *LoopCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processed
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.discarded
	ch <- c.remote
	ch <- c.running
}

// Collect implements prometheus.Collector
func (c *LoopCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	running := 0.0
	if st.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(st.Processed))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped))
	ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(st.Discarded))
	ch <- prometheus.MustNewConstMetric(c.remote, prometheus.CounterValue, float64(st.RemoteErrors))
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
}
