// Package metrics holds the prometheus instrumentation of the fetch
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeNotModified = "not_modified"
	OutcomeError       = "error"
)

// Collector owns the pipeline metric vectors. Register one per process.
type Collector struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	itemsInserted prometheus.Counter
	jobsScheduled prometheus.Counter
	jobsConsumed  prometheus.Counter
}

// NewCollector builds the pipeline metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gleaner_fetch_total",
			Help: "Fetch attempts by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gleaner_fetch_duration_seconds",
			Help:    "Wall time of one feed fetch, conditional requests included.",
			Buckets: prometheus.DefBuckets,
		}),
		itemsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gleaner_items_inserted_total",
			Help: "Items stored after dedup.",
		}),
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gleaner_jobs_scheduled_total",
			Help: "Fetch jobs pushed onto the bus.",
		}),
		jobsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gleaner_jobs_consumed_total",
			Help: "Fetch jobs popped from the bus.",
		}),
	}
	reg.MustRegister(c.fetchTotal, c.fetchDuration, c.itemsInserted, c.jobsScheduled, c.jobsConsumed)
	return c
}

// FetchDone records one finished fetch attempt.
func (c *Collector) FetchDone(outcome string, elapsed time.Duration) {
	c.fetchTotal.WithLabelValues(outcome).Inc()
	c.fetchDuration.Observe(elapsed.Seconds())
}

// ItemsInserted counts newly stored items.
func (c *Collector) ItemsInserted(count int) {
	c.itemsInserted.Add(float64(count))
}

// JobsScheduled counts jobs pushed by one scheduler pass.
func (c *Collector) JobsScheduled(count int) {
	c.jobsScheduled.Add(float64(count))
}

// JobConsumed counts one job taken off the bus.
func (c *Collector) JobConsumed() {
	c.jobsConsumed.Inc()
}
