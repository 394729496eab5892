// ============================================================================
// Titan Kernel Metrics - Prometheus Instruments
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Counts what flows through one kernel and exposes it to Prometheus
//
// Metric categories:
//
//   1. Counters (monotonic):
//      - kernel_seeds_total: queries originated by local clients
//      - kernel_arrivals_total: query instances accepted for local work
//      - kernel_sheds_total: instances refused with Busy
//      - kernel_killed_refusals_total: instances refused because the seed was killed
//      - kernel_forwards_total: destination senders started
//      - kernel_forward_attempts_total: transmissions to one candidate
//      - kernel_forwards_exhausted_total: senders that ran out of candidates
//      - kernel_results_total: results delivered to local collectors
//      - kernel_faults_total{code}: faults received by local trackers
//      - kernel_task_errors_total / kernel_task_panics_total
//      - kernel_decode_failures_total: inbound frames that could not be decoded
//
//   2. Histogram:
//      - kernel_instance_latency_seconds: arrival to finish of one instance
//
//   3. Gauges (instantaneous):
//      - kernel_worklogs_active, kernel_forwards_outstanding, kernel_trackers_live
//
// Example queries:
//
//   # shed ratio
//   rate(kernel_sheds_total[5m]) / rate(kernel_arrivals_total[5m])
//
//   # p95 instance latency
//   histogram_quantile(0.95, kernel_instance_latency_seconds_bucket)
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the kernel's Prometheus instruments
type Collector struct {
	seeds          prometheus.Counter
	arrivals       prometheus.Counter
	sheds          prometheus.Counter
	killedRefusals prometheus.Counter
	forwards       prometheus.Counter
	attempts       prometheus.Counter
	exhausted      prometheus.Counter
	results        prometheus.Counter
	faults         *prometheus.CounterVec
	taskErrors     prometheus.Counter
	taskPanics     prometheus.Counter
	decodeFailures prometheus.Counter

	latency prometheus.Histogram

	worklogs    prometheus.Gauge
	outstanding prometheus.Gauge
	trackers    prometheus.Gauge
}

// NewCollector creates the instruments and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		seeds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_seeds_total",
			Help: "Total number of queries seeded by local clients",
		}),
		arrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_arrivals_total",
			Help: "Total number of query instances accepted for local execution",
		}),
		sheds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_sheds_total",
			Help: "Total number of query instances refused for lack of capacity",
		}),
		killedRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_killed_refusals_total",
			Help: "Total number of query instances refused because their seed was killed",
		}),
		forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_forwards_total",
			Help: "Total number of destination senders started",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_forward_attempts_total",
			Help: "Total number of transmissions to a destination candidate",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_forwards_exhausted_total",
			Help: "Total number of destination senders that ran out of candidates",
		}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_results_total",
			Help: "Total number of results delivered to local result collectors",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_faults_total",
			Help: "Total number of faults received by local trackers",
		}, []string{"code"}),
		taskErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_task_errors_total",
			Help: "Total number of pool tasks that returned an error",
		}),
		taskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_task_panics_total",
			Help: "Total number of pool tasks that panicked",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_decode_failures_total",
			Help: "Total number of inbound frames that could not be decoded",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernel_instance_latency_seconds",
			Help:    "Query instance latency from arrival to finish in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		worklogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_worklogs_active",
			Help: "Current number of query instances between arrival and finish",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_forwards_outstanding",
			Help: "Current number of destination senders awaiting acknowledgement",
		}),
		trackers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_trackers_live",
			Help: "Current number of seed trackers held by this kernel",
		}),
	}

	reg.MustRegister(
		c.seeds, c.arrivals, c.sheds, c.killedRefusals,
		c.forwards, c.attempts, c.exhausted, c.results, c.faults,
		c.taskErrors, c.taskPanics, c.decodeFailures,
		c.latency, c.worklogs, c.outstanding, c.trackers,
	)
	return c
}

func (c *Collector) RecordSeed()          { c.seeds.Inc() }
func (c *Collector) RecordArrival()       { c.arrivals.Inc() }
func (c *Collector) RecordShed()          { c.sheds.Inc() }
func (c *Collector) RecordKilledRefusal() { c.killedRefusals.Inc() }
func (c *Collector) RecordForward()       { c.forwards.Inc() }
func (c *Collector) RecordAttempt()       { c.attempts.Inc() }
func (c *Collector) RecordExhausted()     { c.exhausted.Inc() }
func (c *Collector) RecordResult()        { c.results.Inc() }
func (c *Collector) RecordTaskError()     { c.taskErrors.Inc() }
func (c *Collector) RecordTaskPanic()     { c.taskPanics.Inc() }
func (c *Collector) RecordDecodeFailure() { c.decodeFailures.Inc() }

// RecordFault counts a fault under its code label
func (c *Collector) RecordFault(code string) {
	c.faults.WithLabelValues(code).Inc()
}

// RecordFinished observes one instance's arrival-to-finish latency
func (c *Collector) RecordFinished(latencySeconds float64) {
	c.latency.Observe(latencySeconds)
}

// UpdateRegistrySizes sets the registry gauges
func (c *Collector) UpdateRegistrySizes(worklogs, outstanding, trackers int) {
	c.worklogs.Set(float64(worklogs))
	c.outstanding.Set(float64(outstanding))
	c.trackers.Set(float64(trackers))
}

// Handler serves the metrics gathered by g in Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
