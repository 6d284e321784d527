package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist_api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TicketsCreatedTotal counts tickets created, by scope.
var TicketsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "tickets_created_total",
		Help:      "Total number of tickets created, by scope.",
	},
	[]string{"scope"},
)

// TicketsReleasedTotal counts explicit releases, by the status the ticket was in.
var TicketsReleasedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "tickets_released_total",
		Help:      "Total number of tickets released, by prior status.",
	},
	[]string{"prior_status"},
)

// TicketsPromotedTotal counts queued -> active promotions performed by the director.
var TicketsPromotedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "tickets_promoted_total",
		Help:      "Total number of tickets promoted to active by the director.",
	},
)

// TicketsExpiredTotal counts expirations performed by the director, by the status the ticket was in.
var TicketsExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "tickets_expired_total",
		Help:      "Total number of tickets expired by the director, by prior status.",
	},
	[]string{"prior_status"},
)

// SweepDuration tracks how long a full director sweep takes.
var SweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a full director sweep in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)

// SweepConflictsTotal counts benign optimistic-concurrency conflicts observed during sweeps.
var SweepConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cnapi",
		Subsystem: "waitlist",
		Name:      "sweep_conflicts_total",
		Help:      "Total number of version conflicts observed during director sweeps (benign, retried next sweep).",
	},
)

// All returns the waitlist-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TicketsCreatedTotal,
		TicketsReleasedTotal,
		TicketsPromotedTotal,
		TicketsExpiredTotal,
		SweepDuration,
		SweepConflictsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP request duration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
