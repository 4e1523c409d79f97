package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ScopesEntered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidscope",
			Name:      "scopes_entered_total",
			Help:      "Correlation scopes entered, by origin of the identifier.",
		},
		[]string{"source"},
	)

	ActiveScopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cidscope",
			Name:      "scopes_active",
			Help:      "Scopes whose work or returned deferred result has not completed yet.",
		},
	)

	LoopJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidscope",
			Name:      "loop_jobs_total",
			Help:      "Jobs executed by the scheduler loop, by scheduling primitive.",
		},
		[]string{"kind"},
	)

	LoopQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cidscope",
			Name:      "loop_queue_depth",
			Help:      "Jobs waiting in the scheduler loop queues.",
		},
	)

	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cidscope",
			Name:      "requests_total",
			Help:      "Inbound units of work seen by the correlation adapter.",
		},
		[]string{"source"},
	)

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cidscope",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving inbound requests, including asynchronous completion.",
		},
		[]string{"method"},
	)

	JournalDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cidscope",
			Name:      "journal_dropped_total",
			Help:      "Journal entries dropped because the recorder buffer was full.",
		},
	)
)

var registerOnce sync.Once

// Register registers the cidscope metrics into the default registry.
// Calling it more than once is a no-op.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ScopesEntered, ActiveScopes, LoopJobs, LoopQueueDepth, Requests, RequestLatency, JournalDropped)
	})
}
