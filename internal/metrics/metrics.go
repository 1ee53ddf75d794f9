package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prohmpiriya/booking-core/pkg/circuitbreaker"
)

const namespace = "booking_core"

var (
	// AdmissionsTotal counts admission decisions by outcome
	AdmissionsTotal *prometheus.CounterVec
	// AdmissionDuration observes a full admission including lock round trips
	AdmissionDuration prometheus.Histogram

	// LockAcquisitionsTotal counts lock attempts by result (acquired, busy, error)
	LockAcquisitionsTotal *prometheus.CounterVec
	// LeaseLostTotal counts leases lost between acquire and commit
	LeaseLostTotal prometheus.Counter

	// QueueResultsTotal counts queue processor decisions by result
	QueueResultsTotal *prometheus.CounterVec

	// EventsTotal counts notification events by type and result (published, dropped, dead_lettered)
	EventsTotal *prometheus.CounterVec

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open
	CircuitBreakerState *prometheus.GaugeVec

	initOnce sync.Once
)

// Init registers all metrics with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(initMetrics)
}

func initMetrics() {
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"outcome"},
	)

	AdmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Admission latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Total number of lock acquisition attempts",
		},
		[]string{"result"},
	)

	LeaseLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_lost_total",
			Help:      "Leases that expired before the admission committed",
		},
	)

	QueueResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_results_total",
			Help:      "Queue processor results per entry",
		},
		[]string{"result"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Notification events by type and delivery result",
		},
		[]string{"type", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
}

// The recorders below are no-ops until Init has run, so tests need no registry.

// RecordAdmission counts one admission outcome
func RecordAdmission(outcome string, seconds float64) {
	if AdmissionsTotal == nil {
		return
	}
	AdmissionsTotal.WithLabelValues(outcome).Inc()
	AdmissionDuration.Observe(seconds)
}

// RecordLock counts one lock acquisition attempt
func RecordLock(result string) {
	if LockAcquisitionsTotal == nil {
		return
	}
	LockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// RecordLeaseLost counts a lease lost mid-operation
func RecordLeaseLost() {
	if LeaseLostTotal == nil {
		return
	}
	LeaseLostTotal.Inc()
}

// RecordQueueResult counts one queue processor result
func RecordQueueResult(result string) {
	if QueueResultsTotal == nil {
		return
	}
	QueueResultsTotal.WithLabelValues(result).Inc()
}

// RecordEvent counts one event delivery result
func RecordEvent(eventType, result string) {
	if EventsTotal == nil {
		return
	}
	EventsTotal.WithLabelValues(eventType, result).Inc()
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange
func BreakerStateChanged(name string, from, to circuitbreaker.State) {
	if CircuitBreakerState == nil {
		return
	}
	CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
