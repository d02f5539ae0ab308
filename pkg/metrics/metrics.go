package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Booking metrics
	BookingsTotal      *prometheus.CounterVec
	BookingConflicts   prometheus.Counter
	BookingLatency     prometheus.Histogram
	CancellationsTotal *prometheus.CounterVec

	// Sweep metrics
	SweepAssigned prometheus.Counter
	SweepUnable   prometheus.Counter
	SweepErrored  prometheus.Counter
	SweepDuration prometheus.Histogram

	// Availability metrics
	AvailabilityQueries *prometheus.CounterVec
	OpenSlotsOffered    prometheus.Gauge
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		BookingsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bookings_total",
			Help:      "Total booking attempts by outcome",
		}, []string{"outcome"}),
		BookingConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "booking_conflicts_total",
			Help:      "Bookings lost to a concurrent claim or overlap",
		}),
		BookingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "booking_duration_seconds",
			Help:      "Time spent in the booking transaction path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		CancellationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancellations_total",
			Help:      "Total cancellations by reason",
		}, []string{"reason"}),
		SweepAssigned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_assigned_total",
			Help:      "Vacant appointments reassigned by the sweep",
		}),
		SweepUnable: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_unable_total",
			Help:      "Vacant appointments with no available provider",
		}),
		SweepErrored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_errored_total",
			Help:      "Vacant appointments that failed with a hard error",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one reassignment sweep",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		AvailabilityQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "availability_queries_total",
			Help:      "Availability queries by mode",
		}, []string{"mode"}),
		OpenSlotsOffered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open_slots_offered",
			Help:      "Bookable units returned by the last exact-mode query",
		}),
	}
}
