// Package metrics holds the Prometheus collectors for booking activity.
//
// Label values are bounded: outcome is one of the five booking outcomes (plus
// "unknown"), status is a job status.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/slot-scheduler/internal/domain/reservation"
)

var (
	// attempts counts raw Book responses per attempt, before confirmation.
	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_attempts_total",
			Help: "Booking attempts by raw outcome.",
		},
		[]string{"outcome"},
	)

	results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_results_total",
			Help: "Final booking results by outcome.",
		},
		[]string{"outcome"},
	)

	jobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_jobs_scheduled_total",
			Help: "Deferred booking jobs registered.",
		},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_jobs_finished_total",
			Help: "Booking jobs that left the running state, by final status.",
		},
		[]string{"status"},
	)

	// fireLag is how late the attempt started relative to the bookable instant
	// (negative values are clamped to zero).
	fireLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "booking_fire_lag_seconds",
			Help:    "Delay between the bookable instant and the first booking attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(attempts, results, jobsScheduled, jobsFinished, fireLag)
}

func ObserveAttempt(o reservation.Outcome) {
	attempts.WithLabelValues(label(o)).Inc()
}

func ObserveResult(o reservation.Outcome) {
	results.WithLabelValues(label(o)).Inc()
}

func JobScheduled() { jobsScheduled.Inc() }

func JobFinished(s reservation.JobStatus) {
	jobsFinished.WithLabelValues(string(s)).Inc()
}

func ObserveFireLag(d time.Duration) {
	if d < 0 {
		d = 0
	}
	fireLag.Observe(d.Seconds())
}

func label(o reservation.Outcome) string {
	if !o.Valid() {
		return "unknown"
	}
	return string(o)
}
