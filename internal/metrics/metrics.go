package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed service starts by reason.",
		}, []string{"name", "reason"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"name"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcorch",
			Subsystem: "health",
			Name:      "probe_attempts_total",
			Help:      "Readiness probe attempts by outcome (ready, not_ready, error).",
		}, []string{"name", "outcome"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the service was reported running.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStartFailures, serviceStops, probeAttempts, serviceStartDuration, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name, reason string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncProbe(name, outcome string) {
	if regOK.Load() {
		probeAttempts.WithLabelValues(name, outcome).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of name among states.
func SetCurrentState(name, state string, states ...string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		var v float64
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}
