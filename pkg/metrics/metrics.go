// Package metrics exposes Prometheus instrumentation for the signaling
// core: session counts, published events, registration state and engine
// command failures.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	initialized  bool

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	CallDurationSeconds prometheus.Histogram

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Registration metrics
	RegistrationState    prometheus.Gauge
	RegistrationFailures prometheus.Counter

	// Engine metrics
	EngineCommandFailures *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipkit_sessions_active",
				Help: "Number of live call sessions in the registry",
			},
		)

		SessionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipkit_sessions_total",
				Help: "Total number of sessions created, by direction",
			},
			[]string{"direction"},
		)

		CallDurationSeconds = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sipkit_call_duration_seconds",
				Help:    "Duration of completed calls",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
			},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipkit_events_published_total",
				Help: "Total number of domain events published, by event name",
			},
			[]string{"event"},
		)

		EventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipkit_events_dropped_total",
				Help: "Events dropped because a subscriber channel was full",
			},
			[]string{"event"},
		)

		RegistrationState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipkit_registration_state",
				Help: "Account registration state (0=disconnected 1=connecting 2=connected 3=disconnecting)",
			},
		)

		RegistrationFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipkit_registration_failures_total",
				Help: "Total number of failed registration attempts",
			},
		)

		EngineCommandFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipkit_engine_command_failures_total",
				Help: "Engine commands that returned a non-zero code, by command",
			},
			[]string{"command"},
		)

		registry.MustRegister(
			SessionsActive,
			SessionsTotal,
			CallDurationSeconds,
			EventsPublished,
			EventsDropped,
			RegistrationState,
			RegistrationFailures,
			EngineCommandFailures,
		)

		initialized = true
		logger.Debug("Metrics registry initialized")
	})
}

// Handler returns the HTTP handler serving the metrics registry.
func Handler() http.Handler {
	if !initialized {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// The helpers below no-op before Init so library consumers that never
// enable metrics do not have to guard every call site.

// SetSessionsActive records the current live session count.
func SetSessionsActive(n int) {
	if !initialized {
		return
	}
	SessionsActive.Set(float64(n))
}

// RecordSessionCreated counts a new session by direction.
func RecordSessionCreated(direction string) {
	if !initialized {
		return
	}
	SessionsTotal.WithLabelValues(direction).Inc()
}

// ObserveCallDuration records the duration of a completed call.
func ObserveCallDuration(seconds float64) {
	if !initialized || seconds <= 0 {
		return
	}
	CallDurationSeconds.Observe(seconds)
}

// RecordEventPublished counts a published domain event.
func RecordEventPublished(event string) {
	if !initialized {
		return
	}
	EventsPublished.WithLabelValues(event).Inc()
}

// RecordEventDropped counts an event dropped on a saturated subscriber.
func RecordEventDropped(event string) {
	if !initialized {
		return
	}
	EventsDropped.WithLabelValues(event).Inc()
}

// SetRegistrationState records the registration controller state.
func SetRegistrationState(state int) {
	if !initialized {
		return
	}
	RegistrationState.Set(float64(state))
}

// RecordRegistrationFailure counts a failed registration attempt.
func RecordRegistrationFailure() {
	if !initialized {
		return
	}
	RegistrationFailures.Inc()
}

// RecordEngineFailure counts an engine command that returned non-zero.
func RecordEngineFailure(command string) {
	if !initialized {
		return
	}
	EngineCommandFailures.WithLabelValues(command).Inc()
}
