package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "session",
			Name:      "status_transitions_total",
			Help:      "Connection status transitions emitted to the sink.",
		},
		[]string{"status"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Channel connection attempts by outcome.",
		},
		[]string{"outcome"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Normalized session failures by cause.",
		},
		[]string{"cause"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Inbound channel events by classified kind.",
		},
		[]string{"kind"},
	)
	preflightResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "preflight",
			Name:      "total",
			Help:      "Security preflight assessments.",
		},
		[]string{"mode", "accepted"},
	)
	preflightDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idvlink",
			Subsystem: "preflight",
			Name:      "duration_seconds",
			Help:      "Security preflight duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "accepted"},
	)
	windowClosures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idvlink",
			Subsystem: "window",
			Name:      "closures_total",
			Help:      "Auxiliary window closures by detecting signal.",
		},
		[]string{"signal"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		statusTransitions,
		connectAttempts,
		failures,
		channelEvents,
		preflightResults,
		preflightDuration,
		windowClosures,
	}
}

// RegisterMetrics registers the collectors on reg, or on the default
// registerer when reg is nil. Repeat calls are no-ops. A name already taken
// by a foreign collector is returned as an error instead of panicking.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var errs []error
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var dup prometheus.AlreadyRegisteredError
			if errors.As(err, &dup) && dup.ExistingCollector == c {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func RecordStatus(status string) {
	statusTransitions.WithLabelValues(status).Inc()
}

func RecordAttempt(outcome string) {
	connectAttempts.WithLabelValues(outcome).Inc()
}

func RecordFailure(cause string) {
	failures.WithLabelValues(cause).Inc()
}

func RecordEvent(kind string) {
	channelEvents.WithLabelValues(kind).Inc()
}

func RecordPreflight(mode string, accepted bool, duration time.Duration) {
	acceptedLabel := strconv.FormatBool(accepted)
	preflightResults.WithLabelValues(mode, acceptedLabel).Inc()
	preflightDuration.WithLabelValues(mode, acceptedLabel).Observe(duration.Seconds())
}

func RecordWindowClosure(signal string) {
	windowClosures.WithLabelValues(signal).Inc()
}
