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

	activationStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "activatr",
			Subsystem: "activation",
			Name:      "starts_total",
			Help:      "Number of activations created by this process (start path).",
		},
	)
	activationAttaches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "activatr",
			Subsystem: "activation",
			Name:      "attaches_total",
			Help:      "Number of successful attaches to a ready activation.",
		},
	)
	activationRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "activatr",
			Subsystem: "activation",
			Name:      "restarts_total",
			Help:      "Number of start-or-attach attempts that ended restartable.",
		}, []string{"reason"},
	)
	activationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "activatr",
			Subsystem: "activation",
			Name:      "timeouts_total",
			Help:      "Number of attach waits that exceeded the attach timeout.",
		},
	)
	attachWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "activatr",
			Subsystem: "activation",
			Name:      "attach_wait_seconds",
			Help:      "Time spent waiting for a prior activation to become ready.",
			Buckets:   []float64{0, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "activatr",
			Subsystem: "registry",
			Name:      "lock_wait_seconds",
			Help:      "Time spent blocked on the registry lock.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	records = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "activatr",
			Subsystem: "registry",
			Name:      "activations",
			Help:      "Activation records in the registry, by readiness.",
		}, []string{"env", "ready"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{activationStarts, activationAttaches, activationRestarts, activationTimeouts, attachWait, lockWait, records}
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

// WriteTextfile writes the gathered metrics in the text exposition format for
// the node exporter textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		activationStarts.Inc()
	}
}

func IncAttach() {
	if regOK.Load() {
		activationAttaches.Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		activationRestarts.WithLabelValues(reason).Inc()
	}
}

func IncTimeout() {
	if regOK.Load() {
		activationTimeouts.Inc()
	}
}

func ObserveAttachWait(seconds float64) {
	if regOK.Load() {
		attachWait.Observe(seconds)
	}
}

func ObserveLockWait(seconds float64) {
	if regOK.Load() {
		lockWait.Observe(seconds)
	}
}

// SetRecords publishes the ready/not-ready record counts for one environment.
func SetRecords(env string, ready, pending int) {
	if regOK.Load() {
		records.WithLabelValues(env, "true").Set(float64(ready))
		records.WithLabelValues(env, "false").Set(float64(pending))
	}
}
