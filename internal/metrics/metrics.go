package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentmgr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service controller operations by outcome.",
		}, []string{"op", "result"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "forced_kills_total",
			Help:      "Operations that escalated to killing the service process tree.",
		}, []string{"op"},
	)
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of service controller operations including polling.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"op"},
	)
	serviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state",
			Help:      "Last observed service state (1 = current state, 0 = other states).",
		}, []string{"service", "state"},
	)
	lockEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "events_total",
			Help:      "Instance lock outcomes (acquired, stale_takeover, terminated, conflict).",
		}, []string{"event"},
	)
	updateEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "events_total",
			Help:      "Self-update steps by outcome.",
		}, []string{"step", "result"},
	)
	handoffCopyAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "copy_attempts_total",
			Help:      "Executable copy attempts made by hand-off helpers.",
		},
	)
	handoffFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "copy_exhausted_total",
			Help:      "Hand-offs that gave up after exhausting copy retries.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serviceOps, forcedKills, opDuration, serviceState,
		lockEvents, updateEvents, handoffCopyAttempts, handoffFailures,
		serviceCPUPercent, serviceMemoryMB, serviceNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used with a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveServiceOp(op string, seconds float64, forced bool, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	serviceOps.WithLabelValues(op, result).Inc()
	opDuration.WithLabelValues(op).Observe(seconds)
	if forced {
		forcedKills.WithLabelValues(op).Inc()
	}
}

// SetServiceState marks current as the active state among all.
func SetServiceState(service, current string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		serviceState.WithLabelValues(service, s).Set(v)
	}
}

func IncLockEvent(event string) {
	if regOK.Load() {
		lockEvents.WithLabelValues(event).Inc()
	}
}

func IncUpdateEvent(step string, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	updateEvents.WithLabelValues(step, result).Inc()
}

func AddHandoffCopyAttempts(n int) {
	if regOK.Load() && n > 0 {
		handoffCopyAttempts.Add(float64(n))
	}
}

func IncHandoffFailure() {
	if regOK.Load() {
		handoffFailures.Inc()
	}
}
