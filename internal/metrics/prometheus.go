// Package metrics wraps prometheus collectors for the controller's
// reconciliation loop: spawns, teardowns, reaps, per-profile budget, and
// observed queue/worker state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for controller metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	spawnsTotal    *prometheus.CounterVec
	teardownsTotal *prometheus.CounterVec
	reapsTotal     *prometheus.CounterVec
	tickErrors     *prometheus.CounterVec

	// Histograms
	tickDuration      prometheus.Histogram
	cloudCallDuration *prometheus.HistogramVec

	// Gauges
	uptime      prometheus.GaugeFunc
	budgetGauge *prometheus.GaugeVec
	activeVMs   *prometheus.GaugeVec
	queueDepth  *prometheus.GaugeVec
	idleWorkers *prometheus.GaugeVec
	needDelta   *prometheus.GaugeVec
}

var defaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// StartTime returns the time the metrics subsystem was initialized.
func StartTime() time.Time {
	return startTime
}

// InitPrometheus initializes the Prometheus metrics subsystem under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		spawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawns_total",
				Help:      "Total VM spawn attempts by profile and outcome",
			},
			[]string{"profile", "outcome"},
		),

		teardownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardowns_total",
				Help:      "Total VM teardown attempts by profile and outcome",
			},
			[]string{"profile", "outcome"},
		),

		reapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaps_total",
				Help:      "Total slacker reap attempts by outcome",
			},
			[]string{"outcome"},
		),

		tickErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Total errors encountered during a controller tick, by stage",
			},
			[]string{"stage"},
		),

		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of one full controller tick",
				Buckets:   buckets,
			},
		),

		cloudCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of CloudDriver calls by operation",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		budgetGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "profile_budget",
				Help:      "Allocated VM budget per profile",
			},
			[]string{"profile"},
		),

		activeVMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_vms",
				Help:      "Current VM count per profile, as tracked by the registry",
			},
			[]string{"profile"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Last observed broker queue depth per profile",
			},
			[]string{"profile"},
		),

		idleWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "idle_workers",
				Help:      "Last observed idle worker count per profile",
			},
			[]string{"profile"},
		),

		needDelta: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "need_delta",
				Help:      "Last computed worker need delta per profile (positive: grow, negative: shrink)",
			},
			[]string{"profile"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the controller started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.spawnsTotal,
		pm.teardownsTotal,
		pm.reapsTotal,
		pm.tickErrors,
		pm.tickDuration,
		pm.cloudCallDuration,
		pm.uptime,
		pm.budgetGauge,
		pm.activeVMs,
		pm.queueDepth,
		pm.idleWorkers,
		pm.needDelta,
	)

	promMetrics = pm
}

// RecordSpawn records a spawn attempt for profile with the given outcome
// ("created", "insufficient_resources", "over_limit", "transient", "error").
func RecordSpawn(profile, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.spawnsTotal.WithLabelValues(profile, outcome).Inc()
}

// RecordTeardown records a teardown attempt for profile with the given outcome.
func RecordTeardown(profile, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.teardownsTotal.WithLabelValues(profile, outcome).Inc()
}

// RecordReap records a slacker reap attempt with the given outcome.
func RecordReap(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reapsTotal.WithLabelValues(outcome).Inc()
}

// RecordTickError records an error in a given tick stage ("workers",
// "reap", "broker", "registry").
func RecordTickError(stage string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tickErrors.WithLabelValues(stage).Inc()
}

// ObserveTickDuration records the wall-clock duration of one controller tick.
func ObserveTickDuration(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.tickDuration.Observe(d.Seconds())
}

// ObserveCloudCallDuration records the duration of a CloudDriver call.
func ObserveCloudCallDuration(operation string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.cloudCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetProfileBudget sets the allocated VM budget gauge for a profile.
func SetProfileBudget(profile string, budget int) {
	if promMetrics == nil {
		return
	}
	promMetrics.budgetGauge.WithLabelValues(profile).Set(float64(budget))
}

// SetActiveVMs sets the current registry-tracked VM count for a profile.
func SetActiveVMs(profile string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.WithLabelValues(profile).Set(float64(count))
}

// SetQueueDepth sets the last observed queue depth for a profile.
func SetQueueDepth(profile string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(profile).Set(float64(depth))
}

// SetIdleWorkers sets the last observed idle worker count for a profile.
func SetIdleWorkers(profile string, idle int) {
	if promMetrics == nil {
		return
	}
	promMetrics.idleWorkers.WithLabelValues(profile).Set(float64(idle))
}

// SetNeedDelta sets the last computed need delta for a profile.
func SetNeedDelta(profile string, delta int) {
	if promMetrics == nil {
		return
	}
	promMetrics.needDelta.WithLabelValues(profile).Set(float64(delta))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for tests that want to
// register custom collectors or inspect gathered metrics.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
