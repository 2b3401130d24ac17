package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric.
const Namespace = "vlab"

// PrometheusCollector implements Collector with a private registry.
type PrometheusCollector struct {
	launches       *prometheus.CounterVec
	launchDuration *prometheus.HistogramVec
	running        prometheus.Gauge
	readyWait      *prometheus.HistogramVec
	switches       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector whose metrics carry the run
// identifier as a constant label.
func NewPrometheusCollector(runID string) *PrometheusCollector {
	constLabels := prometheus.Labels{}
	if runID != "" {
		constLabels["run_id"] = runID
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "launches_total",
			Help:        "Vhost launches by outcome",
			ConstLabels: constLabels,
		},
		[]string{"vhost", "status"},
	)

	pc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "launch_duration_seconds",
			Help:        "Time a vhost launch held its scheduler slot",
			Buckets:     []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"vhost"},
	)

	pc.running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "launches_running",
			Help:        "Launches currently holding a scheduler slot",
			ConstLabels: constLabels,
		},
	)

	pc.readyWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "ready_wait_seconds",
			Help:        "Time until a vhost signalled readiness",
			Buckets:     []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"vhost", "status"},
	)

	pc.switches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "switches_started_total",
			Help:        "Hub switches started",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)

	pc.registry.MustRegister(pc.launches, pc.launchDuration, pc.running, pc.readyWait, pc.switches)
	return pc
}

func (pc *PrometheusCollector) LaunchStarted(vhost string) {
	pc.launches.WithLabelValues(vhost, "started").Inc()
}

func (pc *PrometheusCollector) LaunchFinished(vhost string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pc.launches.WithLabelValues(vhost, status).Inc()
	pc.launchDuration.WithLabelValues(vhost).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) Running(n int) {
	pc.running.Set(float64(n))
}

func (pc *PrometheusCollector) ReadyWait(vhost string, duration time.Duration, timedOut bool) {
	status := "ready"
	if timedOut {
		status = "timeout"
	}
	pc.readyWait.WithLabelValues(vhost, status).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) SwitchStarted(tap bool) {
	kind := "hub"
	if tap {
		kind = "tap"
	}
	pc.switches.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// WriteFile writes every metric to path in the textfile collector format.
func (pc *PrometheusCollector) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, pc.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
