// Package metrics exposes detector activity as prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "failuredetector"

const (
	PauseOK     = "ok"
	PauseFailed = "failed"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Detection cycles by terminal status.",
		},
		[]string{"status"},
	)

	cycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Wall time of one detection cycle including capture and inference.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12},
		},
	)

	failureProbability = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failure_probability",
			Help:      "Failure probability reported by the most recent successful cycle.",
		},
	)

	pausesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Pause commands issued on detected failures, by outcome.",
		},
		[]string{"outcome"},
	)

	monitoringActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitoring_active",
			Help:      "1 while a print is being monitored.",
		},
	)

	modelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when an inference model is loaded.",
		},
	)
)

// Register attaches the collectors to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		cyclesTotal,
		cycleSeconds,
		failureProbability,
		pausesTotal,
		monitoringActive,
		modelLoaded,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with the detector collectors plus process and Go runtime stats.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// ObserveCycle records a finished cycle. probability is nil for error results.
func ObserveCycle(status string, took time.Duration, probability *float64) {
	cyclesTotal.WithLabelValues(status).Inc()
	if took < 0 {
		took = 0
	}
	cycleSeconds.Observe(took.Seconds())
	if probability != nil {
		failureProbability.Set(*probability)
	}
}

func ObservePause(ok bool) {
	if ok {
		pausesTotal.WithLabelValues(PauseOK).Inc()
		return
	}
	pausesTotal.WithLabelValues(PauseFailed).Inc()
}

func SetMonitoring(active bool) { monitoringActive.Set(boolValue(active)) }

func SetModelLoaded(loaded bool) { modelLoaded.Set(boolValue(loaded)) }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
