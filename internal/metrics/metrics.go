// SPDX-License-Identifier: MPL-2.0

// Package metrics records invocation outcomes in a private Prometheus
// registry and writes them to a node_exporter textfile. Every method is safe
// on a nil *Metrics, which disables collection.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's collectors.
type Metrics struct {
	reg *prometheus.Registry

	invocations   *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	staleRetries  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastExitCode  *prometheus.GaugeVec
	lastTimestamp *prometheus.GaugeVec
	sessionDials  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frt_invocations_total",
				Help: "Total number of proxied invocations",
			},
			[]string{"program", "path", "result"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frt_fallbacks_total",
				Help: "Total number of local fallbacks by reason",
			},
			[]string{"reason"},
		),
		staleRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frt_workspace_stale_retries_total",
				Help: "Workspace operations retried after a stale file handle",
			},
			[]string{"operation"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frt_invocation_duration_seconds",
				Help:    "Wall time of proxied invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"program", "path"},
		),
		lastExitCode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frt_last_exit_code",
				Help: "Exit code of the most recent invocation",
			},
			[]string{"program"},
		),
		lastTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frt_last_invocation_timestamp_seconds",
				Help: "Unix time the most recent invocation finished",
			},
			[]string{"program", "path"},
		),
		sessionDials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frt_session_dials_total",
				Help: "SSH connection attempts by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveInvocation records one finished invocation.
func (m *Metrics) ObserveInvocation(program, path string, exitCode int, elapsed time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	result := "success"
	if exitCode != 0 {
		result = "exit_" + strconv.Itoa(exitCode)
	}
	m.invocations.WithLabelValues(program, path, result).Inc()
	m.duration.WithLabelValues(program, path).Observe(elapsed.Seconds())
	m.lastExitCode.WithLabelValues(program).Set(float64(exitCode))
	m.lastTimestamp.WithLabelValues(program, path).Set(float64(finished.Unix()))
}

// Fallback counts a switch to the local runner.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

// StaleRetry counts a workspace operation retried after ESTALE.
func (m *Metrics) StaleRetry(op string) {
	if m == nil {
		return
	}
	m.staleRetries.WithLabelValues(op).Inc()
}

// Dial counts a connection attempt.
func (m *Metrics) Dial(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.sessionDials.WithLabelValues(result).Inc()
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.Gatherers{}
	}
	return m.reg
}

// WriteTextfile atomically replaces path with the current metric values.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
