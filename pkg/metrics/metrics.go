package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildsrv_process_start_duration_seconds",
			Help:    "Time from spawn to completed handshake",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"supervisor", "status"},
	)

	startFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildsrv_process_start_failures_total",
			Help: "Failed build server starts by error code",
		},
		[]string{"supervisor", "error_code"},
	)

	exits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildsrv_process_exits_total",
			Help: "Build server exits, requested or unsolicited",
		},
		[]string{"supervisor", "reason"},
	)

	running = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildsrv_processes_running",
			Help: "Build servers currently alive",
		},
		[]string{"supervisor"},
	)

	calls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildsrv_proxy_calls_total",
			Help: "Proxy calls by method and status",
		},
		[]string{"supervisor", "method", "status"},
	)
)

// Exit reasons
const (
	ExitRequested   = "requested"
	ExitUnsolicited = "unsolicited"
)

// RecordStart records a successful start and bumps the running gauge
func RecordStart(supervisor string, d time.Duration) {
	startDuration.WithLabelValues(supervisor, "success").Observe(d.Seconds())
	running.WithLabelValues(supervisor).Inc()
}

// RecordStartFailure records a failed start
func RecordStartFailure(supervisor, code string, d time.Duration) {
	startDuration.WithLabelValues(supervisor, "error").Observe(d.Seconds())
	startFailures.WithLabelValues(supervisor, code).Inc()
}

// RecordExit records a process death and drops the running gauge
func RecordExit(supervisor, reason string) {
	exits.WithLabelValues(supervisor, reason).Inc()
	running.WithLabelValues(supervisor).Dec()
}

// RecordCall records the outcome of a proxy call
func RecordCall(supervisor, method string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	calls.WithLabelValues(supervisor, method, status).Inc()
}
