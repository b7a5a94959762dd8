package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every v2x collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// LedgerTxTotal counts state-changing ledger operations.
	// outcome: confirmed, idempotent, rejected, timeout
	LedgerTxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2x_ledger_tx_total",
			Help: "Total number of ledger writes by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// LedgerConfirmLatency records submit-to-confirmation time.
	LedgerConfirmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "v2x_ledger_confirm_latency_seconds",
			Help:    "Latency from submission to confirmation of ledger writes.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// NoncesIssued counts issued challenges.
	NoncesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "v2x_auth_nonces_issued_total",
			Help: "Total number of authentication challenges issued.",
		},
	)

	// AuthVerdicts counts authentication outcomes by reason.
	AuthVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2x_auth_verdicts_total",
			Help: "Total number of authentication verdicts.",
		},
		[]string{"verdict", "reason"},
	)

	// ChargesTotal counts toll settlement attempts.
	// outcome: confirmed, idempotent, failed, skipped_inactive
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2x_settlement_charges_total",
			Help: "Total number of toll charge attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// AccidentLegs counts accident report legs.
	AccidentLegs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2x_settlement_accident_legs_total",
			Help: "Total number of accident report legs by leg and outcome.",
		},
		[]string{"leg", "outcome"},
	)

	// SchedulerTasks is the number of running simulation tasks.
	SchedulerTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "v2x_scheduler_tasks",
			Help: "Number of running per-vehicle telemetry simulation tasks.",
		},
	)

	// SchedulerTickFailures counts ticks that panicked or failed.
	SchedulerTickFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "v2x_scheduler_tick_failures_total",
			Help: "Total number of simulation ticks that failed.",
		},
	)

	// SupervisedWorkers is the number of live external worker processes.
	SupervisedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "v2x_supervisor_workers",
			Help: "Number of live ledger-connected worker processes.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LedgerTxTotal,
		LedgerConfirmLatency,
		NoncesIssued,
		AuthVerdicts,
		ChargesTotal,
		AccidentLegs,
		SchedulerTasks,
		SchedulerTickFailures,
		SupervisedWorkers,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
