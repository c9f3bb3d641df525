// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. Every method is
// safe to call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Vault metrics
	DepositsProcessed *prometheus.CounterVec
	DepositsIgnored   *prometheus.CounterVec
	SharesIssued      *prometheus.CounterVec
	Withdrawals       *prometheus.CounterVec
	Harvests          *prometheus.CounterVec
	PendingOperations *prometheus.GaugeVec

	// Strategy metrics
	StrategyValue    *prometheus.GaugeVec
	StrategyDegraded *prometheus.CounterVec

	// Ledger metrics
	SubmissionOutcomes *prometheus.CounterVec
	SubmissionLatency  *prometheus.HistogramVec
	LedgerReconnects   prometheus.Counter

	// Registry metrics
	ListWarnings     *prometheus.CounterVec
	VaultsDiscovered prometheus.Gauge
	VaultsRunning    prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vaultd"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		DepositsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "deposits_processed_total",
			Help:      "Total number of qualifying deposits processed by vault",
		}, []string{"vault"}),
		DepositsIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "deposits_ignored_total",
			Help:      "Total number of incoming transactions ignored by reason",
		}, []string{"vault", "reason"}),
		SharesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "shares_issued_total",
			Help:      "Total share units issued by vault",
		}, []string{"vault"}),
		Withdrawals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "withdrawals_total",
			Help:      "Total withdrawals by vault and outcome",
		}, []string{"vault", "outcome"}),
		Harvests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "harvests_total",
			Help:      "Total harvests by vault and outcome",
		}, []string{"vault", "outcome"}),
		PendingOperations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "pending_operations",
			Help:      "Deposits and withdrawals awaiting retry",
		}, []string{"vault", "kind"}),

		StrategyValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "value",
			Help:      "Last computed strategy value in accepted-asset units",
		}, []string{"vault", "kind"}),
		StrategyDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "degraded_valuations_total",
			Help:      "Valuations that fell back to deployed principal",
		}, []string{"vault", "kind"}),

		SubmissionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "Ledger submissions by transaction type and outcome",
		}, []string{"tx_type", "outcome"}),
		SubmissionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "submission_duration_seconds",
			Help:      "Time from signing to a final result",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"tx_type"}),
		LedgerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconnects_total",
			Help:      "WebSocket reconnections to the ledger node",
		}),

		ListWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "list_warnings_total",
			Help:      "Counterparties skipped during registry enumeration by reason",
		}, []string{"reason"}),
		VaultsDiscovered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "vaults_discovered",
			Help:      "Descriptors returned by the last registry enumeration",
		}),
		VaultsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "vaults_running",
			Help:      "Vault accounts currently listening",
		}),
	}
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DepositProcessed(vault string, shares float64) {
	if m == nil {
		return
	}
	m.DepositsProcessed.WithLabelValues(vault).Inc()
	m.SharesIssued.WithLabelValues(vault).Add(shares)
}

func (m *Metrics) DepositIgnored(vault, reason string) {
	if m == nil {
		return
	}
	m.DepositsIgnored.WithLabelValues(vault, reason).Inc()
}

func (m *Metrics) WithdrawalOutcome(vault, outcome string) {
	if m == nil {
		return
	}
	m.Withdrawals.WithLabelValues(vault, outcome).Inc()
}

func (m *Metrics) HarvestOutcome(vault, outcome string) {
	if m == nil {
		return
	}
	m.Harvests.WithLabelValues(vault, outcome).Inc()
}

func (m *Metrics) SetPending(vault, kind string, n int) {
	if m == nil {
		return
	}
	m.PendingOperations.WithLabelValues(vault, kind).Set(float64(n))
}

func (m *Metrics) ObserveStrategyValue(vault, kind string, value float64) {
	if m == nil {
		return
	}
	m.StrategyValue.WithLabelValues(vault, kind).Set(value)
}

func (m *Metrics) StrategyDegradedValuation(vault, kind string) {
	if m == nil {
		return
	}
	m.StrategyDegraded.WithLabelValues(vault, kind).Inc()
}

func (m *Metrics) Submission(txType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SubmissionOutcomes.WithLabelValues(txType, outcome).Inc()
	m.SubmissionLatency.WithLabelValues(txType).Observe(seconds)
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.LedgerReconnects.Inc()
}

func (m *Metrics) ListWarning(reason string) {
	if m == nil {
		return
	}
	m.ListWarnings.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetDiscovered(n int) {
	if m == nil {
		return
	}
	m.VaultsDiscovered.Set(float64(n))
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.VaultsRunning.Set(float64(n))
}
