package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector the service exports. A nil *Registry is valid and
// records nothing.
type Registry struct {
	registry         *prometheus.Registry
	submissionsTotal *prometheus.CounterVec
	replaysTotal     prometheus.Counter
	verdictsTotal    *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec
	vaultOpsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	ledgerCall       *prometheus.HistogramVec
	pendingReconcile prometheus.Gauge
}

func New() *Registry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_submissions_total",
		Help: "Transfer submissions by terminal status",
	}, []string{"status"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerguard_replays_total",
		Help: "Submissions answered from the idempotency ledger",
	})

	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_safety_verdicts_total",
		Help: "Wallet import safety verdicts",
	}, []string{"decision"})

	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_reconcile_total",
		Help: "Reconciliation outcomes for in-doubt transactions",
	}, []string{"result"})

	vaultOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_vault_ops_total",
		Help: "Key vault operations",
	}, []string{"op", "result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_conversation_transitions_total",
		Help: "Conversation state transitions by target state",
	}, []string{"state"})

	ledgerCall := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerguard_ledger_call_seconds",
		Help:    "Latency of ledger network calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerguard_pending_reconcile",
		Help: "Transactions waiting for reconciliation after the last pass",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, replays, verdicts, reconcile, vaultOps, transitions, ledgerCall, pending)

	return &Registry{
		registry:         r,
		submissionsTotal: submissions,
		replaysTotal:     replays,
		verdictsTotal:    verdicts,
		reconcileTotal:   reconcile,
		vaultOpsTotal:    vaultOps,
		transitionsTotal: transitions,
		ledgerCall:       ledgerCall,
		pendingReconcile: pending,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncSubmission(status string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncReplay() {
	if m == nil {
		return
	}
	m.replaysTotal.Inc()
}

func (m *Registry) IncVerdict(decision string) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(decision).Inc()
}

func (m *Registry) IncReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncVaultOp(op, result string) {
	if m == nil {
		return
	}
	m.vaultOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Registry) IncTransition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

// ObserveLedgerCall records the time since start under method.
func (m *Registry) ObserveLedgerCall(method string, start time.Time) {
	if m == nil {
		return
	}
	m.ledgerCall.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Registry) SetPendingReconcile(n int) {
	if m == nil {
		return
	}
	m.pendingReconcile.Set(float64(n))
}
