package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"escrowlink/core/ledger"
)

var (
	escrowdMetricsOnce sync.Once
	escrowdRegistry    *EscrowdMetrics
)

// EscrowdMetrics tracks ledger submissions and budget pre-flight outcomes of
// the escrow orchestration daemon. It satisfies ledger.Observer.
type EscrowdMetrics struct {
	submissions      *prometheus.CounterVec
	confirmation     *prometheus.HistogramVec
	budgetRejections prometheus.Counter
	operations       *prometheus.CounterVec
}

var _ ledger.Observer = (*EscrowdMetrics)(nil)

// Escrowd returns the lazily-initialised escrowd metrics registered with the
// default Prometheus registerer.
func Escrowd() *EscrowdMetrics {
	escrowdMetricsOnce.Do(func() {
		escrowdRegistry = NewEscrowdMetrics()
		escrowdRegistry.MustRegister(prometheus.DefaultRegisterer)
	})
	return escrowdRegistry
}

// NewEscrowdMetrics builds unregistered collectors. Tests register them on a
// private registry.
func NewEscrowdMetrics() *EscrowdMetrics {
	return &EscrowdMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "submissions_total",
			Help:      "Ledger submission attempts segmented by protocol phase and outcome.",
		}, []string{"phase", "outcome"}),
		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "confirmation_seconds",
			Help:      "Time from acceptance to confirmation of a submitted group.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"phase"}),
		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "budget_rejections_total",
			Help:      "Deployments refused because the sender balance could not cover the protocol.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "operations_total",
			Help:      "Coordinator operations segmented by operation and error kind.",
		}, []string{"operation", "result"}),
	}
}

// MustRegister registers every collector with reg.
func (m *EscrowdMetrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.submissions, m.confirmation, m.budgetRejections, m.operations)
}

func (m *EscrowdMetrics) ObserveSubmission(phase string, outcome ledger.OutcomeKind) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelPhase(phase), outcome.String()).Inc()
}

func (m *EscrowdMetrics) ObserveConfirmation(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.WithLabelValues(labelPhase(phase)).Observe(elapsed.Seconds())
}

// RecordBudgetRejection counts a failed balance pre-flight.
func (m *EscrowdMetrics) RecordBudgetRejection() {
	if m == nil {
		return
	}
	m.budgetRejections.Inc()
}

// RecordOperation counts a coordinator call. result is "ok" or an error kind.
func (m *EscrowdMetrics) RecordOperation(operation, result string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(result) == "" {
		result = "ok"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func labelPhase(phase string) string {
	phase = strings.TrimSpace(strings.ToLower(phase))
	if phase == "" {
		return "unknown"
	}
	return phase
}
