// Package metrics holds the Prometheus collectors for the ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	LoansCreated     prometheus.Counter
	PaymentsRecorded *prometheus.CounterVec
	PaymentAmount    *prometheus.CounterVec
	LockWait         prometheus.Histogram
	OperationErrors  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanledger",
			Name:      "loans_created_total",
			Help:      "Loans created.",
		}),
		PaymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanledger",
			Name:      "payments_recorded_total",
			Help:      "Payments recorded, by transaction type.",
		}, []string{"type"}),
		PaymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanledger",
			Name:      "payment_amount_total",
			Help:      "Sum of recorded payment amounts, by transaction type.",
		}, []string{"type"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loanledger",
			Name:      "loan_lock_wait_seconds",
			Help:      "Time spent waiting for a per-loan lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanledger",
			Name:      "operation_errors_total",
			Help:      "Failed ledger operations, by operation and error code.",
		}, []string{"op", "code"}),
	}
	reg.MustRegister(m.LoansCreated, m.PaymentsRecorded, m.PaymentAmount, m.LockWait, m.OperationErrors)
	return m
}

func (m *Metrics) LoanCreated() {
	if m == nil {
		return
	}
	m.LoansCreated.Inc()
}

// PaymentRecorded counts one payment. amount is in currency units.
func (m *Metrics) PaymentRecorded(txnType string, amount float64) {
	if m == nil {
		return
	}
	m.PaymentsRecorded.WithLabelValues(txnType).Inc()
	m.PaymentAmount.WithLabelValues(txnType).Add(amount)
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) OperationFailed(op, code string) {
	if m == nil {
		return
	}
	m.OperationErrors.WithLabelValues(op, code).Inc()
}
