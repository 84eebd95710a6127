package sip

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// TransactionMetrics exposes Prometheus counters for the transaction layer.
// Wiring it in is optional: a TransactionLayer with no metrics configured
// runs with the usual zero overhead of a nil receiver check.
type TransactionMetrics struct {
	created     *prometheus.CounterVec
	terminated  *prometheus.CounterVec
	retransmits *prometheus.CounterVec
}

// NewTransactionMetrics builds the counter vectors and registers them against
// reg. Pass nil to skip registration (e.g. in tests using a throwaway
// registry per run).
func NewTransactionMetrics(reg prometheus.Registerer) *TransactionMetrics {
	m := &TransactionMetrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Transactions created, by kind (client/server) and request method.",
		}, []string{"kind", "method"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Subsystem: "transaction",
			Name:      "terminated_total",
			Help:      "Transactions terminated, by kind and termination reason.",
		}, []string{"kind", "reason"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipua",
			Subsystem: "transaction",
			Name:      "retransmits_total",
			Help:      "Request/response retransmissions sent by a transaction, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.terminated, m.retransmits)
	}
	return m
}

func (m *TransactionMetrics) observeCreated(kind string, method RequestMethod) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(kind, string(method)).Inc()
}

func (m *TransactionMetrics) observeTerminated(kind string, err error) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(kind, terminationReason(err)).Inc()
}

func (m *TransactionMetrics) observeRetransmit(kind string) {
	if m == nil {
		return
	}
	m.retransmits.WithLabelValues(kind).Inc()
}

func terminationReason(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrTransactionTerminated):
		return "ok"
	case errors.Is(err, ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionTransport):
		return "transport"
	case errors.Is(err, ErrTransactionCanceled):
		return "canceled"
	default:
		return "other"
	}
}
