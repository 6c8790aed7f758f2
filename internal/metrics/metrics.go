// Package metrics exposes liro's Prometheus counters. A nil *Metrics and an
// unregistered one are both valid and record nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reconciliations *prometheus.CounterVec
	roleMutations   *prometheus.CounterVec
	links           *prometheus.CounterVec
	challenges      *prometheus.CounterVec

	registerOnce sync.Once
}

func New() *Metrics {
	return &Metrics{}
}

// Register creates the collectors on registry. Subsequent calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.reconciliations = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liro_reconciliations_total",
			Help: "Member reconciliations by result",
		}, []string{"result"})

		m.roleMutations = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liro_role_mutations_total",
			Help: "Role grants and revokes by operation and result",
		}, []string{"op", "result"})

		m.links = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liro_links_total",
			Help: "Completed account-linking attempts by result",
		}, []string{"result"})

		m.challenges = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liro_challenges_total",
			Help: "Linking challenges by event",
		}, []string{"event"})
	})
}

// Reconciled counts a reconciliation; result is e.g. "synced", "not_linked" or "error".
func (m *Metrics) Reconciled(result string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

// RoleMutation counts one grant ("add") or revoke ("remove").
func (m *Metrics) RoleMutation(op string, ok bool) {
	if m == nil || m.roleMutations == nil {
		return
	}
	m.roleMutations.WithLabelValues(op, result(ok)).Inc()
}

func (m *Metrics) Linked(result string) {
	if m == nil || m.links == nil {
		return
	}
	m.links.WithLabelValues(result).Inc()
}

// Challenge counts an "issued" or "redeemed" challenge, or a "missing" one.
func (m *Metrics) Challenge(event string) {
	if m == nil || m.challenges == nil {
		return
	}
	m.challenges.WithLabelValues(event).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
