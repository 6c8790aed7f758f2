package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Register(prometheus.NewRegistry())
	m.Reconciled("synced")
	m.RoleMutation("add", true)
	m.Linked("ok")
	m.Challenge("issued")

	unregistered := New()
	unregistered.Reconciled("synced")
}

func TestRegisterIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New()
	m.Register(registry)
	m.Register(registry)

	m.Reconciled("synced")
	m.Reconciled("synced")
	m.RoleMutation("remove", false)

	if got := testutil.ToFloat64(m.reconciliations.WithLabelValues("synced")); got != 2 {
		t.Fatalf("expected 2 reconciliations, got %v", got)
	}
	if got := testutil.ToFloat64(m.roleMutations.WithLabelValues("remove", "error")); got != 1 {
		t.Fatalf("expected 1 failed revoke, got %v", got)
	}
}
