package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m.registry == nil {
		t.Fatal("expected a non-nil dedicated registry")
	}
}

func TestRoutedTotalIncrementsByLabel(t *testing.T) {
	m := NewMetrics()
	m.RoutedTotal.WithLabelValues("local").Inc()
	m.RoutedTotal.WithLabelValues("local").Inc()
	m.RoutedTotal.WithLabelValues("backend").Inc()

	if got := testutil.ToFloat64(m.RoutedTotal.WithLabelValues("local")); got != 2 {
		t.Errorf("expected 2 local turns, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoutedTotal.WithLabelValues("backend")); got != 1 {
		t.Errorf("expected 1 backend turn, got %v", got)
	}
}

func TestCurrentTrustStateGaugeSettable(t *testing.T) {
	m := NewMetrics()
	m.CurrentTrustState.Set(1)
	if got := testutil.ToFloat64(m.CurrentTrustState); got != 1 {
		t.Errorf("expected gauge value 1, got %v", got)
	}
}
