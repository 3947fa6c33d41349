package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Defaults(t *testing.T) {
	m, err := NewMetrics("")
	if err != nil {
		t.Fatalf("NewMetrics returned error: %v", err)
	}
	if m.GetRegistry() == nil {
		t.Fatal("registry should not be nil")
	}
	if m.namespace != "resgov" {
		t.Fatalf("expected default namespace resgov, got %q", m.namespace)
	}
}

func TestMetrics_NewCounterReuse(t *testing.T) {
	m, _ := NewMetrics("test")
	c1 := m.NewCounter("requests_total", "help", []string{"kind"})
	c1.Inc("query")
	c2 := m.NewCounter("requests_total", "help", []string{"kind"})
	if c1.metric != c2.metric {
		t.Fatal("expected existing counter to be reused")
	}
	if got := testutil.ToFloat64(c2.metric.WithLabelValues("query")); got != 1 {
		t.Fatalf("expected counter to be 1, got %v", got)
	}
}

func TestMetrics_NameNormalization(t *testing.T) {
	m, _ := NewMetrics("test")
	c1 := m.NewCounter("Cache-Hits.total", "help", nil)
	c2 := m.NewCounter("cache_hits_total", "help", nil)
	if c1.metric != c2.metric {
		t.Fatal("normalized names should map to the same collector")
	}
}

func TestGauge_SetAndDec(t *testing.T) {
	m, _ := NewMetrics("test")
	g := m.NewGauge("pending", "help", nil)
	g.Set(5)
	g.Dec()
	if got := testutil.ToFloat64(g.metric.WithLabelValues()); got != 4 {
		t.Fatalf("expected gauge to be 4, got %v", got)
	}
}

func TestHistogram_DefaultBuckets(t *testing.T) {
	m, _ := NewMetrics("test")
	h := m.NewHistogram("duration_seconds", "help", nil, nil)
	h.Observe(0.05)
	hv, ok := m.collectors["duration_seconds"].(*prometheus.HistogramVec)
	if !ok {
		t.Fatal("histogram not registered")
	}
	if got := testutil.CollectAndCount(hv); got != 1 {
		t.Fatalf("expected 1 series, got %d", got)
	}
}

func TestNewGovernorMetrics(t *testing.T) {
	m, _ := NewMetrics("test")
	gm := NewGovernorMetrics(m)
	gm.PressureLevel.Set(2)
	if got := testutil.ToFloat64(gm.PressureLevel.metric.WithLabelValues()); got != 2 {
		t.Fatalf("expected pressure gauge 2, got %v", got)
	}
	gm.CacheHits.Inc("predictions")
	if got := testutil.ToFloat64(gm.CacheHits.metric.WithLabelValues("predictions")); got != 1 {
		t.Fatalf("expected cache hit counter 1, got %v", got)
	}
}
