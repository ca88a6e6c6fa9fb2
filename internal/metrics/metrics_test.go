package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransitionMovesStateGauge(t *testing.T) {
	m := New()
	m.Transition("w-1", "", "starting")
	m.Transition("w-1", "starting", "running")

	if got := testutil.ToFloat64(m.states.WithLabelValues("w-1", "running")); got != 1 {
		t.Errorf("expected running gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.states.WithLabelValues("w-1", "starting")); got != 0 {
		t.Errorf("expected starting gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("w-1", "starting", "running")); got != 1 {
		t.Errorf("expected one transition, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Detection("w-1")
	m.Detection("w-1")
	m.Repair("w-1", "applied", 1.5)
	m.Repair("w-1", "fix", 0.2)
	m.Restart("w-1")

	if got := testutil.ToFloat64(m.detections.WithLabelValues("w-1")); got != 2 {
		t.Errorf("expected 2 detections, got %v", got)
	}
	if got := testutil.ToFloat64(m.repairs.WithLabelValues("w-1", "fix")); got != 1 {
		t.Errorf("expected 1 failed repair, got %v", got)
	}
	if got := testutil.ToFloat64(m.restarts.WithLabelValues("w-1")); got != 1 {
		t.Errorf("expected 1 restart, got %v", got)
	}
}

func TestForget(t *testing.T) {
	m := New()
	m.Transition("w-1", "", "running")
	m.Transition("w-2", "", "running")
	m.Forget("w-1")

	if n := testutil.CollectAndCount(m.states); n != 1 {
		t.Errorf("expected 1 remaining state series, got %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("w-1", "", "running")
	m.Detection("w-1")
	m.Repair("w-1", "applied", 1)
	m.Restart("w-1")
	m.Forget("w-1")
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Detection("w-9")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `watchmin_watcher_detections_total{watcher="w-9"} 1`) {
		t.Errorf("expected detection series in output, got:\n%s", body)
	}
}
