package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/artpar/entigate/adapters/metrics"
	"github.com/artpar/entigate/core/enrich"
	"github.com/artpar/entigate/core/schema"
)

func TestObserveStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveStep("post", schema.BeforeCreate, "validate", time.Millisecond, nil)
	m.ObserveStep("post", schema.BeforeCreate, "validate", time.Millisecond, errors.New("bad"))
	m.ObserveStep("post", schema.BeforeCreate, "validate", time.Millisecond, nil)

	ok := testutil.ToFloat64(m.HookStepsTotal.WithLabelValues("post", "beforeCreate", "validate", metrics.OutcomeOK))
	failed := testutil.ToFloat64(m.HookStepsTotal.WithLabelValues("post", "beforeCreate", "validate", metrics.OutcomeError))
	if ok != 2 || failed != 1 {
		t.Errorf("ok=%v failed=%v, want 2/1", ok, failed)
	}
	if n := testutil.CollectAndCount(m.HookStepDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestObserveEnrichment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveEnrichment("post", enrich.Stats{Nodes: 3})
	m.ObserveEnrichment("post", enrich.Stats{Nodes: 500, Truncated: true})

	if got := testutil.ToFloat64(m.EnrichTruncations.WithLabelValues("post")); got != 1 {
		t.Errorf("truncations = %v, want 1", got)
	}
}

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveOperation("author", "create", 2*time.Millisecond, nil)
	m.ObserveOperation("author", "delete", time.Millisecond, errors.New("restricted"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "entigate_operations_total" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("entigate_operations_total not found")
	}
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveRequest("GET", "/api/{type}/{id}", 200, time.Millisecond)
	m.ObserveRequest("GET", "/api/{type}/{id}", 204, time.Millisecond)
	m.ObserveRequest("GET", "/api/{type}/{id}", 404, time.Millisecond)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/{type}/{id}", "2xx")); got != 2 {
		t.Errorf("2xx = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/{type}/{id}", "4xx")); got != 1 {
		t.Errorf("4xx = %v, want 1", got)
	}
}

func TestTrackInFlight(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	done1 := m.TrackInFlight()
	done2 := m.TrackInFlight()
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}
	done1()
	done2()
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestObserveReload(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveReload(nil)
	m.ObserveReload(errors.New("bad yaml"))

	if got := testutil.ToFloat64(m.ConfigReloads); got != 1 {
		t.Errorf("reloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigReloadErrors); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
	if testutil.ToFloat64(m.ConfigLastReload) == 0 {
		t.Error("last reload timestamp not set")
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{404, "4xx"},
		{409, "4xx"},
		{503, "5xx"},
		{0, "0"},
	}
	for _, tt := range tests {
		if got := metrics.StatusClass(tt.status); got != tt.want {
			t.Errorf("StatusClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := metrics.New()
	m.ObserveRequest("GET", "/api/{type}", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "entigate_http_requests_total") {
		t.Error("request counter missing from exposition")
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("go collector missing from exposition")
	}
}
