package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jordanhubbard/modelrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

// family gathers the registry and returns the named metric family.
func family(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %q not gathered", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestObserveRoute(t *testing.T) {
	r := New()
	r.ObserveRoute("priority", "gpt-4o", false, 150*time.Millisecond, 2)
	r.ObserveRoute("priority", "gpt-4o", false, 50*time.Millisecond, 1)
	r.ObserveRoute("round_robin", "llama3", true, 10*time.Millisecond, 1)

	routes := family(t, r, "modelrouter_routes_total")
	if len(routes.GetMetric()) != 2 {
		t.Fatalf("expected 2 route series, got %d", len(routes.GetMetric()))
	}
	for _, m := range routes.GetMetric() {
		l := labels(m)
		switch l["model"] {
		case "gpt-4o":
			if m.GetCounter().GetValue() != 2 || l["fallback"] != "false" {
				t.Errorf("unexpected gpt-4o series %v=%v", l, m.GetCounter().GetValue())
			}
		case "llama3":
			if l["fallback"] != "true" || l["strategy"] != "round_robin" {
				t.Errorf("unexpected llama3 labels %v", l)
			}
		}
	}

	attempts := family(t, r, "modelrouter_route_attempts").GetMetric()[0].GetHistogram()
	if attempts.GetSampleCount() != 3 || attempts.GetSampleSum() != 4 {
		t.Errorf("attempts histogram count=%d sum=%v", attempts.GetSampleCount(), attempts.GetSampleSum())
	}

	var latencyCount uint64
	for _, m := range family(t, r, "modelrouter_route_latency_ms").GetMetric() {
		if labels(m)["strategy"] == "priority" {
			latencyCount = m.GetHistogram().GetSampleCount()
			if m.GetHistogram().GetSampleSum() != 200 {
				t.Errorf("latency sum = %v, want 200", m.GetHistogram().GetSampleSum())
			}
		}
	}
	if latencyCount != 2 {
		t.Errorf("latency count = %d, want 2", latencyCount)
	}
}

func TestObserverCounters(t *testing.T) {
	r := New()
	r.ObserveRouteError(router.KindNoSuitableModel)
	r.ObserveCache(true)
	r.ObserveCache(false)
	r.ObserveCache(false)
	r.ObserveRetry("strategy_priority", 1, router.CategoryServer)
	r.ObserveCircuitRejected("strategy_priority")

	if v := family(t, r, "modelrouter_route_errors_total").GetMetric()[0]; labels(v)["kind"] != "no_suitable_model" {
		t.Errorf("unexpected error labels %v", labels(v))
	}
	for _, m := range family(t, r, "modelrouter_cache_lookups_total").GetMetric() {
		want := 2.0
		if labels(m)["result"] == "hit" {
			want = 1
		}
		if m.GetCounter().GetValue() != want {
			t.Errorf("cache %v = %v, want %v", labels(m), m.GetCounter().GetValue(), want)
		}
	}
	retry := family(t, r, "modelrouter_retries_total").GetMetric()[0]
	if l := labels(retry); l["label"] != "strategy_priority" || l["category"] != "server" {
		t.Errorf("unexpected retry labels %v", l)
	}
	if got := family(t, r, "modelrouter_circuit_rejected_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("rejected = %v", got)
	}
}

func TestGauges(t *testing.T) {
	r := New()
	r.ObserveBreakerState("strategy_priority", circuitbreaker.Open)
	r.ObserveHealth("gpt-4o", "degraded", 320)
	r.ObserveHealth("llama3", "down", 0)

	if got := family(t, r, "modelrouter_circuit_state").GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
	for _, m := range family(t, r, "modelrouter_model_health").GetMetric() {
		want := map[string]float64{"gpt-4o": 1, "llama3": 2}[labels(m)["model"]]
		if m.GetGauge().GetValue() != want {
			t.Errorf("health %v = %v, want %v", labels(m), m.GetGauge().GetValue(), want)
		}
	}
	lat := family(t, r, "modelrouter_model_latency_ms").GetMetric()
	if len(lat) != 1 || lat[0].GetGauge().GetValue() != 320 {
		t.Errorf("zero latency should not be recorded, got %v", lat)
	}

	r.ForgetModel("gpt-4o")
	if n := len(family(t, r, "modelrouter_model_health").GetMetric()); n != 1 {
		t.Errorf("expected forgotten model series dropped, %d left", n)
	}
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.ObserveCache(true)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `modelrouter_cache_lookups_total{result="hit"} 1`) {
		t.Errorf("exposition missing cache counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing runtime collector")
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.ObserveCache(true)

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "modelrouter_cache_lookups_total" {
			t.Error("r2 should not see r1's observations")
		}
	}
}
