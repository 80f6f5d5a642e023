package router

import (
	"maps"
	"sync"
)

// routeMetrics accumulates the counters reported by Router.Metrics.
type routeMetrics struct {
	mu            sync.Mutex
	requestCount  uint64
	fallbackCount uint64
	avgRoutingMs  float64
	modelUsage    map[string]uint64
	strategyUsage map[string]uint64
}

func newRouteMetrics() *routeMetrics {
	return &routeMetrics{
		modelUsage:    map[string]uint64{},
		strategyUsage: map[string]uint64{},
	}
}

// record counts one successful route. The routing time average halves the
// distance to each new sample rather than keeping a true mean.
func (m *routeMetrics) record(md RoutingMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount++
	m.modelUsage[md.SelectedModelID]++
	m.strategyUsage[md.StrategyName]++
	if md.IsFallback {
		m.fallbackCount++
	}
	m.avgRoutingMs = (m.avgRoutingMs + float64(md.ElapsedMs)) / 2
}

func (m *routeMetrics) snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"request_count":       m.requestCount,
		"fallback_count":      m.fallbackCount,
		"avg_routing_time_ms": m.avgRoutingMs,
		"model_usage":         maps.Clone(m.modelUsage),
		"strategy_usage":      maps.Clone(m.strategyUsage),
	}
}
