package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/modelrouter/internal/events"
)

func testConfig(kind StrategyKind) Config {
	cfg := DefaultConfig()
	cfg.Strategy = kind
	cfg.FallbackStrategies = nil
	cfg.Retry = NoRetry()
	cfg.CacheDecisions = false
	return cfg
}

func newTestRouter(t *testing.T, cfg Config, reg ModelRegistry, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	r, err := New(cfg, reg, opts...)
	require.NoError(t, err)
	return r
}

type recordingHealth struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newRecordingHealth() *recordingHealth {
	return &recordingHealth{successes: map[string]int{}, failures: map[string]int{}}
}

func (h *recordingHealth) RecordSuccess(modelID string, _ float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[modelID]++
}

func (h *recordingHealth) RecordError(modelID string, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[modelID]++
}

type recordingDecisions struct {
	mu        sync.Mutex
	decisions []Decision
}

func (d *recordingDecisions) LogDecision(ctx context.Context, dec Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.decisions = append(d.decisions, dec)
	return nil
}

// blockingConnector waits for the request context to end.
type blockingConnector struct{ fakeConnector }

func (c *blockingConnector) Generate(ctx context.Context, _ ChatCompletionRequest) (ChatCompletionResponse, error) {
	<-ctx.Done()
	return ChatCompletionResponse{}, ctx.Err()
}

func nextEvent(t *testing.T, sub *events.Subscriber, typ events.EventType) events.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event received", typ)
			return events.Event{}
		}
	}
}

func TestRouter_RetriesUntilSuccess(t *testing.T) {
	reg := newFakeRegistry()
	conn := newFakeConnector("a", serverErr("overloaded"), serverErr("overloaded"))
	reg.add(testModel("a", "openai"), conn)
	health := newRecordingHealth()

	cfg := testConfig(StrategyRoundRobin)
	cfg.Retry = ExponentialRetry(10*time.Millisecond, 2, 3, time.Second)
	r := newTestRouter(t, cfg, reg, WithHealthReporter(health))

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Metadata.SelectedModelID)
	assert.Equal(t, 3, resp.Metadata.Attempts)
	assert.False(t, resp.Metadata.IsFallback)
	assert.Equal(t, 1, resp.Metadata.ModelsConsidered)
	assert.Equal(t, "a", resp.Response.Model)
	assert.Equal(t, "reply from a", resp.Response.Choices[0].Message.Content)
	assert.Equal(t, 3, conn.callCount())
	assert.Equal(t, 2, health.failures["a"])
	assert.Equal(t, 1, health.successes["a"])
}

func TestRouter_RoundRobinRotatesAcrossRoutes(t *testing.T) {
	reg := newFakeRegistry()
	for _, id := range []string{"m1", "m2", "m3"} {
		reg.add(testModel(id, "p"), newFakeConnector(id))
	}
	r := newTestRouter(t, testConfig(StrategyRoundRobin), reg)

	var selected []string
	for i := 0; i < 4; i++ {
		resp, err := r.Route(context.Background(), routingRequest("hello"))
		require.NoError(t, err)
		selected = append(selected, resp.Metadata.SelectedModelID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m1"}, selected)
}

func TestRouter_UsesFullRetryBudgetByDefault(t *testing.T) {
	reg := newFakeRegistry()
	conn := newFakeConnector("a", serverErr("1"), serverErr("2"), serverErr("3"))
	reg.add(testModel("a", "p"), conn)

	cfg := testConfig(StrategyRoundRobin)
	cfg.Retry = ExponentialRetry(10*time.Millisecond, 2, 3, 0)
	r := newTestRouter(t, cfg, reg)

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Metadata.Attempts)
	assert.Equal(t, 4, conn.callCount())
}

func TestRouter_ClientErrorsDoNotMarkModelUnhealthy(t *testing.T) {
	reg := newFakeRegistry()
	badRequest := &ConnectorError{Category: CategoryInvalidRequest, Msg: "messages[0].role is invalid", StatusCode: 400}
	conn := newFakeConnector("a")
	conn.always = badRequest
	reg.add(testModel("a", "p"), conn)
	health := newRecordingHealth()

	cfg := testConfig(StrategyRoundRobin)
	cfg.Retry = FixedRetry(0, 3)
	cfg.FallbackStrategies = []StrategyKind{StrategyPriority}
	r := newTestRouter(t, cfg, reg, WithHealthReporter(health))

	for i := 0; i < 2; i++ {
		_, err := r.Route(context.Background(), routingRequest("hello"))
		require.Error(t, err)
	}
	conn.always = authErr()
	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.Error(t, err)
	assert.GreaterOrEqual(t, conn.callCount(), 3)
	assert.Zero(t, health.failures["a"])

	conn.always = nil

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Metadata.SelectedModelID)
	assert.Equal(t, 1, health.successes["a"])
}

func TestRouter_RequestMaxAttemptsCapsRetries(t *testing.T) {
	reg := newFakeRegistry()
	conn := newFakeConnector("a")
	conn.always = serverErr("down")
	reg.add(testModel("a", "p"), conn)

	cfg := testConfig(StrategyRoundRobin)
	cfg.Retry = FixedRetry(0, 5)
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("hello").WithMaxAttempts(2))
	require.Error(t, err)
	assert.Equal(t, 2, conn.callCount())
}

func TestRouter_CachedDecisionIsReused(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	reg.add(testModel("b", "p"), newFakeConnector("b"))

	cfg := testConfig(StrategyRoundRobin)
	cfg.CacheDecisions = true
	r := newTestRouter(t, cfg, reg)

	first, err := r.Route(context.Background(), routingRequest("same question"))
	require.NoError(t, err)
	assert.Equal(t, "a", first.Metadata.SelectedModelID)
	assert.Equal(t, 1, first.Metadata.Attempts)

	second, err := r.Route(context.Background(), routingRequest("same question"))
	require.NoError(t, err)
	assert.Equal(t, "a", second.Metadata.SelectedModelID)
	assert.Equal(t, 0, second.Metadata.Attempts)

	other, err := r.Route(context.Background(), routingRequest("different question"))
	require.NoError(t, err)
	assert.Equal(t, "b", other.Metadata.SelectedModelID)

	m := r.Metrics()
	assert.Equal(t, 2, m["cache_size"])
	assert.Equal(t, uint64(1), m["cache_hits"])
	assert.Equal(t, uint64(2), m["cache_misses"])
	assert.Equal(t, uint64(3), m["request_count"])
}

func TestRouter_CachedModelNoLongerAvailable(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	reg.add(testModel("b", "p"), newFakeConnector("b"))

	cfg := testConfig(StrategyRoundRobin)
	cfg.CacheDecisions = true
	r := newTestRouter(t, cfg, reg)

	resp, err := r.Route(context.Background(), routingRequest("q"))
	require.NoError(t, err)
	require.Equal(t, "a", resp.Metadata.SelectedModelID)

	reg.setStatus("a", StatusUnavailable)
	resp, err = r.Route(context.Background(), routingRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Metadata.SelectedModelID)
	assert.Equal(t, 1, resp.Metadata.Attempts)
}

func TestRouter_CachedModelFailureRoutesAfresh(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	reg.add(testModel("a", "p"), a)

	cfg := testConfig(StrategyRoundRobin)
	cfg.CacheDecisions = true
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("q"))
	require.NoError(t, err)

	a.mu.Lock()
	a.errs = []error{serverErr("blip")}
	a.mu.Unlock()

	resp, err := r.Route(context.Background(), routingRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Metadata.SelectedModelID)
	assert.Equal(t, 1, resp.Metadata.Attempts, "served by a fresh route, not the cache")
	assert.Equal(t, 3, a.callCount())
}

func TestRouter_FallbackStrategy(t *testing.T) {
	reg := newFakeRegistry()
	coder := newFakeConnector("coder")
	coder.always = authErr()
	reg.add(taggedModel("coder", "p", "code"), coder)
	reg.add(testModel("b", "p"), newFakeConnector("b"))

	cfg := testConfig(StrategyContentBased)
	cfg.FallbackStrategies = []StrategyKind{StrategyPriority}
	cfg.Priority = PriorityConfig{ModelPriorities: map[string]int{"b": 10}}
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)
	r := newTestRouter(t, cfg, reg, WithEventBus(bus))

	resp, err := r.Route(context.Background(), routingRequest("implement this python function"))
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Metadata.SelectedModelID)
	assert.Equal(t, "priority", resp.Metadata.StrategyName)
	assert.True(t, resp.Metadata.IsFallback)
	assert.Equal(t, 1, coder.callCount())

	e := nextEvent(t, sub, events.EventRouteFallback)
	assert.Equal(t, "b", e.ModelID)
	assert.Equal(t, "fallback", e.Reason)

	assert.Equal(t, uint64(1), r.Metrics()["fallback_count"])
}

func TestRouter_FailoverWithinPrimaryStrategy(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	a.always = serverErr("down")
	reg.add(testModel("a", "p"), a)
	reg.add(testModel("b", "p"), newFakeConnector("b"))

	cfg := testConfig(StrategyPriority)
	cfg.Priority = PriorityConfig{ModelPriorities: map[string]int{"a": 10}}
	cfg.StrategyConfig.Fallback = &StrategyConfig{}
	r := newTestRouter(t, cfg, reg)

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Metadata.SelectedModelID)
	assert.Equal(t, "priority", resp.Metadata.StrategyName)
	assert.True(t, resp.Metadata.IsFallback)
	assert.Equal(t, "a", resp.Metadata.Extra["failed_model"])
}

func TestRouter_DegradedStaticResponse(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	a.always = authErr()
	reg.add(testModel("a", "p"), a)

	cfg := testConfig(StrategyRoundRobin)
	cfg.Degraded = StaticResponse("try again later")
	r := newTestRouter(t, cfg, reg)

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "degraded-mode", resp.Response.Model)
	assert.Equal(t, "try again later", resp.Response.Choices[0].Message.Content)
	assert.Equal(t, "degraded_mode", resp.Response.Choices[0].FinishReason)
	assert.Equal(t, "degraded_mode", resp.Metadata.StrategyName)
	assert.True(t, resp.Metadata.IsFallback)
	assert.Equal(t, 0, resp.Metadata.Attempts)
	assert.Equal(t, "true", resp.Metadata.Extra["degraded_mode"])

	assert.Equal(t, uint64(0), r.Metrics()["request_count"])
}

func TestRouter_DegradedDefaultModel(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	a.always = authErr()
	reg.add(testModel("a", "p"), a)
	backup := testModel("backup", "local")
	backup.Status = StatusMaintenance
	reg.add(backup, newFakeConnector("backup"))

	cfg := testConfig(StrategyRoundRobin)
	cfg.Degraded = DefaultModel("backup")
	r := newTestRouter(t, cfg, reg)

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Metadata.SelectedModelID)
	assert.Equal(t, "backup", resp.Response.Model)
	assert.Equal(t, 1, resp.Metadata.Attempts)
	assert.True(t, resp.Metadata.IsFallback)
}

func TestRouter_FailFastWrapsPrimaryError(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	a.always = authErr()
	reg.add(testModel("a", "p"), a)
	decisions := &recordingDecisions{}

	r := newTestRouter(t, testConfig(StrategyRoundRobin), reg, WithDecisionLog(decisions))

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFallback))
	assert.Contains(t, err.Error(), "All strategies and degraded service mode failed")

	var ce *ConnectorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 401, ce.StatusCode)

	require.Len(t, decisions.decisions, 1)
	assert.Equal(t, string(KindFallback), decisions.decisions[0].ErrorKind)
}

func TestRouter_BreakerOpensAcrossRequests(t *testing.T) {
	reg := newFakeRegistry()
	a := newFakeConnector("a")
	a.always = serverErr("down")
	reg.add(testModel("a", "p"), a)

	cfg := testConfig(StrategyRoundRobin)
	cfg.CircuitBreaker.FailureThreshold = 1
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)
	r := newTestRouter(t, cfg, reg, WithEventBus(bus))

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.Error(t, err)
	e := nextEvent(t, sub, events.EventBreakerChange)
	assert.Equal(t, "strategy_round_robin", e.Label)
	assert.Equal(t, "open", e.NewState)

	_, err = r.Route(context.Background(), routingRequest("hello"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCircuitOpen))
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, "open", r.BreakerStates()["strategy_round_robin"])
}

func TestRouter_Timeout(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("slow", "p"), &blockingConnector{})

	cfg := testConfig(StrategyRoundRobin)
	cfg.FallbackStrategies = []StrategyKind{StrategyPriority}
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("hello").WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestRouter_NoModels(t *testing.T) {
	r := newTestRouter(t, testConfig(StrategyRoundRobin), newFakeRegistry())

	_, err := r.Route(context.Background(), routingRequest("hello"))
	assert.True(t, IsNoSuitableModel(err))
}

func TestRouter_PreferredAndExcluded(t *testing.T) {
	reg := newFakeRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.add(testModel(id, "p"), newFakeConnector(id))
	}
	r := newTestRouter(t, testConfig(StrategyRoundRobin), reg)

	resp, err := r.Route(context.Background(), routingRequest("hello").WithPreferredModel("c"))
	require.NoError(t, err)
	assert.Equal(t, "c", resp.Metadata.SelectedModelID)

	for i := 0; i < 4; i++ {
		resp, err = r.Route(context.Background(), routingRequest("hello").WithExcludedModel("a").WithExcludedModel("b"))
		require.NoError(t, err)
		assert.Equal(t, "c", resp.Metadata.SelectedModelID)
	}
}

func TestRouter_MetricsSnapshot(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "openai"), newFakeConnector("a"))
	decisions := &recordingDecisions{}
	r := newTestRouter(t, testConfig(StrategyRoundRobin), reg, WithDecisionLog(decisions))

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)

	m := r.Metrics()
	assert.Equal(t, uint64(1), m["request_count"])
	assert.Equal(t, uint64(0), m["fallback_count"])
	assert.Equal(t, map[string]uint64{"a": 1}, m["model_usage"])
	assert.Equal(t, map[string]uint64{"round_robin": 1}, m["strategy_usage"])
	assert.Contains(t, m, "avg_routing_time_ms")
	assert.Equal(t, map[string]string{"strategy_round_robin": "closed"}, m["circuit_breakers"])

	summary, ok := m["registry"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, summary["total_models"])

	require.Len(t, decisions.decisions, 1)
	d := decisions.decisions[0]
	assert.Equal(t, "a", d.ModelID)
	assert.Equal(t, "round_robin", d.Strategy)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, d.Error)
}

func TestRouter_MetricsDisabled(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	cfg := testConfig(StrategyRoundRobin)
	cfg.CollectMetrics = false
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Metrics()["request_count"])
}

func TestRouter_UpdateConfig(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	reg.add(testModel("b", "p"), newFakeConnector("b"))

	cfg := testConfig(StrategyRoundRobin)
	cfg.CacheDecisions = true
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Metrics()["cache_size"])

	next := testConfig(StrategyPriority)
	next.Priority = PriorityConfig{ModelPriorities: map[string]int{"b": 5}}
	require.NoError(t, r.UpdateConfig(next))
	assert.Equal(t, StrategyPriority, r.Config().Strategy)
	assert.Equal(t, 0, r.Metrics()["cache_size"])

	resp, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Metadata.SelectedModelID)

	bad := testConfig(StrategyCustom)
	err = r.UpdateConfig(bad)
	assert.True(t, IsKind(err, KindStrategyConfig))
	assert.Equal(t, StrategyPriority, r.Config().Strategy)
}

func TestRouter_ClearCache(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	cfg := testConfig(StrategyRoundRobin)
	cfg.CacheDecisions = true
	r := newTestRouter(t, cfg, reg)

	_, err := r.Route(context.Background(), routingRequest("hello"))
	require.NoError(t, err)
	r.ClearCache()
	assert.Equal(t, 0, r.Metrics()["cache_size"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(testConfig(StrategyCustom), newFakeRegistry())
	assert.True(t, IsKind(err, KindStrategyConfig))

	_, err = New(testConfig(StrategyRoundRobin), nil)
	assert.True(t, IsKind(err, KindRegistry))

	cfg := testConfig(StrategyRoundRobin)
	cfg.Degraded = DegradedMode{Kind: DegradedDefaultModel}
	_, err = New(cfg, newFakeRegistry())
	assert.True(t, IsKind(err, KindStrategyConfig))
}

func TestRouter_ConcurrentRoutes(t *testing.T) {
	reg := newFakeRegistry()
	reg.add(testModel("a", "p"), newFakeConnector("a"))
	reg.add(testModel("b", "p"), newFakeConnector("b"))
	r := newTestRouter(t, testConfig(StrategyRoundRobin), reg)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Route(context.Background(), routingRequest(fmt.Sprintf("q%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	m := r.Metrics()
	assert.Equal(t, uint64(40), m["request_count"])
	assert.Equal(t, map[string]uint64{"a": 20, "b": 20}, m["model_usage"])
}
