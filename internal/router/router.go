package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/modelrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/modelrouter/internal/events"
)

// Observer receives routing measurements. Implementations must not block.
type Observer interface {
	RetryObserver
	ObserveRoute(strategy, modelID string, isFallback bool, elapsed time.Duration, attempts int)
	ObserveRouteError(kind ErrorKind)
	ObserveCache(hit bool)
	ObserveBreakerState(label string, state circuitbreaker.State)
}

// HealthReporter receives the outcome of every connector call.
// Defined here to avoid import cycles with the health package.
type HealthReporter interface {
	RecordSuccess(modelID string, latencyMs float64)
	RecordError(modelID string, errMsg string)
}

// Decision is one routing outcome, as persisted by a DecisionLogger.
type Decision struct {
	RequestID  string    `json:"request_id"`
	ModelID    string    `json:"model_id,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	IsFallback bool      `json:"is_fallback"`
	Attempts   int       `json:"attempts"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	CacheHit   bool      `json:"cache_hit"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionLogger persists routing decisions. Failures are logged, never
// returned to the caller of Route.
type DecisionLogger interface {
	LogDecision(ctx context.Context, d Decision) error
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func WithEventBus(b *events.Bus) Option {
	return func(r *Router) { r.bus = b }
}

func WithDecisionLog(d DecisionLogger) Option {
	return func(r *Router) { r.decisions = d }
}

func WithHealthReporter(h HealthReporter) Option {
	return func(r *Router) { r.health = h }
}

// WithClock overrides the router's time source for breakers and metadata.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// routingState is everything derived from Config. It is swapped as a whole
// by UpdateConfig so Route always sees a consistent set.
type routingState struct {
	cfg       Config
	strategy  Strategy
	fallbacks []Strategy
	executor  *Executor
}

// Router picks one model per request, retrying, failing over across
// strategies and finally degrading when nothing works.
type Router struct {
	registry  ModelRegistry
	logger    *slog.Logger
	observer  Observer
	bus       *events.Bus
	decisions DecisionLogger
	health    HealthReporter
	tracer    trace.Tracer
	now       func() time.Time

	mu    sync.RWMutex
	state *routingState

	cache   *decisionCache
	metrics *routeMetrics
}

// New builds a Router over reg.
func New(cfg Config, reg ModelRegistry, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, &RouterError{Kind: KindRegistry, Msg: "model registry is required"}
	}
	r := &Router{
		registry: reg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/jordanhubbard/modelrouter/internal/router"),
		now:      time.Now,
		cache:    newDecisionCache(cfg.MaxCacheSize),
		metrics:  newRouteMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	st, err := r.buildState(cfg)
	if err != nil {
		return nil, err
	}
	r.state = st
	return r, nil
}

func (r *Router) buildState(cfg Config) (*routingState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sopts := cfg.strategyOptions()
	sopts.Logger = r.logger

	primary, err := NewStrategy(cfg.Strategy, cfg.StrategyConfig, sopts)
	if err != nil {
		return nil, err
	}
	fallbacks := make([]Strategy, 0, len(cfg.FallbackStrategies))
	for _, k := range cfg.FallbackStrategies {
		s, err := NewStrategy(k, cfg.StrategyConfig, sopts)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, s)
	}

	bopts := append(cfg.CircuitBreaker.options(),
		circuitbreaker.WithClock(r.now),
		circuitbreaker.WithOnStateChange(r.onBreakerChange),
	)
	ex := NewExecutor(cfg.Retry, cfg.RetryableCategories, circuitbreaker.NewSet(bopts...))
	ex.logger = r.logger
	ex.observer = r.observer

	return &routingState{cfg: cfg, strategy: primary, fallbacks: fallbacks, executor: ex}, nil
}

func (r *Router) snapshot() *routingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Config returns the active configuration.
func (r *Router) Config() Config { return r.snapshot().cfg }

// UpdateConfig rebuilds strategies, executor and breakers from cfg. The
// decision cache is cleared when caching is turned off and resized otherwise.
func (r *Router) UpdateConfig(cfg Config) error {
	st, err := r.buildState(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()

	if !cfg.CacheDecisions {
		r.cache.clear()
	} else {
		r.cache.resize(cfg.MaxCacheSize)
	}
	r.logger.Info("router configuration updated",
		slog.String("strategy", string(cfg.Strategy)),
		slog.Int("fallbacks", len(cfg.FallbackStrategies)),
	)
	return nil
}

// ClearCache drops every cached routing decision.
func (r *Router) ClearCache() { r.cache.clear() }

// Breakers returns the breaker set of the active executor.
func (r *Router) Breakers() *circuitbreaker.Set { return r.snapshot().executor.Breakers() }

// BreakerStates returns each known breaker label with its state name.
func (r *Router) BreakerStates() map[string]string {
	states := r.Breakers().States()
	out := make(map[string]string, len(states))
	for l, s := range states {
		out[l] = s.String()
	}
	return out
}

// Route selects a model for req and returns its response.
func (r *Router) Route(ctx context.Context, req RoutingRequest) (RoutingResponse, error) {
	start := r.now()
	st := r.snapshot()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = st.cfg.GlobalTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("routing.request_id", req.Context.RequestID),
		attribute.String("routing.strategy", st.strategy.Name()),
		attribute.Int("routing.messages", len(req.Context.Request.Messages)),
	))
	defer span.End()

	resp, cacheHit, err := r.route(ctx, st, req, start)
	elapsed := r.now().Sub(start)

	d := Decision{
		RequestID: req.Context.RequestID,
		ElapsedMs: elapsed.Milliseconds(),
		CacheHit:  cacheHit,
		CreatedAt: r.now().UTC(),
	}
	if err != nil {
		kind := ErrorKindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("routing failed",
			slog.String("request_id", req.Context.RequestID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		if r.observer != nil {
			r.observer.ObserveRouteError(kind)
		}
		r.publish(events.Event{
			Type:      events.EventRouteError,
			RequestID: req.Context.RequestID,
			LatencyMs: elapsed.Milliseconds(),
			ErrorKind: string(kind),
			ErrorMsg:  err.Error(),
		})
		d.ErrorKind = string(kind)
		d.Error = err.Error()
		r.logDecision(ctx, d)
		return RoutingResponse{}, err
	}

	md := resp.Metadata
	span.SetAttributes(
		attribute.String("routing.model", md.SelectedModelID),
		attribute.String("routing.selected_by", md.StrategyName),
		attribute.Int("routing.attempts", md.Attempts),
		attribute.Bool("routing.fallback", md.IsFallback),
		attribute.Bool("routing.cache_hit", cacheHit),
	)
	d.ModelID = md.SelectedModelID
	d.Strategy = md.StrategyName
	d.IsFallback = md.IsFallback
	d.Attempts = md.Attempts
	r.logDecision(ctx, d)
	return resp, nil
}

func (r *Router) route(ctx context.Context, st *routingState, req RoutingRequest, start time.Time) (RoutingResponse, bool, error) {
	if len(r.registry.ListModels()) == 0 {
		return RoutingResponse{}, false, NoSuitableModelError("no models are registered")
	}

	var key uint64
	if st.cfg.CacheDecisions {
		key = Fingerprint(req.Context.Request)
		if resp, ok := r.fromCache(ctx, st, req, key, start); ok {
			return resp, true, nil
		}
	}

	eligible, err := EligibleModels(r.registry, req)
	if err != nil {
		return RoutingResponse{}, false, err
	}
	considered := len(eligible)

	resp, failedModel, primaryErr := r.tryStrategy(ctx, st, st.strategy, req, start, false, considered)
	if primaryErr == nil {
		r.succeed(st, req, key, resp, "")
		return resp, false, nil
	}
	r.logger.Warn("primary strategy failed",
		slog.String("strategy", st.strategy.Name()),
		slog.String("error", primaryErr.Error()),
	)

	if failedModel != "" && st.cfg.StrategyConfig.Fallback != nil && ctx.Err() == nil {
		if resp, err := r.failover(ctx, st, req, failedModel, primaryErr, start, considered); err == nil {
			r.succeed(st, req, key, resp, "failover")
			return resp, false, nil
		}
	}

	for _, fb := range st.fallbacks {
		if err := ctx.Err(); err != nil {
			return RoutingResponse{}, false, &RouterError{Kind: KindTimeout, Msg: "routing deadline exceeded", Err: err}
		}
		resp, _, err := r.tryStrategy(ctx, st, fb, req, start, true, considered)
		if err == nil {
			r.logger.Info("fallback strategy succeeded", slog.String("strategy", fb.Name()))
			r.succeed(st, req, key, resp, "fallback")
			return resp, false, nil
		}
		r.logger.Warn("fallback strategy failed",
			slog.String("strategy", fb.Name()),
			slog.String("error", err.Error()),
		)
	}
	if err := ctx.Err(); err != nil {
		return RoutingResponse{}, false, &RouterError{Kind: KindTimeout, Msg: "routing deadline exceeded", Err: err}
	}

	r.logger.Info("all strategies failed, entering degraded mode", slog.String("mode", string(st.cfg.Degraded.Kind)))
	resp, err = r.handleDegraded(ctx, st.cfg.Degraded, req, start)
	if err != nil {
		return RoutingResponse{}, false, &RouterError{
			Kind: KindFallback,
			Msg:  fmt.Sprintf("All strategies and degraded service mode failed. Original error: %s", primaryErr),
			Err:  primaryErr,
		}
	}
	r.publish(events.Event{
		Type:      events.EventRouteDegraded,
		RequestID: req.Context.RequestID,
		ModelID:   resp.Metadata.SelectedModelID,
		Strategy:  resp.Metadata.StrategyName,
		Reason:    primaryErr.Error(),
	})
	return resp, false, nil
}

// fromCache serves req from the decision cache. A cached model that is no
// longer routable for req, or whose connector fails, is evicted and the
// request falls through to normal routing.
func (r *Router) fromCache(ctx context.Context, st *routingState, req RoutingRequest, key uint64, start time.Time) (RoutingResponse, bool) {
	cached, ok := r.cache.get(key)
	if r.observer != nil {
		r.observer.ObserveCache(ok)
	}
	if !ok {
		return RoutingResponse{}, false
	}
	current, ok := r.registry.GetModel(cached.ID)
	if !ok || !current.IsAvailable() || req.IsExcluded(current.ID) {
		r.cache.remove(key)
		return RoutingResponse{}, false
	}

	md := st.strategy.DescribeDecision(current, start, 0, false)
	resp, err := r.generate(ctx, req, current, md)
	if err != nil {
		r.logger.Warn("cached model failed, routing afresh",
			slog.String("model", current.ID),
			slog.String("error", err.Error()),
		)
		r.cache.remove(key)
		return RoutingResponse{}, false
	}
	r.recordMetrics(st, resp)
	r.publish(events.Event{
		Type:      events.EventCacheHit,
		RequestID: req.Context.RequestID,
		ModelID:   current.ID,
		Provider:  current.Provider,
		Strategy:  md.StrategyName,
		LatencyMs: resp.Metadata.ElapsedMs,
	})
	return resp, true
}

// tryStrategy runs one strategy through the executor. On failure it also
// returns the id of the last model the strategy selected, if any.
func (r *Router) tryStrategy(ctx context.Context, st *routingState, s Strategy, req RoutingRequest, start time.Time, isFallback bool, considered int) (RoutingResponse, string, error) {
	var lastModel string
	resp, _, err := executeLimited(ctx, st.executor, "strategy_"+s.Name(), req.MaxAttempts, func(ctx context.Context, attempt int) (RoutingResponse, error) {
		m, err := s.SelectModel(ctx, req, r.registry)
		if err != nil {
			return RoutingResponse{}, err
		}
		lastModel = m.ID
		md := s.DescribeDecision(m, start, attempt, isFallback)
		md.ModelsConsidered = considered
		return r.generate(ctx, req, m, md)
	})
	if err != nil {
		return RoutingResponse{}, lastModel, err
	}
	return resp, "", nil
}

// failover asks the primary strategy for a replacement for failedModel and
// tries it through the executor under its own label.
func (r *Router) failover(ctx context.Context, st *routingState, req RoutingRequest, failedModel string, cause error, start time.Time, considered int) (RoutingResponse, error) {
	s := st.strategy
	resp, _, err := executeLimited(ctx, st.executor, "failover_"+s.Name(), req.MaxAttempts, func(ctx context.Context, attempt int) (RoutingResponse, error) {
		m, err := s.HandleFailure(ctx, req, failedModel, cause, r.registry)
		if err != nil {
			return RoutingResponse{}, err
		}
		md := s.DescribeDecision(m, start, attempt, true)
		md.ModelsConsidered = considered
		md.Extra["failed_model"] = failedModel
		return r.generate(ctx, req, m, md)
	})
	return resp, err
}

// generate calls m's connector and completes md with the end time.
func (r *Router) generate(ctx context.Context, req RoutingRequest, m ModelMetadata, md RoutingMetadata) (RoutingResponse, error) {
	conn, ok := r.registry.GetConnector(m.ID)
	if !ok {
		return RoutingResponse{}, NoSuitableModelError("no connector found for model %s", m.ID)
	}
	chat := req.Context.Request
	chat.Model = m.ID

	t0 := r.now()
	resp, err := conn.Generate(ctx, chat)
	latency := r.now().Sub(t0)
	if err != nil {
		if r.health != nil && IsBackendFault(ctx, err) {
			r.health.RecordError(m.ID, err.Error())
		}
		return RoutingResponse{}, &RouterError{
			Kind: KindConnector,
			Msg:  fmt.Sprintf("model %s: %s", m.ID, err),
			Err:  err,
		}
	}
	if r.health != nil {
		r.health.RecordSuccess(m.ID, float64(latency.Microseconds())/1000)
	}

	end := r.now()
	md.EndTime = end
	md.ElapsedMs = end.Sub(md.StartTime).Milliseconds()
	return RoutingResponse{Response: resp, Metadata: md}, nil
}

// succeed caches the decision, updates metrics and publishes the outcome.
func (r *Router) succeed(st *routingState, req RoutingRequest, key uint64, resp RoutingResponse, reason string) {
	md := resp.Metadata
	if st.cfg.CacheDecisions {
		if m, ok := r.registry.GetModel(md.SelectedModelID); ok {
			r.cache.put(key, m)
		}
	}
	r.recordMetrics(st, resp)

	typ := events.EventRouteSuccess
	if md.IsFallback {
		typ = events.EventRouteFallback
	}
	var provider string
	if m, ok := r.registry.GetModel(md.SelectedModelID); ok {
		provider = m.Provider
	}
	r.publish(events.Event{
		Type:      typ,
		RequestID: req.Context.RequestID,
		ModelID:   md.SelectedModelID,
		Provider:  provider,
		Strategy:  md.StrategyName,
		LatencyMs: md.ElapsedMs,
		Attempts:  md.Attempts,
		Reason:    reason,
	})
	r.logger.Info("routed request",
		slog.String("request_id", req.Context.RequestID),
		slog.String("model", md.SelectedModelID),
		slog.String("strategy", md.StrategyName),
		slog.Int("attempts", md.Attempts),
		slog.Bool("fallback", md.IsFallback),
		slog.Int64("elapsed_ms", md.ElapsedMs),
	)
}

func (r *Router) recordMetrics(st *routingState, resp RoutingResponse) {
	md := resp.Metadata
	if st.cfg.CollectMetrics {
		r.metrics.record(md)
	}
	if r.observer != nil {
		r.observer.ObserveRoute(md.StrategyName, md.SelectedModelID, md.IsFallback,
			time.Duration(md.ElapsedMs)*time.Millisecond, md.Attempts)
	}
}

func (r *Router) onBreakerChange(label string, from, to circuitbreaker.State) {
	r.logger.Warn("circuit breaker state change",
		slog.String("label", label),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if r.observer != nil {
		r.observer.ObserveBreakerState(label, to)
	}
	r.publish(events.Event{
		Type:     events.EventBreakerChange,
		Label:    label,
		OldState: from.String(),
		NewState: to.String(),
	})
}

func (r *Router) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func (r *Router) logDecision(ctx context.Context, d Decision) {
	if r.decisions == nil {
		return
	}
	// The request context may already be cancelled; the log write must not be.
	ctx = context.WithoutCancel(ctx)
	if err := r.decisions.LogDecision(ctx, d); err != nil {
		r.logger.Warn("failed to log routing decision", slog.String("error", err.Error()))
	}
}

// Metrics returns a snapshot of routing counters, cache statistics, breaker
// states and a registry summary.
func (r *Router) Metrics() map[string]any {
	out := r.metrics.snapshot()
	size, hits, misses := r.cache.stats()
	out["cache_size"] = size
	out["cache_hits"] = hits
	out["cache_misses"] = misses
	out["circuit_breakers"] = r.BreakerStates()
	out["registry"] = RegistrySummary(r.registry)
	return out
}

// IsNoSuitableModel reports whether err means no model could serve the request.
func IsNoSuitableModel(err error) bool { return IsKind(err, KindNoSuitableModel) }

// IsTimeout reports whether err is a routing timeout or a context deadline.
func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout) || errors.Is(err, context.DeadlineExceeded)
}
